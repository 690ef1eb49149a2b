package jid

import "testing"

func TestParseFull(t *testing.T) {
	id, err := Parse("charon-server@xaya.io/res1")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if id.User != "charon-server" || id.Host != "xaya.io" || id.Resource != "res1" {
		t.Errorf("got %+v", id)
	}
	if id.IsBare() {
		t.Error("expected a full identity")
	}
	if id.String() != "charon-server@xaya.io/res1" {
		t.Errorf("String() = %q", id.String())
	}
}

func TestParseBare(t *testing.T) {
	id, err := Parse("charon-server@xaya.io")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !id.IsBare() {
		t.Error("expected a bare identity")
	}
}

func TestParseInvalid(t *testing.T) {
	if _, err := Parse("no-at-sign"); err == nil {
		t.Error("expected an error for a missing @")
	}
	if _, err := Parse("@host"); err == nil {
		t.Error("expected an error for an empty user")
	}
}

func TestBareAndSameBare(t *testing.T) {
	full, _ := Parse("a@b/r1")
	bare := full.Bare()
	if !bare.IsBare() {
		t.Error("Bare() should drop the resource")
	}
	if !full.SameBare(bare) {
		t.Error("SameBare should ignore the resource")
	}
	other, _ := Parse("a@b/r2")
	if !full.SameBare(other) {
		t.Error("SameBare should match across different resources")
	}
	if full.Equal(other) {
		t.Error("Equal should distinguish resources")
	}
}
