package wire

import (
	"bytes"
	"strings"
	"testing"
)

func TestPayloadRoundTripRaw(t *testing.T) {
	data := []byte("hello world\nsecond line")
	tag := EncodePayload("params", data)
	if len(tag.Children) != 1 || tag.Children[0].Name != "raw" {
		t.Fatalf("expected a single raw child, got %+v", tag.Children)
	}
	got, err := DecodePayload(tag)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("round trip mismatch: got %q want %q", got, data)
	}
}

func TestPayloadRoundTripBase64(t *testing.T) {
	data := []byte{0x00, 0x01, 0xff, 0xfe, 'h', 'i'}
	tag := EncodePayload("params", data)
	if len(tag.Children) != 1 || tag.Children[0].Name != "base64" {
		t.Fatalf("expected a single base64 child, got %+v", tag.Children)
	}
	got, err := DecodePayload(tag)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("round trip mismatch: got %v want %v", got, data)
	}
}

func TestPayloadRoundTripZlib(t *testing.T) {
	data := []byte(strings.Repeat("a", 1000))
	tag := EncodePayload("params", data)
	if len(tag.Children) != 1 || tag.Children[0].Name != "zlib" {
		t.Fatalf("expected compression to kick in, got %+v", tag.Children)
	}
	if size, _ := tag.Children[0].GetAttr("size"); size != "1000" {
		t.Errorf("size attr = %q, want 1000", size)
	}
	got, err := DecodePayload(tag)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("round trip mismatch")
	}
}

func TestCompressionGate(t *testing.T) {
	cases := []struct {
		name     string
		data     []byte
		wantZlib bool
	}{
		{"short highly compressible", bytes.Repeat([]byte("a"), 100), false}, // < 128 bytes
		{"long highly compressible", bytes.Repeat([]byte("a"), 200), true},
		{"long incompressible", randomish(200), false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			tag := EncodePayload("params", c.data)
			gotZlib := len(tag.Children) == 1 && tag.Children[0].Name == "zlib"
			if gotZlib != c.wantZlib {
				t.Errorf("zlib used = %v, want %v", gotZlib, c.wantZlib)
			}
		})
	}
}

// randomish returns a byte string that zlib cannot compress below 70%.
func randomish(n int) []byte {
	out := make([]byte, n)
	x := uint32(0x2545F491)
	for i := range out {
		x ^= x << 13
		x ^= x >> 17
		x ^= x << 5
		out[i] = byte(x)
	}
	return out
}

func TestDecodeUnknownChildIsMalformed(t *testing.T) {
	tag := NewTag("params")
	tag.AddChild(&Tag{Name: "bogus", CData: "x"})
	if _, err := DecodePayload(tag); err == nil {
		t.Fatal("expected an error for an unknown child tag")
	}
}

func TestDecodeZlibSizeMismatch(t *testing.T) {
	data := []byte(strings.Repeat("b", 500))
	tag := EncodePayload("params", data)
	tag.Children[0].Attr["size"] = "1"
	if _, err := DecodePayload(tag); err == nil {
		t.Fatal("expected a size-mismatch error")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	in := map[string]interface{}{
		"id":    "a",
		"value": []interface{}{1.0, 2.0, "three"},
	}
	tag, err := EncodeJSON("result", in)
	if err != nil {
		t.Fatalf("EncodeJSON: %v", err)
	}
	var out map[string]interface{}
	if err := DecodeJSON(tag, &out); err != nil {
		t.Fatalf("DecodeJSON: %v", err)
	}
	if out["id"] != "a" {
		t.Errorf("id = %v, want a", out["id"])
	}
}

func TestJSONRejectsDuplicateKeys(t *testing.T) {
	tag := EncodePayload("result", []byte(`{"a":1,"a":2}`))
	var out map[string]interface{}
	if err := DecodeJSON(tag, &out); err == nil {
		t.Fatal("expected duplicate-key rejection")
	}
}

func TestJSONRejectsTrailingData(t *testing.T) {
	tag := EncodePayload("result", []byte(`{"a":1} garbage`))
	var out map[string]interface{}
	if err := DecodeJSON(tag, &out); err == nil {
		t.Fatal("expected trailing-data rejection")
	}
}

func TestMarshalParseRoundTrip(t *testing.T) {
	ping := NewPing()
	data, err := ping.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	parsed, err := ParseTag(data)
	if err != nil {
		t.Fatalf("ParseTag: %v", err)
	}
	if !IsPing(parsed) {
		t.Errorf("parsed tag is not recognized as a ping marker: %+v", parsed)
	}
}
