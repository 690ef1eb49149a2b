package wire

import "testing"

func TestPingPongRoundTrip(t *testing.T) {
	ping := NewPing()
	if !IsPing(ping) {
		t.Fatal("NewPing did not produce a recognizable ping marker")
	}

	pong := NewPong("v1")
	v, ok := PongVersion(pong)
	if !ok || v != "v1" {
		t.Fatalf("PongVersion = %q, %v; want v1, true", v, ok)
	}
}

func TestNotificationsRoundTrip(t *testing.T) {
	nodes := map[string]string{"state": "node-1", "pending": "node-2"}
	tag := NewNotifications("pubsub.example", nodes)

	service, got, ok := DecodeNotifications(tag)
	if !ok {
		t.Fatal("DecodeNotifications failed")
	}
	if service != "pubsub.example" {
		t.Errorf("service = %q, want pubsub.example", service)
	}
	for typ, node := range nodes {
		if got[typ] != node {
			t.Errorf("nodes[%q] = %q, want %q", typ, got[typ], node)
		}
	}
}

func TestRequestResponseRoundTrip(t *testing.T) {
	params, err := EncodeJSON(TagParams, []interface{}{"foo"})
	if err != nil {
		t.Fatalf("EncodeJSON: %v", err)
	}
	req := NewRequest("echo", params)

	method, p, ok := DecodeRequest(req)
	if !ok || method != "echo" {
		t.Fatalf("DecodeRequest = %q, %v, want echo, true", method, ok)
	}
	var args []interface{}
	if err := DecodeJSON(p, &args); err != nil {
		t.Fatalf("DecodeJSON: %v", err)
	}
	if len(args) != 1 || args[0] != "foo" {
		t.Errorf("args = %v, want [foo]", args)
	}

	result, err := EncodeJSON(TagResult, "foo")
	if err != nil {
		t.Fatalf("EncodeJSON: %v", err)
	}
	resp := NewResultResponse(result)
	outcome, ok := DecodeResponse(resp)
	if !ok || outcome.IsError {
		t.Fatalf("DecodeResponse = %+v, %v", outcome, ok)
	}
	var got string
	if err := DecodeJSON(outcome.Result, &got); err != nil {
		t.Fatalf("DecodeJSON result: %v", err)
	}
	if got != "foo" {
		t.Errorf("result = %q, want foo", got)
	}
}

func TestErrorResponseRoundTrip(t *testing.T) {
	resp := NewErrorResponse(42, "bar", nil)
	outcome, ok := DecodeResponse(resp)
	if !ok || !outcome.IsError {
		t.Fatalf("DecodeResponse = %+v, %v", outcome, ok)
	}
	if outcome.Code != 42 || outcome.Message != "bar" {
		t.Errorf("got code=%d message=%q, want 42, bar", outcome.Code, outcome.Message)
	}
}

func TestUpdateRoundTrip(t *testing.T) {
	payload, err := EncodeJSON(TagUpdate, map[string]string{"id": "a"})
	if err != nil {
		t.Fatalf("EncodeJSON: %v", err)
	}
	update := NewUpdate("state", payload)

	typ, ok := DecodeUpdate(update)
	if !ok || typ != "state" {
		t.Fatalf("DecodeUpdate = %q, %v, want state, true", typ, ok)
	}
}
