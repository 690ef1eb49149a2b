package server

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/xaya/charon/internal/fakefabric"
	"github.com/xaya/charon/jid"
	"github.com/xaya/charon/notify"
	"github.com/xaya/charon/rpccore"
	"github.com/xaya/charon/transport"
	"github.com/xaya/charon/wire"
)

var stubType = notify.Type{
	Name:           "stub",
	ExtractStateID: func(json.RawMessage) (string, error) { return "", nil },
	AlwaysBlockID:  "block",
}

var selfID = jid.Identity{User: "server", Host: "example.com", Resource: "r1"}

type echoHandler struct{}

func (echoHandler) HandleMethod(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, *rpccore.RPCError) {
	if method == "danger" {
		return nil, &rpccore.RPCError{Code: rpccore.CodeMethodNotFound, Message: "no such method"}
	}
	return params, nil
}

func TestServerRepliesToPingOnlyWhenReady(t *testing.T) {
	fabric := fakefabric.New()
	adapter := fakefabric.NewAdapter(fabric, selfID)
	srv := New(adapter, "v1", echoHandler{})

	caller := jid.Identity{User: "client", Host: "example.com", Resource: "cli"}
	callerAdapter := fakefabric.NewAdapter(fabric, caller)
	callerAdapter.Connect(context.Background(), -1)

	pongs := make(chan transport.Stanza, 1)
	callerAdapter.SetPresenceHandler(func(st transport.Stanza) { pongs <- st })

	// Before Connect, the server isn't registered on the fabric at all, so
	// this ping simply has nowhere to be routed; no reply is expected.
	_ = callerAdapter.Send(transport.Stanza{Kind: transport.KindMessage, From: caller, To: jid.Identity{User: "server", Host: "example.com"}, Ext: wire.NewPing()})
	select {
	case <-pongs:
		t.Fatalf("unexpected pong before the server connected")
	case <-time.After(30 * time.Millisecond):
	}

	if ok, err := srv.Connect(context.Background()); err != nil || !ok {
		t.Fatalf("server connect: ok=%v err=%v", ok, err)
	}

	_ = callerAdapter.Send(transport.Stanza{Kind: transport.KindMessage, From: caller, To: jid.Identity{User: "server", Host: "example.com"}, Ext: wire.NewPing()})
	select {
	case st := <-pongs:
		version, ok := wire.PongVersion(st.Ext)
		if !ok || version != "v1" {
			t.Fatalf("expected a pong advertising v1, got %+v", st.Ext)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for a pong")
	}

	srv.Stop()
}

func TestServerHandlesEchoRequest(t *testing.T) {
	fabric := fakefabric.New()
	adapter := fakefabric.NewAdapter(fabric, selfID)
	srv := New(adapter, "v1", echoHandler{})
	if ok, err := srv.Connect(context.Background()); err != nil || !ok {
		t.Fatalf("server connect: ok=%v err=%v", ok, err)
	}

	caller := jid.Identity{User: "client", Host: "example.com", Resource: "cli"}
	callerAdapter := fakefabric.NewAdapter(fabric, caller)
	callerAdapter.Connect(context.Background(), -1)

	replies := make(chan transport.Stanza, 1)
	callerAdapter.SetIQHandler(wire.TagResponse, func(st transport.Stanza) { replies <- st })

	params, err := wire.EncodeJSON(wire.TagParams, map[string]int{"x": 7})
	if err != nil {
		t.Fatalf("encoding params: %v", err)
	}
	req := wire.NewRequest("echo", params)
	if err := callerAdapter.Send(transport.Stanza{
		Kind: transport.KindIQ, From: caller, To: selfID, ID: "req-1", Type: "get", Ext: req,
	}); err != nil {
		t.Fatalf("sending request: %v", err)
	}

	select {
	case st := <-replies:
		outcome, ok := wire.DecodeResponse(st.Ext)
		if !ok || outcome.IsError {
			t.Fatalf("expected a successful response, got %+v", outcome)
		}
		var got map[string]int
		if err := wire.DecodeJSON(outcome.Result, &got); err != nil {
			t.Fatalf("decoding result: %v", err)
		}
		if got["x"] != 7 {
			t.Fatalf("unexpected echoed result: %v", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for a response")
	}

	srv.Stop()
}

func TestServerWaitersSurviveReconnect(t *testing.T) {
	fabric := fakefabric.New()
	adapter := fakefabric.NewAdapter(fabric, selfID)
	srv := New(adapter, "v1", echoHandler{})

	source := &countingSource{}
	srv.RegisterNotification(stubType, source)

	if ok, err := srv.Connect(context.Background()); err != nil || !ok {
		t.Fatalf("first connect: ok=%v err=%v", ok, err)
	}
	first := srv.notifications["stub"].waiter

	adapter.Disconnect()
	if ok, err := srv.Connect(context.Background()); err != nil || !ok {
		t.Fatalf("reconnect: ok=%v err=%v", ok, err)
	}
	second := srv.notifications["stub"].waiter

	if first != second {
		t.Fatalf("expected the waiter task to survive a reconnect, not be recreated")
	}

	srv.Stop()
}

type countingSource struct{}

func (countingSource) WaitForUpdate(ctx context.Context) (bool, json.RawMessage) {
	return true, nil
}
