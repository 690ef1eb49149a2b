package rpccore

import (
	"encoding/json"
	"sync"

	"github.com/xaya/charon/jid"
	"github.com/xaya/charon/logs"
	"github.com/xaya/charon/transport"
	"github.com/xaya/charon/wire"
)

// Registry keeps every in-flight call keyed by its correlation id, so
// the adapter's receive thread can resolve the right one (§4.4).
type Registry struct {
	mu    sync.Mutex
	calls map[string]*Call
}

func NewRegistry() *Registry {
	return &Registry{calls: map[string]*Call{}}
}

// Register allocates a new in-flight call for a request sent to target
// under correlation id, and tracks it until Release.
func (r *Registry) Register(id string, target jid.Identity) *Call {
	c := newCall(target)
	r.mu.Lock()
	r.calls[id] = c
	r.mu.Unlock()
	return c
}

// Release drops the call's storage; callers do this once Wait returns,
// regardless of outcome (§3's in-flight-call lifecycle).
func (r *Registry) Release(id string) {
	r.mu.Lock()
	delete(r.calls, id)
	r.mu.Unlock()
}

// HandleResponse implements the receive-path interpretation rules of
// §4.4. The client installs it as the adapter's IQ handler for the
// <response/> marker, so it sees the inbound IQs carrying that extension.
func (r *Registry) HandleResponse(st transport.Stanza) {
	if st.Kind != transport.KindIQ {
		return
	}
	r.mu.Lock()
	c, ok := r.calls[st.ID]
	r.mu.Unlock()
	if !ok {
		return
	}

	if st.Type == "error" {
		// A protocol-level "service unavailable" IQ error.
		c.resolve(Unavailable, nil, nil)
		return
	}
	if st.Type != "result" {
		logs.Warn.Printf("rpccore: ignoring reply %s with unexpected subtype %q", st.ID, st.Type)
		return
	}

	outcome, ok := wire.DecodeResponse(st.Ext)
	if !ok {
		logs.Warn.Printf("rpccore: reply %s is missing or has a malformed response extension", st.ID)
		return
	}

	if outcome.IsError {
		var data json.RawMessage
		if outcome.Data != nil {
			if err := wire.DecodeJSON(outcome.Data, &data); err != nil {
				logs.Warn.Printf("rpccore: reply %s has a malformed error data payload: %v", st.ID, err)
			}
		}
		c.resolve(Failure, nil, &RPCError{Code: outcome.Code, Message: outcome.Message, Data: data})
		return
	}

	var result json.RawMessage
	if err := wire.DecodeJSON(outcome.Result, &result); err != nil {
		logs.Warn.Printf("rpccore: reply %s has a malformed result payload: %v", st.ID, err)
		return
	}
	c.resolve(Success, result, nil)
}

// MarkUnavailable resolves every call currently targeting identity as
// Unavailable, used when presence-unavailable arrives for a selected
// server identity (§4.5's reselection triggers).
func (r *Registry) MarkUnavailable(target jid.Identity) {
	r.mu.Lock()
	var affected []*Call
	for _, c := range r.calls {
		if c.Target.Equal(target) {
			affected = append(affected, c)
		}
	}
	r.mu.Unlock()
	for _, c := range affected {
		c.resolve(Unavailable, nil, nil)
	}
}
