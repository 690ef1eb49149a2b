package backend

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/xaya/charon/logs"
	"github.com/xaya/charon/notify"
)

// RpcUpdateWaiter implements notify.UpdateWaiter by calling a
// long-polling RPC method on the backend with a single positional
// argument, the type's always-block sentinel
// (original_source/src/rpcwaiter.cpp's RpcUpdateWaiter). Each instance
// supports only one concurrent WaitForUpdate call, matching the source's
// single-mutex guard.
type RpcUpdateWaiter struct {
	handler Handler
	method  string
	params  json.RawMessage

	mu sync.Mutex
}

// NewRpcUpdateWaiter builds a waiter that calls method on handler,
// passing [alwaysBlock] as the sole positional argument, exactly as the
// source's RpcUpdateWaiter constructor does.
func NewRpcUpdateWaiter(handler Handler, method string, alwaysBlock json.RawMessage) *RpcUpdateWaiter {
	params, err := json.Marshal([]json.RawMessage{alwaysBlock})
	if err != nil {
		params = json.RawMessage(`[]`)
	}
	return &RpcUpdateWaiter{handler: handler, method: method, params: params}
}

func (w *RpcUpdateWaiter) WaitForUpdate(ctx context.Context) (bool, json.RawMessage) {
	w.mu.Lock()
	defer w.mu.Unlock()

	result, rpcErr := w.handler.HandleMethod(ctx, w.method, w.params)
	if rpcErr != nil {
		logs.Warn.Printf("backend: long-polling call to %q returned an error: %v", w.method, rpcErr)
		return false, nil
	}
	return true, result
}

var _ notify.UpdateWaiter = (*RpcUpdateWaiter)(nil)
