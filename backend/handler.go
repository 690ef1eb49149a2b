// Package backend defines the pluggable JSON-RPC backend contract the
// server assembly proxies to (§6), and the method allow-list wrapper
// that guards it (§7's MethodNotAllowed, §6's CLI surface).
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/xaya/charon/rpccore"
)

// Handler is the pluggable JSON-RPC backend: invoked with a method name
// and its raw params, it returns a raw result or an RPC error.
type Handler interface {
	HandleMethod(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, *rpccore.RPCError)
}

// AllowList restricts which methods a ForwardingWrapper will forward. A
// nil or empty list allows every method, matching the CLI's default of
// no restriction when no method flags or spec file are given.
type AllowList struct {
	allowed map[string]struct{}
}

// NewAllowList builds an AllowList from an explicit method set.
func NewAllowList(methods []string) *AllowList {
	m := make(map[string]struct{}, len(methods))
	for _, name := range methods {
		m[name] = struct{}{}
	}
	return &AllowList{allowed: m}
}

// Allows reports whether method may be forwarded.
func (a *AllowList) Allows(method string) bool {
	if a == nil || len(a.allowed) == 0 {
		return true
	}
	_, ok := a.allowed[method]
	return ok
}

// methodSpecEntry is one element of the JSON array read by
// ParseMethodSpecFile: {"name": "...", "returns": {...}}. An entry with
// no "returns" member describes a notification, not a callable method,
// and is skipped (original_source/util/methods.cpp's
// GetMethodsFromJsonSpec).
type methodSpecEntry struct {
	Name    string          `json:"name"`
	Returns json.RawMessage `json:"returns"`
}

// ParseMethodSpecFile reads a JSON array of method-spec entries
// (`[{"name":"foo","returns":{...}},...]`), keeping only entries that
// carry a "returns" member, and drops every method also present in
// exclude (original_source/util/methods.cpp's GetMethodsFromJsonSpec
// plus GetSelectedMethods' set-difference against methods_exclude).
func ParseMethodSpecFile(r io.Reader, exclude []string) ([]string, error) {
	excl := make(map[string]struct{}, len(exclude))
	for _, name := range exclude {
		excl[name] = struct{}{}
	}

	var entries []methodSpecEntry
	if err := json.NewDecoder(r).Decode(&entries); err != nil {
		return nil, fmt.Errorf("charon/backend: decoding method spec file: %w", err)
	}

	var methods []string
	for _, e := range entries {
		if e.Returns == nil {
			continue
		}
		if _, skip := excl[e.Name]; skip {
			continue
		}
		methods = append(methods, e.Name)
	}
	return methods, nil
}

// ForwardingWrapper is the server-side handler actually installed: it
// rejects methods outside its allow list before delegating.
type ForwardingWrapper struct {
	handler Handler
	allow   *AllowList
}

// NewForwardingWrapper builds a wrapper enforcing allow in front of handler.
func NewForwardingWrapper(handler Handler, allow *AllowList) *ForwardingWrapper {
	return &ForwardingWrapper{handler: handler, allow: allow}
}

func (w *ForwardingWrapper) HandleMethod(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, *rpccore.RPCError) {
	if !w.allow.Allows(method) {
		return nil, &rpccore.RPCError{
			Code:    rpccore.CodeMethodNotFound,
			Message: fmt.Sprintf("method not allowed: %s", method),
		}
	}
	return w.handler.HandleMethod(ctx, method, params)
}

var _ Handler = (*ForwardingWrapper)(nil)
