package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/channel"

	"github.com/xaya/charon/rpccore"
)

// JRPC2Backend implements Handler by forwarding every call to a real
// backend process over a JSON-RPC 2.0 connection, the way the CLI's
// `charon-server` talks to the actual game daemon it fronts.
type JRPC2Backend struct {
	client *jrpc2.Client
}

// NewJRPC2Backend wraps conn (already dialed to the backend) in a
// jrpc2 client.
func NewJRPC2Backend(conn io.ReadWriteCloser) *JRPC2Backend {
	return &JRPC2Backend{client: jrpc2.NewClient(channel.RawJSON(conn, conn), nil)}
}

func (b *JRPC2Backend) HandleMethod(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, *rpccore.RPCError) {
	rsp, err := b.client.Call(ctx, method, params)
	if err != nil {
		var jerr *jrpc2.Error
		if errors.As(err, &jerr) {
			return nil, &rpccore.RPCError{Code: int(jerr.Code), Message: jerr.Message}
		}
		return nil, rpccore.Internal(err.Error())
	}
	var result json.RawMessage
	if err := rsp.UnmarshalResult(&result); err != nil {
		return nil, rpccore.Internal("decoding backend result: " + err.Error())
	}
	return result, nil
}

// Close shuts down the backend connection.
func (b *JRPC2Backend) Close() error {
	b.client.Close()
	return nil
}

var _ Handler = (*JRPC2Backend)(nil)
