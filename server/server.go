// Package server implements the server assembly (§4.8): it ties the
// messaging adapter, the backend handler, and a set of server-side
// notification waiters together behind the ping/request protocol.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/xaya/charon/backend"
	"github.com/xaya/charon/logs"
	"github.com/xaya/charon/notify"
	"github.com/xaya/charon/pubsub"
	"github.com/xaya/charon/reconnect"
	"github.com/xaya/charon/transport"
	"github.com/xaya/charon/wire"
)

// publishTimeout bounds how long a waiter's publish blocks on broker
// acknowledgment before giving up for this round (§4.6).
const publishTimeout = 10 * time.Second

type serverNotification struct {
	typ    notify.Type
	source notify.UpdateWaiter
	waiter *notify.Waiter
}

// Server is the server-side assembly: one messaging adapter, one
// backend, and a map of registered notification types.
type Server struct {
	adapter transport.Messaging
	version string
	handler backend.Handler

	mu            sync.Mutex
	ready         bool
	notifications map[string]*serverNotification
	facade        *pubsub.Facade
	nodeIDs       map[string]string
}

// New builds a Server. Notifications must be registered via
// RegisterNotification before the first Connect.
func New(adapter transport.Messaging, version string, handler backend.Handler) *Server {
	s := &Server{
		adapter:       adapter,
		version:       version,
		handler:       handler,
		notifications: map[string]*serverNotification{},
	}
	adapter.SetMessageHandler(wire.TagPing, s.handlePing)
	adapter.SetIQHandler(wire.TagRequest, s.handleRequest)
	adapter.SetDisconnectHook(s.handleDisconnect)
	return s
}

// RegisterNotification adds a notification type this server exposes.
// Registering the same type name twice is an invariant violation (§7).
func (s *Server) RegisterNotification(typ notify.Type, source notify.UpdateWaiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.notifications[typ.Name]; dup {
		panic(fmt.Sprintf("charon/server: notification type %q already registered", typ.Name))
	}
	s.notifications[typ.Name] = &serverNotification{typ: typ, source: source}
}

// IsConnected reports the underlying adapter's connection state.
func (s *Server) IsConnected() bool {
	return s.adapter.IsConnected()
}

// Connect opens the connection (normal, non-negative presence priority),
// then attaches pub/sub to itself, recreates a node per registered
// notification type, starts their waiters on first connect, and flips
// ready on. Safe to call again after a disconnect, to reconnect.
func (s *Server) Connect(ctx context.Context) (bool, error) {
	ok, err := s.adapter.Connect(ctx, 0)
	if err != nil || !ok {
		return ok, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	self := s.adapter.Self()
	s.facade = pubsub.New(s.adapter.AttachPubsub(self))
	s.nodeIDs = map[string]string{}

	for name, n := range s.notifications {
		nodeID, err := s.facade.CreateNode(ctx)
		if err != nil {
			logs.Error.Printf("server: creating pub/sub node for %q failed: %v", name, err)
			continue
		}
		s.nodeIDs[name] = nodeID
		if n.waiter == nil {
			n.waiter = notify.NewWaiter(n.typ, n.source, s.publishFunc(name))
			n.waiter.Start()
		}
	}
	s.ready = true
	return true, nil
}

// Stop joins every waiter task and disconnects for good.
func (s *Server) Stop() {
	s.mu.Lock()
	notifs := make([]*serverNotification, 0, len(s.notifications))
	for _, n := range s.notifications {
		notifs = append(notifs, n)
	}
	s.mu.Unlock()

	for _, n := range notifs {
		if n.waiter != nil {
			n.waiter.Stop()
		}
	}
	s.adapter.Disconnect()
}

// Disconnect is an alias for Stop, satisfying reconnect.Assembly.
func (s *Server) Disconnect() {
	s.Stop()
}

var _ reconnect.Assembly = (*Server)(nil)

// publishFunc returns the onUpdate handler a notification type's waiter
// calls. It copies the facade and node id out from under the server's
// lock before calling into pub/sub, per §4.6's "must not hold the
// notification's own lock while calling into pub/sub" rule.
func (s *Server) publishFunc(name string) func(json.RawMessage) {
	return func(value json.RawMessage) {
		s.mu.Lock()
		facade := s.facade
		nodeID, ok := s.nodeIDs[name]
		s.mu.Unlock()
		if !ok || facade == nil {
			return
		}

		payload, err := wire.EncodeJSON(wire.TagUpdate, value)
		if err != nil {
			logs.Warn.Printf("server: encoding %s update failed: %v", name, err)
			return
		}
		update := wire.NewUpdate(name, payload)

		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := facade.Publish(ctx, nodeID, update); err != nil {
			logs.Warn.Printf("server: publishing %s update failed: %v", name, err)
		}
	}
}

// handlePing replies to a ping with a pong once the server is fully
// ready (§4.8).
func (s *Server) handlePing(st transport.Stanza) {
	s.mu.Lock()
	ready := s.ready
	var nodes map[string]string
	if ready {
		nodes = make(map[string]string, len(s.nodeIDs))
		for k, v := range s.nodeIDs {
			nodes[k] = v
		}
	}
	s.mu.Unlock()
	if !ready {
		return
	}

	pong := wire.NewPong(s.version)
	if len(nodes) > 0 {
		pong.AddChild(wire.NewNotifications(s.adapter.Self().String(), nodes))
	}
	_ = s.adapter.Send(transport.Stanza{
		Kind: transport.KindPresence, From: s.adapter.Self(), To: st.From, Ext: pong,
	})
}

// handleRequest dispatches a request IQ to the backend and replies with
// a response extension riding inside an IQ result (§4.8).
func (s *Server) handleRequest(st transport.Stanza) {
	if st.Type != "get" {
		return
	}
	method, params, ok := wire.DecodeRequest(st.Ext)
	if !ok {
		logs.Warn.Printf("server: dropping malformed request from %s", st.From)
		return
	}
	var rawParams json.RawMessage
	if err := wire.DecodeJSON(params, &rawParams); err != nil {
		logs.Warn.Printf("server: dropping request with malformed params: %v", err)
		return
	}

	result, rpcErr := s.handler.HandleMethod(context.Background(), method, rawParams)

	var ext *wire.Tag
	if rpcErr != nil {
		var dataTag *wire.Tag
		if rpcErr.Data != nil {
			var err error
			dataTag, err = wire.EncodeJSON(wire.TagData, rpcErr.Data)
			if err != nil {
				logs.Warn.Printf("server: encoding error data failed: %v", err)
			}
		}
		ext = wire.NewErrorResponse(rpcErr.Code, rpcErr.Message, dataTag)
	} else {
		resultTag, err := wire.EncodeJSON(wire.TagResult, result)
		if err != nil {
			logs.Warn.Printf("server: encoding result failed: %v", err)
			return
		}
		ext = wire.NewResultResponse(resultTag)
	}

	_ = s.adapter.Send(transport.Stanza{
		Kind: transport.KindIQ, From: s.adapter.Self(), To: st.From, ID: st.ID, Type: "result", Ext: ext,
	})
}

// handleDisconnect flips ready off and drops the pub/sub attachment,
// but leaves waiter tasks running so backend long-polls continue (§4.8).
// The facade is destroyed (unsubscribe/delete every owned node, without
// waiting) rather than merely dropped, per §4.3/§3's "on shutdown it
// deletes [owned nodes] and unsubscribes from any it subscribed to."
func (s *Server) handleDisconnect() {
	s.mu.Lock()
	s.ready = false
	facade := s.facade
	s.facade = nil
	s.nodeIDs = nil
	s.mu.Unlock()

	if facade != nil {
		facade.Destroy()
	}
}
