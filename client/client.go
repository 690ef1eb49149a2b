// Package client implements the client assembly (§4.9): the adapter,
// server discovery, request/response dispatch, and notification state
// tied together behind ForwardMethod and WaitForChange.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xaya/charon/discovery"
	"github.com/xaya/charon/jid"
	"github.com/xaya/charon/logs"
	"github.com/xaya/charon/notify"
	"github.com/xaya/charon/pubsub"
	"github.com/xaya/charon/reconnect"
	"github.com/xaya/charon/rpccore"
	"github.com/xaya/charon/transport"
	"github.com/xaya/charon/wire"
)

// Client is the client-side assembly.
type Client struct {
	adapter          transport.Messaging
	target           jid.Identity
	expectedVersion  string
	callTimeout      time.Duration
	discoveryTimeout time.Duration

	registry *rpccore.Registry

	mu          sync.Mutex
	disc        *discovery.Discoverer
	notifStates map[string]*notify.ClientState
	facade      *pubsub.Facade
	subTasks    sync.WaitGroup
}

// New builds a Client targeting the bare server identity target.
// Notification types must be registered via RegisterNotification before
// the first Connect.
func New(adapter transport.Messaging, target jid.Identity, expectedVersion string, callTimeout, discoveryTimeout time.Duration) *Client {
	return &Client{
		adapter:          adapter,
		target:           target.Bare(),
		expectedVersion:  expectedVersion,
		callTimeout:      callTimeout,
		discoveryTimeout: discoveryTimeout,
		registry:         rpccore.NewRegistry(),
		notifStates:      map[string]*notify.ClientState{},
	}
}

// RegisterNotification registers interest in a notification type and
// returns its client-side state record. Registering the same type name
// twice is an invariant violation (§7).
func (c *Client) RegisterNotification(typ notify.Type) *notify.ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.notifStates[typ.Name]; dup {
		panic(fmt.Sprintf("charon/client: notification type %q already registered", typ.Name))
	}
	st := notify.NewClientState(typ)
	c.notifStates[typ.Name] = st
	return st
}

// Connect opens the connection with a negative presence priority (§4.2)
// and wires the response/presence handlers. Discovery itself is lazy:
// it runs on first ForwardMethod/WaitForChange/GetServerResource call.
func (c *Client) Connect(ctx context.Context) (bool, error) {
	ok, err := c.adapter.Connect(ctx, -1)
	if err != nil || !ok {
		return ok, err
	}

	c.adapter.SetIQHandler(wire.TagResponse, c.registry.HandleResponse)
	c.adapter.SetDisconnectHook(c.handleDisconnect)

	c.mu.Lock()
	if c.disc == nil {
		names := make([]string, 0, len(c.notifStates))
		for n := range c.notifStates {
			names = append(names, n)
		}
		c.disc = discovery.New(c.adapter, c.target, c.expectedVersion, names, c.discoveryTimeout, c)
	}
	c.mu.Unlock()
	c.adapter.SetPresenceHandler(c.handlePresence)

	return true, nil
}

// IsConnected reports the underlying adapter's connection state.
func (c *Client) IsConnected() bool {
	return c.adapter.IsConnected()
}

// Disconnect tears down the connection, which fires handleDisconnect
// (destroying the pub/sub facade, per §4.3/§3) via the adapter's
// disconnect hook, then joins every outstanding subscribe task (§4.9's
// deadlock-avoidance rule — there is no client lock held across the
// join here since RegisterNotification/Connect do not run concurrently
// with Disconnect in this design).
func (c *Client) Disconnect() {
	c.adapter.Disconnect()
	c.subTasks.Wait()
}

// GetServerResource forces discovery to complete and returns the
// selected resource, or "" if none was found (§4.9).
func (c *Client) GetServerResource() string {
	sel := c.ensure(context.Background())
	return sel.Resource
}

func (c *Client) ensure(ctx context.Context) jid.Identity {
	c.mu.Lock()
	disc := c.disc
	c.mu.Unlock()
	return disc.Ensure(ctx)
}

// ForwardMethod sends (method, params) to the currently selected server
// and blocks for the reply, up to the configured call timeout (§4.4).
func (c *Client) ForwardMethod(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	target := c.ensure(ctx)
	if target.IsZero() {
		return nil, rpccore.Internal("could not discover server")
	}

	paramsTag, err := wire.EncodeJSON(wire.TagParams, params)
	if err != nil {
		return nil, rpccore.Internal("encoding params: " + err.Error())
	}
	ext := wire.NewRequest(method, paramsTag)
	id := uuid.NewString()

	call := c.registry.Register(id, target)
	defer c.registry.Release(id)

	if err := c.adapter.Send(transport.Stanza{
		Kind: transport.KindIQ, From: c.adapter.Self(), To: target, ID: id, Type: "get", Ext: ext,
	}); err != nil {
		return nil, rpccore.Internal("sending request: " + err.Error())
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	result, err := call.Wait(callCtx)
	if err == rpccore.ErrUnavailable {
		c.mu.Lock()
		disc := c.disc
		c.mu.Unlock()
		disc.Clear()
	}
	return result, err
}

// WaitForChange delegates to the named type's client-side record, first
// ensuring a server is selected so that subscriptions exist (§4.9).
func (c *Client) WaitForChange(ctx context.Context, typeName, known string) (json.RawMessage, error) {
	c.ensure(ctx)

	c.mu.Lock()
	state, ok := c.notifStates[typeName]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("charon/client: notification type %q was not registered", typeName)
	}
	return state.WaitForChange(known), nil
}

func (c *Client) handlePresence(st transport.Stanza) {
	if st.Type == "unavailable" {
		c.mu.Lock()
		disc := c.disc
		c.mu.Unlock()
		sel := disc.Selected()
		if !sel.IsZero() && sel.Equal(st.From) {
			c.registry.MarkUnavailable(sel)
		}
	}
	c.mu.Lock()
	disc := c.disc
	c.mu.Unlock()
	disc.HandlePresence(st)
}

// handleDisconnect clears the current server selection and destroys the
// pub/sub facade (unsubscribe every subscription, without waiting),
// mirroring server.Server's own disconnect hook (§4.3/§3).
func (c *Client) handleDisconnect() {
	c.mu.Lock()
	disc := c.disc
	facade := c.facade
	c.facade = nil
	c.mu.Unlock()

	if facade != nil {
		facade.Destroy()
	}
	if disc == nil {
		return
	}
	target := disc.Selected()
	disc.Clear()
	if !target.IsZero() {
		c.registry.MarkUnavailable(target)
	}
}

// OnAccepted implements discovery.AcceptHook: it attaches pub/sub to the
// advertised service and asynchronously subscribes to every advertised
// node this client has registered interest in. Any prior pub/sub
// attachment is destroyed (every subscription it held is unsubscribed,
// without waiting) before being replaced (§4.3/§3).
func (c *Client) OnAccepted(selected jid.Identity, service string, nodes map[string]string) {
	c.mu.Lock()
	hasTypes := len(c.notifStates) > 0
	c.mu.Unlock()
	if !hasTypes || service == "" {
		return
	}

	serviceID, err := jid.Parse(service)
	if err != nil {
		logs.Warn.Printf("client: server advertised an invalid pub/sub service %q: %v", service, err)
		return
	}

	broker := c.adapter.AttachPubsub(serviceID)
	facade := pubsub.New(broker)

	c.mu.Lock()
	old := c.facade
	c.facade = facade
	states := make(map[string]*notify.ClientState, len(c.notifStates))
	for k, v := range c.notifStates {
		states[k] = v
	}
	c.mu.Unlock()

	if old != nil {
		old.Destroy()
	}

	for name, nodeID := range nodes {
		state, ok := states[name]
		if !ok {
			continue
		}
		nid, st := nodeID, state
		c.subTasks.Add(1)
		go func() {
			defer c.subTasks.Done()
			if !facade.Subscribe(context.Background(), nid, st.OnItem) {
				logs.Warn.Printf("client: subscribing to %s failed", nid)
			}
		}()
	}
}

var _ discovery.AcceptHook = (*Client)(nil)
var _ reconnect.Assembly = (*Client)(nil)
