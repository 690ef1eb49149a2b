package fakefabric

import (
	"context"
	"fmt"
	"sync"

	"github.com/xaya/charon/jid"
	"github.com/xaya/charon/transport"
)

// Adapter is a transport.Messaging implementation backed by a Fabric
// instead of a live connection.
type Adapter struct {
	fabric *Fabric
	creds  jid.Identity

	mu              sync.Mutex
	state           transport.ConnState
	self            jid.Identity
	messageHandlers map[string]transport.MessageHandler
	presenceHandler transport.PresenceHandler
	iqHandlers      map[string]transport.IQHandler
	disconnectHook  func()

	pubsubMu sync.Mutex
	pubsub   transport.PubSubBroker
}

// NewAdapter builds an adapter that will connect as self on fabric.
func NewAdapter(fabric *Fabric, self jid.Identity) *Adapter {
	return &Adapter{
		fabric:          fabric,
		creds:           self,
		messageHandlers: map[string]transport.MessageHandler{},
		iqHandlers:      map[string]transport.IQHandler{},
	}
}

func (a *Adapter) Connect(ctx context.Context, priority int) (bool, error) {
	a.mu.Lock()
	a.self = a.creds
	a.state = transport.Connected
	a.mu.Unlock()
	a.fabric.register(a)
	return true, nil
}

func (a *Adapter) Disconnect() {
	a.mu.Lock()
	if a.state == transport.Disconnected {
		a.mu.Unlock()
		return
	}
	a.state = transport.Disconnected
	hook := a.disconnectHook
	a.mu.Unlock()

	if hook != nil {
		hook()
	}
	a.DetachPubsub()
	a.fabric.unregister(a)
}

func (a *Adapter) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state == transport.Connected
}

func (a *Adapter) Self() jid.Identity {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.self
}

func (a *Adapter) Send(st transport.Stanza) error {
	if !a.IsConnected() {
		return fmt.Errorf("fakefabric: not connected")
	}
	go a.fabric.route(st)
	return nil
}

func (a *Adapter) SetMessageHandler(marker string, h transport.MessageHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messageHandlers[marker] = h
}

func (a *Adapter) SetPresenceHandler(h transport.PresenceHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.presenceHandler = h
}

func (a *Adapter) SetIQHandler(marker string, h transport.IQHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.iqHandlers[marker] = h
}

func (a *Adapter) SetRootCA(path string)       {}
func (a *Adapter) AllowInsecureTLS(allow bool) {}

func (a *Adapter) SetDisconnectHook(h func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.disconnectHook = h
}

func (a *Adapter) AttachPubsub(service jid.Identity) transport.PubSubBroker {
	b := a.fabric.brokerFor(service)
	a.pubsubMu.Lock()
	a.pubsub = b
	a.pubsubMu.Unlock()
	return b
}

func (a *Adapter) DetachPubsub() {
	a.pubsubMu.Lock()
	a.pubsub = nil
	a.pubsubMu.Unlock()
}

func (a *Adapter) Pubsub() transport.PubSubBroker {
	a.pubsubMu.Lock()
	defer a.pubsubMu.Unlock()
	return a.pubsub
}

func (a *Adapter) deliver(st transport.Stanza) {
	a.mu.Lock()
	if a.state != transport.Connected {
		a.mu.Unlock()
		return
	}
	switch st.Kind {
	case transport.KindMessage:
		h, ok := a.messageHandlers[st.ExtName()]
		a.mu.Unlock()
		if ok {
			h(st)
		}
	case transport.KindPresence:
		h := a.presenceHandler
		a.mu.Unlock()
		if h != nil {
			h(st)
		}
	case transport.KindIQ:
		h, ok := a.iqHandlers[st.ExtName()]
		a.mu.Unlock()
		if ok {
			h(st)
		}
	default:
		a.mu.Unlock()
	}
}

var _ transport.Messaging = (*Adapter)(nil)
