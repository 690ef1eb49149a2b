// Package fakefabric is an in-process stand-in for the messaging fabric,
// used by the server/client/discovery test suites in place of
// a live XMPP connection — mirroring tinode-chat's habit of testing its
// hub/session logic against an in-process fake instead of a live socket.
package fakefabric

import (
	"context"
	"fmt"
	"sync"

	"github.com/xaya/charon/jid"
	"github.com/xaya/charon/transport"
)

// Fabric routes stanzas between every connected Adapter that shares it,
// and hosts the in-memory pub/sub broker state for each attached service.
type Fabric struct {
	mu      sync.Mutex
	byFull  map[jid.Identity]*Adapter
	brokers map[jid.Identity]*broker
}

// New creates an empty fabric.
func New() *Fabric {
	return &Fabric{byFull: map[jid.Identity]*Adapter{}, brokers: map[jid.Identity]*broker{}}
}

func (f *Fabric) register(a *Adapter) {
	f.mu.Lock()
	f.byFull[a.Self()] = a
	f.mu.Unlock()
}

func (f *Fabric) unregister(a *Adapter) {
	f.mu.Lock()
	delete(f.byFull, a.Self())
	f.mu.Unlock()
}

// route delivers a stanza to every adapter matching its To field: every
// live resource under a bare To, or the single matching resource for a
// full To — approximating XMPP's bare-JID fanout.
func (f *Fabric) route(st transport.Stanza) {
	f.mu.Lock()
	var targets []*Adapter
	if st.To.IsBare() {
		for full, a := range f.byFull {
			if full.SameBare(st.To) {
				targets = append(targets, a)
			}
		}
	} else if a, ok := f.byFull[st.To]; ok {
		targets = []*Adapter{a}
	}
	f.mu.Unlock()

	for _, a := range targets {
		a.deliver(st)
	}
}

func (f *Fabric) brokerFor(service jid.Identity) *broker {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.brokers[service.Bare()]
	if !ok {
		b = &broker{nodes: map[string][]func(transport.Payload){}}
		f.brokers[service.Bare()] = b
	}
	return b
}

// broker is a minimal in-memory transport.PubSubBroker: it fans out
// published items to every subscriber callback registered for a node.
// Unsubscribe is a best-effort no-op (it can't identify which callback
// to remove without a subscriber handle); acceptable for a test fake.
type broker struct {
	mu       sync.Mutex
	nextNode int
	nodes    map[string][]func(transport.Payload)
}

func (b *broker) CreateNode(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextNode++
	id := fmt.Sprintf("node-%d", b.nextNode)
	b.nodes[id] = nil
	return id, nil
}

func (b *broker) DeleteNode(node string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.nodes, node)
}

func (b *broker) Publish(ctx context.Context, node string, item transport.Payload) error {
	b.mu.Lock()
	cbs := append([]func(transport.Payload){}, b.nodes[node]...)
	b.mu.Unlock()
	for _, cb := range cbs {
		cb(item)
	}
	return nil
}

func (b *broker) Subscribe(ctx context.Context, node string, cb func(transport.Payload)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nodes[node] = append(b.nodes[node], cb)
	return nil
}

func (b *broker) Unsubscribe(node string) {}

var _ transport.PubSubBroker = (*broker)(nil)
