// Package pubsub implements the pub/sub core (§4.3): a façade over a
// transport.PubSubBroker that tracks node ownership and subscriptions so
// that destruction can clean up without waiting on the broker. The
// "registry of live waiter objects" the spec calls for lives one layer
// down, inside the transport package's pubsubBroker (drained by its
// teardown), rather than duplicated here — see DESIGN.md.
package pubsub

import (
	"context"
	"fmt"
	"sync"

	"github.com/xaya/charon/logs"
	"github.com/xaya/charon/transport"
	"github.com/xaya/charon/wire"
)

// Facade is the pub/sub capability the server and client assemblies use.
type Facade struct {
	broker transport.PubSubBroker

	mu    sync.Mutex
	owned map[string]struct{}
	subs  map[string]struct{}
}

// New wraps broker in a Facade with empty ownership/subscription state.
func New(broker transport.PubSubBroker) *Facade {
	return &Facade{broker: broker, owned: map[string]struct{}{}, subs: map[string]struct{}{}}
}

// CreateNode creates an ephemeral, single-publisher node and remembers it
// as owned.
func (f *Facade) CreateNode(ctx context.Context) (string, error) {
	id, err := f.broker.CreateNode(ctx)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	f.owned[id] = struct{}{}
	f.mu.Unlock()
	return id, nil
}

// Publish publishes a single item to node, which must be owned by this
// Facade. Publishing into an unowned node is an invariant violation of
// the core's own state (§7), not a recoverable external error.
func (f *Facade) Publish(ctx context.Context, node string, item *wire.Tag) error {
	f.mu.Lock()
	_, owned := f.owned[node]
	f.mu.Unlock()
	if !owned {
		panic(fmt.Sprintf("charon/pubsub: publish into unowned node %q", node))
	}
	return f.broker.Publish(ctx, node, item)
}

// Subscribe subscribes to a node owned by some other party. cb is
// invoked for every received item that is not a retraction. Returns
// false on error.
func (f *Facade) Subscribe(ctx context.Context, node string, cb func(*wire.Tag)) bool {
	err := f.broker.Subscribe(ctx, node, func(p transport.Payload) {
		tag, ok := p.(*wire.Tag)
		if !ok || isRetraction(tag) {
			return
		}
		cb(tag)
	})
	if err != nil {
		logs.Warn.Printf("pubsub: subscribing to %s failed: %v", node, err)
		return false
	}
	f.mu.Lock()
	f.subs[node] = struct{}{}
	f.mu.Unlock()
	return true
}

func isRetraction(t *wire.Tag) bool {
	return t == nil || t.Name == "retract"
}

// Destroy sends unsubscribe requests for every current subscription and
// delete requests for every owned node, without waiting for
// acknowledgments — they may race the shutdown of the underlying
// connection (§4.3).
func (f *Facade) Destroy() {
	f.mu.Lock()
	subs := make([]string, 0, len(f.subs))
	for n := range f.subs {
		subs = append(subs, n)
	}
	owned := make([]string, 0, len(f.owned))
	for n := range f.owned {
		owned = append(owned, n)
	}
	f.subs = map[string]struct{}{}
	f.owned = map[string]struct{}{}
	f.mu.Unlock()

	for _, n := range subs {
		f.broker.Unsubscribe(n)
	}
	for _, n := range owned {
		f.broker.DeleteNode(n)
	}
}
