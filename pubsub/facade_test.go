package pubsub

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/xaya/charon/transport"
	"github.com/xaya/charon/wire"
)

type fakeBroker struct {
	mu          sync.Mutex
	nextNode    int
	deleted     []string
	unsubscribed []string
	subs        map[string]func(transport.Payload)
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{subs: map[string]func(transport.Payload){}}
}

func (f *fakeBroker) CreateNode(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextNode++
	return fmt.Sprintf("node-%d", f.nextNode), nil
}

func (f *fakeBroker) DeleteNode(node string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, node)
}

func (f *fakeBroker) Publish(ctx context.Context, node string, item transport.Payload) error {
	f.mu.Lock()
	cb := f.subs[node]
	f.mu.Unlock()
	if cb != nil {
		cb(item)
	}
	return nil
}

func (f *fakeBroker) Subscribe(ctx context.Context, node string, cb func(transport.Payload)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[node] = cb
	return nil
}

func (f *fakeBroker) Unsubscribe(node string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, node)
	delete(f.subs, node)
}

var _ transport.PubSubBroker = (*fakeBroker)(nil)

func TestFacadeCreatePublishSubscribe(t *testing.T) {
	broker := newFakeBroker()
	owner := New(broker)
	subscriber := New(broker)

	node, err := owner.CreateNode(context.Background())
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}

	var got *wire.Tag
	if !subscriber.Subscribe(context.Background(), node, func(t *wire.Tag) { got = t }) {
		t.Fatalf("Subscribe returned false")
	}

	item := wire.NewTag("item").WithAttr("x", "1")
	if err := owner.Publish(context.Background(), node, item); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if got == nil || got.Attr["x"] != "1" {
		t.Fatalf("subscriber did not receive published item, got %+v", got)
	}
}

func TestFacadePublishIntoUnownedNodePanics(t *testing.T) {
	broker := newFakeBroker()
	f := New(broker)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected a panic publishing into an unowned node")
		}
	}()
	_ = f.Publish(context.Background(), "someone-elses-node", wire.NewTag("item"))
}

func TestFacadeDestroyCleansUpWithoutWaiting(t *testing.T) {
	broker := newFakeBroker()
	f := New(broker)

	node, _ := f.CreateNode(context.Background())
	other, _ := (&fakeBroker{subs: map[string]func(transport.Payload){}}).CreateNode(context.Background())
	_ = f.Subscribe(context.Background(), other, func(*wire.Tag) {})

	f.Destroy()

	if len(broker.deleted) != 1 || broker.deleted[0] != node {
		t.Fatalf("expected node %q deleted, got %v", node, broker.deleted)
	}
	if len(broker.unsubscribed) != 1 || broker.unsubscribed[0] != other {
		t.Fatalf("expected subscription to %q removed, got %v", other, broker.unsubscribed)
	}
}
