package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/xaya/charon/jid"
	"github.com/xaya/charon/wire"
)

// pubsubBroker implements PubSubBroker. It plays two roles depending on
// which side of the wire it sits: the "client" role (CreateNode/Publish/
// Subscribe/Unsubscribe, addressed to the attached service) used by both
// servers and clients, and the "broker" role (answering ps-* requests
// and fanning out items to subscribers) which only activates when this
// adapter's own identity is the attached service's bare identity — i.e.
// when the Charon server attaches pub/sub to itself, playing the role a
// dedicated XMPP pubsub component would play in a full deployment.
//
// The exact ps-* wire shape is adapter-internal: the specification treats
// "maintain pub/sub" as part of the narrow messaging capability and
// leaves its wire format unspecified (§1, §6).
type pubsubBroker struct {
	adapter *Adapter
	service jid.Identity

	mu       sync.Mutex
	pending  map[string]chan pubsubReply
	subs     map[string]func(Payload)
	nodes    map[string][]jid.Identity
	nextNode uint64
}

type pubsubReply struct {
	ext *wire.Tag
	err error
}

func newPubsubBroker(a *Adapter, service jid.Identity) *pubsubBroker {
	return &pubsubBroker{
		adapter: a,
		service: service,
		pending: map[string]chan pubsubReply{},
		subs:    map[string]func(Payload){},
		nodes:   map[string][]jid.Identity{},
	}
}

func isPubsubRequestMarker(name string) bool {
	switch name {
	case "ps-create", "ps-delete", "ps-subscribe", "ps-unsubscribe", "ps-publish":
		return true
	}
	return false
}

// teardown releases every outstanding roundTrip with a synthetic
// "won't complete" reply so no caller deadlocks, per §4.3/§5.
func (pb *pubsubBroker) teardown() {
	pb.mu.Lock()
	pending := pb.pending
	pb.pending = map[string]chan pubsubReply{}
	pb.mu.Unlock()
	for _, ch := range pending {
		select {
		case ch <- pubsubReply{err: errors.New("charon/transport: pub/sub torn down")}:
		default:
		}
	}
}

// handleIncoming routes a stanza that might belong to this broker.
// Returns false if the stanza is not pub/sub related, in which case the
// adapter falls through to its ordinary handler dispatch.
func (pb *pubsubBroker) handleIncoming(st Stanza) bool {
	name := st.ExtName()
	switch {
	case st.Kind == KindIQ && (st.Type == "result" || st.Type == "error"):
		pb.mu.Lock()
		ch, ok := pb.pending[st.ID]
		if ok {
			delete(pb.pending, st.ID)
		}
		pb.mu.Unlock()
		if !ok {
			return false
		}
		if st.Type == "error" {
			ch <- pubsubReply{err: fmt.Errorf("charon/transport: pub/sub request %s failed", st.ID)}
		} else {
			ch <- pubsubReply{ext: st.Ext}
		}
		return true
	case st.Kind == KindIQ && st.Type == "set" && isPubsubRequestMarker(name):
		pb.handleBrokerRequest(st)
		return true
	case st.Kind == KindMessage && name == "ps-item":
		pb.handleItem(st)
		return true
	}
	return false
}

func (pb *pubsubBroker) handleBrokerRequest(st Stanza) {
	if !pb.adapter.Self().SameBare(pb.service) {
		return
	}
	switch st.ExtName() {
	case "ps-create":
		pb.mu.Lock()
		pb.nextNode++
		nodeID := fmt.Sprintf("node-%d", pb.nextNode)
		pb.nodes[nodeID] = nil
		pb.mu.Unlock()
		reply := wire.NewTag("ps-created").WithAttr("id", nodeID)
		pb.reply(st, reply)

	case "ps-delete":
		node, _ := st.Ext.GetAttr("node")
		pb.mu.Lock()
		delete(pb.nodes, node)
		pb.mu.Unlock()

	case "ps-subscribe":
		node, _ := st.Ext.GetAttr("node")
		pb.mu.Lock()
		pb.nodes[node] = append(pb.nodes[node], st.From)
		pb.mu.Unlock()
		pb.reply(st, wire.NewTag("ps-subscribed"))

	case "ps-unsubscribe":
		node, _ := st.Ext.GetAttr("node")
		pb.mu.Lock()
		subs := pb.nodes[node][:0]
		for _, s := range pb.nodes[node] {
			if !s.Equal(st.From) {
				subs = append(subs, s)
			}
		}
		pb.nodes[node] = subs
		pb.mu.Unlock()

	case "ps-publish":
		node, _ := st.Ext.GetAttr("node")
		item := st.Ext.Find("item")
		pb.mu.Lock()
		subs := append([]jid.Identity(nil), pb.nodes[node]...)
		pb.mu.Unlock()
		for _, sub := range subs {
			msg := wire.NewTag("ps-item").WithAttr("node", node)
			if item != nil {
				msg.AddChild(item)
			}
			_ = pb.adapter.Send(Stanza{Kind: KindMessage, From: pb.adapter.Self(), To: sub, Ext: msg})
		}
		pb.reply(st, wire.NewTag("ps-published"))
	}
}

func (pb *pubsubBroker) reply(to Stanza, ext *wire.Tag) {
	_ = pb.adapter.Send(Stanza{
		Kind: KindIQ, From: pb.adapter.Self(), To: to.From, ID: to.ID, Type: "result", Ext: ext,
	})
}

func (pb *pubsubBroker) handleItem(st Stanza) {
	node, _ := st.Ext.GetAttr("node")
	item := st.Ext.Find("item")
	pb.mu.Lock()
	cb, ok := pb.subs[node]
	pb.mu.Unlock()
	if ok && item != nil && len(item.Children) > 0 {
		cb(item.Children[0])
	}
}

func (pb *pubsubBroker) roundTrip(ctx context.Context, ext *wire.Tag) (*wire.Tag, error) {
	id := uuid.NewString()
	ch := make(chan pubsubReply, 1)
	pb.mu.Lock()
	pb.pending[id] = ch
	pb.mu.Unlock()

	if err := pb.adapter.Send(Stanza{
		Kind: KindIQ, From: pb.adapter.Self(), To: pb.service, ID: id, Type: "set", Ext: ext,
	}); err != nil {
		pb.mu.Lock()
		delete(pb.pending, id)
		pb.mu.Unlock()
		return nil, err
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return r.ext, nil
	case <-ctx.Done():
		pb.mu.Lock()
		delete(pb.pending, id)
		pb.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (pb *pubsubBroker) CreateNode(ctx context.Context) (string, error) {
	reply, err := pb.roundTrip(ctx, wire.NewTag("ps-create"))
	if err != nil {
		return "", err
	}
	id, ok := reply.GetAttr("id")
	if !ok {
		return "", errors.New("charon/transport: broker did not return a node id")
	}
	return id, nil
}

func (pb *pubsubBroker) DeleteNode(node string) {
	_ = pb.adapter.Send(Stanza{
		Kind: KindIQ, From: pb.adapter.Self(), To: pb.service, ID: uuid.NewString(), Type: "set",
		Ext: wire.NewTag("ps-delete").WithAttr("node", node),
	})
}

func (pb *pubsubBroker) Publish(ctx context.Context, node string, item Payload) error {
	tag, ok := item.(*wire.Tag)
	if !ok {
		return errors.New("charon/transport: publish item must be a *wire.Tag")
	}
	ext := wire.NewTag("ps-publish").WithAttr("node", node)
	ext.AddChild(wire.NewTag("item").AddChild(tag))
	_, err := pb.roundTrip(ctx, ext)
	return err
}

func (pb *pubsubBroker) Subscribe(ctx context.Context, node string, cb func(Payload)) error {
	pb.mu.Lock()
	pb.subs[node] = cb
	pb.mu.Unlock()

	_, err := pb.roundTrip(ctx, wire.NewTag("ps-subscribe").WithAttr("node", node))
	if err != nil {
		pb.mu.Lock()
		delete(pb.subs, node)
		pb.mu.Unlock()
	}
	return err
}

func (pb *pubsubBroker) Unsubscribe(node string) {
	pb.mu.Lock()
	delete(pb.subs, node)
	pb.mu.Unlock()
	_ = pb.adapter.Send(Stanza{
		Kind: KindIQ, From: pb.adapter.Self(), To: pb.service, ID: uuid.NewString(), Type: "set",
		Ext: wire.NewTag("ps-unsubscribe").WithAttr("node", node),
	})
}

var _ PubSubBroker = (*pubsubBroker)(nil)
