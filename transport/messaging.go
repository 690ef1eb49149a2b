package transport

import (
	"context"

	"github.com/xaya/charon/jid"
)

// ConnState is the adapter's connection lifecycle state (§4.2).
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// MessageHandler, PresenceHandler and IQHandler receive inbound stanzas
// dispatched by their top-level extension tag name (the "marker").
type (
	MessageHandler  func(Stanza)
	PresenceHandler func(Stanza)
	IQHandler       func(Stanza)
)

// PubSubBroker is the low-level pub/sub capability a Messaging
// implementation exposes once a broker service is attached: create,
// publish, subscribe, and their teardown counterparts. It corresponds to
// what gloox::PubSub::Manager plays for the original XMPP client — the
// wire format it uses to talk to the broker is adapter-internal and out
// of the spec's scope; pubsub.Facade (§4.3) is the in-scope façade built
// on top of it.
type PubSubBroker interface {
	// CreateNode creates an ephemeral, single-publisher node and blocks
	// until the broker confirms, returning its id.
	CreateNode(ctx context.Context) (string, error)
	// DeleteNode requests deletion of a node without waiting for a reply.
	DeleteNode(node string)
	// Publish publishes a single item to node and blocks until confirmed.
	Publish(ctx context.Context, node string, item Payload) error
	// Subscribe subscribes to node, invoking cb for every received item
	// that isn't a retraction. Blocks until confirmed or error.
	Subscribe(ctx context.Context, node string, cb func(Payload)) error
	// Unsubscribe requests removal of a subscription without waiting.
	Unsubscribe(node string)
}

// Payload is the opaque item content carried by a pub/sub publish/item;
// in practice always a *wire.Tag, which the broker implementations and
// pubsub.Facade type-assert on use.
type Payload interface{}

// Messaging is the narrow capability the rest of the core depends on
// (§4.2). Both the concrete websocket-backed Adapter and test fakes
// implement it, so the core never depends on a live connection.
type Messaging interface {
	Connect(ctx context.Context, priority int) (bool, error)
	Disconnect()
	IsConnected() bool
	Self() jid.Identity

	Send(st Stanza) error

	SetMessageHandler(marker string, h MessageHandler)
	SetPresenceHandler(h PresenceHandler)
	SetIQHandler(marker string, h IQHandler)

	SetRootCA(path string)
	AllowInsecureTLS(allow bool)

	AttachPubsub(service jid.Identity) PubSubBroker
	DetachPubsub()
	Pubsub() PubSubBroker

	// SetDisconnectHook installs the "virtual onDisconnect" callback
	// invoked first on any disconnect, before pub/sub teardown.
	SetDisconnectHook(func())
}
