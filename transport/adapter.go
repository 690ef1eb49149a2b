package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/xaya/charon/jid"
	"github.com/xaya/charon/logs"
	"github.com/xaya/charon/wire"
)

// yieldInterval is how long the receive loop's poll sleeps between
// nonblocking checks of the connection, giving senders a chance to
// interleave (§4.2's internal rules).
const yieldInterval = time.Millisecond

// Credentials authenticate a connection to the messaging fabric.
type Credentials struct {
	Self     jid.Identity
	Password string
	URL      string // ws:// or wss:// endpoint of the messaging fabric
}

// Adapter is the concrete Messaging implementation: it carries
// wire.Tag-encoded stanzas as text frames over a websocket connection,
// the way tinode-chat/server/session.go and wshandler.go carry JSON
// frames over the same library.
type Adapter struct {
	creds Credentials

	lock  *recursiveMutex
	state ConnState
	self  jid.Identity
	ws    *websocket.Conn

	insecureTLS bool
	rootCAPath  string

	messageHandlers  map[string]MessageHandler
	presenceHandler  PresenceHandler
	iqHandlers       map[string]IQHandler
	disconnectHook   func()

	pubsubMu sync.Mutex
	pubsub   *pubsubBroker

	recvDone chan struct{}
}

// NewAdapter constructs an adapter that is not yet connected.
func NewAdapter(creds Credentials) *Adapter {
	return &Adapter{
		creds:           creds,
		lock:            newRecursiveMutex(),
		state:           Disconnected,
		messageHandlers: map[string]MessageHandler{},
		iqHandlers:      map[string]IQHandler{},
	}
}

func (a *Adapter) SetRootCA(path string)          { a.rootCAPath = path }
func (a *Adapter) AllowInsecureTLS(allow bool)    { a.insecureTLS = allow }
func (a *Adapter) SetDisconnectHook(h func())     { a.disconnectHook = h }
func (a *Adapter) Self() jid.Identity             { return a.self }

func (a *Adapter) SetMessageHandler(marker string, h MessageHandler) {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.messageHandlers[marker] = h
}

func (a *Adapter) SetPresenceHandler(h PresenceHandler) {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.presenceHandler = h
}

func (a *Adapter) SetIQHandler(marker string, h IQHandler) {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.iqHandlers[marker] = h
}

func (a *Adapter) IsConnected() bool {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.state == Connected
}

// Connect opens the connection with the given presence priority. The
// server uses a normal (non-negative) priority; the client uses a
// negative one so it doesn't receive stanzas addressed to its bare
// identity. Returns false on authentication or TLS failure.
func (a *Adapter) Connect(ctx context.Context, priority int) (bool, error) {
	a.lock.Lock()
	if a.state != Disconnected {
		a.lock.Unlock()
		return a.state == Connected, nil
	}
	a.state = Connecting
	a.lock.Unlock()

	tlsConfig, err := a.tlsConfig()
	if err != nil {
		a.lock.Lock()
		a.state = Disconnected
		a.lock.Unlock()
		return false, errors.Wrap(err, "charon/transport: building TLS config")
	}

	dialer := websocket.Dialer{
		TLSClientConfig:  tlsConfig,
		HandshakeTimeout: 10 * time.Second,
	}

	u, err := url.Parse(a.creds.URL)
	if err != nil {
		a.lock.Lock()
		a.state = Disconnected
		a.lock.Unlock()
		return false, errors.Wrapf(err, "charon/transport: invalid fabric URL %q", a.creds.URL)
	}
	if u.Scheme != "wss" && !a.insecureTLS {
		a.lock.Lock()
		a.state = Disconnected
		a.lock.Unlock()
		return false, errors.New("charon/transport: TLS is required unless insecure TLS was explicitly allowed")
	}

	ws, resp, err := dialer.DialContext(ctx, a.creds.URL, a.authHeader())
	if err != nil {
		a.lock.Lock()
		a.state = Disconnected
		a.lock.Unlock()
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			logs.Warn.Printf("transport: authentication to %s rejected (HTTP %d)", a.creds.URL, resp.StatusCode)
			return false, nil
		}
		logs.Warn.Printf("transport: connect to %s failed: %v", a.creds.URL, err)
		return false, nil
	}

	a.lock.Lock()
	a.ws = ws
	a.self = a.creds.Self
	a.state = Connected
	a.recvDone = make(chan struct{})
	a.lock.Unlock()

	go a.recvLoop(a.recvDone)

	// Announce presence at the requested priority so other parties on
	// the fabric can route stanzas to us.
	_ = a.Send(Stanza{Kind: KindPresence, From: a.self, Type: priorityType(priority)})

	return true, nil
}

// authHeader builds the HTTP Basic auth header carrying the account's
// credentials for the websocket upgrade request, the fabric's actual
// authentication step. A fabric rejecting bad credentials answers the
// upgrade with 401 or 403 rather than completing the handshake.
func (a *Adapter) authHeader() http.Header {
	token := a.creds.Self.Bare().String() + ":" + a.creds.Password
	h := http.Header{}
	h.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(token)))
	return h
}

func priorityType(priority int) string {
	if priority < 0 {
		return "negative-priority"
	}
	return ""
}

func (a *Adapter) tlsConfig() (*tls.Config, error) {
	cfg := &tls.Config{InsecureSkipVerify: a.insecureTLS}
	if a.rootCAPath == "" {
		return cfg, nil
	}
	pem, err := os.ReadFile(a.rootCAPath)
	if err != nil {
		return nil, errors.Wrapf(err, "reading root CA file %q", a.rootCAPath)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.Errorf("no valid certificates found in %q", a.rootCAPath)
	}
	cfg.RootCAs = pool
	return cfg, nil
}

// Disconnect shuts down synchronously: it is safe to call on an
// already-closed adapter, and guarantees the receive loop has exited
// before returning.
func (a *Adapter) Disconnect() {
	a.lock.Lock()
	if a.state == Disconnected {
		a.lock.Unlock()
		return
	}
	ws := a.ws
	done := a.recvDone
	a.state = Disconnected
	a.lock.Unlock()

	a.teardown(ws, done)
}

// teardown runs the disconnect sequence from §4.2's internal rules:
// onDisconnect hook, then pub/sub teardown, then stop+join the receive
// loop.
func (a *Adapter) teardown(ws *websocket.Conn, done chan struct{}) {
	if a.disconnectHook != nil {
		a.disconnectHook()
	}
	a.DetachPubsub()
	if ws != nil {
		ws.Close()
	}
	if done != nil {
		<-done
	}
}

// Send serializes stanza transmission with respect to the receive loop.
func (a *Adapter) Send(st Stanza) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.state != Connected || a.ws == nil {
		return errors.New("charon/transport: not connected")
	}
	tag := encodeEnvelope(st)
	data, err := tag.Marshal()
	if err != nil {
		return errors.Wrap(err, "charon/transport: encoding stanza")
	}
	if err := a.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Wrap(err, "charon/transport: writing stanza")
	}
	return nil
}

func (a *Adapter) recvLoop(done chan struct{}) {
	defer close(done)
	for {
		a.lock.Lock()
		ws := a.ws
		connected := a.state == Connected
		a.lock.Unlock()
		if !connected || ws == nil {
			return
		}

		ws.SetReadDeadline(time.Now().Add(250 * time.Millisecond))
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
				time.Sleep(yieldInterval)
				continue
			}
			logs.Info.Printf("transport: receive loop stopping: %v", err)
			a.triggerDisconnectFromPeer()
			return
		}

		tag, err := wire.ParseTag(data)
		if err != nil {
			logs.Warn.Printf("transport: malformed stanza dropped: %v", err)
			continue
		}
		st, err := decodeEnvelope(tag)
		if err != nil {
			logs.Warn.Printf("transport: malformed stanza dropped: %v", err)
			continue
		}
		a.dispatch(st)
	}
}

// triggerDisconnectFromPeer runs the disconnect sequence when the
// connection drops out from under us (as opposed to an explicit local
// Disconnect call).
func (a *Adapter) triggerDisconnectFromPeer() {
	a.lock.Lock()
	if a.state == Disconnected {
		a.lock.Unlock()
		return
	}
	ws := a.ws
	a.state = Disconnected
	a.lock.Unlock()

	if a.disconnectHook != nil {
		a.disconnectHook()
	}
	a.DetachPubsub()
	if ws != nil {
		ws.Close()
	}
}

func (a *Adapter) dispatch(st Stanza) {
	switch st.Kind {
	case KindMessage:
		if pb := a.activePubsub(); pb != nil && pb.handleIncoming(st) {
			return
		}
		a.lock.Lock()
		h, ok := a.messageHandlers[st.ExtName()]
		a.lock.Unlock()
		if ok {
			h(st)
		}
	case KindPresence:
		a.lock.Lock()
		h := a.presenceHandler
		a.lock.Unlock()
		if h != nil {
			h(st)
		}
	case KindIQ:
		if pb := a.activePubsub(); pb != nil && pb.handleIncoming(st) {
			return
		}
		a.lock.Lock()
		h, ok := a.iqHandlers[st.ExtName()]
		a.lock.Unlock()
		if ok {
			h(st)
		}
	}
}

func (a *Adapter) activePubsub() *pubsubBroker {
	a.pubsubMu.Lock()
	defer a.pubsubMu.Unlock()
	return a.pubsub
}

// AttachPubsub attaches the given broker service, replacing any prior
// attachment.
func (a *Adapter) AttachPubsub(service jid.Identity) PubSubBroker {
	a.pubsubMu.Lock()
	defer a.pubsubMu.Unlock()
	if a.pubsub != nil {
		a.pubsub.teardown()
	}
	a.pubsub = newPubsubBroker(a, service)
	return a.pubsub
}

// DetachPubsub tears down any attached broker.
func (a *Adapter) DetachPubsub() {
	a.pubsubMu.Lock()
	defer a.pubsubMu.Unlock()
	if a.pubsub != nil {
		a.pubsub.teardown()
		a.pubsub = nil
	}
}

// Pubsub returns the currently attached broker, or nil.
func (a *Adapter) Pubsub() PubSubBroker {
	pb := a.activePubsub()
	if pb == nil {
		return nil
	}
	return pb
}

var _ Messaging = (*Adapter)(nil)
