package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xaya/charon/jid"
	"github.com/xaya/charon/wire"
)

// testFabric is a minimal in-process messaging fabric: it relays every
// stanza it reads from one connection to whichever connection last
// identified itself as the stanza's "to" address, including back to the
// sender itself (the self-hosting pub/sub path addresses stanzas to the
// sender's own identity). It exists only to drive the real Adapter
// end-to-end; it has no relation to internal/fakefabric, which backs the
// core packages' tests against the Messaging interface instead.
type testFabric struct {
	srv *httptest.Server

	mu    sync.Mutex
	conns map[string]*lockedConn
}

// lockedConn serializes writes to a single underlying connection, since
// multiple relay goroutines may address the same destination concurrently
// (gorilla/websocket permits at most one writer at a time).
type lockedConn struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (c *lockedConn) write(data []byte) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.WriteMessage(websocket.TextMessage, data)
}

func newTestFabric(t *testing.T) *testFabric {
	t.Helper()
	f := &testFabric{conns: map[string]*lockedConn{}}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go f.relay(&lockedConn{conn: conn})
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *testFabric) relay(lc *lockedConn) {
	defer lc.conn.Close()
	for {
		_, data, err := lc.conn.ReadMessage()
		if err != nil {
			return
		}
		tag, err := wire.ParseTag(data)
		if err != nil {
			continue
		}
		st, err := decodeEnvelope(tag)
		if err != nil {
			continue
		}
		if !st.From.IsZero() {
			f.mu.Lock()
			f.conns[st.From.String()] = lc
			f.mu.Unlock()
		}
		if st.To.IsZero() {
			continue
		}
		f.mu.Lock()
		dst := f.conns[st.To.String()]
		f.mu.Unlock()
		if dst != nil {
			dst.write(data)
		}
	}
}

func (f *testFabric) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func newTestAdapter(t *testing.T, f *testFabric, self jid.Identity) *Adapter {
	t.Helper()
	a := NewAdapter(Credentials{Self: self, Password: "secret", URL: f.wsURL()})
	a.AllowInsecureTLS(true)
	return a
}

func mustConnect(t *testing.T, a *Adapter, priority int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ok, err := a.Connect(ctx, priority)
	if err != nil || !ok {
		t.Fatalf("Connect: ok=%v err=%v", ok, err)
	}
}

// withinBound runs fn in its own goroutine and fails the test if it does
// not return within d, catching exactly the deadlocks §8 rules out.
func withinBound(t *testing.T, d time.Duration, name string, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("%s did not return within %s", name, d)
	}
}

func TestAdapterDisconnectIsIdempotent(t *testing.T) {
	f := newTestFabric(t)
	a := newTestAdapter(t, f, jid.Identity{User: "solo", Host: "test", Resource: "r1"})
	mustConnect(t, a, 0)

	withinBound(t, time.Second, "first Disconnect", a.Disconnect)
	withinBound(t, time.Second, "second Disconnect", a.Disconnect)
	if a.IsConnected() {
		t.Fatalf("expected adapter to be disconnected")
	}

	fresh := newTestAdapter(t, f, jid.Identity{User: "never-connected", Host: "test", Resource: "r1"})
	withinBound(t, time.Second, "Disconnect on a never-connected adapter", fresh.Disconnect)
}

func TestAdapterSelfHostedPubsubRoundTrip(t *testing.T) {
	f := newTestFabric(t)
	a := newTestAdapter(t, f, jid.Identity{User: "hub", Host: "test", Resource: "r1"})
	mustConnect(t, a, 0)
	defer a.Disconnect()

	broker := a.AttachPubsub(a.Self())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	node, err := broker.CreateNode(ctx)
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}

	received := make(chan Payload, 1)
	if err := broker.Subscribe(ctx, node, func(p Payload) { received <- p }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	item := wire.NewTag("item").WithAttr("marker", "hello")
	if err := broker.Publish(ctx, node, item); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case p := <-received:
		got, ok := p.(*wire.Tag)
		if !ok {
			t.Fatalf("expected a *wire.Tag item, got %T", p)
		}
		if marker, _ := got.GetAttr("marker"); marker != "hello" {
			t.Fatalf("unexpected item attribute: %q", marker)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected the published item to be delivered to the subscriber")
	}

	broker.Unsubscribe(node)
	broker.DeleteNode(node)
}

// TestAdapterTeardownUnblocksInFlightCreateNode exercises §8's "deadlock
// freedom on teardown" property: a pub/sub round trip (here CreateNode)
// stuck waiting for a
// broker that will never answer (because the attached service has no
// listener on the fabric) must be released, and Disconnect itself must
// not block, once teardown runs.
func TestAdapterTeardownUnblocksInFlightCreateNode(t *testing.T) {
	f := newTestFabric(t)
	a := newTestAdapter(t, f, jid.Identity{User: "lonely", Host: "test", Resource: "r1"})
	mustConnect(t, a, 0)

	unreachable := jid.Identity{User: "nobody", Host: "test", Resource: "r1"}
	broker := a.AttachPubsub(unreachable)

	subErr := make(chan error, 1)
	go func() {
		_, err := broker.CreateNode(context.Background())
		subErr <- err
	}()

	// Give the round trip time to register as pending before tearing down.
	time.Sleep(50 * time.Millisecond)

	withinBound(t, time.Second, "Disconnect while a pub/sub call is in flight", a.Disconnect)

	select {
	case err := <-subErr:
		if err == nil {
			t.Fatalf("expected the stuck CreateNode call to fail once torn down")
		}
	case <-time.After(time.Second):
		t.Fatalf("CreateNode did not unblock after Disconnect")
	}
}

// TestAdapterConcurrentSendAndDispatch bounces messages between two
// adapters, each replying synchronously from its own message handler
// (invoked from the receive loop), to exercise Send and dispatch running
// concurrently under the recursive mutex without deadlocking.
func TestAdapterConcurrentSendAndDispatch(t *testing.T) {
	f := newTestFabric(t)
	alice := newTestAdapter(t, f, jid.Identity{User: "alice", Host: "test", Resource: "r1"})
	bob := newTestAdapter(t, f, jid.Identity{User: "bob", Host: "test", Resource: "r1"})
	mustConnect(t, alice, 0)
	mustConnect(t, bob, 0)
	defer alice.Disconnect()
	defer bob.Disconnect()

	const rounds = 20
	done := make(chan struct{})
	var got int
	var mu sync.Mutex

	bob.SetMessageHandler("ping", func(st Stanza) {
		_ = bob.Send(Stanza{Kind: KindMessage, From: bob.Self(), To: st.From, Ext: wire.NewTag("pong")})
	})
	alice.SetMessageHandler("pong", func(st Stanza) {
		mu.Lock()
		got++
		n := got
		mu.Unlock()
		if n == rounds {
			close(done)
			return
		}
		_ = alice.Send(Stanza{Kind: KindMessage, From: alice.Self(), To: bob.Self(), Ext: wire.NewTag("ping")})
	})

	if err := alice.Send(Stanza{Kind: KindMessage, From: alice.Self(), To: bob.Self(), Ext: wire.NewTag("ping")}); err != nil {
		t.Fatalf("sending first ping: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("ping/pong exchange stalled after %d rounds", got)
	}
}
