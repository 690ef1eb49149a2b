// Package discovery implements the client-side server discovery
// handshake (§4.5): ping/pong with version gating, coalesced concurrent
// callers, and the reselection triggers that clear a stale selection.
package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/xaya/charon/jid"
	"github.com/xaya/charon/transport"
	"github.com/xaya/charon/wire"
)

// AcceptHook is notified once a pong has been accepted and the selected
// identity, pub/sub service name and per-type node ids have been
// recorded, so the client assembly can attach pub/sub and resubscribe
// (§4.5 step 4's pub/sub side effects, owned by the client package).
type AcceptHook interface {
	OnAccepted(selected jid.Identity, service string, nodes map[string]string)
}

type pingAttempt struct {
	done chan struct{}
	once sync.Once
}

func (a *pingAttempt) finish() {
	a.once.Do(func() { close(a.done) })
}

// Discoverer runs the handshake against a single bare target identity.
type Discoverer struct {
	adapter         transport.Messaging
	target          jid.Identity
	expectedVersion string
	registeredTypes map[string]struct{}
	timeout         time.Duration
	hook            AcceptHook

	mu       sync.Mutex
	selected jid.Identity
	service  string
	nodes    map[string]string

	pingMu  sync.Mutex
	attempt *pingAttempt
}

// New builds a Discoverer. registeredTypes lists the notification type
// names the client cares about; a pong must advertise all of them to be
// accepted.
func New(adapter transport.Messaging, target jid.Identity, expectedVersion string, registeredTypes []string, timeout time.Duration, hook AcceptHook) *Discoverer {
	set := map[string]struct{}{}
	for _, t := range registeredTypes {
		set[t] = struct{}{}
	}
	return &Discoverer{
		adapter:         adapter,
		target:          target.Bare(),
		expectedVersion: expectedVersion,
		registeredTypes: set,
		timeout:         timeout,
		hook:            hook,
	}
}

// Selected returns the currently selected full identity, or the zero
// value if none is selected.
func (d *Discoverer) Selected() jid.Identity {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.selected
}

// Service returns the most recently accepted pub/sub advertisement (the
// service name and the per-type node ids), valid only while Selected() is
// non-zero.
func (d *Discoverer) Service() (string, map[string]string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.service, d.nodes
}

// Clear drops the current selection, so the next Ensure redoes the
// handshake. Used by every reselection trigger (§4.5).
func (d *Discoverer) Clear() {
	d.mu.Lock()
	d.selected = jid.Identity{}
	d.service = ""
	d.nodes = nil
	d.mu.Unlock()
}

// Ensure blocks until a server is selected or ctx/the configured timeout
// expires, coalescing concurrent callers onto one in-flight ping.
func (d *Discoverer) Ensure(ctx context.Context) jid.Identity {
	if sel := d.Selected(); !sel.IsZero() {
		return sel
	}

	d.pingMu.Lock()
	a := d.attempt
	if a == nil {
		a = &pingAttempt{done: make(chan struct{})}
		d.attempt = a
		d.pingMu.Unlock()

		_ = d.adapter.Send(transport.Stanza{
			Kind: transport.KindMessage,
			From: d.adapter.Self(),
			To:   d.target,
			Ext:  wire.NewPing(),
		})

		go func() {
			select {
			case <-time.After(d.timeout):
				a.finish()
			case <-a.done:
			}
			d.pingMu.Lock()
			if d.attempt == a {
				d.attempt = nil
			}
			d.pingMu.Unlock()
		}()
	} else {
		d.pingMu.Unlock()
	}

	select {
	case <-a.done:
	case <-ctx.Done():
	}
	return d.Selected()
}

// HandlePresence processes every inbound presence stanza, recognizing
// pong replies and unavailable presence from the selected identity
// (§4.5's accept criteria and its second reselection trigger).
func (d *Discoverer) HandlePresence(st transport.Stanza) {
	if st.Type == "unavailable" {
		d.mu.Lock()
		match := !d.selected.IsZero() && d.selected.Equal(st.From)
		d.mu.Unlock()
		if match {
			d.Clear()
		}
		return
	}

	if !d.Selected().IsZero() {
		return // already selected: accept only the first matching pong
	}

	version, ok := wire.PongVersion(st.Ext)
	if !ok {
		return
	}
	if !st.From.SameBare(d.target) {
		return
	}
	if version != d.expectedVersion {
		return
	}

	service := ""
	var nodes map[string]string
	if notif := st.Ext.Find(wire.TagNotifications); notif != nil {
		if s, n, ok := wire.DecodeNotifications(notif); ok {
			service, nodes = s, n
		}
	}
	for want := range d.registeredTypes {
		if _, have := nodes[want]; !have {
			return
		}
	}

	d.mu.Lock()
	d.selected = st.From
	d.service = service
	d.nodes = nodes
	d.mu.Unlock()

	d.pingMu.Lock()
	if d.attempt != nil {
		d.attempt.finish()
	}
	d.pingMu.Unlock()

	_ = d.adapter.Send(transport.Stanza{Kind: transport.KindPresence, From: d.adapter.Self(), To: st.From})

	if d.hook != nil {
		d.hook.OnAccepted(st.From, service, nodes)
	}
}
