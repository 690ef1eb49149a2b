// Package transport implements the messaging adapter (§4.2): the narrow
// "messaging capability" the rest of the core depends on, hiding the
// underlying connection, presence, and stanza I/O.
package transport

import (
	"github.com/xaya/charon/jid"
	"github.com/xaya/charon/wire"
)

// Kind identifies the XMPP-style stanza family.
type Kind string

const (
	KindMessage  Kind = "message"
	KindPresence Kind = "presence"
	KindIQ       Kind = "iq"
)

// Stanza is the envelope carried over the messaging fabric: a message,
// presence, or IQ, addressed between two identities and carrying at most
// one charon extension tag.
type Stanza struct {
	Kind Kind
	From jid.Identity
	To   jid.Identity
	// ID correlates an IQ reply (or a directed presence/message) with its
	// request. Required for IQ get/set, optional otherwise.
	ID string
	// Type is the stanza subtype: "get"/"set"/"result"/"error" for IQ,
	// "unavailable" for presence ("negative-priority" on the adapter's own
	// initial presence when its priority is negative), "" otherwise.
	Type string
	// Ext is the single charon extension tag this stanza carries.
	Ext *wire.Tag
}

// ExtName returns the name of the extension tag, or "" if none is set.
func (s Stanza) ExtName() string {
	if s.Ext == nil {
		return ""
	}
	return s.Ext.Name
}
