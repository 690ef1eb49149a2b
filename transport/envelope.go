package transport

import (
	"fmt"

	"github.com/xaya/charon/jid"
	"github.com/xaya/charon/wire"
)

// encodeEnvelope renders a Stanza as its outer XML tag, with the
// extension (if any) as its single child, the way an XMPP message/
// presence/iq element carries its payload extension.
func encodeEnvelope(st Stanza) *wire.Tag {
	t := wire.NewTag(string(st.Kind))
	if !st.From.IsZero() {
		t.WithAttr("from", st.From.String())
	}
	if !st.To.IsZero() {
		t.WithAttr("to", st.To.String())
	}
	if st.ID != "" {
		t.WithAttr("id", st.ID)
	}
	if st.Type != "" {
		t.WithAttr("type", st.Type)
	}
	if st.Ext != nil {
		t.AddChild(st.Ext)
	}
	return t
}

// decodeEnvelope parses the outer XML tag back into a Stanza.
func decodeEnvelope(t *wire.Tag) (Stanza, error) {
	var kind Kind
	switch t.Name {
	case string(KindMessage), string(KindPresence), string(KindIQ):
		kind = Kind(t.Name)
	default:
		return Stanza{}, fmt.Errorf("charon/transport: unrecognized stanza element %q", t.Name)
	}
	st := Stanza{Kind: kind}
	if from, ok := t.GetAttr("from"); ok {
		id, err := jid.Parse(from)
		if err == nil {
			st.From = id
		}
	}
	if to, ok := t.GetAttr("to"); ok {
		id, err := jid.Parse(to)
		if err == nil {
			st.To = id
		}
	}
	st.ID, _ = t.GetAttr("id")
	st.Type, _ = t.GetAttr("type")
	if len(t.Children) > 0 {
		st.Ext = t.Children[0]
	}
	return st, nil
}
