package notify

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/xaya/charon/logs"
	"github.com/xaya/charon/wire"
)

// waitBound is the fixed upper bound on WaitForChange (§4.7, §5).
const waitBound = 5 * time.Second

// ClientState is the client-side known-state record for one registered
// notification type (§4.7).
type ClientState struct {
	typ Type

	mu       sync.Mutex
	hasValue bool
	value    json.RawMessage
	changed  chan struct{}
}

// NewClientState builds an empty record for typ.
func NewClientState(typ Type) *ClientState {
	return &ClientState{typ: typ, changed: make(chan struct{})}
}

// WaitForChange implements §4.7's gated wait: returns immediately if a
// value is known and known does not match its current state id (and
// known is not the always-block sentinel); otherwise blocks up to
// waitBound and returns whatever value is current when it returns
// (possibly unchanged, possibly still nil if none was ever received).
func (cs *ClientState) WaitForChange(known string) json.RawMessage {
	cs.mu.Lock()
	if cs.hasValue && known != cs.typ.AlwaysBlockID {
		if id, err := cs.typ.ExtractStateID(cs.value); err == nil && id != known {
			v := cs.value
			cs.mu.Unlock()
			return v
		}
	}
	ch := cs.changed
	cs.mu.Unlock()

	select {
	case <-ch:
	case <-time.After(waitBound):
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.value
}

// OnItem is the pub/sub subscription callback: decode a <update/> item,
// drop it with a warning if invalid or of the wrong type, otherwise
// store the new state and wake every blocked WaitForChange.
func (cs *ClientState) OnItem(t *wire.Tag) {
	typ, ok := wire.DecodeUpdate(t)
	if !ok {
		logs.Warn.Printf("notify: dropping update item missing a type attribute")
		return
	}
	if typ != cs.typ.Name {
		logs.Warn.Printf("notify: dropping update of type %q on a %q record", typ, cs.typ.Name)
		return
	}

	var value json.RawMessage
	if err := wire.DecodeJSON(t, &value); err != nil {
		logs.Warn.Printf("notify: dropping malformed update: %v", err)
		return
	}
	if string(value) == "null" {
		// Open Question decision: a null decoded state is dropped, not
		// used to clear the existing known state.
		return
	}

	cs.mu.Lock()
	cs.value = value
	cs.hasValue = true
	old := cs.changed
	cs.changed = make(chan struct{})
	cs.mu.Unlock()
	close(old)
}
