// Package notify implements notification state: the server-side waiter
// tasks that long-poll a backend and fan out deduplicated updates (§4.6),
// and the client-side known-state records that gate WaitForChange (§4.7).
package notify

import (
	"context"
	"encoding/json"
	"fmt"
)

// Type is a notification type (§3): a name, a pure projection from a full
// value to a comparable state id, and a sentinel known-id value that
// forces a client to always block.
type Type struct {
	Name           string
	ExtractStateID func(full json.RawMessage) (string, error)
	AlwaysBlockID  string
}

// UpdateWaiter is the long-polling update source a server-side Waiter
// task drives (§6's backend contract). ok=false signals a transient
// error; ok=true with a nil value means the poll returned nothing new.
type UpdateWaiter interface {
	WaitForUpdate(ctx context.Context) (ok bool, value json.RawMessage)
}

func extractField(field string) func(json.RawMessage) (string, error) {
	return func(full json.RawMessage) (string, error) {
		var obj map[string]interface{}
		if err := json.Unmarshal(full, &obj); err != nil {
			return "", err
		}
		v, ok := obj[field]
		if !ok {
			return "", fmt.Errorf("charon/notify: value has no %q field", field)
		}
		return fmt.Sprint(v), nil
	}
}

// extractString expects full itself to decode as a JSON string (not an
// object), and returns that string as the state id.
func extractString(full json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(full, &s); err != nil {
		return "", fmt.Errorf("charon/notify: value is not a JSON string: %w", err)
	}
	return s, nil
}

// alwaysBlockSentinel is used as both built-in types' AlwaysBlockID. It is
// chosen to be unreachable as a real extracted id (block hashes and
// version counters never contain a NUL byte).
const alwaysBlockSentinel = "\x00always-block\x00"

// StateChange is the built-in notification type for the full game state.
// The full value is itself a JSON string (the state's block hash), not an
// object (original_source/src/notifications.cpp's
// StateChangeNotification::ExtractStateId: `CHECK(fullState.isString());
// return fullState;`).
var StateChange = Type{
	Name:           "state",
	ExtractStateID: extractString,
	AlwaysBlockID:  alwaysBlockSentinel,
}

// PendingChange is the built-in notification type for the pending-moves
// view, keyed by a monotonically increasing version counter
// (original_source/src/notifications.cpp).
var PendingChange = Type{
	Name:           "pending",
	ExtractStateID: extractField("version"),
	AlwaysBlockID:  alwaysBlockSentinel,
}
