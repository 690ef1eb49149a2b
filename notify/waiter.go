package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/xaya/charon/logs"
)

// defaultBackoff is the fixed interval between failed long-polls (§4.6,
// §9's "no exponential backoff is expected").
const defaultBackoff = 5 * time.Second

// Waiter is a server-side task that long-polls a backend for a single
// notification type, deduplicates by state id, and invokes onUpdate for
// every genuinely new state (§4.6).
type Waiter struct {
	typ      Type
	source   UpdateWaiter
	onUpdate func(json.RawMessage)

	stop chan struct{}
	done chan struct{}

	mu       sync.Mutex
	haveLast bool
	lastID   string
}

// NewWaiter builds a Waiter; call Start to begin polling.
func NewWaiter(typ Type, source UpdateWaiter, onUpdate func(json.RawMessage)) *Waiter {
	return &Waiter{
		typ:      typ,
		source:   source,
		onUpdate: onUpdate,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the poll loop in its own goroutine.
func (w *Waiter) Start() {
	go w.run()
}

// Stop requests the task to stop and blocks until it has (§5: "not
// preempted mid-poll").
func (w *Waiter) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Waiter) run() {
	defer close(w.done)
	bo := backoff.NewConstantBackOff(defaultBackoff)

	for {
		select {
		case <-w.stop:
			return
		default:
		}

		t0 := time.Now()
		ok, value := w.source.WaitForUpdate(context.Background())
		if !ok {
			wait := bo.NextBackOff() - time.Since(t0)
			if wait < 0 {
				wait = 0
			}
			select {
			case <-time.After(wait):
			case <-w.stop:
				return
			}
			continue
		}
		if value == nil {
			continue
		}

		id, err := w.typ.ExtractStateID(value)
		if err != nil {
			logs.Warn.Printf("notify: waiter %s could not extract a state id: %v", w.typ.Name, err)
			continue
		}

		w.mu.Lock()
		dup := w.haveLast && w.lastID == id
		if !dup {
			w.lastID = id
			w.haveLast = true
		}
		w.mu.Unlock()
		if dup {
			continue
		}

		// Deliberately called outside the waiter's own lock: onUpdate
		// publishes via pub/sub, which may block on broker acknowledgment
		// or a disconnect (§4.6, §5).
		w.onUpdate(value)
	}
}
