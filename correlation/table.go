// Package correlation tracks in-flight requests by correlation id.
package correlation

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shortlink-org/go-mediator/message"
)

var (
	// ErrTimeout resolves a pending request nobody answered in time.
	ErrTimeout = errors.New("correlation: request timed out")
	// ErrClosed resolves every pending request when the table shuts down.
	ErrClosed = errors.New("correlation: table closed")
	// ErrDuplicateID is returned when an id is registered twice.
	ErrDuplicateID = errors.New("correlation: duplicate correlation id")
)

type entry struct {
	future *Future
	timer  *time.Timer
}

// Table maps correlation ids to pending futures. Each entry leaves the table
// exactly once: on completion, removal, timeout or close.
type Table struct {
	mu      sync.Mutex
	pending map[string]*entry
	closed  bool
}

func NewTable() *Table {
	return &Table{pending: make(map[string]*entry)}
}

// Register adds a pending entry that fails with ErrTimeout after timeout.
// A non-positive timeout disables the deadline.
func (t *Table) Register(id string, timeout time.Duration) (*Future, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrClosed
	}

	if _, ok := t.pending[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}

	e := &entry{future: newFuture()}
	if timeout > 0 {
		e.timer = time.AfterFunc(timeout, func() {
			if t.take(id, e) {
				e.future.resolve(nil, fmt.Errorf("%w after %s", ErrTimeout, timeout))
			}
		})
	}

	t.pending[id] = e

	return e.future, nil
}

// Complete resolves the entry for id. It returns false for unknown ids.
func (t *Table) Complete(id string, response *message.ResponseMessage) bool {
	t.mu.Lock()
	e, ok := t.pending[id]
	t.mu.Unlock()

	if !ok || !t.take(id, e) {
		return false
	}

	return e.future.resolve(response, nil)
}

// Remove drops the entry without resolving it.
func (t *Table) Remove(id string) {
	t.mu.Lock()
	e, ok := t.pending[id]
	t.mu.Unlock()

	if ok {
		t.take(id, e)
	}
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.pending)
}

// Close fails every pending entry with ErrClosed and rejects new ones.
func (t *Table) Close() {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[string]*entry)
	t.closed = true
	t.mu.Unlock()

	for _, e := range pending {
		if e.timer != nil {
			e.timer.Stop()
		}

		e.future.resolve(nil, ErrClosed)
	}
}

// take removes e if it is still the entry registered under id.
func (t *Table) take(id string, e *entry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	current, ok := t.pending[id]
	if !ok || current != e {
		return false
	}

	delete(t.pending, id)

	if e.timer != nil {
		e.timer.Stop()
	}

	return true
}
