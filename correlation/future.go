package correlation

import (
	"context"
	"sync"

	"github.com/shortlink-org/go-mediator/message"
)

// Future is the one-shot slot a pending request waits on.
type Future struct {
	once     sync.Once
	done     chan struct{}
	response *message.ResponseMessage
	err      error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(response *message.ResponseMessage, err error) bool {
	resolved := false

	f.once.Do(func() {
		f.response = response
		f.err = err
		resolved = true
		close(f.done)
	})

	return resolved
}

// Done is closed once the future is resolved.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future is resolved or ctx ends.
func (f *Future) Wait(ctx context.Context) (*message.ResponseMessage, error) {
	select {
	case <-f.done:
		return f.response, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
