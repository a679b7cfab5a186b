// Package memory is an in-process broker backend built on Watermill's
// gochannel. It emulates consumer groups so a single process can host
// several nodes in tests and examples.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/shortlink-org/go-mediator/logger"
	wm "github.com/shortlink-org/go-mediator/watermill"
)

var ErrClosed = errors.New("memory backend: closed")

type groupKey struct {
	group string
	topic string
}

// groupFeed is the single gochannel subscription shared by all readers of
// one consumer group on one topic.
type groupFeed struct {
	messages <-chan *message.Message
	cancel   context.CancelFunc
}

// Backend satisfies watermill.Backend. Messages published while no group is
// subscribed to a topic are dropped.
type Backend struct {
	pubsub *gochannel.GoChannel

	mu     sync.Mutex
	feeds  map[groupKey]*groupFeed
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

var _ wm.Backend = (*Backend)(nil)

func New(log logger.Logger) *Backend {
	ctx, cancel := context.WithCancel(context.Background())

	return &Backend{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 64,
		}, wm.NewWatermillLogger(log)),
		feeds:  make(map[groupKey]*groupFeed),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (b *Backend) Publisher() message.Publisher {
	return publisher{pubsub: b.pubsub}
}

// Subscriber returns a reader of the given consumer group. FromOldest is
// ignored: the backend keeps no history.
func (b *Backend) Subscriber(opts wm.SubscribeOptions) (message.Subscriber, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	group := opts.ConsumerGroup
	if group == "" {
		group = watermill.NewShortUUID()
	}

	return &subscriber{
		backend: b,
		group:   group,
		closing: make(chan struct{}),
	}, nil
}

func (b *Backend) EnsureTopic(context.Context, string) error {
	return nil
}

// DeleteTopic drops every group subscription of topic.
func (b *Backend) DeleteTopic(_ context.Context, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, feed := range b.feeds {
		if key.topic == topic {
			feed.cancel()
			delete(b.feeds, key)
		}
	}

	return nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}

	b.closed = true
	b.cancel()
	b.mu.Unlock()

	err := b.pubsub.Close()
	b.wg.Wait()

	return err
}

// feed returns the shared group subscription and registers one reader in wg.
func (b *Backend) feed(group, topic string) (<-chan *message.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	key := groupKey{group: group, topic: topic}
	if feed, ok := b.feeds[key]; ok {
		b.wg.Add(1)
		return feed.messages, nil
	}

	ctx, cancel := context.WithCancel(b.ctx)

	messages, err := b.pubsub.Subscribe(ctx, topic)
	if err != nil {
		cancel()
		return nil, err
	}

	b.feeds[key] = &groupFeed{messages: messages, cancel: cancel}
	b.wg.Add(1)

	return messages, nil
}

type publisher struct {
	pubsub *gochannel.GoChannel
}

func (p publisher) Publish(topic string, msgs ...*message.Message) error {
	return p.pubsub.Publish(topic, msgs...)
}

// Close is a no-op; the backend owns the pubsub.
func (publisher) Close() error {
	return nil
}

type subscriber struct {
	backend *Backend
	group   string

	closeOnce sync.Once
	closing   chan struct{}
}

// Subscribe returns a reader competing with the other readers of its group.
func (s *subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	select {
	case <-s.closing:
		return nil, ErrClosed
	default:
	}

	shared, err := s.backend.feed(s.group, topic)
	if err != nil {
		return nil, err
	}

	out := make(chan *message.Message)

	go func() {
		defer s.backend.wg.Done()
		defer close(out)

		for {
			select {
			case <-s.closing:
				return
			case <-ctx.Done():
				return
			case msg, ok := <-shared:
				if !ok {
					return
				}

				select {
				case out <- msg:
				case <-s.closing:
					msg.Nack()
					return
				case <-ctx.Done():
					msg.Nack()
					return
				}
			}
		}
	}()

	return out, nil
}

func (s *subscriber) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)
	})

	return nil
}
