// Package nats is a core NATS broker backend. Consumer groups map onto
// queue groups; Watermill metadata travels in message headers.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/hashicorp/go-multierror"
	"github.com/nats-io/nats.go"

	"github.com/shortlink-org/go-mediator/config"
	"github.com/shortlink-org/go-mediator/logger"
	wm "github.com/shortlink-org/go-mediator/watermill"
)

const uuidHeader = "_watermill_message_uuid"

var ErrClosed = errors.New("nats backend: closed")

// Config - configuration
type Config struct {
	URL         string
	Name        string
	ChannelSize int
}

// ConfigFrom reads MEDIATOR_NATS_URL and MEDIATOR_NATS_CHANNEL_SIZE.
func ConfigFrom(cfg *config.Config) Config {
	cfg.SetDefault("MEDIATOR_NATS_URL", nats.DefaultURL)
	cfg.SetDefault("MEDIATOR_NATS_CHANNEL_SIZE", 256)

	return Config{
		URL:         cfg.GetString("MEDIATOR_NATS_URL"),
		Name:        cfg.GetString("SERVICE_NAME"),
		ChannelSize: cfg.GetInt("MEDIATOR_NATS_CHANNEL_SIZE"),
	}
}

// Backend satisfies watermill.Backend over one NATS connection.
type Backend struct {
	conn *nats.Conn
	log  logger.Logger
	size int

	mu          sync.Mutex
	subscribers []*subscriber
	closed      bool
	wg          sync.WaitGroup
}

var _ wm.Backend = (*Backend)(nil)

func New(log logger.Logger, conf Config) (*Backend, error) {
	opts := []nats.Option{
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", slog.Any("error", err))
			}
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			log.Info("NATS reconnected", slog.String("url", conn.ConnectedUrl()))
		}),
	}

	if conf.Name != "" {
		opts = append(opts, nats.Name(conf.Name))
	}

	conn, err := nats.Connect(conf.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", conf.URL, err)
	}

	size := conf.ChannelSize
	if size <= 0 {
		size = 256
	}

	return &Backend{conn: conn, log: log, size: size}, nil
}

func (b *Backend) Publisher() message.Publisher {
	return publisher{conn: b.conn}
}

// Subscriber returns a reader of a queue group. FromOldest is ignored: core
// NATS keeps no history.
func (b *Backend) Subscriber(opts wm.SubscribeOptions) (message.Subscriber, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	s := &subscriber{
		backend: b,
		group:   opts.ConsumerGroup,
		closing: make(chan struct{}),
	}
	b.subscribers = append(b.subscribers, s)

	return s, nil
}

// EnsureTopic is a no-op: subjects need no provisioning.
func (b *Backend) EnsureTopic(context.Context, string) error {
	return nil
}

func (b *Backend) DeleteTopic(context.Context, string) error {
	return nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}

	b.closed = true
	subscribers := b.subscribers
	b.subscribers = nil
	b.mu.Unlock()

	var errs *multierror.Error

	for _, s := range subscribers {
		if err := s.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	b.wg.Wait()

	if err := b.conn.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		errs = multierror.Append(errs, fmt.Errorf("drain nats connection: %w", err))
	}

	b.conn.Close()

	return errs.ErrorOrNil()
}

type publisher struct {
	conn *nats.Conn
}

func (p publisher) Publish(topic string, msgs ...*message.Message) error {
	for _, msg := range msgs {
		natsMsg := nats.NewMsg(topic)
		natsMsg.Data = msg.Payload
		natsMsg.Header.Set(uuidHeader, msg.UUID)

		for key, value := range msg.Metadata {
			natsMsg.Header.Set(key, value)
		}

		if err := p.conn.PublishMsg(natsMsg); err != nil {
			return fmt.Errorf("publish to %s: %w", topic, err)
		}
	}

	return nil
}

// Close is a no-op; the backend owns the connection.
func (publisher) Close() error {
	return nil
}

type subscriber struct {
	backend *Backend
	group   string

	closeOnce sync.Once
	closing   chan struct{}
}

func (s *subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	select {
	case <-s.closing:
		return nil, ErrClosed
	default:
	}

	in := make(chan *nats.Msg, s.backend.size)

	var (
		sub *nats.Subscription
		err error
	)

	if s.group != "" {
		sub, err = s.backend.conn.ChanQueueSubscribe(topic, s.group, in)
	} else {
		sub, err = s.backend.conn.ChanSubscribe(topic, in)
	}

	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
	}

	out := make(chan *message.Message)

	s.backend.wg.Add(1)

	go func() {
		defer s.backend.wg.Done()
		defer close(out)
		defer func() {
			if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
				s.backend.log.Warn("NATS unsubscribe failed",
					slog.String("topic", topic),
					slog.Any("error", err),
				)
			}
		}()

		for {
			select {
			case <-s.closing:
				return
			case <-ctx.Done():
				return
			case natsMsg := <-in:
				if !s.deliver(ctx, out, toMessage(natsMsg)) {
					return
				}
			}
		}
	}()

	return out, nil
}

// deliver hands msg to the reader and waits for the ack, redelivering on
// nack. It reports false when the subscriber stops.
func (s *subscriber) deliver(ctx context.Context, out chan<- *message.Message, msg *message.Message) bool {
	for {
		attempt := msg.Copy()
		attempt.SetContext(ctx)

		select {
		case out <- attempt:
		case <-s.closing:
			return false
		case <-ctx.Done():
			return false
		}

		select {
		case <-attempt.Acked():
			return true
		case <-attempt.Nacked():
			continue
		case <-s.closing:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

func (s *subscriber) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)
	})

	return nil
}

func toMessage(natsMsg *nats.Msg) *message.Message {
	id := natsMsg.Header.Get(uuidHeader)
	if id == "" {
		id = watermill.NewUUID()
	}

	msg := message.NewMessage(id, natsMsg.Data)

	for key := range natsMsg.Header {
		if key != uuidHeader {
			msg.Metadata.Set(key, natsMsg.Header.Get(key))
		}
	}

	return msg
}
