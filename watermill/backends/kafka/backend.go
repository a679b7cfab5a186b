// Package kafka is the Kafka broker backend built on watermill-kafka and
// sarama.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	wmkafka "github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/hashicorp/go-multierror"

	"github.com/shortlink-org/go-mediator/config"
	"github.com/shortlink-org/go-mediator/logger"
	wm "github.com/shortlink-org/go-mediator/watermill"
)

var ErrNilLogger = errors.New("kafka: logger is nil")

// Backend satisfies watermill.Backend. Every consumer group gets its own
// watermill-kafka subscriber; topics are administered through sarama.
type Backend struct {
	settings  *kafkaConfig
	wmLogger  watermill.LoggerAdapter
	publisher *wmkafka.Publisher

	mu          sync.Mutex
	admin       sarama.ClusterAdmin
	subscribers []*wmkafka.Subscriber
}

var _ wm.Backend = (*Backend)(nil)

// New wires the Kafka publisher from WATERMILL_KAFKA_* settings.
func New(log logger.Logger, cfg *config.Config) (*Backend, error) {
	if log == nil {
		return nil, ErrNilLogger
	}

	settings, err := newKafkaConfig(cfg)
	if err != nil {
		return nil, err
	}

	wmLogger := wm.NewWatermillLogger(log)

	publisher, err := wmkafka.NewPublisher(settings.publisherConfig(), wmLogger)
	if err != nil {
		return nil, fmt.Errorf("create kafka publisher: %w", err)
	}

	return &Backend{
		settings:  settings,
		wmLogger:  wmLogger,
		publisher: publisher,
	}, nil
}

func (b *Backend) Publisher() message.Publisher {
	return b.publisher
}

func (b *Backend) Subscriber(opts wm.SubscribeOptions) (message.Subscriber, error) {
	group := opts.ConsumerGroup
	if group == "" {
		group = b.settings.clientID
	}

	subscriber, err := wmkafka.NewSubscriber(b.settings.subscriberConfig(group, opts.FromOldest), b.wmLogger)
	if err != nil {
		return nil, fmt.Errorf("create kafka subscriber for %s: %w", group, err)
	}

	b.mu.Lock()
	b.subscribers = append(b.subscribers, subscriber)
	b.mu.Unlock()

	return subscriber, nil
}

// EnsureTopic creates topic if it does not exist yet.
func (b *Backend) EnsureTopic(_ context.Context, topic string) error {
	admin, err := b.clusterAdmin()
	if err != nil {
		return err
	}

	err = admin.CreateTopic(topic, b.settings.topicDetail(), false)
	if err == nil || errors.Is(err, sarama.ErrTopicAlreadyExists) {
		return nil
	}

	var topicErr *sarama.TopicError
	if errors.As(err, &topicErr) && topicErr.Err == sarama.ErrTopicAlreadyExists {
		return nil
	}

	return fmt.Errorf("create topic %s: %w", topic, err)
}

func (b *Backend) DeleteTopic(_ context.Context, topic string) error {
	admin, err := b.clusterAdmin()
	if err != nil {
		return err
	}

	err = admin.DeleteTopic(topic)
	if err == nil || errors.Is(err, sarama.ErrUnknownTopicOrPartition) {
		return nil
	}

	return fmt.Errorf("delete topic %s: %w", topic, err)
}

func (b *Backend) clusterAdmin() (sarama.ClusterAdmin, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.admin != nil {
		return b.admin, nil
	}

	admin, err := sarama.NewClusterAdmin(b.settings.brokers, b.settings.adminConfig())
	if err != nil {
		return nil, fmt.Errorf("create kafka cluster admin: %w", err)
	}

	b.admin = admin

	return admin, nil
}

// Close stops the publisher, every subscriber and the admin client.
func (b *Backend) Close() error {
	var errs *multierror.Error

	if err := b.publisher.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("close publisher: %w", err))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, subscriber := range b.subscribers {
		if err := subscriber.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("close subscriber: %w", err))
		}
	}

	b.subscribers = nil

	if b.admin != nil {
		if err := b.admin.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("close cluster admin: %w", err))
		}

		b.admin = nil
	}

	return errs.ErrorOrNil()
}
