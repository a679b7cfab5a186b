package kafka

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
	wmkafka "github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"

	"github.com/shortlink-org/go-mediator/config"
)

var ErrNoBrokers = errors.New("kafka: WATERMILL_KAFKA_BROKERS must not be empty")

type kafkaConfig struct {
	brokers           []string
	clientID          string
	enableOTEL        bool
	initialOffset     int64
	rebalanceStrategy sarama.BalanceStrategy
	nackSleep         time.Duration
	reconnectSleep    time.Duration
	version           sarama.KafkaVersion

	producerRetryMax   int
	compression        sarama.CompressionCodec
	idempotentProducer bool

	partitions        int32
	replicationFactor int16

	saslUser     string
	saslPassword string
	tlsEnabled   bool
}

func newKafkaConfig(cfg *config.Config) (*kafkaConfig, error) {
	cfg.SetDefault("WATERMILL_KAFKA_BROKERS", "localhost:9092")
	cfg.SetDefault("WATERMILL_KAFKA_CONSUMER_INITIAL_OFFSET", "latest")
	cfg.SetDefault("WATERMILL_KAFKA_REBALANCE_STRATEGY", "range")
	cfg.SetDefault("WATERMILL_KAFKA_SARAMA_VERSION", "max")
	cfg.SetDefault("WATERMILL_KAFKA_PRODUCER_COMPRESSION", "snappy")
	cfg.SetDefault("WATERMILL_KAFKA_PRODUCER_RETRY_MAX", 10)
	cfg.SetDefault("WATERMILL_KAFKA_PRODUCER_IDEMPOTENT", true)
	cfg.SetDefault("WATERMILL_KAFKA_OTEL_ENABLED", true)
	cfg.SetDefault("WATERMILL_KAFKA_SUBSCRIBER_NACK_SLEEP", "100ms")
	cfg.SetDefault("WATERMILL_KAFKA_SUBSCRIBER_RECONNECT_SLEEP", "1s")
	cfg.SetDefault("WATERMILL_KAFKA_TOPIC_PARTITIONS", 1)
	cfg.SetDefault("WATERMILL_KAFKA_TOPIC_REPLICATION_FACTOR", 1)
	cfg.SetDefault("WATERMILL_KAFKA_TLS_ENABLED", false)

	brokers := cfg.GetStringSlice("WATERMILL_KAFKA_BROKERS")
	if len(brokers) == 0 {
		return nil, ErrNoBrokers
	}

	clientID := strings.TrimSpace(cfg.GetString("WATERMILL_KAFKA_CLIENT_ID"))
	if clientID == "" {
		clientID = firstNonEmpty(cfg.GetString("MEDIATOR_NAMESPACE"), "mediator")
	}

	initialOffset, err := parseInitialOffset(cfg.GetString("WATERMILL_KAFKA_CONSUMER_INITIAL_OFFSET"))
	if err != nil {
		return nil, err
	}

	strategy, err := parseRebalanceStrategy(cfg.GetString("WATERMILL_KAFKA_REBALANCE_STRATEGY"))
	if err != nil {
		return nil, err
	}

	version, err := parseKafkaVersion(cfg.GetString("WATERMILL_KAFKA_SARAMA_VERSION"))
	if err != nil {
		return nil, err
	}

	compression, err := parseCompressionCodec(cfg.GetString("WATERMILL_KAFKA_PRODUCER_COMPRESSION"))
	if err != nil {
		return nil, err
	}

	partitions := cfg.GetInt("WATERMILL_KAFKA_TOPIC_PARTITIONS")
	replication := cfg.GetInt("WATERMILL_KAFKA_TOPIC_REPLICATION_FACTOR")

	if partitions < 1 || replication < 1 {
		return nil, fmt.Errorf("kafka: partitions (%d) and replication factor (%d) must be positive", partitions, replication)
	}

	return &kafkaConfig{
		brokers:            brokers,
		clientID:           clientID,
		enableOTEL:         cfg.GetBool("WATERMILL_KAFKA_OTEL_ENABLED"),
		initialOffset:      initialOffset,
		rebalanceStrategy:  strategy,
		nackSleep:          cfg.GetDuration("WATERMILL_KAFKA_SUBSCRIBER_NACK_SLEEP"),
		reconnectSleep:     cfg.GetDuration("WATERMILL_KAFKA_SUBSCRIBER_RECONNECT_SLEEP"),
		version:            version,
		producerRetryMax:   cfg.GetInt("WATERMILL_KAFKA_PRODUCER_RETRY_MAX"),
		compression:        compression,
		idempotentProducer: cfg.GetBool("WATERMILL_KAFKA_PRODUCER_IDEMPOTENT"),
		partitions:         int32(partitions),  //nolint:gosec // validated above
		replicationFactor:  int16(replication), //nolint:gosec // validated above
		saslUser:           cfg.GetString("WATERMILL_KAFKA_SASL_USERNAME"),
		saslPassword:       cfg.GetString("WATERMILL_KAFKA_SASL_PASSWORD"),
		tlsEnabled:         cfg.GetBool("WATERMILL_KAFKA_TLS_ENABLED"),
	}, nil
}

// applyNet sets identity, version, SASL and TLS shared by every client.
func (k *kafkaConfig) applyNet(sc *sarama.Config) {
	sc.ClientID = k.clientID
	sc.Version = k.version

	if k.saslUser != "" {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		sc.Net.SASL.User = k.saslUser
		sc.Net.SASL.Password = k.saslPassword
	}

	if k.tlsEnabled {
		sc.Net.TLS.Enable = true
	}
}

func (k *kafkaConfig) topicDetail() *sarama.TopicDetail {
	return &sarama.TopicDetail{
		NumPartitions:     k.partitions,
		ReplicationFactor: k.replicationFactor,
	}
}

func (k *kafkaConfig) publisherConfig() wmkafka.PublisherConfig {
	sc := wmkafka.DefaultSaramaSyncPublisherConfig()
	k.applyNet(sc)
	sc.Producer.Retry.Max = k.producerRetryMax
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Idempotent = k.idempotentProducer
	sc.Producer.Compression = k.compression

	if k.idempotentProducer {
		sc.Net.MaxOpenRequests = 1
	}

	return wmkafka.PublisherConfig{
		Brokers:               k.brokers,
		Marshaler:             wmkafka.DefaultMarshaler{},
		OverwriteSaramaConfig: sc,
		OTELEnabled:           k.enableOTEL,
	}
}

// subscriberConfig builds a fresh config per consumer group.
func (k *kafkaConfig) subscriberConfig(group string, fromOldest bool) wmkafka.SubscriberConfig {
	sc := wmkafka.DefaultSaramaSubscriberConfig()
	k.applyNet(sc)
	sc.Consumer.Offsets.Initial = k.initialOffset
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{k.rebalanceStrategy}

	if fromOldest {
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	}

	return wmkafka.SubscriberConfig{
		Brokers:                k.brokers,
		Unmarshaler:            wmkafka.DefaultMarshaler{},
		ConsumerGroup:          group,
		OverwriteSaramaConfig:  sc,
		NackResendSleep:        k.nackSleep,
		ReconnectRetrySleep:    k.reconnectSleep,
		InitializeTopicDetails: k.topicDetail(),
		OTELEnabled:            k.enableOTEL,
	}
}

func (k *kafkaConfig) adminConfig() *sarama.Config {
	sc := sarama.NewConfig()
	k.applyNet(sc)

	return sc
}

func parseInitialOffset(raw string) (int64, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "latest", "newest":
		return sarama.OffsetNewest, nil
	case "oldest", "earliest":
		return sarama.OffsetOldest, nil
	default:
		return 0, fmt.Errorf("unsupported WATERMILL_KAFKA_CONSUMER_INITIAL_OFFSET: %s", raw)
	}
}

func parseRebalanceStrategy(raw string) (sarama.BalanceStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "range":
		return sarama.NewBalanceStrategyRange(), nil
	case "roundrobin", "round_robin":
		return sarama.NewBalanceStrategyRoundRobin(), nil
	case "sticky":
		return sarama.NewBalanceStrategySticky(), nil
	default:
		return nil, fmt.Errorf("unsupported WATERMILL_KAFKA_REBALANCE_STRATEGY: %s", raw)
	}
}

func parseKafkaVersion(raw string) (sarama.KafkaVersion, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "default":
		return sarama.DefaultVersion, nil
	case "max":
		return sarama.MaxVersion, nil
	default:
		version, err := sarama.ParseKafkaVersion(raw)
		if err != nil {
			return sarama.KafkaVersion{}, fmt.Errorf("invalid WATERMILL_KAFKA_SARAMA_VERSION: %w", err)
		}

		return version, nil
	}
}

func parseCompressionCodec(raw string) (sarama.CompressionCodec, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "none":
		return sarama.CompressionNone, nil
	case "gzip":
		return sarama.CompressionGZIP, nil
	case "lz4":
		return sarama.CompressionLZ4, nil
	case "snappy":
		return sarama.CompressionSnappy, nil
	case "zstd":
		return sarama.CompressionZSTD, nil
	default:
		return sarama.CompressionNone, fmt.Errorf("unsupported WATERMILL_KAFKA_PRODUCER_COMPRESSION: %s", raw)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}

	return ""
}
