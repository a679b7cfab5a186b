package bus

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shortlink-org/go-mediator/config"
	"github.com/shortlink-org/go-mediator/message"
	"github.com/shortlink-org/go-mediator/registry"
)

const (
	TransportBroker = "broker"
	TransportRPC    = "rpc"

	BrokerKafka = "kafka"
	BrokerNATS  = "nats"
)

// Options are the dispatch settings shared by every transport.
type Options struct {
	Namespace  string
	Transport  string
	BrokerType string
	Serializer message.Serializer

	DedupEnabled bool
	DedupTTL     time.Duration
	DedupStore   string

	RequestTimeout time.Duration
	RequestGroup   string

	RPCRoutes      map[string][]registry.Destination
	RPCCallTimeout time.Duration
	RPCChannel     registry.ChannelOptions

	// Identity is unique per process start: {host}-{pid}.{unix_nanos}.
	Identity string
}

// LoadOptions reads the MEDIATOR_* keys.
func LoadOptions(cfg *config.Config) (Options, error) {
	cfg.SetDefault("MEDIATOR_NAMESPACE", "mediator")
	cfg.SetDefault("MEDIATOR_TRANSPORT", TransportBroker)
	cfg.SetDefault("MEDIATOR_BROKER_TYPE", BrokerKafka)
	cfg.SetDefault("MEDIATOR_SERIALIZER", "json")
	cfg.SetDefault("MEDIATOR_DEDUP_ENABLED", true)
	cfg.SetDefault("MEDIATOR_DEDUP_TTL", "5s")
	cfg.SetDefault("MEDIATOR_DEDUP_STORE", "memory")
	cfg.SetDefault("MEDIATOR_REQUEST_TIMEOUT", "30s")
	cfg.SetDefault("MEDIATOR_REQUEST_GROUP", "")
	cfg.SetDefault("MEDIATOR_RPC_ROUTES", "")
	cfg.SetDefault("MEDIATOR_RPC_CALL_TIMEOUT", "10s")
	cfg.SetDefault("MEDIATOR_RPC_TLS_ENABLED", false)
	cfg.SetDefault("MEDIATOR_RPC_CERT_PATH", "")

	namespace := message.SanitizeChannel(cfg.GetString("MEDIATOR_NAMESPACE"))
	if namespace == "" {
		namespace = "mediator"
	}

	serializer, err := message.NewSerializer(cfg.GetString("MEDIATOR_SERIALIZER"))
	if err != nil {
		return Options{}, err
	}

	transport := strings.ToLower(strings.TrimSpace(cfg.GetString("MEDIATOR_TRANSPORT")))
	if transport != TransportBroker && transport != TransportRPC {
		return Options{}, fmt.Errorf("bus: unsupported MEDIATOR_TRANSPORT %q", transport)
	}

	brokerType := strings.ToLower(strings.TrimSpace(cfg.GetString("MEDIATOR_BROKER_TYPE")))
	if brokerType != BrokerKafka && brokerType != BrokerNATS {
		return Options{}, fmt.Errorf("bus: unsupported MEDIATOR_BROKER_TYPE %q", brokerType)
	}

	channelOpts := registry.ChannelOptions{
		TLS:      cfg.GetBool("MEDIATOR_RPC_TLS_ENABLED"),
		CertFile: cfg.GetString("MEDIATOR_RPC_CERT_PATH"),
		Timeout:  cfg.GetDuration("MEDIATOR_RPC_CALL_TIMEOUT"),
	}

	routes, err := registry.ParseDestinations(cfg.GetString("MEDIATOR_RPC_ROUTES"), channelOpts)
	if err != nil {
		return Options{}, err
	}

	opts := Options{
		Namespace:      namespace,
		Transport:      transport,
		BrokerType:     brokerType,
		Serializer:     serializer,
		DedupEnabled:   cfg.GetBool("MEDIATOR_DEDUP_ENABLED"),
		DedupTTL:       cfg.GetDuration("MEDIATOR_DEDUP_TTL"),
		DedupStore:     cfg.GetString("MEDIATOR_DEDUP_STORE"),
		RequestTimeout: cfg.GetDuration("MEDIATOR_REQUEST_TIMEOUT"),
		RequestGroup:   strings.TrimSpace(cfg.GetString("MEDIATOR_REQUEST_GROUP")),
		RPCRoutes:      routes,
		RPCCallTimeout: channelOpts.Timeout,
		RPCChannel:     channelOpts,
		Identity:       ProcessIdentity(),
	}

	return opts.WithDefaults(), nil
}

// DefaultOptions returns the settings LoadOptions yields on an empty config.
func DefaultOptions() Options {
	return Options{
		Namespace:    "mediator",
		Transport:    TransportBroker,
		BrokerType:   BrokerKafka,
		DedupEnabled: true,
	}.WithDefaults()
}

// WithDefaults fills every unset field with its default.
func (o Options) WithDefaults() Options {
	if o.Namespace == "" {
		o.Namespace = "mediator"
	}

	if o.Serializer == nil {
		o.Serializer = message.JSONSerializer{}
	}

	if o.DedupTTL <= 0 {
		o.DedupTTL = 5 * time.Second
	}

	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}

	if o.RPCCallTimeout <= 0 {
		o.RPCCallTimeout = 10 * time.Second
	}

	if o.RequestGroup == "" {
		o.RequestGroup = o.Namespace + ".requests"
	}

	if o.Identity == "" {
		o.Identity = ProcessIdentity()
	}

	return o
}

// NotificationGroup is the consumer group giving this process its own copy
// of every notification.
func (o Options) NotificationGroup() string {
	return message.SanitizeChannel(o.Namespace + ".notifications." + o.Identity)
}

// ReplyChannel is the ephemeral channel this process receives replies on.
func (o Options) ReplyChannel() string {
	return message.SanitizeChannel(o.Namespace + ".reply." + o.Identity)
}

// ReplyGroup is the consumer group reading ReplyChannel.
func (o Options) ReplyGroup() string {
	return o.ReplyChannel()
}

// ProcessIdentity returns {host}-{pid}.{unix_nanos}, unique per process start.
func ProcessIdentity() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}

	return fmt.Sprintf("%s-%d.%d", host, os.Getpid(), time.Now().UnixNano())
}
