// Package config holds the narrow configuration surface the broker core
// consumes: server limits, the plugin list, proxy subscriptions and
// topic-rewrite rules. Listener bind addresses and TLS material are carried
// here only as opaque strings/paths -- the core never parses them, that is
// the external listener/TLS setup's job (see spec.md §1's "out of scope"
// list); this package only owns what §4.E and §4.F actually read.
package config

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the full broker configuration tree, loaded from YAML by the
// external config-loading collaborator and handed to server.New.
type Config struct {
	Listeners []Listener `yaml:"listeners" validate:"dive"`
	Mqtt      Mqtt       `yaml:"mqtt" validate:"required"`
	Plugins   []Plugin   `yaml:"plugins" validate:"dive"`
	Proxy     []ProxySubscription `yaml:"proxy_subscriptions" validate:"dive"`
	Rewrites  []TopicRewrite      `yaml:"topic_rewrites" validate:"dive"`
	SysInterval time.Duration     `yaml:"sys_interval"`
}

// Listener is one accept point: a bind address plus the transport and
// optional TLS material path. The core never dials or listens itself; this
// is handed to the external listener collaborator verbatim.
type Listener struct {
	Name      string `yaml:"name" validate:"required"`
	Transport string `yaml:"transport" validate:"required,oneof=tcp websocket"`
	Address   string `yaml:"address" validate:"required"`
	TLSCert   string `yaml:"tls_cert"`
	TLSKey    string `yaml:"tls_key"`
}

// Plugin names one registered plugin and its opaque, plugin-specific
// configuration block.
type Plugin struct {
	Name   string                 `yaml:"name" validate:"required"`
	Config map[string]interface{} `yaml:"config"`
}

// ProxySubscription is installed for a client on its first (clean) connect,
// per spec.md §4.E's "install any server-configured proxy subscriptions".
type ProxySubscription struct {
	Filter string `yaml:"filter" validate:"required"`
	QoS    byte   `yaml:"qos" validate:"max=2"`
}

// TopicRewrite rewrites an inbound PUBLISH topic matching Pattern to Replace
// before the message is built, per spec.md §4.E's PUBLISH handling.
type TopicRewrite struct {
	Pattern string `yaml:"pattern" validate:"required"`
	Replace string `yaml:"replace"`
}

// Mqtt holds the server limits negotiated at CONNECT and enforced for the
// life of every connection, mirroring spec.md §6's config surface.
type Mqtt struct {
	// ReceiveMax is the server's Receive-Maximum: the upper bound on
	// concurrent un-acknowledged QoS 1/2 publishes per client, in both
	// directions.
	ReceiveMax uint16 `yaml:"receive_max" validate:"required,min=1"`
	// MaxPacketSize bounds both max_packet_size_in and max_packet_size_out.
	MaxPacketSize uint32 `yaml:"max_packet_size" validate:"required,min=1"`
	// MaxKeepAlive is the largest keep-alive (seconds) the server accepts;
	// a client request above this is clamped and echoed in CONNACK.
	MaxKeepAlive uint16 `yaml:"max_keepalive" validate:"min=0"`
	// MaxSessionExpiryInterval bounds session-expiry-interval the same way.
	MaxSessionExpiryInterval uint32 `yaml:"max_session_expiry_interval"`
	// MaxTopicAlias is topic-alias-maximum, advertised in CONNACK.
	MaxTopicAlias uint16 `yaml:"max_topic_alias"`
	// MaximumQoS is the highest QoS the server grants: subscriptions above it
	// are downgraded and a CONNECT whose will QoS exceeds it is refused. The
	// QoS of an inbound PUBLISH is not checked against it.
	MaximumQoS byte `yaml:"maximum_qos" validate:"max=2"`
	// RetainAvailable and WildcardSubscriptionAvailable gate whether the
	// corresponding CONNACK property is sent and whether the connection
	// driver rejects a retained publish / wildcard subscribe outright.
	RetainAvailable              bool `yaml:"retain_available"`
	WildcardSubscriptionAvailable bool `yaml:"wildcard_subscription_available"`
	SharedSubscriptionAvailable   bool `yaml:"shared_subscription_available"`
	SubscriptionIDAvailable       bool `yaml:"subscription_identifier_available"`
	// AllowZeroLengthClientID permits an empty client id with
	// clean_start=true; the server assigns auto-{uuid}.
	AllowZeroLengthClientID bool `yaml:"allow_zero_len_client_id"`
}

// Validate checks the configuration is internally consistent, run once at
// startup before the listeners are brought up.
func (c *Config) Validate() error {
	return validator.New().Struct(c)
}

// Default returns a permissive configuration suitable for local development:
// all optional features on, generous limits, no plugins or rewrites.
func Default() *Config {
	return &Config{
		Mqtt: Mqtt{
			ReceiveMax:                    65535,
			MaxPacketSize:                 268435455,
			MaxKeepAlive:                  65535,
			MaxSessionExpiryInterval:      4294967295,
			MaxTopicAlias:                 65535,
			MaximumQoS:                    2,
			RetainAvailable:               true,
			WildcardSubscriptionAvailable: true,
			SharedSubscriptionAvailable:   true,
			SubscriptionIDAvailable:       true,
			AllowZeroLengthClientID:       true,
		},
		SysInterval: time.Second,
	}
}
