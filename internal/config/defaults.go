package config

import (
	"os"
	"strconv"
	"time"

	"github.com/baaaht/interbus/pkg/types"
)

// Transport backend names
const (
	BackendSocket = "socket"
	BackendMangos = "mangos"
)

const (
	// Environment variable names
	EnvLogLevel         = "INTERBUS_LOG_LEVEL"
	EnvLogFormat        = "INTERBUS_LOG_FORMAT"
	EnvLogOutput        = "INTERBUS_LOG_OUTPUT"
	EnvTransportBackend = "INTERBUS_TRANSPORT_BACKEND"
	EnvReceiverPort     = "INTERBUS_RECEIVER_PORT"
	EnvEventChannel     = "INTERBUS_EVENT_CHANNEL"
	EnvServiceName      = "INTERBUS_SERVICE_NAME"
)

const (
	// Default logging settings
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
	DefaultLogOutput = "stdout"

	// Default transport settings
	DefaultBackend        = BackendSocket
	DefaultConnectTimeout = 5 * time.Second
	DefaultWriteTimeout   = 5 * time.Second
	DefaultPollInterval   = 100 * time.Millisecond
	DefaultMaxPayloadSize = 16 << 20

	// Default multicast group for loopback-confined events
	DefaultMulticastGroup = "239.255.76.67"
	DefaultMulticastPort  = 17601

	// Default mangos relay ports
	DefaultRelayIngressPort = 17611
	DefaultRelayEgressPort  = 17612

	// Default sender settings
	DefaultReadTimeout          = 10 * time.Second
	DefaultAvailabilityInterval = 1 * time.Second

	// Default receiver settings
	DefaultReceiverPort   = 17700
	DefaultPollTimeout    = 500 * time.Millisecond
	DefaultHandlerTimeout = 30 * time.Second

	// Default daemon settings
	DefaultServiceName     = "interbus"
	DefaultEventPort       = 17601
	DefaultShutdownTimeout = 15 * time.Second
)

// DefaultConfig returns a configuration with all defaults applied
func DefaultConfig() *Config {
	return &Config{
		Logging:   DefaultLoggingConfig(),
		Transport: DefaultTransportConfig(),
		Sender:    DefaultSenderConfig(),
		Receiver:  DefaultReceiverConfig(),
		Events:    DefaultEventsConfig(),
		Daemon:    DefaultDaemonConfig(),
	}
}

// DefaultLoggingConfig returns default logging configuration
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:  DefaultLogLevel,
		Format: DefaultLogFormat,
		Output: DefaultLogOutput,
	}
}

// DefaultTransportConfig returns default transport configuration
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		Backend:        DefaultBackend,
		ConnectTimeout: DefaultConnectTimeout,
		WriteTimeout:   DefaultWriteTimeout,
		PollInterval:   DefaultPollInterval,
		MaxPayloadSize: DefaultMaxPayloadSize,
		Multicast: MulticastConfig{
			Group: DefaultMulticastGroup,
			Port:  DefaultMulticastPort,
		},
		Relay: RelayConfig{
			IngressPort: DefaultRelayIngressPort,
			EgressPort:  DefaultRelayEgressPort,
		},
	}
}

// DefaultSenderConfig returns default sender configuration
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		ReadTimeout:          DefaultReadTimeout,
		WriteTimeout:         DefaultWriteTimeout,
		AvailabilityInterval: DefaultAvailabilityInterval,
	}
}

// DefaultReceiverConfig returns default receiver configuration
func DefaultReceiverConfig() ReceiverConfig {
	return ReceiverConfig{
		Port:           DefaultReceiverPort,
		Visibility:     types.VisibilityLoopback,
		PollTimeout:    DefaultPollTimeout,
		HandlerTimeout: DefaultHandlerTimeout,
		WriteTimeout:   DefaultWriteTimeout,
	}
}

// DefaultEventsConfig returns default event bus configuration
func DefaultEventsConfig() EventsConfig {
	return EventsConfig{
		Channel: "",
	}
}

// DefaultDaemonConfig returns default daemon configuration
func DefaultDaemonConfig() DaemonConfig {
	return DaemonConfig{
		ServiceName:     DefaultServiceName,
		Version:         "dev",
		EventPort:       DefaultEventPort,
		ShutdownTimeout: DefaultShutdownTimeout,
	}
}

// applyDefaults fills zero-valued fields that were not specified in the YAML
func applyDefaults(cfg *Config) {
	def := DefaultConfig()

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = def.Logging.Format
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = def.Logging.Output
	}

	if cfg.Transport.Backend == "" {
		cfg.Transport.Backend = def.Transport.Backend
	}
	if cfg.Transport.ConnectTimeout == 0 {
		cfg.Transport.ConnectTimeout = def.Transport.ConnectTimeout
	}
	if cfg.Transport.WriteTimeout == 0 {
		cfg.Transport.WriteTimeout = def.Transport.WriteTimeout
	}
	if cfg.Transport.PollInterval == 0 {
		cfg.Transport.PollInterval = def.Transport.PollInterval
	}
	if cfg.Transport.MaxPayloadSize == 0 {
		cfg.Transport.MaxPayloadSize = def.Transport.MaxPayloadSize
	}
	if cfg.Transport.Multicast.Group == "" {
		cfg.Transport.Multicast.Group = def.Transport.Multicast.Group
	}
	if cfg.Transport.Multicast.Port == 0 {
		cfg.Transport.Multicast.Port = def.Transport.Multicast.Port
	}
	if cfg.Transport.Relay.IngressPort == 0 {
		cfg.Transport.Relay.IngressPort = def.Transport.Relay.IngressPort
	}
	if cfg.Transport.Relay.EgressPort == 0 {
		cfg.Transport.Relay.EgressPort = def.Transport.Relay.EgressPort
	}

	if cfg.Sender.ReadTimeout == 0 {
		cfg.Sender.ReadTimeout = def.Sender.ReadTimeout
	}
	if cfg.Sender.WriteTimeout == 0 {
		cfg.Sender.WriteTimeout = def.Sender.WriteTimeout
	}
	if cfg.Sender.AvailabilityInterval == 0 {
		cfg.Sender.AvailabilityInterval = def.Sender.AvailabilityInterval
	}

	if cfg.Receiver.Port == 0 {
		cfg.Receiver.Port = def.Receiver.Port
	}
	if cfg.Receiver.Visibility == "" {
		cfg.Receiver.Visibility = def.Receiver.Visibility
	}
	if cfg.Receiver.PollTimeout == 0 {
		cfg.Receiver.PollTimeout = def.Receiver.PollTimeout
	}
	if cfg.Receiver.HandlerTimeout == 0 {
		cfg.Receiver.HandlerTimeout = def.Receiver.HandlerTimeout
	}
	if cfg.Receiver.WriteTimeout == 0 {
		cfg.Receiver.WriteTimeout = def.Receiver.WriteTimeout
	}

	if cfg.Daemon.ServiceName == "" {
		cfg.Daemon.ServiceName = def.Daemon.ServiceName
	}
	if cfg.Daemon.Version == "" {
		cfg.Daemon.Version = def.Daemon.Version
	}
	if cfg.Daemon.EventPort == 0 {
		cfg.Daemon.EventPort = def.Daemon.EventPort
	}
	if cfg.Daemon.ShutdownTimeout == 0 {
		cfg.Daemon.ShutdownTimeout = def.Daemon.ShutdownTimeout
	}
}

// ApplyEnvOverrides applies environment variable overrides on top of the
// loaded configuration. Environment values win over file values.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv(EnvLogOutput); v != "" {
		cfg.Logging.Output = v
	}
	if v := os.Getenv(EnvTransportBackend); v != "" {
		cfg.Transport.Backend = v
	}
	if v := os.Getenv(EnvReceiverPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Receiver.Port = port
		}
	}
	if v := os.Getenv(EnvEventChannel); v != "" {
		cfg.Events.Channel = v
	}
	if v := os.Getenv(EnvServiceName); v != "" {
		cfg.Daemon.ServiceName = v
	}
}
