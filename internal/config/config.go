package config

import (
	"fmt"
	"time"

	"github.com/baaaht/interbus/pkg/types"
)

// Config represents the complete configuration for the IPC runtime
type Config struct {
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	Transport TransportConfig `json:"transport" yaml:"transport"`
	Sender    SenderConfig    `json:"sender" yaml:"sender"`
	Receiver  ReceiverConfig  `json:"receiver" yaml:"receiver"`
	Events    EventsConfig    `json:"events" yaml:"events"`
	Daemon    DaemonConfig    `json:"daemon" yaml:"daemon"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // trace, debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
	Output string `json:"output" yaml:"output"` // stdout, stderr, file path
}

// TransportConfig contains transport backend configuration
type TransportConfig struct {
	Backend        string          `json:"backend" yaml:"backend"` // socket, mangos
	ConnectTimeout time.Duration   `json:"connect_timeout" yaml:"connect_timeout"`
	WriteTimeout   time.Duration   `json:"write_timeout" yaml:"write_timeout"`
	PollInterval   time.Duration   `json:"poll_interval" yaml:"poll_interval"`
	MaxPayloadSize int             `json:"max_payload_size" yaml:"max_payload_size"`
	Multicast      MulticastConfig `json:"multicast" yaml:"multicast"`
	Relay          RelayConfig     `json:"relay" yaml:"relay"`
}

// MulticastConfig configures the socket backend's UDP pub/sub channel.
// The group is joined on the loopback interface only.
type MulticastConfig struct {
	Group string `json:"group" yaml:"group"`
	Port  int    `json:"port" yaml:"port"`
}

// RelayConfig configures the mangos backend's pub/sub fan-out relay
type RelayConfig struct {
	IngressPort int `json:"ingress_port" yaml:"ingress_port"`
	EgressPort  int `json:"egress_port" yaml:"egress_port"`
}

// SenderConfig contains IPC sender runtime configuration
type SenderConfig struct {
	ReadTimeout          time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout         time.Duration `json:"write_timeout" yaml:"write_timeout"`
	AvailabilityInterval time.Duration `json:"availability_interval" yaml:"availability_interval"`
}

// ReceiverConfig contains IPC receiver runtime configuration
type ReceiverConfig struct {
	Port           int              `json:"port" yaml:"port"`
	Visibility     types.Visibility `json:"visibility" yaml:"visibility"`
	PollTimeout    time.Duration    `json:"poll_timeout" yaml:"poll_timeout"`
	HandlerTimeout time.Duration    `json:"handler_timeout" yaml:"handler_timeout"`
	WriteTimeout   time.Duration    `json:"write_timeout" yaml:"write_timeout"`
}

// EventsConfig contains event bus configuration
type EventsConfig struct {
	Channel string `json:"channel" yaml:"channel"`
}

// DaemonConfig contains daemon-level configuration
type DaemonConfig struct {
	ServiceName     string        `json:"service_name" yaml:"service_name"`
	Version         string        `json:"version" yaml:"version"`
	EventPort       int           `json:"event_port" yaml:"event_port"`
	Credentials     string        `json:"credentials" yaml:"credentials"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// Validate checks the configuration for invalid values
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return err
	}
	if err := c.Transport.Validate(); err != nil {
		return err
	}
	if err := c.Sender.Validate(); err != nil {
		return err
	}
	if err := c.Receiver.Validate(); err != nil {
		return err
	}
	return nil
}

// Validate checks the logging configuration
func (c *LoggingConfig) Validate() error {
	switch c.Level {
	case "trace", "debug", "info", "warn", "warning", "error", "":
	default:
		return types.NewError(types.ErrCodeInvalid, "invalid log level: "+c.Level)
	}
	switch c.Format {
	case "json", "text", "":
	default:
		return types.NewError(types.ErrCodeInvalid, "invalid log format: "+c.Format)
	}
	return nil
}

// Validate checks the transport configuration
func (c *TransportConfig) Validate() error {
	switch c.Backend {
	case BackendSocket, BackendMangos, "":
	default:
		return types.NewError(types.ErrCodeInvalid, "unknown transport backend: "+c.Backend)
	}
	if c.ConnectTimeout < 0 || c.WriteTimeout < 0 || c.PollInterval < 0 {
		return types.NewError(types.ErrCodeInvalid, "transport timeouts must not be negative")
	}
	if c.MaxPayloadSize < 0 {
		return types.NewError(types.ErrCodeInvalid, "max payload size must not be negative")
	}
	if c.Multicast.Port < 0 || c.Multicast.Port > 65535 {
		return types.NewError(types.ErrCodeInvalid,
			fmt.Sprintf("invalid multicast port: %d", c.Multicast.Port))
	}
	return nil
}

// Validate checks the sender configuration
func (c *SenderConfig) Validate() error {
	if c.ReadTimeout < 0 || c.WriteTimeout < 0 || c.AvailabilityInterval < 0 {
		return types.NewError(types.ErrCodeInvalid, "sender timeouts must not be negative")
	}
	return nil
}

// Validate checks the receiver configuration
func (c *ReceiverConfig) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return types.NewError(types.ErrCodeInvalid, fmt.Sprintf("invalid receiver port: %d", c.Port))
	}
	if !c.Visibility.Valid() {
		return types.NewError(types.ErrCodeInvalid, "invalid visibility: "+string(c.Visibility))
	}
	return nil
}
