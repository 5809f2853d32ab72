package config

import (
	"testing"

	"github.com/baaaht/interbus/pkg/types"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}

	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" || cfg.Logging.Output != "stdout" {
		t.Errorf("logging defaults = %+v", cfg.Logging)
	}
	if cfg.Transport.Backend != BackendSocket {
		t.Errorf("default backend = %q, want socket", cfg.Transport.Backend)
	}
	if cfg.Transport.Multicast.Group != "239.255.76.67" || cfg.Transport.Multicast.Port != 17601 {
		t.Errorf("multicast defaults = %+v", cfg.Transport.Multicast)
	}
	if cfg.Receiver.Visibility != types.VisibilityLoopback {
		t.Errorf("default visibility = %q, want loopback", cfg.Receiver.Visibility)
	}
	if cfg.Sender.ReadTimeout != DefaultReadTimeout {
		t.Errorf("read timeout = %s", cfg.Sender.ReadTimeout)
	}
	if cfg.Daemon.ServiceName != DefaultServiceName {
		t.Errorf("service name = %q", cfg.Daemon.ServiceName)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr bool
	}{
		{"defaults valid", func(cfg *Config) {}, false},
		{"empty strings valid", func(cfg *Config) {
			cfg.Logging.Level = ""
			cfg.Logging.Format = ""
			cfg.Transport.Backend = ""
			cfg.Receiver.Visibility = ""
		}, false},
		{"bad log level", func(cfg *Config) { cfg.Logging.Level = "shout" }, true},
		{"bad log format", func(cfg *Config) { cfg.Logging.Format = "xml" }, true},
		{"bad backend", func(cfg *Config) { cfg.Transport.Backend = "pigeon" }, true},
		{"negative timeout", func(cfg *Config) { cfg.Transport.ConnectTimeout = -1 }, true},
		{"negative payload size", func(cfg *Config) { cfg.Transport.MaxPayloadSize = -1 }, true},
		{"multicast port out of range", func(cfg *Config) { cfg.Transport.Multicast.Port = 70000 }, true},
		{"negative sender timeout", func(cfg *Config) { cfg.Sender.ReadTimeout = -1 }, true},
		{"receiver port out of range", func(cfg *Config) { cfg.Receiver.Port = 70000 }, true},
		{"bad visibility", func(cfg *Config) { cfg.Receiver.Visibility = "everywhere" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
