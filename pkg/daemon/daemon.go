// Package daemon wires the full service runtime together: transport,
// registry, sender, receiver with the stock admin handler in front of
// the application handler, and the event bus. It also owns graceful
// shutdown: signal handling, ordered teardown, and a bounded wait for
// in-flight work.
package daemon

import (
	"fmt"
	"sync"
	"time"

	"github.com/baaaht/interbus/internal/config"
	"github.com/baaaht/interbus/internal/logger"
	"github.com/baaaht/interbus/pkg/events"
	"github.com/baaaht/interbus/pkg/receiver"
	"github.com/baaaht/interbus/pkg/registry"
	"github.com/baaaht/interbus/pkg/sender"
	"github.com/baaaht/interbus/pkg/stock"
	"github.com/baaaht/interbus/pkg/transport"
	"github.com/baaaht/interbus/pkg/types"
)

// Daemon is a fully wired service process: one transport, one service
// registry, a sender for outbound requests, a receiver answering the
// stock admin protocol plus the application handler, and an event bus
// producer.
type Daemon struct {
	mu        sync.RWMutex
	cfg       config.Config
	logger    *logger.Logger
	transport transport.Transport
	registry  *registry.Registry
	sender    *sender.Sender
	receiver  *receiver.Receiver
	producer  *events.Producer
	status    types.Status
	started   time.Time
	closed    bool
}

// New wires a daemon from configuration. handler answers the
// application's own message codes; it may be nil for admin-only
// services.
func New(cfg config.Config, handler receiver.Handler, log *logger.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		var err error
		log, err = logger.New(cfg.Logging)
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create logger", err)
		}
	}

	d := &Daemon{
		cfg:    cfg,
		logger: log.With("component", "daemon", "service", cfg.Daemon.ServiceName),
		status: types.StatusStarting,
	}

	tr, err := transport.New(cfg.Transport, log)
	if err != nil {
		return nil, err
	}
	d.transport = tr

	d.registry = registry.New(log)
	if err := d.registry.Register(types.ServiceInfo{
		Name:       cfg.Daemon.ServiceName,
		IPCPort:    cfg.Receiver.Port,
		EventPort:  cfg.Daemon.EventPort,
		Visibility: cfg.Receiver.Visibility,
	}); err != nil {
		tr.Shutdown()
		return nil, types.WrapError(types.ErrCodeInvalidArgument,
			"failed to register own service", err)
	}

	d.sender = sender.New(tr, d.registry, cfg.Sender, log)

	admin := stock.NewAdminHandler(stock.AdminConfig{
		ServiceName: cfg.Daemon.ServiceName,
		Version:     cfg.Daemon.Version,
		Credentials: cfg.Daemon.Credentials,
		OnShutdown:  d.onShutdownRequest,
		Status:      d.Status,
	}, handler, log)

	rcv, err := receiver.New(tr, cfg.Receiver, admin, log)
	if err != nil {
		tr.Shutdown()
		return nil, err
	}
	d.receiver = rcv

	d.logger.Info("Daemon wired",
		"backend", tr.Name(),
		"ipc_port", cfg.Receiver.Port,
		"event_port", cfg.Daemon.EventPort)

	return d, nil
}

// Start brings the daemon online: the receiver begins accepting
// requests and the event producer opens its broadcast channel.
func (d *Daemon) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return types.NewError(types.ErrCodeUnavailable, "daemon is closed")
	}
	if d.status == types.StatusRunning {
		return types.NewError(types.ErrCodeFailedPrecondition, "daemon already started")
	}

	if err := d.receiver.Start(); err != nil {
		return err
	}

	p, err := events.NewProducer(d.transport, d.cfg.Events.Channel, d.cfg.Daemon.ServiceName, d.logger)
	if err != nil {
		d.logger.Warn("Event producer unavailable", "error", err)
	} else {
		d.producer = p
	}

	d.status = types.StatusRunning
	d.started = time.Now()

	d.logger.Info("Daemon started", "version", d.cfg.Daemon.Version)
	return nil
}

// onShutdownRequest is invoked by the admin handler when a remote
// shutdown request has been accepted and acknowledged
func (d *Daemon) onShutdownRequest(reason string) {
	d.logger.Info("Remote shutdown requested", "reason", reason)
	if err := d.Close(); err != nil {
		d.logger.Error("Shutdown failed", "error", err)
	}
}

// Sender returns the outbound request runtime
func (d *Daemon) Sender() *sender.Sender {
	return d.sender
}

// Registry returns the service registry
func (d *Daemon) Registry() *registry.Registry {
	return d.registry
}

// Transport returns the underlying transport
func (d *Daemon) Transport() transport.Transport {
	return d.transport
}

// Emit broadcasts an event on the daemon's event channel
func (d *Daemon) Emit(code types.EventCode, data any) error {
	d.mu.RLock()
	p := d.producer
	d.mu.RUnlock()

	if p == nil {
		return types.NewError(types.ErrCodeUnavailable, "event producer not started")
	}
	return p.Emit(code, data)
}

// Status returns the daemon's operational state
func (d *Daemon) Status() types.Status {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.status
}

// Uptime returns how long the daemon has been running
func (d *Daemon) Uptime() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.started.IsZero() {
		return 0
	}
	return time.Since(d.started)
}

// Close stops the daemon in order: receiver first so no new requests
// arrive, then the event producer, then the transport, which reclaims
// every remaining handle. Idempotent.
func (d *Daemon) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.status = types.StatusStopping
	producer := d.producer
	d.mu.Unlock()

	var firstErr error

	if err := d.receiver.Shutdown(); err != nil {
		d.logger.Error("Receiver shutdown failed", "error", err)
		firstErr = err
	}

	if producer != nil {
		if err := producer.Close(); err != nil {
			d.logger.Warn("Event producer close failed", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if err := d.transport.Shutdown(); err != nil {
		d.logger.Error("Transport shutdown failed", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}

	d.mu.Lock()
	d.status = types.StatusStopped
	d.mu.Unlock()

	d.logger.Info("Daemon closed", "uptime", time.Since(d.started).String())
	return firstErr
}

// String returns a string representation of the daemon
func (d *Daemon) String() string {
	return fmt.Sprintf("Daemon{Service: %s, Status: %s, Port: %d}",
		d.cfg.Daemon.ServiceName, d.Status(), d.cfg.Receiver.Port)
}
