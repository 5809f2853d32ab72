package receiver

import (
	"context"
	"fmt"
	"sync"

	"github.com/baaaht/interbus/internal/config"
	"github.com/baaaht/interbus/internal/logger"
	"github.com/baaaht/interbus/pkg/transport"
	"github.com/baaaht/interbus/pkg/types"
)

// Handler processes one IPC request. The request envelope is owned by
// the handler for the duration of the call; the handler populates the
// response envelope, which is sent back verbatim.
type Handler interface {
	Handle(ctx context.Context, req *types.Envelope, resp *types.Envelope) error
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, req *types.Envelope, resp *types.Envelope) error

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, req *types.Envelope, resp *types.Envelope) error {
	return f(ctx, req, resp)
}

// Receiver is the server-side IPC runtime: it accepts requests in a
// loop, satisfies each one synchronously with the user handler, and
// supports graceful shutdown without dropping an in-flight request.
type Receiver struct {
	mu      sync.Mutex
	tr      transport.Transport
	cfg     config.ReceiverConfig
	handler Handler
	logger  *logger.Logger
	handle  *transport.Handle
	wg      sync.WaitGroup
	started bool
	stopped bool
	stats   Stats
}

// New creates a receiver bound to a port, a request handler, and a
// visibility scope
func New(tr transport.Transport, cfg config.ReceiverConfig, handler Handler, log *logger.Logger) (*Receiver, error) {
	if handler == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "handler cannot be nil")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid receiver port: %d", cfg.Port))
	}
	if !cfg.Visibility.Valid() {
		return nil, types.NewError(types.ErrCodeInvalidArgument,
			"invalid visibility: "+string(cfg.Visibility))
	}
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}

	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = config.DefaultPollTimeout
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = config.DefaultHandlerTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = config.DefaultWriteTimeout
	}

	return &Receiver{
		tr:      tr,
		cfg:     cfg,
		handler: handler,
		logger:  log.With("component", "ipc_receiver", "port", cfg.Port),
	}, nil
}

// Start establishes the listener and runs the accept loop in its own
// goroutine
func (r *Receiver) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return types.NewError(types.ErrCodeFailedPrecondition, "receiver already started")
	}
	if r.stopped {
		return types.NewError(types.ErrCodeUnavailable, "receiver is shut down")
	}

	h, err := r.tr.Establish(r.cfg.Visibility.BindHost(), r.cfg.Port)
	if err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "failed to establish listener", err)
	}

	r.handle = h
	r.started = true

	r.wg.Add(1)
	go r.run()

	r.logger.Info("Receiver started",
		"visibility", string(r.cfg.Visibility),
		"poll_timeout", r.cfg.PollTimeout.String())

	return nil
}

// run is the accept loop: each accepted request is read, handled
// synchronously, answered, and its connection closed. The wait uses a
// modest timeout so a pending shutdown is honored within one poll
// interval; the distinct "service disabled" outcome ends the loop
// without logging a fault.
func (r *Receiver) run() {
	defer r.wg.Done()

	for {
		req, err := r.tr.RecvRequest(r.handle, r.cfg.PollTimeout)
		if err != nil {
			switch types.ResultOf(err) {
			case types.ResultServiceDisabled:
				r.logger.Info("Receiver stopping")
				return
			case types.ResultTimeout:
				continue
			default:
				r.logger.Warn("Request receive failed", "error", err)
				r.mu.Lock()
				r.stats.RequestsFailed++
				r.mu.Unlock()
				continue
			}
		}

		r.serve(req)
	}
}

// serve handles one accepted request and sends its response
func (r *Receiver) serve(req *transport.Request) {
	defer req.Close()

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.HandlerTimeout)
	defer cancel()

	resp := &types.Envelope{}
	if err := r.handler.Handle(ctx, req.Envelope, resp); err != nil {
		r.logger.Error("Handler failed",
			"code", req.Envelope.Code,
			"error", err)
		resp = &types.Envelope{Code: types.ErrorCode(types.ResultGeneralError)}
	}

	if err := req.Respond(resp, r.cfg.WriteTimeout); err != nil {
		r.logger.Warn("Response send failed",
			"code", req.Envelope.Code,
			"error", err)
		r.mu.Lock()
		r.stats.RequestsFailed++
		r.mu.Unlock()
		return
	}

	r.mu.Lock()
	r.stats.RequestsHandled++
	r.mu.Unlock()

	r.logger.Trace("Request served", "code", req.Envelope.Code, "response_code", resp.Code)
}

// Shutdown signals the accept loop to stop and joins it. The two steps
// (signal, then join) mean an in-flight response is never truncated.
// Idempotent.
func (r *Receiver) Shutdown() error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	started := r.started
	h := r.handle
	r.mu.Unlock()

	if started && h != nil {
		if err := r.tr.Close(h); err != nil {
			r.logger.Warn("Listener close failed", "error", err)
		}
	}

	r.wg.Wait()

	r.logger.Info("Receiver shut down")
	return nil
}

// Port returns the port the receiver is bound to. When the receiver was
// configured with port introspection in mind (bind port 0 is rejected),
// this is simply the configured port.
func (r *Receiver) Port() int {
	return r.cfg.Port
}

// Stats returns receiver statistics
func (r *Receiver) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Stats represents receiver statistics
type Stats struct {
	RequestsHandled uint64 `json:"requests_handled"`
	RequestsFailed  uint64 `json:"requests_failed"`
}

// String returns a string representation of the stats
func (s Stats) String() string {
	return fmt.Sprintf("ReceiverStats{Handled: %d, Failed: %d}",
		s.RequestsHandled, s.RequestsFailed)
}
