package sender

import (
	"time"

	"github.com/baaaht/interbus/internal/config"
	"github.com/baaaht/interbus/internal/logger"
	"github.com/baaaht/interbus/pkg/registry"
	"github.com/baaaht/interbus/pkg/transport"
	"github.com/baaaht/interbus/pkg/types"
)

// Sender is the synchronous client runtime: it resolves the target
// address, opens a transport connection, sends one request, blocks for
// the response within a timeout, and maps every failure to the result
// taxonomy. Callers wanting concurrency run their own goroutines.
type Sender struct {
	transport transport.Transport
	registry  *registry.Registry
	cfg       config.SenderConfig
	logger    *logger.Logger
}

// New creates a new IPC sender
func New(tr transport.Transport, reg *registry.Registry, cfg config.SenderConfig, log *logger.Logger) *Sender {
	if log == nil {
		log, _ = logger.NewDefault()
	}

	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = config.DefaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = config.DefaultWriteTimeout
	}
	if cfg.AvailabilityInterval <= 0 {
		cfg.AvailabilityInterval = config.DefaultAvailabilityInterval
	}

	return &Sender{
		transport: tr,
		registry:  reg,
		cfg:       cfg,
		logger:    log.With("component", "ipc_sender"),
	}
}

// SendRequest sends a request and waits for the response with the
// default read timeout
func (s *Sender) SendRequest(port int, req *types.Envelope, resp *types.Envelope) types.Result {
	return s.SendRequestTimeout(port, req, resp, s.cfg.ReadTimeout)
}

// SendRequestTimeout sends a request and waits up to timeout for the
// response. The write uses a short fixed timeout independent of the read
// timeout, to fail fast on a peer that accepted the connection but died
// before reading. The connection is closed on every exit path. A nil
// resp skips the receive. An in-band error code in the response is
// converted to its result-code value, so application-level failures
// surface identically to transport failures.
func (s *Sender) SendRequestTimeout(port int, req *types.Envelope, resp *types.Envelope, timeout time.Duration) types.Result {
	if req == nil {
		return types.ResultInvalidArgument
	}
	if port <= 0 || port > 65535 {
		return types.ResultInvalidArgument
	}

	addr := registry.DefaultAddress
	if s.registry != nil {
		addr = s.registry.AddressForIPCPort(port)
	}

	h, err := s.transport.Connect(addr, port)
	if err != nil {
		s.logger.Warn("Connect failed", "addr", addr, "port", port, "error", err)
		return types.ResultOf(err)
	}
	defer s.transport.Close(h)

	if err := s.transport.Send(h, req, s.cfg.WriteTimeout); err != nil {
		s.logger.Warn("Send failed", "port", port, "code", req.Code, "error", err)
		return types.ResultOf(err)
	}

	if resp == nil {
		return types.ResultSuccess
	}

	if err := s.transport.Recv(h, resp, timeout); err != nil {
		s.logger.Warn("Receive failed", "port", port, "code", req.Code, "error", err)
		return types.ResultOf(err)
	}

	if resp.IsError() {
		s.logger.Debug("Server signaled error",
			"port", port,
			"request_code", req.Code,
			"response_code", resp.Code)
		return resp.Code.Result()
	}

	return types.ResultSuccess
}

// IsServiceAvailable probes the service with a ping request. Only the
// specific ping-response code counts as available; any other outcome,
// including a success-shaped reply with the wrong code, is "not
// available", not an error.
func (s *Sender) IsServiceAvailable(port int) bool {
	req := types.NewEnvelope(types.MsgCodePing, nil)
	resp := &types.Envelope{}

	if r := s.SendRequestTimeout(port, req, resp, s.cfg.ReadTimeout); !r.Ok() {
		return false
	}
	return resp.Code == types.MsgCodePingResponse
}

// WaitForServiceAvailable polls IsServiceAvailable once per interval
// until the service answers. A zero timeout retries forever; otherwise
// it gives up after the timeout elapses. The target is a local process
// expected to start within a few seconds, so this is a plain bounded
// retry loop, not a backoff.
func (s *Sender) WaitForServiceAvailable(port int, timeout time.Duration) bool {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		if s.IsServiceAvailable(port) {
			return true
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			s.logger.Warn("Service did not become available",
				"port", port, "timeout", timeout.String())
			return false
		}
		time.Sleep(s.cfg.AvailabilityInterval)
	}
}

// Shutdown unblocks any sender call currently parked in a receive
func (s *Sender) Shutdown() error {
	return s.transport.Shutdown()
}
