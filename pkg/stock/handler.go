package stock

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/baaaht/interbus/internal/logger"
	"github.com/baaaht/interbus/pkg/receiver"
	"github.com/baaaht/interbus/pkg/types"
)

// AdminConfig configures the server-side stock message handler
type AdminConfig struct {
	ServiceName string
	Version     string
	// Credentials, when non-empty, must match the credentials carried
	// in a shutdown request for it to be accepted
	Credentials string
	// OnShutdown is invoked asynchronously after a shutdown request is
	// accepted and acknowledged
	OnShutdown func(reason string)
	// OnConfigRestored is invoked when a config-restored notice arrives
	OnConfigRestored func(path string)
	// Status reports the current service status; defaults to running
	Status func() types.Status
}

// AdminHandler answers the stock administrative request codes and
// delegates everything else to the wrapped handler. Services mount it
// in front of their application handler so every service speaks the
// same admin protocol.
type AdminHandler struct {
	cfg      AdminConfig
	next     receiver.Handler
	logger   *logger.Logger
	started  time.Time
	requests atomic.Uint64
}

// NewAdminHandler wraps next with the stock admin protocol. next may be
// nil, in which case non-stock codes are answered with a general error.
func NewAdminHandler(cfg AdminConfig, next receiver.Handler, log *logger.Logger) *AdminHandler {
	if log == nil {
		log, _ = logger.NewDefault()
	}

	return &AdminHandler{
		cfg:     cfg,
		next:    next,
		logger:  log.With("component", "admin_handler", "service", cfg.ServiceName),
		started: time.Now(),
	}
}

// Handle implements receiver.Handler
func (a *AdminHandler) Handle(ctx context.Context, req *types.Envelope, resp *types.Envelope) error {
	a.requests.Add(1)

	switch req.Code {
	case types.MsgCodePing:
		resp.Code = types.MsgCodePingResponse
		return nil

	case types.MsgCodeShutdown:
		return a.handleShutdown(req, resp)

	case types.MsgCodeRuntimeStats:
		return a.handleRuntimeStats(resp)

	case types.MsgCodeServiceStatus:
		return a.handleServiceStatus(resp)

	case types.MsgCodeConfigRestored:
		return a.handleConfigRestored(req, resp)

	default:
		if a.next != nil {
			return a.next.Handle(ctx, req, resp)
		}
		a.logger.Warn("No handler for message code", "code", req.Code)
		resp.Code = types.ErrorCode(types.ResultGeneralError)
		return nil
	}
}

// handleShutdown validates credentials and schedules the shutdown
// callback after the acknowledgment has been sent
func (a *AdminHandler) handleShutdown(req *types.Envelope, resp *types.Envelope) error {
	var in ShutdownRequest
	if err := json.Unmarshal(req.Payload, &in); err != nil {
		resp.Code = types.ErrorCode(types.ResultInvalidArgument)
		return nil
	}

	if in.Credentials == "" || (a.cfg.Credentials != "" && in.Credentials != a.cfg.Credentials) {
		a.logger.Warn("Shutdown request rejected", "reason", "bad credentials")
		resp.Code = types.ErrorCode(types.ResultInvalidArgument)
		body, _ := json.Marshal(ShutdownResponse{Accepted: false, Message: "invalid credentials"})
		resp.Payload = body
		return nil
	}

	a.logger.Info("Shutdown request accepted", "reason", in.Reason)

	body, err := json.Marshal(ShutdownResponse{Accepted: true})
	if err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to encode shutdown response", err)
	}
	resp.Code = types.MsgCodeSuccess
	resp.Payload = body

	if a.cfg.OnShutdown != nil {
		// Let the response go out before the service starts tearing
		// itself down.
		go func(reason string) {
			time.Sleep(100 * time.Millisecond)
			a.cfg.OnShutdown(reason)
		}(in.Reason)
	}

	return nil
}

// handleRuntimeStats gathers process counters into the response
func (a *AdminHandler) handleRuntimeStats(resp *types.Envelope) error {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	body, err := json.Marshal(RuntimeStats{
		PID:             os.Getpid(),
		UptimeSeconds:   time.Since(a.started).Seconds(),
		Goroutines:      runtime.NumGoroutine(),
		MemAllocBytes:   mem.Alloc,
		RequestsHandled: a.requests.Load(),
	})
	if err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to encode runtime stats", err)
	}

	resp.Code = types.MsgCodeSuccess
	resp.Payload = body
	return nil
}

// handleServiceStatus reports the service identity and state
func (a *AdminHandler) handleServiceStatus(resp *types.Envelope) error {
	status := types.StatusRunning
	if a.cfg.Status != nil {
		status = a.cfg.Status()
	}

	body, err := json.Marshal(ServiceStatus{
		Name:    a.cfg.ServiceName,
		Version: a.cfg.Version,
		Status:  status,
	})
	if err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to encode service status", err)
	}

	resp.Code = types.MsgCodeSuccess
	resp.Payload = body
	return nil
}

// handleConfigRestored acknowledges the notice and runs the callback
func (a *AdminHandler) handleConfigRestored(req *types.Envelope, resp *types.Envelope) error {
	var in ConfigRestoredNotice
	if err := json.Unmarshal(req.Payload, &in); err != nil {
		resp.Code = types.ErrorCode(types.ResultInvalidArgument)
		return nil
	}

	a.logger.Info("Configuration restored", "path", in.Path)
	if a.cfg.OnConfigRestored != nil {
		a.cfg.OnConfigRestored(in.Path)
	}

	resp.Code = types.MsgCodeSuccess
	return nil
}
