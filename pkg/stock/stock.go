// Package stock implements the small fixed set of administrative
// request types every service answers: ping, shutdown, runtime stats,
// service status, and the config-restored notification. Each client
// call is a thin wrapper over the sender runtime: encode a small JSON
// body, send with the stock message code, decode the typed response.
package stock

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/baaaht/interbus/pkg/sender"
	"github.com/baaaht/interbus/pkg/types"
)

// ShutdownRequest asks a service to shut itself down
type ShutdownRequest struct {
	Credentials string `json:"credentials"`
	Reason      string `json:"reason,omitempty"`
}

// ShutdownResponse acknowledges a shutdown request
type ShutdownResponse struct {
	Accepted bool   `json:"accepted"`
	Message  string `json:"message,omitempty"`
}

// RuntimeStats reports process-level runtime counters
type RuntimeStats struct {
	PID             int     `json:"pid"`
	UptimeSeconds   float64 `json:"uptime_seconds"`
	Goroutines      int     `json:"goroutines"`
	MemAllocBytes   uint64  `json:"mem_alloc_bytes"`
	RequestsHandled uint64  `json:"requests_handled"`
}

// ServiceStatus reports a service's identity and operational state
type ServiceStatus struct {
	Name    string       `json:"name"`
	Version string       `json:"version"`
	Status  types.Status `json:"status"`
}

// ConfigRestoredNotice informs a service that its configuration was
// restored from a backup and should be reloaded
type ConfigRestoredNotice struct {
	Path       string          `json:"path"`
	RestoredAt types.Timestamp `json:"restored_at"`
}

// RequestServiceShutdown asks the service on the given port to shut
// down. An empty credentials string is rejected locally before any
// network I/O.
func RequestServiceShutdown(s *sender.Sender, port int, credentials, reason string) (*ShutdownResponse, types.Result) {
	if strings.TrimSpace(credentials) == "" {
		return nil, types.ResultInvalidArgument
	}

	body, err := json.Marshal(ShutdownRequest{Credentials: credentials, Reason: reason})
	if err != nil {
		return nil, types.ResultInvalidArgument
	}

	resp := &types.Envelope{}
	if r := s.SendRequest(port, types.NewEnvelope(types.MsgCodeShutdown, body), resp); !r.Ok() {
		return nil, r
	}

	var out ShutdownResponse
	if err := json.Unmarshal(resp.Payload, &out); err != nil {
		return nil, types.ResultReadError
	}
	return &out, types.ResultSuccess
}

// RequestRuntimeStats fetches runtime counters from the service on the
// given port
func RequestRuntimeStats(s *sender.Sender, port int) (*RuntimeStats, types.Result) {
	resp := &types.Envelope{}
	if r := s.SendRequest(port, types.NewEnvelope(types.MsgCodeRuntimeStats, nil), resp); !r.Ok() {
		return nil, r
	}

	var out RuntimeStats
	if err := json.Unmarshal(resp.Payload, &out); err != nil {
		return nil, types.ResultReadError
	}
	return &out, types.ResultSuccess
}

// RequestServiceStatus fetches the identity and state of the service on
// the given port
func RequestServiceStatus(s *sender.Sender, port int) (*ServiceStatus, types.Result) {
	resp := &types.Envelope{}
	if r := s.SendRequest(port, types.NewEnvelope(types.MsgCodeServiceStatus, nil), resp); !r.Ok() {
		return nil, r
	}

	var out ServiceStatus
	if err := json.Unmarshal(resp.Payload, &out); err != nil {
		return nil, types.ResultReadError
	}
	return &out, types.ResultSuccess
}

// NotifyConfigRestored tells the service on the given port that its
// configuration was restored from path
func NotifyConfigRestored(s *sender.Sender, port int, path string) types.Result {
	body, err := json.Marshal(ConfigRestoredNotice{
		Path:       path,
		RestoredAt: types.NewTimestampFromTime(time.Now()),
	})
	if err != nil {
		return types.ResultInvalidArgument
	}

	return s.SendRequest(port, types.NewEnvelope(types.MsgCodeConfigRestored, body), nil)
}
