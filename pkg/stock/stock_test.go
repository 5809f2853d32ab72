package stock

import (
	"context"
	"encoding/json"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baaaht/interbus/internal/config"
	"github.com/baaaht/interbus/internal/logger"
	"github.com/baaaht/interbus/pkg/receiver"
	"github.com/baaaht/interbus/pkg/registry"
	"github.com/baaaht/interbus/pkg/sender"
	"github.com/baaaht/interbus/pkg/transport"
	"github.com/baaaht/interbus/pkg/types"
)

func freePort(t *testing.T) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "Failed to reserve port")
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

// startAdminService runs a receiver fronted by an AdminHandler and
// returns a sender plus the service port
func startAdminService(t *testing.T, cfg AdminConfig, next receiver.Handler) (*sender.Sender, int) {
	t.Helper()

	log, err := logger.NewDefault()
	require.NoError(t, err)

	tr, err := transport.New(config.DefaultTransportConfig(), log)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Shutdown() })

	port := freePort(t)
	rcfg := config.DefaultReceiverConfig()
	rcfg.Port = port
	rcfg.PollTimeout = 100 * time.Millisecond

	rcv, err := receiver.New(tr, rcfg, NewAdminHandler(cfg, next, log), log)
	require.NoError(t, err)
	require.NoError(t, rcv.Start())
	t.Cleanup(func() { rcv.Shutdown() })

	return sender.New(tr, registry.New(log), config.DefaultSenderConfig(), log), port
}

func TestShutdownCredentialsGate(t *testing.T) {
	log, err := logger.NewDefault()
	require.NoError(t, err)

	tr, err := transport.New(config.DefaultTransportConfig(), log)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Shutdown() })

	s := sender.New(tr, registry.New(log), config.DefaultSenderConfig(), log)

	// No listener anywhere near this port. The empty-credentials gate
	// must fire before any connection attempt, so the result is
	// INVALID_ARGUMENT, never CONNECT_ERROR.
	dead := freePort(t)

	for _, creds := range []string{"", "   ", "\t\n"} {
		_, r := RequestServiceShutdown(s, dead, creds, "cleanup")
		assert.Equal(t, types.ResultInvalidArgument, r, "credentials %q", creds)
	}
}

func TestRequestServiceShutdown(t *testing.T) {
	var gotReason atomic.Value
	shutdownCalled := make(chan struct{})

	s, port := startAdminService(t, AdminConfig{
		ServiceName: "victim",
		Credentials: "secret",
		OnShutdown: func(reason string) {
			gotReason.Store(reason)
			close(shutdownCalled)
		},
	}, nil)

	t.Run("wrong credentials rejected", func(t *testing.T) {
		_, r := RequestServiceShutdown(s, port, "wrong", "test")
		assert.Equal(t, types.ResultInvalidArgument, r)
	})

	t.Run("matching credentials accepted", func(t *testing.T) {
		resp, r := RequestServiceShutdown(s, port, "secret", "deliberate")
		require.Equal(t, types.ResultSuccess, r)
		require.NotNil(t, resp)
		assert.True(t, resp.Accepted)

		select {
		case <-shutdownCalled:
			assert.Equal(t, "deliberate", gotReason.Load())
		case <-time.After(2 * time.Second):
			t.Fatal("shutdown callback never fired")
		}
	})
}

func TestRequestRuntimeStats(t *testing.T) {
	s, port := startAdminService(t, AdminConfig{ServiceName: "statsvc"}, nil)

	stats, r := RequestRuntimeStats(s, port)
	require.Equal(t, types.ResultSuccess, r)
	require.NotNil(t, stats)

	assert.Greater(t, stats.PID, 0)
	assert.Greater(t, stats.Goroutines, 0)
	assert.Greater(t, stats.MemAllocBytes, uint64(0))
	assert.GreaterOrEqual(t, stats.UptimeSeconds, 0.0)
	// The stats request itself counts.
	assert.GreaterOrEqual(t, stats.RequestsHandled, uint64(1))
}

func TestRequestServiceStatus(t *testing.T) {
	s, port := startAdminService(t, AdminConfig{
		ServiceName: "statussvc",
		Version:     "1.2.3",
	}, nil)

	st, r := RequestServiceStatus(s, port)
	require.Equal(t, types.ResultSuccess, r)
	require.NotNil(t, st)

	assert.Equal(t, "statussvc", st.Name)
	assert.Equal(t, "1.2.3", st.Version)
	assert.Equal(t, types.StatusRunning, st.Status)
}

func TestNotifyConfigRestored(t *testing.T) {
	restored := make(chan string, 1)

	s, port := startAdminService(t, AdminConfig{
		ServiceName:      "cfgsvc",
		OnConfigRestored: func(path string) { restored <- path },
	}, nil)

	r := NotifyConfigRestored(s, port, "/etc/cfgsvc/config.yaml")
	require.Equal(t, types.ResultSuccess, r)

	// The notice is fire-and-forget; give the handler a moment.
	select {
	case path := <-restored:
		assert.Equal(t, "/etc/cfgsvc/config.yaml", path)
	case <-time.After(2 * time.Second):
		t.Fatal("config-restored callback never fired")
	}
}

func TestAdminHandlerPing(t *testing.T) {
	log, err := logger.NewDefault()
	require.NoError(t, err)

	h := NewAdminHandler(AdminConfig{ServiceName: "pinger"}, nil, log)

	resp := &types.Envelope{}
	err = h.Handle(context.Background(), types.NewEnvelope(types.MsgCodePing, nil), resp)
	require.NoError(t, err)
	assert.Equal(t, types.MsgCodePingResponse, resp.Code)
}

func TestAdminHandlerDelegates(t *testing.T) {
	log, err := logger.NewDefault()
	require.NoError(t, err)

	next := receiver.HandlerFunc(func(ctx context.Context, req *types.Envelope, resp *types.Envelope) error {
		resp.Code = types.MsgCodeSuccess
		resp.Payload = []byte("from next")
		return nil
	})

	h := NewAdminHandler(AdminConfig{ServiceName: "front"}, next, log)

	resp := &types.Envelope{}
	err = h.Handle(context.Background(), types.NewEnvelope(types.MsgCodeUserBase, nil), resp)
	require.NoError(t, err)
	assert.Equal(t, "from next", string(resp.Payload))
}

func TestAdminHandlerUnhandledCode(t *testing.T) {
	log, err := logger.NewDefault()
	require.NoError(t, err)

	h := NewAdminHandler(AdminConfig{ServiceName: "bare"}, nil, log)

	resp := &types.Envelope{}
	err = h.Handle(context.Background(), types.NewEnvelope(types.MsgCodeUserBase+9, nil), resp)
	require.NoError(t, err)
	assert.True(t, resp.IsError())
	assert.Equal(t, types.ResultGeneralError, resp.Code.Result())
}

func TestAdminHandlerCustomStatus(t *testing.T) {
	log, err := logger.NewDefault()
	require.NoError(t, err)

	h := NewAdminHandler(AdminConfig{
		ServiceName: "stopping",
		Status:      func() types.Status { return types.StatusStopping },
	}, nil, log)

	resp := &types.Envelope{}
	err = h.Handle(context.Background(), types.NewEnvelope(types.MsgCodeServiceStatus, nil), resp)
	require.NoError(t, err)

	var st ServiceStatus
	require.NoError(t, json.Unmarshal(resp.Payload, &st))
	assert.Equal(t, types.StatusStopping, st.Status)
}

func TestAdminHandlerMalformedShutdownPayload(t *testing.T) {
	log, err := logger.NewDefault()
	require.NoError(t, err)

	h := NewAdminHandler(AdminConfig{ServiceName: "strict"}, nil, log)

	resp := &types.Envelope{}
	err = h.Handle(context.Background(), types.NewEnvelope(types.MsgCodeShutdown, []byte("not json")), resp)
	require.NoError(t, err)
	assert.Equal(t, types.ResultInvalidArgument, resp.Code.Result())
}
