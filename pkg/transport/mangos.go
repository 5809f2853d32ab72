package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/baaaht/interbus/internal/config"
	"github.com/baaaht/interbus/internal/logger"
	"github.com/baaaht/interbus/pkg/types"
	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/pub"
	"go.nanomsg.org/mangos/v3/protocol/pull"
	"go.nanomsg.org/mangos/v3/protocol/push"
	"go.nanomsg.org/mangos/v3/protocol/rep"
	"go.nanomsg.org/mangos/v3/protocol/req"
	"go.nanomsg.org/mangos/v3/protocol/sub"

	// Register the TCP transport with mangos. TCP loopback is used
	// instead of the library's native IPC addressing so REQ/REP can
	// receive while a reply is outstanding.
	_ "go.nanomsg.org/mangos/v3/transport/tcp"
)

// MangosTransport implements Transport on the mangos (nanomsg) messaging
// library: REQ/REP sockets for request/response, and a PUSH/PULL ingress
// fanned out through a PUB socket for events, simulating one-to-many
// delivery the library's core patterns do not otherwise provide.
//
// The library transmits whole messages atomically and has no separate
// framing fields, so the envelope rides inside each message using the
// same binary header as the socket backend.
type MangosTransport struct {
	cfg     config.TransportConfig
	log     *logger.Logger
	mu      sync.Mutex
	handles map[uint64]*Handle
	nextID  uint64
	done    chan struct{}
	down    bool

	relayOnce sync.Once
	relayErr  error
	relayPull mangos.Socket
	relayPub  mangos.Socket
}

// NewMangosTransport creates a mangos-backed transport
func NewMangosTransport(cfg config.TransportConfig, log *logger.Logger) (*MangosTransport, error) {
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = config.DefaultPollInterval
	}
	if cfg.MaxPayloadSize <= 0 {
		cfg.MaxPayloadSize = config.DefaultMaxPayloadSize
	}
	if cfg.Relay.IngressPort == 0 {
		cfg.Relay.IngressPort = config.DefaultRelayIngressPort
	}
	if cfg.Relay.EgressPort == 0 {
		cfg.Relay.EgressPort = config.DefaultRelayEgressPort
	}

	t := &MangosTransport{
		cfg:     cfg,
		log:     log.With("component", "mangos_transport"),
		handles: make(map[uint64]*Handle),
		done:    make(chan struct{}),
	}

	t.log.Debug("Mangos transport initialized",
		"poll_interval", cfg.PollInterval.String(),
		"relay_ingress_port", cfg.Relay.IngressPort,
		"relay_egress_port", cfg.Relay.EgressPort)

	return t, nil
}

// Name returns the backend name
func (t *MangosTransport) Name() string {
	return config.BackendMangos
}

// track registers a new handle in the handle table
func (t *MangosTransport) track(h *Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.down {
		return types.ResultError(types.ResultServiceDisabled, "transport is shut down")
	}

	t.nextID++
	h.id = t.nextID
	t.handles[h.id] = h
	return nil
}

// isShutdown reports whether a process-wide shutdown is in progress
func (t *MangosTransport) isShutdown() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// reclaim releases a handle's socket and removes it from the table
func (t *MangosTransport) reclaim(h *Handle) {
	t.mu.Lock()
	delete(t.handles, h.id)
	t.mu.Unlock()

	if h.sock != nil {
		h.sock.Close()
	}
}

// Connect dials a REQ socket to the peer's REP listener
func (t *MangosTransport) Connect(host string, port int) (*Handle, error) {
	sock, err := req.NewSocket()
	if err != nil {
		return nil, types.WrapResultError(types.ResultConnectError,
			"failed to create request socket", err)
	}

	addr := fmt.Sprintf("tcp://%s:%d", host, port)
	if err := sock.Dial(addr); err != nil {
		sock.Close()
		return nil, types.WrapResultError(types.ResultConnectError,
			"failed to dial "+addr, err)
	}

	h := &Handle{
		kind:     HandleRequest,
		shutdown: make(chan struct{}),
		sock:     sock,
	}
	h.filter.Store(int32(types.EventCodeAll))

	if err := t.track(h); err != nil {
		sock.Close()
		return nil, err
	}

	t.log.Trace("Connected", "addr", addr, "handle", h.id)
	return h, nil
}

// Establish binds a REP socket for incoming requests
func (t *MangosTransport) Establish(host string, port int) (*Handle, error) {
	sock, err := rep.NewSocket()
	if err != nil {
		return nil, types.WrapResultError(types.ResultConnectError,
			"failed to create reply socket", err)
	}

	addr := fmt.Sprintf("tcp://%s:%d", host, port)
	if err := sock.Listen(addr); err != nil {
		sock.Close()
		return nil, types.WrapResultError(types.ResultConnectError,
			"failed to listen on "+addr, err)
	}

	h := &Handle{
		kind:     HandleListener,
		shutdown: make(chan struct{}),
		sock:     sock,
	}
	h.filter.Store(int32(types.EventCodeAll))

	if err := t.track(h); err != nil {
		sock.Close()
		return nil, err
	}

	t.log.Debug("Listener established", "addr", addr, "handle", h.id)
	return h, nil
}

// Send writes a framed envelope as one atomic message
func (t *MangosTransport) Send(h *Handle, env *types.Envelope, timeout time.Duration) error {
	if h == nil || h.sock == nil {
		return types.ResultError(types.ResultInvalidArgument, "handle is not a connected channel")
	}
	if env == nil {
		return types.ResultError(types.ResultInvalidArgument, "envelope cannot be nil")
	}

	h.sock.SetOption(mangos.OptionSendDeadline, timeout)
	if err := h.sock.Send(encodeEnvelope(env)); err != nil {
		return t.classify(h, err, types.ResultSendError, "send failed")
	}

	t.log.Trace("Envelope sent", "handle", h.id, "code", env.Code, "len", env.Len())
	return nil
}

// Recv reads one framed envelope into env
func (t *MangosTransport) Recv(h *Handle, env *types.Envelope, timeout time.Duration) error {
	if h == nil || h.sock == nil {
		return types.ResultError(types.ResultInvalidArgument, "handle is not a connected channel")
	}
	if env == nil {
		return types.ResultError(types.ResultInvalidArgument, "envelope cannot be nil")
	}

	h.sock.SetOption(mangos.OptionRecvDeadline, timeout)
	buf, err := h.sock.Recv()
	if err != nil {
		return t.classify(h, err, types.ResultReadError, "receive failed")
	}

	if err := decodeEnvelope(buf, env, t.cfg.MaxPayloadSize); err != nil {
		return err
	}

	t.log.Trace("Envelope received", "handle", h.id, "code", env.Code, "len", env.Len())
	return nil
}

// RecvRequest waits for the next request on a REP listener. The receive
// deadline is kept short so a pending shutdown is honored within one
// poll interval. The REP socket replies in-order, so the control block
// sends the response on the same socket.
func (t *MangosTransport) RecvRequest(h *Handle, timeout time.Duration) (*Request, error) {
	if h == nil || h.kind != HandleListener || h.sock == nil {
		return nil, types.ResultError(types.ResultInvalidArgument, "handle is not a listener")
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		if t.isShutdown() || h.closed() {
			t.reclaim(h)
			return nil, types.ResultError(types.ResultServiceDisabled, "listener shut down")
		}

		poll := t.cfg.PollInterval
		if !deadline.IsZero() {
			if remain := time.Until(deadline); remain < poll {
				poll = remain
			}
		}
		if poll <= 0 {
			return nil, types.ResultError(types.ResultTimeout, "request wait timed out")
		}

		h.sock.SetOption(mangos.OptionRecvDeadline, poll)
		buf, err := h.sock.Recv()
		if err != nil {
			if errors.Is(err, mangos.ErrRecvTimeout) {
				if !deadline.IsZero() && !time.Now().Before(deadline) {
					return nil, types.ResultError(types.ResultTimeout, "request wait timed out")
				}
				continue
			}
			if t.isShutdown() || h.closed() {
				t.reclaim(h)
				return nil, types.ResultError(types.ResultServiceDisabled, "listener shut down")
			}
			return nil, types.WrapResultError(types.ResultReadError, "request receive failed", err)
		}

		env := &types.Envelope{}
		if err := decodeEnvelope(buf, env, t.cfg.MaxPayloadSize); err != nil {
			// A malformed request still needs a reply to unblock the
			// REQ peer; answer with an in-band read error.
			h.sock.SetOption(mangos.OptionSendDeadline, t.cfg.WriteTimeout)
			h.sock.Send(encodeEnvelope(&types.Envelope{
				Code: types.ErrorCode(types.ResultReadError),
			}))
			return nil, err
		}

		t.log.Trace("Request received", "handle", h.id, "code", env.Code, "len", env.Len())

		sock := h.sock
		return &Request{
			Envelope: env,
			respond: func(resp *types.Envelope, wt time.Duration) error {
				if resp == nil {
					return types.ResultError(types.ResultInvalidArgument, "response envelope cannot be nil")
				}
				sock.SetOption(mangos.OptionSendDeadline, wt)
				if err := sock.Send(encodeEnvelope(resp)); err != nil {
					return t.classify(h, err, types.ResultSendError, "response send failed")
				}
				return nil
			},
			// The REP socket is shared with the listener handle and
			// stays open for the next exchange.
			release: nil,
		}, nil
	}
}

// ensureRelay starts the pub/sub fan-out relay once: a PULL socket
// collects published events and a goroutine republishes each message on
// a PUB socket that subscribers dial.
func (t *MangosTransport) ensureRelay() error {
	t.relayOnce.Do(func() {
		pullSock, err := pull.NewSocket()
		if err != nil {
			t.relayErr = types.WrapResultError(types.ResultConnectError,
				"failed to create relay ingress socket", err)
			return
		}
		if err := pullSock.Listen(fmt.Sprintf("tcp://127.0.0.1:%d", t.cfg.Relay.IngressPort)); err != nil {
			pullSock.Close()
			t.relayErr = types.WrapResultError(types.ResultConnectError,
				"failed to bind relay ingress", err)
			return
		}

		pubSock, err := pub.NewSocket()
		if err != nil {
			pullSock.Close()
			t.relayErr = types.WrapResultError(types.ResultConnectError,
				"failed to create relay egress socket", err)
			return
		}
		if err := pubSock.Listen(fmt.Sprintf("tcp://127.0.0.1:%d", t.cfg.Relay.EgressPort)); err != nil {
			pullSock.Close()
			pubSock.Close()
			t.relayErr = types.WrapResultError(types.ResultConnectError,
				"failed to bind relay egress", err)
			return
		}

		t.relayPull = pullSock
		t.relayPub = pubSock

		go t.relayLoop()

		t.log.Debug("Event relay started",
			"ingress_port", t.cfg.Relay.IngressPort,
			"egress_port", t.cfg.Relay.EgressPort)
	})
	return t.relayErr
}

// relayLoop fans the ingress queue out to the broadcast socket until
// the relay sockets are closed by Shutdown
func (t *MangosTransport) relayLoop() {
	for {
		buf, err := t.relayPull.Recv()
		if err != nil {
			if !t.isShutdown() {
				t.log.Warn("Event relay stopped", "error", err)
			}
			return
		}
		if err := t.relayPub.Send(buf); err != nil {
			if !t.isShutdown() {
				t.log.Warn("Event relay send failed", "error", err)
			}
			return
		}
	}
}

// PubRegister opens a PUSH channel into the fan-out relay
func (t *MangosTransport) PubRegister(channel string) (*Handle, error) {
	if err := t.ensureRelay(); err != nil {
		return nil, err
	}

	sock, err := push.NewSocket()
	if err != nil {
		return nil, types.WrapResultError(types.ResultConnectError,
			"failed to create publish socket", err)
	}
	if err := sock.Dial(fmt.Sprintf("tcp://127.0.0.1:%d", t.cfg.Relay.IngressPort)); err != nil {
		sock.Close()
		return nil, types.WrapResultError(types.ResultConnectError,
			"failed to dial event relay", err)
	}

	h := &Handle{
		kind:     HandlePublisher,
		shutdown: make(chan struct{}),
		sock:     sock,
	}
	h.filter.Store(int32(types.EventCodeAll))

	if err := t.track(h); err != nil {
		sock.Close()
		return nil, err
	}

	t.log.Debug("Publisher registered", "handle", h.id)
	return h, nil
}

// SubRegister opens a SUB channel from the fan-out relay, initially
// unfiltered
func (t *MangosTransport) SubRegister(channel string) (*Handle, error) {
	if err := t.ensureRelay(); err != nil {
		return nil, err
	}

	sock, err := sub.NewSocket()
	if err != nil {
		return nil, types.WrapResultError(types.ResultConnectError,
			"failed to create subscribe socket", err)
	}
	if err := sock.Dial(fmt.Sprintf("tcp://127.0.0.1:%d", t.cfg.Relay.EgressPort)); err != nil {
		sock.Close()
		return nil, types.WrapResultError(types.ResultConnectError,
			"failed to dial event relay", err)
	}
	if err := sock.SetOption(mangos.OptionSubscribe, []byte{}); err != nil {
		sock.Close()
		return nil, types.WrapResultError(types.ResultConnectError,
			"failed to subscribe", err)
	}

	h := &Handle{
		kind:     HandleSubscriber,
		shutdown: make(chan struct{}),
		sock:     sock,
	}
	h.filter.Store(int32(types.EventCodeAll))

	if err := t.track(h); err != nil {
		sock.Close()
		return nil, err
	}

	t.log.Debug("Subscriber registered", "handle", h.id)
	return h, nil
}

// Publish sends the event framed with its code so subscribers can filter
// on the 4-byte big-endian code prefix
func (t *MangosTransport) Publish(h *Handle, code types.EventCode, event []byte) error {
	if h == nil || h.kind != HandlePublisher || h.sock == nil {
		return types.ResultError(types.ResultInvalidArgument, "handle is not a publisher")
	}

	buf := encodeEnvelope(&types.Envelope{
		Code:    types.MessageCode(code),
		Payload: event,
	})

	h.sock.SetOption(mangos.OptionSendDeadline, t.cfg.WriteTimeout)
	if err := h.sock.Send(buf); err != nil {
		return t.classify(h, err, types.ResultSendError, "publish failed")
	}

	t.log.Trace("Event published", "handle", h.id, "code", code, "len", len(event))
	return nil
}

// SubRecv blocks for the next event and returns its JSON payload
func (t *MangosTransport) SubRecv(h *Handle) ([]byte, error) {
	if h == nil || h.kind != HandleSubscriber || h.sock == nil {
		return nil, types.ResultError(types.ResultInvalidArgument, "handle is not a subscriber")
	}

	h.sock.SetOption(mangos.OptionRecvDeadline, time.Duration(0))
	buf, err := h.sock.Recv()
	if err != nil {
		return nil, t.classify(h, err, types.ResultReadError, "event receive failed")
	}

	env := &types.Envelope{}
	if err := decodeEnvelope(buf, env, t.cfg.MaxPayloadSize); err != nil {
		return nil, err
	}

	t.log.Trace("Event received", "handle", h.id, "code", env.Code, "len", env.Len())
	return env.Payload, nil
}

// Subscribe swaps the handle's subscription prefix to the given code
func (t *MangosTransport) Subscribe(h *Handle, filter types.EventCode) error {
	if h == nil || h.kind != HandleSubscriber || h.sock == nil {
		return types.ResultError(types.ResultInvalidArgument, "handle is not a subscriber")
	}

	old := types.EventCode(h.filter.Swap(int32(filter)))
	if old == filter {
		return nil
	}

	oldPrefix := []byte{}
	if old != types.EventCodeAll {
		oldPrefix = codePrefix(old)
	}
	newPrefix := []byte{}
	if filter != types.EventCodeAll {
		newPrefix = codePrefix(filter)
	}

	if err := h.sock.SetOption(mangos.OptionSubscribe, newPrefix); err != nil {
		return types.WrapResultError(types.ResultGeneralError, "failed to subscribe", err)
	}
	if err := h.sock.SetOption(mangos.OptionUnsubscribe, oldPrefix); err != nil {
		return types.WrapResultError(types.ResultGeneralError, "failed to unsubscribe", err)
	}
	return nil
}

// Close releases a handle. Idempotent, and safe on handles that never
// fully established.
func (t *MangosTransport) Close(h *Handle) error {
	if h == nil {
		return nil
	}
	h.signal()
	t.reclaim(h)
	t.log.Trace("Handle closed", "handle", h.id, "kind", h.kind.String())
	return nil
}

// Shutdown wakes every blocked call, reclaims all tracked handles,
// and stops the event relay
func (t *MangosTransport) Shutdown() error {
	t.mu.Lock()
	if t.down {
		t.mu.Unlock()
		return nil
	}
	t.down = true
	close(t.done)
	tracked := make([]*Handle, 0, len(t.handles))
	for _, h := range t.handles {
		tracked = append(tracked, h)
	}
	t.mu.Unlock()

	for _, h := range tracked {
		h.signal()
		t.reclaim(h)
	}

	if t.relayPull != nil {
		t.relayPull.Close()
	}
	if t.relayPub != nil {
		t.relayPub.Close()
	}

	t.log.Info("Mangos transport shut down", "handles_reclaimed", len(tracked))
	return nil
}

// classify maps a mangos error to the result taxonomy
func (t *MangosTransport) classify(h *Handle, err error, fallback types.Result, msg string) error {
	if t.isShutdown() || h.closed() {
		return types.WrapResultError(types.ResultServiceDisabled, "transport shut down", err)
	}
	if errors.Is(err, mangos.ErrSendTimeout) || errors.Is(err, mangos.ErrRecvTimeout) {
		return types.WrapResultError(types.ResultTimeout, msg+": deadline exceeded", err)
	}
	return types.WrapResultError(fallback, msg, err)
}

// Stats returns transport statistics
func (t *MangosTransport) Stats() TransportStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	return TransportStats{
		Backend:        config.BackendMangos,
		TrackedHandles: len(t.handles),
		ShutdownBegun:  t.down,
	}
}
