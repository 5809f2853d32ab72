package transport

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/baaaht/interbus/internal/config"
	"github.com/baaaht/interbus/internal/logger"
	"github.com/baaaht/interbus/pkg/types"
	"golang.org/x/net/ipv4"
)

// SocketTransport implements Transport over raw TCP sockets for
// request/response and UDP multicast on the loopback interface for
// pub/sub. Every open handle is tracked in a per-transport table so a
// process-wide Shutdown can locate and interrupt all outstanding
// blocked calls.
type SocketTransport struct {
	cfg     config.TransportConfig
	log     *logger.Logger
	mu      sync.Mutex
	handles map[uint64]*Handle
	nextID  uint64
	done    chan struct{}
	down    bool
}

// NewSocketTransport creates a socket-backed transport
func NewSocketTransport(cfg config.TransportConfig, log *logger.Logger) (*SocketTransport, error) {
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
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = config.DefaultConnectTimeout
	}
	if cfg.MaxPayloadSize <= 0 {
		cfg.MaxPayloadSize = config.DefaultMaxPayloadSize
	}

	t := &SocketTransport{
		cfg:     cfg,
		log:     log.With("component", "socket_transport"),
		handles: make(map[uint64]*Handle),
		done:    make(chan struct{}),
	}

	t.log.Debug("Socket transport initialized",
		"connect_timeout", cfg.ConnectTimeout.String(),
		"poll_interval", cfg.PollInterval.String(),
		"multicast_group", cfg.Multicast.Group,
		"multicast_port", cfg.Multicast.Port)

	return t, nil
}

// Name returns the backend name
func (t *SocketTransport) Name() string {
	return config.BackendSocket
}

// track registers a new handle in the handle table
func (t *SocketTransport) track(h *Handle) error {
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
func (t *SocketTransport) isShutdown() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// reclaim releases a handle's underlying sockets and removes it from
// the handle table. Safe to call more than once per handle.
func (t *SocketTransport) reclaim(h *Handle) {
	t.mu.Lock()
	delete(t.handles, h.id)
	t.mu.Unlock()

	if h.conn != nil {
		h.conn.Close()
	}
	if h.ln != nil {
		h.ln.Close()
	}
	if h.udp != nil {
		h.udp.Close()
	}
}

// Connect opens a TCP connection for one request/response exchange
func (t *SocketTransport) Connect(host string, port int) (*Handle, error) {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))

	conn, err := net.DialTimeout("tcp", addr, t.cfg.ConnectTimeout)
	if err != nil {
		return nil, types.WrapResultError(types.ResultConnectError,
			"failed to connect to "+addr, err)
	}

	h := &Handle{
		kind:     HandleRequest,
		shutdown: make(chan struct{}),
		conn:     conn,
	}
	h.filter.Store(int32(types.EventCodeAll))

	if err := t.track(h); err != nil {
		conn.Close()
		return nil, err
	}

	t.log.Trace("Connected", "addr", addr, "handle", h.id)
	return h, nil
}

// Establish binds a TCP listener for incoming requests
func (t *SocketTransport) Establish(host string, port int) (*Handle, error) {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, types.WrapResultError(types.ResultConnectError,
			"failed to listen on "+addr, err)
	}

	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return nil, types.ResultError(types.ResultConnectError, "listener is not TCP")
	}

	h := &Handle{
		kind:     HandleListener,
		shutdown: make(chan struct{}),
		ln:       tcpLn,
	}
	h.filter.Store(int32(types.EventCodeAll))

	if err := t.track(h); err != nil {
		tcpLn.Close()
		return nil, err
	}

	t.log.Debug("Listener established", "addr", addr, "handle", h.id, "port", h.LocalPort())
	return h, nil
}

// Send writes a full envelope to a connected handle
func (t *SocketTransport) Send(h *Handle, env *types.Envelope, timeout time.Duration) error {
	if h == nil || h.conn == nil {
		return types.ResultError(types.ResultInvalidArgument, "handle is not a connected channel")
	}
	if env == nil {
		return types.ResultError(types.ResultInvalidArgument, "envelope cannot be nil")
	}

	if timeout > 0 {
		h.conn.SetWriteDeadline(time.Now().Add(timeout))
	} else {
		h.conn.SetWriteDeadline(time.Time{})
	}

	if err := writeEnvelope(h.conn, env); err != nil {
		return t.classify(h, err, types.ResultSendError, "send failed")
	}

	t.log.Trace("Envelope sent", "handle", h.id, "code", env.Code, "len", env.Len())
	return nil
}

// Recv reads a full envelope from a connected handle into env
func (t *SocketTransport) Recv(h *Handle, env *types.Envelope, timeout time.Duration) error {
	if h == nil || h.conn == nil {
		return types.ResultError(types.ResultInvalidArgument, "handle is not a connected channel")
	}
	if env == nil {
		return types.ResultError(types.ResultInvalidArgument, "envelope cannot be nil")
	}

	if timeout > 0 {
		h.conn.SetReadDeadline(time.Now().Add(timeout))
	} else {
		h.conn.SetReadDeadline(time.Time{})
	}

	if err := readEnvelope(h.conn, env, t.cfg.MaxPayloadSize); err != nil {
		return t.classify(h, err, types.ResultReadError, "receive failed")
	}

	t.log.Trace("Envelope received", "handle", h.id, "code", env.Code, "len", env.Len())
	return nil
}

// RecvRequest waits for an incoming connection on a listener handle and
// reads one request envelope from it. The wait polls in short slices so
// a pending shutdown is honored within one poll interval; that outcome
// is a distinct "service disabled" result, not an error. The accepted
// connection is tracked for the lifetime of the request, so a shutdown
// arriving mid-envelope closes it and unblocks the read.
func (t *SocketTransport) RecvRequest(h *Handle, timeout time.Duration) (*Request, error) {
	if h == nil || h.kind != HandleListener || h.ln == nil {
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

		next := time.Now().Add(t.cfg.PollInterval)
		if !deadline.IsZero() && next.After(deadline) {
			next = deadline
		}
		h.ln.SetDeadline(next)

		conn, err := h.ln.AcceptTCP()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if !deadline.IsZero() && !time.Now().Before(deadline) {
					return nil, types.ResultError(types.ResultTimeout, "accept timed out")
				}
				continue
			}
			if t.isShutdown() || h.closed() {
				t.reclaim(h)
				return nil, types.ResultError(types.ResultServiceDisabled, "listener shut down")
			}
			return nil, types.WrapResultError(types.ResultReadError, "accept failed", err)
		}

		child := &Handle{
			kind:     HandleRequest,
			shutdown: make(chan struct{}),
			conn:     conn,
		}
		child.filter.Store(int32(types.EventCodeAll))
		if err := t.track(child); err != nil {
			conn.Close()
			return nil, err
		}

		env := &types.Envelope{}
		if !deadline.IsZero() {
			conn.SetReadDeadline(deadline)
		}

		// Watch for a shutdown arriving while the envelope read is
		// blocked on a slow or stalled peer. Closing the connection is
		// the only way to unblock an in-progress read.
		readDone := make(chan struct{})
		go func() {
			select {
			case <-h.shutdown:
			case <-child.shutdown:
			case <-t.done:
			case <-readDone:
				return
			}
			conn.Close()
		}()

		err = readEnvelope(conn, env, t.cfg.MaxPayloadSize)
		close(readDone)
		if err != nil {
			t.Close(child)
			if t.isShutdown() || h.closed() || child.closed() {
				return nil, types.ResultError(types.ResultServiceDisabled, "listener shut down")
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return nil, types.ResultError(types.ResultTimeout, "request read timed out")
			}
			return nil, types.WrapResultError(types.ResultReadError, "request read failed", err)
		}

		t.log.Trace("Request accepted", "handle", h.id, "code", env.Code, "len", env.Len())

		return &Request{
			Envelope: env,
			respond: func(resp *types.Envelope, wt time.Duration) error {
				if resp == nil {
					return types.ResultError(types.ResultInvalidArgument, "response envelope cannot be nil")
				}
				if wt > 0 {
					conn.SetWriteDeadline(time.Now().Add(wt))
				} else {
					conn.SetWriteDeadline(time.Time{})
				}
				if err := writeEnvelope(conn, resp); err != nil {
					if ne, ok := err.(net.Error); ok && ne.Timeout() {
						return types.ResultError(types.ResultTimeout, "response write timed out")
					}
					return types.WrapResultError(types.ResultSendError, "response write failed", err)
				}
				return nil
			},
			release: func() error {
				return t.Close(child)
			},
		}, nil
	}
}

// channelAddr resolves an event channel name to a multicast group address.
// An empty channel selects the configured process-wide default.
func (t *SocketTransport) channelAddr(channel string) (*net.UDPAddr, error) {
	spec := channel
	if spec == "" {
		spec = net.JoinHostPort(t.cfg.Multicast.Group, fmt.Sprintf("%d", t.cfg.Multicast.Port))
	}

	addr, err := net.ResolveUDPAddr("udp4", spec)
	if err != nil {
		return nil, types.WrapResultError(types.ResultInvalidArgument,
			"invalid event channel: "+spec, err)
	}
	if !addr.IP.IsMulticast() {
		return nil, types.ResultError(types.ResultInvalidArgument,
			"event channel is not a multicast group: "+spec)
	}
	return addr, nil
}

// loopbackInterface finds the up loopback interface used to confine
// event distribution to same-host listeners
func loopbackInterface() (*net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for i := range ifaces {
		iface := &ifaces[i]
		if iface.Flags&net.FlagLoopback != 0 && iface.Flags&net.FlagUp != 0 {
			return iface, nil
		}
	}
	return nil, fmt.Errorf("no loopback interface found")
}

// PubRegister opens a broadcast channel over UDP multicast. The outbound
// multicast interface is pinned to loopback so events never leave the host.
func (t *SocketTransport) PubRegister(channel string) (*Handle, error) {
	dest, err := t.channelAddr(channel)
	if err != nil {
		return nil, err
	}

	lo, err := loopbackInterface()
	if err != nil {
		return nil, types.WrapResultError(types.ResultConnectError,
			"failed to find loopback interface", err)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return nil, types.WrapResultError(types.ResultConnectError,
			"failed to open publish socket", err)
	}

	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetMulticastInterface(lo); err != nil {
		conn.Close()
		return nil, types.WrapResultError(types.ResultConnectError,
			"failed to set multicast interface", err)
	}
	if err := pc.SetMulticastLoopback(true); err != nil {
		conn.Close()
		return nil, types.WrapResultError(types.ResultConnectError,
			"failed to enable multicast loopback", err)
	}

	h := &Handle{
		kind:     HandlePublisher,
		shutdown: make(chan struct{}),
		udp:      conn,
		pc:       pc,
		dest:     dest,
	}
	h.filter.Store(int32(types.EventCodeAll))

	if err := t.track(h); err != nil {
		conn.Close()
		return nil, err
	}

	t.log.Debug("Publisher registered", "group", dest.String(), "handle", h.id)
	return h, nil
}

// SubRegister joins the multicast group bound to the loopback interface
// only, so only same-host events are received
func (t *SocketTransport) SubRegister(channel string) (*Handle, error) {
	group, err := t.channelAddr(channel)
	if err != nil {
		return nil, err
	}

	lo, err := loopbackInterface()
	if err != nil {
		return nil, types.WrapResultError(types.ResultConnectError,
			"failed to find loopback interface", err)
	}

	conn, err := net.ListenMulticastUDP("udp4", lo, group)
	if err != nil {
		return nil, types.WrapResultError(types.ResultConnectError,
			"failed to join multicast group "+group.String(), err)
	}
	conn.SetReadBuffer(1 << 20)

	h := &Handle{
		kind:     HandleSubscriber,
		shutdown: make(chan struct{}),
		udp:      conn,
	}
	h.filter.Store(int32(types.EventCodeAll))

	if err := t.track(h); err != nil {
		conn.Close()
		return nil, err
	}

	t.log.Debug("Subscriber registered", "group", group.String(), "handle", h.id)
	return h, nil
}

// Publish broadcasts an event payload as a single UDP datagram.
// The payload is a bare JSON document; there is no envelope framing
// and no delivery guarantee on this path.
func (t *SocketTransport) Publish(h *Handle, code types.EventCode, event []byte) error {
	if h == nil || h.kind != HandlePublisher || h.pc == nil {
		return types.ResultError(types.ResultInvalidArgument, "handle is not a publisher")
	}

	if _, err := h.pc.WriteTo(event, nil, h.dest); err != nil {
		return t.classify(h, err, types.ResultSendError, "publish failed")
	}

	t.log.Trace("Event published", "handle", h.id, "code", code, "len", len(event))
	return nil
}

// eventCodeProbe extracts just the event code from a JSON event payload
type eventCodeProbe struct {
	Code types.EventCode `json:"code"`
}

// SubRecv blocks for the next event datagram, dropping events that do
// not match the handle's subscription filter
func (t *SocketTransport) SubRecv(h *Handle) ([]byte, error) {
	if h == nil || h.kind != HandleSubscriber || h.udp == nil {
		return nil, types.ResultError(types.ResultInvalidArgument, "handle is not a subscriber")
	}

	buf := make([]byte, 64<<10)
	for {
		n, _, err := h.udp.ReadFromUDP(buf)
		if err != nil {
			return nil, t.classify(h, err, types.ResultReadError, "event receive failed")
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])

		filter := types.EventCode(h.filter.Load())
		if filter != types.EventCodeAll {
			var probe eventCodeProbe
			if err := json.Unmarshal(payload, &probe); err != nil {
				t.log.Warn("Dropping malformed event", "handle", h.id, "error", err)
				continue
			}
			if probe.Code != filter {
				continue
			}
		}

		t.log.Trace("Event received", "handle", h.id, "len", n)
		return payload, nil
	}
}

// Subscribe restricts a subscriber handle to one event code
func (t *SocketTransport) Subscribe(h *Handle, filter types.EventCode) error {
	if h == nil || h.kind != HandleSubscriber {
		return types.ResultError(types.ResultInvalidArgument, "handle is not a subscriber")
	}
	h.filter.Store(int32(filter))
	return nil
}

// Close releases a handle. For a listener the shutdown signal fires
// first so an in-progress accept observes "service disabled" rather
// than a raw error. Idempotent, and safe on handles that never fully
// established.
func (t *SocketTransport) Close(h *Handle) error {
	if h == nil {
		return nil
	}
	h.signal()
	t.reclaim(h)
	t.log.Trace("Handle closed", "handle", h.id, "kind", h.kind.String())
	return nil
}

// Shutdown wakes every outstanding blocked call and reclaims all
// tracked handles. Two phases: flip the process-wide signal, then walk
// the handle table and force-release each entry.
func (t *SocketTransport) Shutdown() error {
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

	t.log.Info("Socket transport shut down", "handles_reclaimed", len(tracked))
	return nil
}

// classify maps an I/O error to the result taxonomy: shutdown wins,
// then deadline expiry, then the operation's failure code
func (t *SocketTransport) classify(h *Handle, err error, fallback types.Result, msg string) error {
	if t.isShutdown() || h.closed() {
		return types.WrapResultError(types.ResultServiceDisabled, "transport shut down", err)
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return types.WrapResultError(types.ResultTimeout, msg+": deadline exceeded", err)
	}
	return types.WrapResultError(fallback, msg, err)
}

// Stats returns transport statistics
func (t *SocketTransport) Stats() TransportStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	return TransportStats{
		Backend:        config.BackendSocket,
		TrackedHandles: len(t.handles),
		ShutdownBegun:  t.down,
	}
}

// TransportStats represents transport statistics
type TransportStats struct {
	Backend        string `json:"backend"`
	TrackedHandles int    `json:"tracked_handles"`
	ShutdownBegun  bool   `json:"shutdown_begun"`
}

// String returns a string representation of the stats
func (s TransportStats) String() string {
	return fmt.Sprintf("TransportStats{Backend: %s, Handles: %d, Shutdown: %t}",
		s.Backend, s.TrackedHandles, s.ShutdownBegun)
}
