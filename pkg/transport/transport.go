package transport

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/baaaht/interbus/internal/config"
	"github.com/baaaht/interbus/internal/logger"
	"github.com/baaaht/interbus/pkg/types"
	"go.nanomsg.org/mangos/v3"
	"golang.org/x/net/ipv4"
)

// Transport moves envelopes and events between processes. Two backends
// implement the contract: a raw TCP/UDP socket backend and a nanomsg
// (mangos) backend. The request/response and pub/sub runtimes above are
// written once against this interface and are backend-agnostic.
type Transport interface {
	// Connect opens a client-side channel to host:port for one
	// request/response exchange. On failure no partially-open handle
	// is returned.
	Connect(host string, port int) (*Handle, error)

	// Establish binds and listens for incoming requests. Each call
	// yields an independent listener; run one accept loop per handle.
	Establish(host string, port int) (*Handle, error)

	// PubRegister opens a broadcast channel for the event bus.
	// An empty channel selects the process-wide default.
	PubRegister(channel string) (*Handle, error)

	// SubRegister opens a listen channel for the event bus.
	SubRegister(channel string) (*Handle, error)

	// Send writes a full envelope. Partial writes are a send error.
	// A zero timeout blocks without an application-level deadline.
	Send(h *Handle, env *types.Envelope, timeout time.Duration) error

	// Recv reads a full envelope into env. A positive timeout bounds
	// the wait; on expiry the handle remains usable for retry.
	Recv(h *Handle, env *types.Envelope, timeout time.Duration) error

	// RecvRequest accepts one incoming request on a listener handle,
	// returning a control block used to send exactly one response.
	// When the handle is shut down mid-wait the returned error carries
	// types.ResultServiceDisabled, distinct from a read error.
	RecvRequest(h *Handle, timeout time.Duration) (*Request, error)

	// Publish broadcasts an event payload. Delivery is best-effort.
	Publish(h *Handle, code types.EventCode, event []byte) error

	// SubRecv blocks for the next event payload on a subscriber handle.
	SubRecv(h *Handle) ([]byte, error)

	// Subscribe restricts a subscriber handle to one event code,
	// or types.EventCodeAll for no filtering.
	Subscribe(h *Handle, filter types.EventCode) error

	// Close releases a handle. For a listener it first signals the
	// accept loop to unblock and exit. Safe to call more than once and
	// on handles that never fully established.
	Close(h *Handle) error

	// Shutdown wakes every blocked call on this transport and reclaims
	// all tracked handles.
	Shutdown() error

	// Name returns the backend name
	Name() string
}

// New constructs the transport backend selected by the configuration
func New(cfg config.TransportConfig, log *logger.Logger) (Transport, error) {
	switch cfg.Backend {
	case config.BackendSocket, "":
		return NewSocketTransport(cfg, log)
	case config.BackendMangos:
		return NewMangosTransport(cfg, log)
	default:
		return nil, types.NewError(types.ErrCodeInvalidArgument,
			"unknown transport backend: "+cfg.Backend)
	}
}

// HandleKind discriminates what a handle is bound to
type HandleKind int

const (
	// HandleRequest is a client-side request/response channel
	HandleRequest HandleKind = iota
	// HandleListener accepts incoming requests
	HandleListener
	// HandlePublisher broadcasts events
	HandlePublisher
	// HandleSubscriber receives events
	HandleSubscriber
)

// String returns the string representation of the handle kind
func (k HandleKind) String() string {
	switch k {
	case HandleRequest:
		return "request"
	case HandleListener:
		return "listener"
	case HandlePublisher:
		return "publisher"
	case HandleSubscriber:
		return "subscriber"
	default:
		return "unknown"
	}
}

// Handle is an opaque per-channel record tracked by its owning transport.
// Every handle created via Connect/Establish/PubRegister/SubRegister must
// eventually be released via Close. The shutdown channel replaces the
// classic self-pipe: it never carries data and is closed exactly once to
// interrupt a blocked accept or receive.
type Handle struct {
	id       uint64
	kind     HandleKind
	shutdown chan struct{}
	once     sync.Once
	filter   atomic.Int32

	// socket backend state; nil for other kinds/backends
	conn net.Conn
	ln   *net.TCPListener
	udp  *net.UDPConn
	pc   *ipv4.PacketConn
	dest *net.UDPAddr

	// mangos backend state
	sock mangos.Socket
}

// ID returns the handle's tracking key
func (h *Handle) ID() uint64 {
	return h.id
}

// Kind returns what the handle is bound to
func (h *Handle) Kind() HandleKind {
	return h.kind
}

// ShutdownChan exposes the handle's shutdown signal for integration
// into an external select loop. It is closed when the handle is closed.
func (h *Handle) ShutdownChan() <-chan struct{} {
	return h.shutdown
}

// signal closes the shutdown channel exactly once
func (h *Handle) signal() {
	h.once.Do(func() {
		close(h.shutdown)
	})
}

// closed reports whether the handle's shutdown signal has fired
func (h *Handle) closed() bool {
	select {
	case <-h.shutdown:
		return true
	default:
		return false
	}
}

// LocalPort returns the local TCP/UDP port the handle is bound to,
// or 0 if unknown for this backend
func (h *Handle) LocalPort() int {
	switch {
	case h.ln != nil:
		if addr, ok := h.ln.Addr().(*net.TCPAddr); ok {
			return addr.Port
		}
	case h.conn != nil:
		if addr, ok := h.conn.LocalAddr().(*net.TCPAddr); ok {
			return addr.Port
		}
	case h.udp != nil:
		if addr, ok := h.udp.LocalAddr().(*net.UDPAddr); ok {
			return addr.Port
		}
	}
	return 0
}

// PeerPort returns the remote TCP port of a connected handle,
// or 0 if the handle has no peer
func (h *Handle) PeerPort() int {
	if h.conn != nil {
		if addr, ok := h.conn.RemoteAddr().(*net.TCPAddr); ok {
			return addr.Port
		}
	}
	return 0
}

// Request is the control block pairing one accepted request with enough
// state to send exactly one response. It decouples accept+read from
// compute+reply on the server side.
type Request struct {
	// Envelope is the request read from the peer. Payload ownership
	// transfers to the receiver of this Request.
	Envelope *types.Envelope

	respond func(env *types.Envelope, timeout time.Duration) error
	release func() error
	done    atomic.Bool
}

// Respond sends the response envelope back over the per-request channel.
// It may be called at most once.
func (r *Request) Respond(env *types.Envelope, timeout time.Duration) error {
	if r.done.Swap(true) {
		return types.NewError(types.ErrCodeFailedPrecondition, "request already responded")
	}
	return r.respond(env, timeout)
}

// Close releases the per-request channel. Idempotent.
func (r *Request) Close() error {
	if r.release == nil {
		return nil
	}
	return r.release()
}
