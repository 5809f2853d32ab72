package registry

import (
	"fmt"
	"sync"

	"github.com/baaaht/interbus/internal/logger"
	"github.com/baaaht/interbus/pkg/types"
)

// DefaultAddress is returned for any port with no registered service.
// The registry is an override mechanism, not a hard dependency: the
// sender always has a usable loopback default.
const DefaultAddress = "127.0.0.1"

// Registry is an in-memory directory mapping a service's IPC and event
// ports to a network address, consulted by the sender to resolve where
// to connect. Registration is update-in-place per port: re-registering
// a port replaces the previous entry.
type Registry struct {
	mu          sync.RWMutex
	byIPCPort   map[int]types.ServiceInfo
	byEventPort map[int]types.ServiceInfo
	logger      *logger.Logger
}

// New creates a new service registry
func New(log *logger.Logger) *Registry {
	if log == nil {
		log, _ = logger.NewDefault()
	}

	return &Registry{
		byIPCPort:   make(map[int]types.ServiceInfo),
		byEventPort: make(map[int]types.ServiceInfo),
		logger:      log.With("component", "service_registry"),
	}
}

// Register adds or replaces a service entry. An empty address defaults
// to loopback.
func (r *Registry) Register(info types.ServiceInfo) error {
	if info.Name == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "service name cannot be empty")
	}
	if info.IPCPort <= 0 || info.IPCPort > 65535 {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid IPC port: %d", info.IPCPort))
	}
	if info.EventPort < 0 || info.EventPort > 65535 {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid event port: %d", info.EventPort))
	}
	if !info.Visibility.Valid() {
		return types.NewError(types.ErrCodeInvalidArgument,
			"invalid visibility: "+string(info.Visibility))
	}

	if info.Address == "" {
		info.Address = DefaultAddress
	}
	if info.Visibility == "" {
		info.Visibility = types.VisibilityLoopback
	}

	r.mu.Lock()
	_, replaced := r.byIPCPort[info.IPCPort]
	r.byIPCPort[info.IPCPort] = info
	if info.EventPort > 0 {
		r.byEventPort[info.EventPort] = info
	}
	r.mu.Unlock()

	r.logger.Debug("Service registered",
		"service", info.Name,
		"address", info.Address,
		"ipc_port", info.IPCPort,
		"event_port", info.EventPort,
		"replaced", replaced)

	return nil
}

// AddressForIPCPort resolves the address of the service listening on the
// given IPC port. Never fails: an unregistered port resolves to loopback.
func (r *Registry) AddressForIPCPort(port int) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if info, ok := r.byIPCPort[port]; ok {
		return info.Address
	}
	return DefaultAddress
}

// AddressForEventPort resolves the address of the service publishing on
// the given event port. Never fails: an unregistered port resolves to
// loopback.
func (r *Registry) AddressForEventPort(port int) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if info, ok := r.byEventPort[port]; ok {
		return info.Address
	}
	return DefaultAddress
}

// Lookup finds a service entry by name
func (r *Registry) Lookup(name string) (types.ServiceInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, info := range r.byIPCPort {
		if info.Name == name {
			return info, true
		}
	}
	return types.ServiceInfo{}, false
}

// List returns a snapshot of all registered services
func (r *Registry) List() []types.ServiceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	services := make([]types.ServiceInfo, 0, len(r.byIPCPort))
	for _, info := range r.byIPCPort {
		services = append(services, info)
	}
	return services
}

// Len returns the number of registered services
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIPCPort)
}

// String returns a string representation of the registry
func (r *Registry) String() string {
	return fmt.Sprintf("Registry{Services: %d}", r.Len())
}
