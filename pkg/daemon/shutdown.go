package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/baaaht/interbus/internal/logger"
	"github.com/baaaht/interbus/pkg/types"
)

// ShutdownState represents the current state of the shutdown process
type ShutdownState string

const (
	// ShutdownStateRunning indicates the daemon is running normally
	ShutdownStateRunning ShutdownState = "running"
	// ShutdownStateInitiated indicates shutdown has been initiated
	ShutdownStateInitiated ShutdownState = "initiated"
	// ShutdownStateStopping indicates subsystems are being stopped
	ShutdownStateStopping ShutdownState = "stopping"
	// ShutdownStateComplete indicates shutdown is complete
	ShutdownStateComplete ShutdownState = "complete"
)

// ShutdownHook is a function that can be called during shutdown
type ShutdownHook func(ctx context.Context) error

// ShutdownManager drives the daemon's graceful shutdown: it listens for
// SIGINT/SIGTERM, runs registered hooks around the daemon teardown, and
// bounds the whole sequence with a timeout.
type ShutdownManager struct {
	mu              sync.RWMutex
	daemon          *Daemon
	state           ShutdownState
	shutdownTimeout time.Duration
	hooks           []ShutdownHook
	logger          *logger.Logger
	signalChan      chan os.Signal
	shutdownCtx     context.Context
	shutdownCancel  context.CancelFunc
	started         bool
	initiated       time.Time
	completionChan  chan struct{}
	shutdownReason  string
}

// NewShutdownManager creates a new shutdown manager for the daemon
func NewShutdownManager(d *Daemon, timeout time.Duration, log *logger.Logger) *ShutdownManager {
	if log == nil {
		log, _ = logger.NewDefault()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &ShutdownManager{
		daemon:          d,
		state:           ShutdownStateRunning,
		shutdownTimeout: timeout,
		hooks:           make([]ShutdownHook, 0),
		logger:          log.With("component", "shutdown_manager"),
		signalChan:      make(chan os.Signal, 1),
		shutdownCtx:     ctx,
		shutdownCancel:  cancel,
		completionChan:  make(chan struct{}),
	}
}

// Start begins listening for shutdown signals
func (sm *ShutdownManager) Start() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.started {
		return
	}

	signal.Notify(sm.signalChan, syscall.SIGINT, syscall.SIGTERM)
	sm.started = true

	sm.logger.Info("Shutdown manager started", "timeout", sm.shutdownTimeout)

	go sm.handleSignals()
}

// Stop stops the shutdown manager and cancels signal handling
func (sm *ShutdownManager) Stop() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.started {
		return
	}

	signal.Stop(sm.signalChan)
	sm.shutdownCancel()
	sm.started = false

	sm.logger.Debug("Shutdown manager stopped")
}

// Shutdown initiates a graceful shutdown with the specified reason
func (sm *ShutdownManager) Shutdown(ctx context.Context, reason string) error {
	sm.mu.Lock()

	if sm.state != ShutdownStateRunning {
		sm.mu.Unlock()
		return types.NewError(types.ErrCodeFailedPrecondition, "shutdown already initiated")
	}

	sm.state = ShutdownStateInitiated
	sm.shutdownReason = reason
	sm.initiated = time.Now()
	sm.logger.Info("Shutdown initiated", "reason", reason)
	sm.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(ctx, sm.shutdownTimeout)
	defer cancel()

	if err := sm.executeHooks(shutdownCtx, "pre-shutdown"); err != nil {
		sm.logger.Error("Pre-shutdown hooks failed", "error", err)
	}

	sm.setState(ShutdownStateStopping)

	if err := sm.daemon.Close(); err != nil {
		sm.logger.Error("Daemon close failed", "error", err)
		// Continue with shutdown anyway
	}

	if err := sm.executeHooks(shutdownCtx, "post-shutdown"); err != nil {
		sm.logger.Error("Post-shutdown hooks failed", "error", err)
	}

	sm.setState(ShutdownStateComplete)
	close(sm.completionChan)

	sm.logger.Info("Shutdown complete",
		"reason", reason,
		"duration", time.Since(sm.initiated).String())

	return nil
}

// ShutdownAndWait initiates shutdown and waits for completion
func (sm *ShutdownManager) ShutdownAndWait(ctx context.Context, reason string) error {
	errChan := make(chan error, 1)
	go func() {
		errChan <- sm.Shutdown(ctx, reason)
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return types.WrapError(types.ErrCodeCanceled, "shutdown wait canceled", ctx.Err())
	case <-sm.completionChan:
		return nil
	}
}

// AddHook adds a shutdown hook that will be called during shutdown
func (sm *ShutdownManager) AddHook(hook ShutdownHook) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.hooks = append(sm.hooks, hook)
	sm.logger.Debug("Shutdown hook registered", "total_hooks", len(sm.hooks))
}

// State returns the current shutdown state
func (sm *ShutdownManager) State() ShutdownState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state
}

// IsShuttingDown returns true if shutdown has been initiated
func (sm *ShutdownManager) IsShuttingDown() bool {
	state := sm.State()
	return state == ShutdownStateInitiated || state == ShutdownStateStopping || state == ShutdownStateComplete
}

// IsComplete returns true if shutdown is complete
func (sm *ShutdownManager) IsComplete() bool {
	return sm.State() == ShutdownStateComplete
}

// ShutdownReason returns the reason for shutdown
func (sm *ShutdownManager) ShutdownReason() string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.shutdownReason
}

// WaitCompletion waits for shutdown to complete
func (sm *ShutdownManager) WaitCompletion(ctx context.Context) error {
	select {
	case <-sm.completionChan:
		return nil
	case <-ctx.Done():
		return types.WrapError(types.ErrCodeCanceled, "wait for completion canceled", ctx.Err())
	}
}

// Context returns the shutdown context
func (sm *ShutdownManager) Context() context.Context {
	return sm.shutdownCtx
}

// setState transitions the shutdown state
func (sm *ShutdownManager) setState(state ShutdownState) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.state = state
}

// handleSignals handles incoming shutdown signals
func (sm *ShutdownManager) handleSignals() {
	for {
		select {
		case sig := <-sm.signalChan:
			reason := fmt.Sprintf("signal received: %s", sig)
			sm.logger.Info("Shutdown signal received", "signal", sig.String())

			// Initiate shutdown in a goroutine to avoid blocking signal
			// handling.
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), sm.shutdownTimeout)
				defer cancel()
				if err := sm.ShutdownAndWait(ctx, reason); err != nil {
					sm.logger.Error("Shutdown failed", "error", err)
				}
			}()

		case <-sm.shutdownCtx.Done():
			sm.logger.Debug("Signal handler stopping")
			return
		}
	}
}

// executeHooks executes all registered shutdown hooks
func (sm *ShutdownManager) executeHooks(ctx context.Context, phase string) error {
	sm.mu.RLock()
	hooks := make([]ShutdownHook, len(sm.hooks))
	copy(hooks, sm.hooks)
	sm.mu.RUnlock()

	sm.logger.Debug("Executing shutdown hooks", "phase", phase, "count", len(hooks))

	var firstErr error
	for i, hook := range hooks {
		hookCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := hook(hookCtx)
		cancel()

		if err != nil {
			sm.logger.Error("Shutdown hook failed",
				"phase", phase,
				"hook", fmt.Sprintf("hook-%d", i),
				"error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}
