package events

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/baaaht/interbus/internal/logger"
	"github.com/baaaht/interbus/pkg/transport"
	"github.com/baaaht/interbus/pkg/types"
)

// Callback handles one received event
type Callback func(ev types.Event)

// Consumer receives events on a long-lived subscribe handle and
// dispatches each one to the callbacks registered for its code
type Consumer struct {
	mu        sync.Mutex
	tr        transport.Transport
	handle    *transport.Handle
	callbacks map[types.EventCode][]Callback
	catchAll  []Callback
	logger    *logger.Logger
	wg        sync.WaitGroup
	started   bool
	closed    bool
	received  uint64
	dropped   uint64
}

// NewConsumer opens a listen channel for the event bus. An empty
// channel selects the process-wide default.
func NewConsumer(tr transport.Transport, channel string, log *logger.Logger) (*Consumer, error) {
	if log == nil {
		log, _ = logger.NewDefault()
	}

	h, err := tr.SubRegister(channel)
	if err != nil {
		return nil, err
	}

	c := &Consumer{
		tr:        tr,
		handle:    h,
		callbacks: make(map[types.EventCode][]Callback),
		logger:    log.With("component", "event_consumer"),
	}

	c.logger.Debug("Event consumer opened", "channel", channel)
	return c, nil
}

// Subscribe registers a callback for one event code. While exactly one
// code is subscribed the transport-level filter is narrowed to it;
// otherwise filtering happens at dispatch.
func (c *Consumer) Subscribe(code types.EventCode, cb Callback) error {
	if cb == nil {
		return types.NewError(types.ErrCodeInvalidArgument, "callback cannot be nil")
	}
	if code == types.EventCodeAll {
		return c.SubscribeAll(cb)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return types.NewError(types.ErrCodeUnavailable, "event consumer is closed")
	}

	c.callbacks[code] = append(c.callbacks[code], cb)

	filter := types.EventCodeAll
	if len(c.callbacks) == 1 && len(c.catchAll) == 0 {
		filter = code
	}
	return c.tr.Subscribe(c.handle, filter)
}

// SubscribeAll registers a callback invoked for every event
func (c *Consumer) SubscribeAll(cb Callback) error {
	if cb == nil {
		return types.NewError(types.ErrCodeInvalidArgument, "callback cannot be nil")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return types.NewError(types.ErrCodeUnavailable, "event consumer is closed")
	}

	c.catchAll = append(c.catchAll, cb)
	return c.tr.Subscribe(c.handle, types.EventCodeAll)
}

// Start runs the receive loop in its own goroutine
func (c *Consumer) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return types.NewError(types.ErrCodeUnavailable, "event consumer is closed")
	}
	if c.started {
		return types.NewError(types.ErrCodeFailedPrecondition, "event consumer already started")
	}
	c.started = true

	c.wg.Add(1)
	go c.run()
	return nil
}

// run receives events until the handle is closed
func (c *Consumer) run() {
	defer c.wg.Done()

	for {
		payload, err := c.tr.SubRecv(c.handle)
		if err != nil {
			if types.ResultOf(err) == types.ResultServiceDisabled {
				c.logger.Debug("Event consumer stopping")
				return
			}
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if closed {
				return
			}
			c.logger.Warn("Event receive failed", "error", err)
			return
		}

		var ev types.Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			c.logger.Warn("Dropping malformed event", "error", err)
			c.mu.Lock()
			c.dropped++
			c.mu.Unlock()
			continue
		}

		c.dispatch(ev)
	}
}

// dispatch invokes the callbacks registered for the event's code
func (c *Consumer) dispatch(ev types.Event) {
	c.mu.Lock()
	cbs := make([]Callback, 0, len(c.callbacks[ev.Code])+len(c.catchAll))
	cbs = append(cbs, c.callbacks[ev.Code]...)
	cbs = append(cbs, c.catchAll...)
	c.received++
	c.mu.Unlock()

	if len(cbs) == 0 {
		c.logger.Trace("No callbacks for event", "code", ev.Code, "event_id", ev.ID)
		return
	}

	for _, cb := range cbs {
		cb(ev)
	}

	c.logger.Trace("Event dispatched",
		"code", ev.Code,
		"event_id", ev.ID,
		"callbacks", len(cbs))
}

// Stats returns consumer statistics
func (c *Consumer) Stats() ConsumerStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	codes := make([]types.EventCode, 0, len(c.callbacks))
	for code := range c.callbacks {
		codes = append(codes, code)
	}

	return ConsumerStats{
		Received:        c.received,
		Dropped:         c.dropped,
		SubscribedCodes: codes,
		CatchAll:        len(c.catchAll),
	}
}

// Close releases the subscribe handle and joins the receive loop.
// Idempotent.
func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.tr.Close(c.handle)
	c.wg.Wait()

	c.logger.Debug("Event consumer closed")
	return err
}

// ConsumerStats represents consumer statistics
type ConsumerStats struct {
	Received        uint64            `json:"received"`
	Dropped         uint64            `json:"dropped"`
	SubscribedCodes []types.EventCode `json:"subscribed_codes"`
	CatchAll        int               `json:"catch_all"`
}

// String returns a string representation of the stats
func (s ConsumerStats) String() string {
	return fmt.Sprintf("ConsumerStats{Received: %d, Dropped: %d, Codes: %d, CatchAll: %d}",
		s.Received, s.Dropped, len(s.SubscribedCodes), s.CatchAll)
}
