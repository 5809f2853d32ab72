package events

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/baaaht/interbus/internal/config"
	"github.com/baaaht/interbus/internal/logger"
	"github.com/baaaht/interbus/pkg/transport"
	"github.com/baaaht/interbus/pkg/types"
)

func freePort(t *testing.T) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to reserve port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

// newBusTransport builds a mangos transport with private relay ports;
// the TCP relay makes event delivery deterministic enough to test
func newBusTransport(t *testing.T) (transport.Transport, *logger.Logger) {
	t.Helper()

	log, err := logger.NewDefault()
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	cfg := config.DefaultTransportConfig()
	cfg.Backend = config.BackendMangos
	cfg.Relay.IngressPort = freePort(t)
	cfg.Relay.EgressPort = freePort(t)

	tr, err := transport.New(cfg, log)
	if err != nil {
		t.Fatalf("Failed to create transport: %v", err)
	}
	t.Cleanup(func() { tr.Shutdown() })

	return tr, log
}

func TestProducerConsumer(t *testing.T) {
	tr, log := newBusTransport(t)

	c, err := NewConsumer(tr, "", log)
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	defer c.Close()

	var mu sync.Mutex
	var seen []types.Event
	if err := c.SubscribeAll(func(ev types.Event) {
		mu.Lock()
		seen = append(seen, ev)
		mu.Unlock()
	}); err != nil {
		t.Fatalf("SubscribeAll: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	p, err := NewProducer(tr, "", "test-source", log)
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	defer p.Close()

	// Let the SUB connection settle, then emit until delivery.
	time.Sleep(200 * time.Millisecond)
	deadline := time.Now().Add(3 * time.Second)
	for {
		if err := p.Emit(types.EventCode(5), map[string]int{"n": 1}); err != nil {
			t.Fatalf("Emit: %v", err)
		}

		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("event never reached consumer")
		}
		time.Sleep(100 * time.Millisecond)
	}

	mu.Lock()
	ev := seen[0]
	mu.Unlock()

	if ev.Code != 5 {
		t.Errorf("event code = %d, want 5", ev.Code)
	}
	if ev.Source != "test-source" {
		t.Errorf("event source = %q", ev.Source)
	}
	if ev.ID.IsEmpty() {
		t.Error("event should carry an ID")
	}
	if p.Sent() == 0 {
		t.Error("producer sent counter should advance")
	}
}

func TestConsumerDispatchByCode(t *testing.T) {
	tr, log := newBusTransport(t)

	c, err := NewConsumer(tr, "", log)
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	defer c.Close()

	matched := make(chan types.Event, 16)
	if err := c.Subscribe(types.EventCode(42), func(ev types.Event) {
		matched <- ev
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	p, err := NewProducer(tr, "", "selective", log)
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	defer p.Close()

	time.Sleep(200 * time.Millisecond)
	deadline := time.After(3 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case ev := <-matched:
			if ev.Code != 42 {
				t.Errorf("dispatched code = %d, want 42", ev.Code)
			}
			return
		case <-deadline:
			t.Fatal("matching event never dispatched")
		case <-tick.C:
			if err := p.Emit(types.EventCode(7), nil); err != nil {
				t.Fatalf("Emit(7): %v", err)
			}
			if err := p.Emit(types.EventCode(42), nil); err != nil {
				t.Fatalf("Emit(42): %v", err)
			}
		}
	}
}

func TestConsumerSubscribeValidation(t *testing.T) {
	tr, log := newBusTransport(t)

	c, err := NewConsumer(tr, "", log)
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	defer c.Close()

	if err := c.Subscribe(types.EventCode(1), nil); err == nil {
		t.Error("nil callback should be rejected")
	}
	if err := c.SubscribeAll(nil); err == nil {
		t.Error("nil catch-all callback should be rejected")
	}
}

func TestConsumerCloseJoinsLoop(t *testing.T) {
	tr, log := newBusTransport(t)

	c, err := NewConsumer(tr, "", log)
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	if err := c.SubscribeAll(func(types.Event) {}); err != nil {
		t.Fatalf("SubscribeAll: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan struct{})
	go func() {
		c.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not join the receive loop")
	}

	// Idempotent, and further use is refused.
	if err := c.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := c.Start(); err == nil {
		t.Error("Start after Close should fail")
	}
}

func TestProducerEmitAfterClose(t *testing.T) {
	tr, log := newBusTransport(t)

	p, err := NewProducer(tr, "", "closer", log)
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := p.Emit(types.EventCode(1), nil); err == nil {
		t.Error("Emit after Close should fail")
	}
}
