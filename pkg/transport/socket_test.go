package transport

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/baaaht/interbus/internal/config"
	"github.com/baaaht/interbus/internal/logger"
	"github.com/baaaht/interbus/pkg/types"
)

// freePort reserves an ephemeral TCP port and releases it for the test
// to bind
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

// newSocketTransport creates a socket transport for tests and tears it
// down on cleanup
func newSocketTransport(t *testing.T) *SocketTransport {
	t.Helper()

	log, err := logger.NewDefault()
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	tr, err := NewSocketTransport(config.DefaultTransportConfig(), log)
	if err != nil {
		t.Fatalf("Failed to create transport: %v", err)
	}

	t.Cleanup(func() { tr.Shutdown() })
	return tr
}

func TestSocketRequestResponse(t *testing.T) {
	tr := newSocketTransport(t)
	port := freePort(t)

	ln, err := tr.Establish("127.0.0.1", port)
	if err != nil {
		t.Fatalf("Establish: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()

		req, err := tr.RecvRequest(ln, 5*time.Second)
		if err != nil {
			t.Errorf("RecvRequest: %v", err)
			return
		}
		defer req.Close()

		if req.Envelope.Code != types.MsgCodeUserBase {
			t.Errorf("request code = %d, want %d", req.Envelope.Code, types.MsgCodeUserBase)
		}

		resp := types.NewEnvelope(types.MsgCodeSuccess, req.Envelope.Payload)
		if err := req.Respond(resp, 2*time.Second); err != nil {
			t.Errorf("Respond: %v", err)
		}
	}()

	h, err := tr.Connect("127.0.0.1", port)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tr.Close(h)

	if err := tr.Send(h, types.NewEnvelope(types.MsgCodeUserBase, []byte("echo me")), 2*time.Second); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var resp types.Envelope
	if err := tr.Recv(h, &resp, 5*time.Second); err != nil {
		t.Fatalf("Recv: %v", err)
	}

	if resp.Code != types.MsgCodeSuccess {
		t.Errorf("response code = %d, want success", resp.Code)
	}
	if string(resp.Payload) != "echo me" {
		t.Errorf("response payload = %q", resp.Payload)
	}

	wg.Wait()
}

func TestSocketConnectRefused(t *testing.T) {
	tr := newSocketTransport(t)

	// Nothing listens on this port.
	port := freePort(t)

	_, err := tr.Connect("127.0.0.1", port)
	if err == nil {
		t.Fatal("expected connect error")
	}
	if got := types.ResultOf(err); got != types.ResultConnectError {
		t.Errorf("result = %s, want CONNECT_ERROR", got)
	}
}

func TestSocketRecvRequestTimeout(t *testing.T) {
	tr := newSocketTransport(t)

	ln, err := tr.Establish("127.0.0.1", freePort(t))
	if err != nil {
		t.Fatalf("Establish: %v", err)
	}
	defer tr.Close(ln)

	start := time.Now()
	_, err = tr.RecvRequest(ln, 300*time.Millisecond)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected timeout")
	}
	if got := types.ResultOf(err); got != types.ResultTimeout {
		t.Errorf("result = %s, want TIMEOUT", got)
	}
	if elapsed < 250*time.Millisecond || elapsed > 2*time.Second {
		t.Errorf("timeout fired after %s, want ~300ms", elapsed)
	}
}

func TestSocketCloseWakesBlockedAccept(t *testing.T) {
	tr := newSocketTransport(t)

	ln, err := tr.Establish("127.0.0.1", freePort(t))
	if err != nil {
		t.Fatalf("Establish: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		// Block with no deadline; only the close should wake this.
		_, err := tr.RecvRequest(ln, 0)
		errCh <- err
	}()

	time.Sleep(150 * time.Millisecond)
	if err := tr.Close(ln); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-errCh:
		if got := types.ResultOf(err); got != types.ResultServiceDisabled {
			t.Errorf("result = %s, want SERVICE_DISABLED", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked accept was not woken by close")
	}
}

func TestSocketShutdownWakesBlockedAccept(t *testing.T) {
	tr := newSocketTransport(t)

	ln, err := tr.Establish("127.0.0.1", freePort(t))
	if err != nil {
		t.Fatalf("Establish: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := tr.RecvRequest(ln, 0)
		errCh <- err
	}()

	time.Sleep(150 * time.Millisecond)
	if err := tr.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	select {
	case err := <-errCh:
		if got := types.ResultOf(err); got != types.ResultServiceDisabled {
			t.Errorf("result = %s, want SERVICE_DISABLED", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked accept was not woken by shutdown")
	}

	if stats := tr.Stats(); stats.TrackedHandles != 0 || !stats.ShutdownBegun {
		t.Errorf("post-shutdown stats = %+v", stats)
	}
}

func TestSocketShutdownWakesStalledRequestRead(t *testing.T) {
	tr := newSocketTransport(t)
	port := freePort(t)

	ln, err := tr.Establish("127.0.0.1", port)
	if err != nil {
		t.Fatalf("Establish: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := tr.RecvRequest(ln, 0)
		errCh <- err
	}()

	// A peer that connects and writes only part of the envelope header,
	// then stalls, leaves the accept path blocked mid-read.
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", fmt.Sprintf("%d", port)), 2*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte{0x00, 0x00, 0x00}); err != nil {
		t.Fatalf("partial write: %v", err)
	}

	time.Sleep(300 * time.Millisecond)
	if err := tr.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	select {
	case err := <-errCh:
		if got := types.ResultOf(err); got != types.ResultServiceDisabled {
			t.Errorf("result = %s, want SERVICE_DISABLED", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stalled request read was not woken by shutdown")
	}
}

func TestSocketCloseWakesStalledRequestRead(t *testing.T) {
	tr := newSocketTransport(t)
	port := freePort(t)

	ln, err := tr.Establish("127.0.0.1", port)
	if err != nil {
		t.Fatalf("Establish: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := tr.RecvRequest(ln, 0)
		errCh <- err
	}()

	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", fmt.Sprintf("%d", port)), 2*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte{0x00, 0x00, 0x00}); err != nil {
		t.Fatalf("partial write: %v", err)
	}

	time.Sleep(300 * time.Millisecond)
	if err := tr.Close(ln); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-errCh:
		if got := types.ResultOf(err); got != types.ResultServiceDisabled {
			t.Errorf("result = %s, want SERVICE_DISABLED", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stalled request read was not woken by listener close")
	}
}

func TestSocketCloseIdempotent(t *testing.T) {
	tr := newSocketTransport(t)

	ln, err := tr.Establish("127.0.0.1", freePort(t))
	if err != nil {
		t.Fatalf("Establish: %v", err)
	}

	if err := tr.Close(ln); err != nil {
		t.Errorf("first Close: %v", err)
	}
	if err := tr.Close(ln); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := tr.Close(nil); err != nil {
		t.Errorf("Close(nil): %v", err)
	}
}

func TestSocketShutdownIdempotent(t *testing.T) {
	tr := newSocketTransport(t)

	if err := tr.Shutdown(); err != nil {
		t.Errorf("first Shutdown: %v", err)
	}
	if err := tr.Shutdown(); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}

	// A shut-down transport refuses new handles.
	if _, err := tr.Connect("127.0.0.1", freePort(t)); err == nil {
		t.Error("Connect after shutdown should fail")
	}
}

func TestSocketEstablishPortInUse(t *testing.T) {
	tr := newSocketTransport(t)
	port := freePort(t)

	first, err := tr.Establish("127.0.0.1", port)
	if err != nil {
		t.Fatalf("Establish: %v", err)
	}
	defer tr.Close(first)

	_, err = tr.Establish("127.0.0.1", port)
	if err == nil {
		t.Fatal("second listener on same port should fail")
	}
	if got := types.ResultOf(err); got != types.ResultConnectError {
		t.Errorf("result = %s, want CONNECT_ERROR", got)
	}
}

func TestSocketChannelAddr(t *testing.T) {
	tr := newSocketTransport(t)

	t.Run("default channel", func(t *testing.T) {
		addr, err := tr.channelAddr("")
		if err != nil {
			t.Fatalf("channelAddr: %v", err)
		}
		if addr.String() != "239.255.76.67:17601" {
			t.Errorf("default channel = %s", addr)
		}
	})

	t.Run("explicit multicast group", func(t *testing.T) {
		addr, err := tr.channelAddr("239.1.2.3:9999")
		if err != nil {
			t.Fatalf("channelAddr: %v", err)
		}
		if !addr.IP.IsMulticast() {
			t.Error("expected multicast address")
		}
	})

	t.Run("unicast address rejected", func(t *testing.T) {
		if _, err := tr.channelAddr("127.0.0.1:9999"); err == nil {
			t.Error("unicast channel should be rejected")
		}
	})
}

func TestSocketPubSub(t *testing.T) {
	tr := newSocketTransport(t)

	sub, err := tr.SubRegister("")
	if err != nil {
		t.Skipf("multicast unavailable in this environment: %v", err)
	}
	defer tr.Close(sub)

	pub, err := tr.PubRegister("")
	if err != nil {
		t.Skipf("multicast unavailable in this environment: %v", err)
	}
	defer tr.Close(pub)

	type got struct {
		payload []byte
		err     error
	}
	gotCh := make(chan got, 1)
	go func() {
		p, err := tr.SubRecv(sub)
		gotCh <- got{p, err}
	}()

	// Give the subscriber a moment to be ready, then publish a few
	// times since delivery is best-effort.
	time.Sleep(200 * time.Millisecond)
	payload := []byte(`{"id":"x","code":7,"source":"test"}`)
	deadline := time.After(3 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case g := <-gotCh:
			if g.err != nil {
				t.Fatalf("SubRecv: %v", g.err)
			}
			if string(g.payload) != string(payload) {
				t.Errorf("payload = %s", g.payload)
			}
			return
		case <-deadline:
			t.Fatal("event never arrived")
		case <-tick.C:
			if err := tr.Publish(pub, types.EventCode(7), payload); err != nil {
				t.Fatalf("Publish: %v", err)
			}
		}
	}
}

func TestSocketSubscribeFilter(t *testing.T) {
	tr := newSocketTransport(t)

	sub, err := tr.SubRegister("")
	if err != nil {
		t.Skipf("multicast unavailable in this environment: %v", err)
	}
	defer tr.Close(sub)

	pub, err := tr.PubRegister("")
	if err != nil {
		t.Skipf("multicast unavailable in this environment: %v", err)
	}
	defer tr.Close(pub)

	if err := tr.Subscribe(sub, types.EventCode(42)); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	type got struct {
		payload []byte
		err     error
	}
	gotCh := make(chan got, 1)
	go func() {
		p, err := tr.SubRecv(sub)
		gotCh <- got{p, err}
	}()

	time.Sleep(200 * time.Millisecond)
	unwanted := []byte(`{"code":7,"source":"test"}`)
	wanted := []byte(`{"code":42,"source":"test"}`)
	deadline := time.After(3 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case g := <-gotCh:
			if g.err != nil {
				t.Fatalf("SubRecv: %v", g.err)
			}
			// The non-matching event must have been filtered out.
			if string(g.payload) != string(wanted) {
				t.Errorf("payload = %s, want filtered delivery of code 42", g.payload)
			}
			return
		case <-deadline:
			t.Fatal("filtered event never arrived")
		case <-tick.C:
			if err := tr.Publish(pub, types.EventCode(7), unwanted); err != nil {
				t.Fatalf("Publish: %v", err)
			}
			if err := tr.Publish(pub, types.EventCode(42), wanted); err != nil {
				t.Fatalf("Publish: %v", err)
			}
		}
	}
}

func TestRequestRespondOnce(t *testing.T) {
	tr := newSocketTransport(t)
	port := freePort(t)

	ln, err := tr.Establish("127.0.0.1", port)
	if err != nil {
		t.Fatalf("Establish: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)

		req, err := tr.RecvRequest(ln, 5*time.Second)
		if err != nil {
			t.Errorf("RecvRequest: %v", err)
			return
		}
		defer req.Close()

		resp := types.NewEnvelope(types.MsgCodeSuccess, nil)
		if err := req.Respond(resp, time.Second); err != nil {
			t.Errorf("first Respond: %v", err)
		}
		if err := req.Respond(resp, time.Second); err == nil {
			t.Error("second Respond should fail")
		}
	}()

	h, err := tr.Connect("127.0.0.1", port)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tr.Close(h)

	if err := tr.Send(h, types.NewEnvelope(types.MsgCodePing, nil), time.Second); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var resp types.Envelope
	if err := tr.Recv(h, &resp, 5*time.Second); err != nil {
		t.Fatalf("Recv: %v", err)
	}

	<-done
}
