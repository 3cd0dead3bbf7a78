package session

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"go2tv.app/castspeak/internal/castwire"
	"go2tv.app/castspeak/internal/testutil/castdevice"
	"go2tv.app/castspeak/internal/transport"
)

type recordingHandler struct {
	mu        sync.Mutex
	messages  []*castwire.CastMessage
	transport []error
}

func (h *recordingHandler) HandleMessage(msg *castwire.CastMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msg)
}

func (h *recordingHandler) HandleTransportError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.transport = append(h.transport, err)
}

func (h *recordingHandler) payloads() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.messages))
	for _, m := range h.messages {
		out = append(out, m.GetPayloadUtf8())
	}
	return out
}

func (h *recordingHandler) transportErrors() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.transport)
}

func ping() *castwire.CastMessage {
	return castwire.NewTextMessage(castwire.DefaultSourceID, castwire.DefaultDestinationID, castwire.NamespaceHeartbeat, `{"type":"PING"}`)
}

func connectSession(t *testing.T, device *castdevice.Device, handler Handler) *Session {
	t.Helper()
	s := New(device.Host(), DefaultConfig(), handler, nil)
	if err := s.Connect(context.Background(), nil); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = s.Disconnect() })
	return s
}

func TestSessionWriteAndReceive(t *testing.T) {
	device := castdevice.Start(t, castdevice.Options{})
	handler := &recordingHandler{}
	s := connectSession(t, device, handler)

	if err := s.Write(context.Background(), ping()); err != nil {
		t.Fatalf("write: %v", err)
	}

	waitForCondition(t, time.Second, func() bool {
		return len(handler.payloads()) == 1
	})
	if got := handler.payloads()[0]; got != `{"type":"PONG"}` {
		t.Fatalf("unexpected reply %q", got)
	}
}

func TestSessionConnectStartedHookRunsWithLiveContext(t *testing.T) {
	device := castdevice.Start(t, castdevice.Options{})
	s := New(device.Host(), DefaultConfig(), &recordingHandler{}, nil)

	var runCtx context.Context
	if err := s.Connect(context.Background(), func(ctx context.Context) {
		runCtx = ctx
		if err := s.Write(ctx, ping()); err != nil {
			t.Errorf("write from started hook: %v", err)
		}
	}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if runCtx == nil || runCtx.Err() != nil {
		t.Fatal("expected live run context while connected")
	}

	if err := s.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if runCtx.Err() == nil {
		t.Fatal("expected run context to be cancelled by disconnect")
	}
}

func TestSessionConnectTwiceFailsFast(t *testing.T) {
	device := castdevice.Start(t, castdevice.Options{})
	s := connectSession(t, device, &recordingHandler{})

	if err := s.Connect(context.Background(), nil); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}
}

func TestSessionIsNotReusedAfterDisconnect(t *testing.T) {
	device := castdevice.Start(t, castdevice.Options{})
	s := connectSession(t, device, &recordingHandler{})

	if err := s.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if err := s.Disconnect(); err != nil {
		t.Fatalf("second disconnect should be a no-op, got %v", err)
	}
	if s.IsConnected() {
		t.Fatal("expected session to report disconnected")
	}
	if err := s.Write(context.Background(), ping()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := s.Connect(context.Background(), nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestSessionDropsEmptyNamespaceFrame(t *testing.T) {
	device := castdevice.Start(t, castdevice.Options{})
	handler := &recordingHandler{}
	s := connectSession(t, device, handler)
	peer := device.WaitPeer(time.Second)

	if err := peer.Send(castwire.NewTextMessage("receiver-0", "sender-0", "", `{"type":"BOGUS"}`)); err != nil {
		t.Fatalf("send malformed frame: %v", err)
	}
	if err := s.Write(context.Background(), ping()); err != nil {
		t.Fatalf("write after malformed frame: %v", err)
	}

	waitForCondition(t, time.Second, func() bool {
		return len(handler.payloads()) == 1
	})
	if got := handler.payloads()[0]; got != `{"type":"PONG"}` {
		t.Fatalf("expected only the PONG to be delivered, got %q", got)
	}
	if handler.transportErrors() != 0 {
		t.Fatal("expected malformed frame not to break the session")
	}
	if !s.IsConnected() {
		t.Fatal("expected session to remain connected")
	}
}

func TestSessionRemoteDropReportsTransportError(t *testing.T) {
	device := castdevice.Start(t, castdevice.Options{})
	handler := &recordingHandler{}
	s := connectSession(t, device, handler)

	device.WaitPeer(time.Second).DropConnection()

	waitForCondition(t, time.Second, func() bool {
		return handler.transportErrors() == 1
	})
	if err := s.Disconnect(); err == nil {
		t.Fatal("expected disconnect to surface the read failure")
	}
}

func TestSessionConcurrentWritesDoNotInterleave(t *testing.T) {
	device := castdevice.Start(t, castdevice.Options{SilentHeartbeat: true})
	s := connectSession(t, device, &recordingHandler{})

	const writers, perWriter = 5, 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				if err := s.Write(context.Background(), ping()); err != nil {
					t.Errorf("write: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	waitForCondition(t, 2*time.Second, func() bool {
		return device.Count(castwire.NamespaceHeartbeat, "PING") == writers*perWriter
	})
}

func TestSessionWriteHonoursCancelledContext(t *testing.T) {
	device := castdevice.Start(t, castdevice.Options{})
	s := connectSession(t, device, &recordingHandler{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Write(ctx, ping()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if !s.IsConnected() {
		t.Fatal("a write that never started must not break the session")
	}
}

func TestSessionConnectPropagatesDialError(t *testing.T) {
	s := New("device", DefaultConfig(), &recordingHandler{}, nil)
	dialErr := errors.New("no route to host")
	s.dial = func(context.Context, string, transport.Options) (net.Conn, error) {
		return nil, dialErr
	}

	if err := s.Connect(context.Background(), nil); !errors.Is(err, dialErr) {
		t.Fatalf("expected dial error, got %v", err)
	}
	if s.IsConnected() {
		t.Fatal("expected failed connect to leave session disconnected")
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
