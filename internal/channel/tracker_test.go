package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go2tv.app/castspeak/internal/domain"
)

func TestNextRequestIDIsNonZeroAndIncreasing(t *testing.T) {
	prev := NextRequestID()
	for i := 0; i < 1000; i++ {
		id := NextRequestID()
		if id == 0 {
			t.Fatal("request id 0 is reserved")
		}
		if id <= prev {
			t.Fatalf("expected increasing ids, got %d after %d", id, prev)
		}
		prev = id
	}
}

type pendingCall struct {
	id    int
	reply Reply
	err   error
	done  chan struct{}
}

func startCalls(t *testing.T, tracker *Tracker, ctx context.Context, n int) []*pendingCall {
	t.Helper()
	calls := make([]*pendingCall, n)
	for i := range calls {
		call := &pendingCall{done: make(chan struct{})}
		calls[i] = call
		registered := make(chan int, 1)
		go func() {
			defer close(call.done)
			call.reply, call.err = tracker.Do(ctx, func(id int) error {
				registered <- id
				return nil
			})
		}()
		select {
		case call.id = <-registered:
		case <-time.After(time.Second):
			t.Fatal("request was never sent")
		}
	}
	return calls
}

func isDone(call *pendingCall) bool {
	select {
	case <-call.done:
		return true
	default:
		return false
	}
}

func TestTrackerReplyResolvesExactlyOneRequest(t *testing.T) {
	var tracker Tracker
	calls := startCalls(t, &tracker, context.Background(), 3)

	if !tracker.Resolve(calls[1].id, Reply{Type: TypeReceiverStatus, Payload: []byte(`{}`)}) {
		t.Fatal("expected pending request to be resolved")
	}
	<-calls[1].done
	if calls[1].err != nil || calls[1].reply.Type != TypeReceiverStatus {
		t.Fatalf("unexpected resolution: %+v err=%v", calls[1].reply, calls[1].err)
	}

	time.Sleep(20 * time.Millisecond)
	if isDone(calls[0]) || isDone(calls[2]) {
		t.Fatal("a reply must not resolve unrelated requests")
	}
	if tracker.Resolve(calls[1].id, Reply{}) {
		t.Fatal("second reply with the same id must be a no-op")
	}
	if tracker.Resolve(calls[2].id+1000, Reply{}) {
		t.Fatal("reply for an unknown id must be a no-op")
	}
	if got := tracker.Pending(); got != 2 {
		t.Fatalf("expected 2 pending requests, got %d", got)
	}
	tracker.Abort()
}

func TestTrackerAbortFailsAllPendingAndIsIdempotent(t *testing.T) {
	var tracker Tracker
	const k = 5
	calls := startCalls(t, &tracker, context.Background(), k)

	if n := tracker.Abort(); n != k {
		t.Fatalf("expected abort to fail %d requests, got %d", k, n)
	}
	for _, call := range calls {
		select {
		case <-call.done:
		case <-time.After(time.Second):
			t.Fatal("pending request left hanging after abort")
		}
		if !errors.Is(call.err, domain.ErrDeviceDisconnected) {
			t.Fatalf("expected ErrDeviceDisconnected, got %v", call.err)
		}
	}
	if got := tracker.Pending(); got != 0 {
		t.Fatalf("expected empty table after abort, got %d", got)
	}
	if n := tracker.Abort(); n != 0 {
		t.Fatalf("expected second abort to be a no-op, got %d", n)
	}

	sent := false
	_, err := tracker.Do(context.Background(), func(int) error {
		sent = true
		return nil
	})
	if !errors.Is(err, domain.ErrDeviceDisconnected) || sent {
		t.Fatalf("expected request after abort to fail without sending, err=%v sent=%v", err, sent)
	}
}

func TestTrackerContextCancellationRemovesEntry(t *testing.T) {
	var tracker Tracker
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var sentID int
	_, err := tracker.Do(ctx, func(id int) error {
		sentID = id
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if tracker.Pending() != 0 {
		t.Fatal("expected timed out request to be removed")
	}
	if tracker.Resolve(sentID, Reply{}) {
		t.Fatal("late reply must not resolve a timed out request")
	}
}

func TestTrackerSendErrorRemovesEntry(t *testing.T) {
	var tracker Tracker
	sendErr := errors.New("write failed")

	_, err := tracker.Do(context.Background(), func(int) error { return sendErr })
	if !errors.Is(err, sendErr) {
		t.Fatalf("expected send error, got %v", err)
	}
	if tracker.Pending() != 0 {
		t.Fatal("expected failed send to leave no pending entry")
	}
}

func TestTrackerConcurrentResolveAndAbortResolveOnce(t *testing.T) {
	for i := 0; i < 50; i++ {
		var tracker Tracker
		calls := startCalls(t, &tracker, context.Background(), 1)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			tracker.Resolve(calls[0].id, Reply{Type: TypeMediaStatus})
		}()
		go func() {
			defer wg.Done()
			tracker.Abort()
		}()
		wg.Wait()

		<-calls[0].done
		if calls[0].err == nil && calls[0].reply.Type != TypeMediaStatus {
			t.Fatalf("unexpected resolution %+v", calls[0].reply)
		}
		if calls[0].err != nil && !errors.Is(calls[0].err, domain.ErrDeviceDisconnected) {
			t.Fatalf("unexpected error %v", calls[0].err)
		}
	}
}
