package channel

import (
	"context"
	"sync"
	"sync/atomic"

	"go2tv.app/castspeak/internal/domain"
)

var requestCounter atomic.Int64

// NextRequestID returns a process-wide request id. Zero is reserved for
// unsolicited device broadcasts and is never returned.
func NextRequestID() int {
	for {
		id := int(requestCounter.Add(1) & 0x7fffffff)
		if id != 0 {
			return id
		}
	}
}

// Reply is a correlated response payload.
type Reply struct {
	Type    string
	Payload []byte
}

type outcome struct {
	reply Reply
	err   error
}

// Tracker correlates numbered requests with their replies. Every request
// resolves exactly once: by reply, by Abort, or by its caller's context.
type Tracker struct {
	mu      sync.Mutex
	pending map[int]chan outcome
	aborted bool
}

// Do registers a new request id, calls send with it and waits for the
// first resolution. The entry never outlives the call.
func (t *Tracker) Do(ctx context.Context, send func(id int) error) (Reply, error) {
	id := NextRequestID()
	done := make(chan outcome, 1)

	t.mu.Lock()
	if t.aborted {
		t.mu.Unlock()
		return Reply{}, domain.ErrDeviceDisconnected
	}
	if t.pending == nil {
		t.pending = map[int]chan outcome{}
	}
	t.pending[id] = done
	t.mu.Unlock()

	if err := send(id); err != nil {
		if t.remove(id) {
			return Reply{}, err
		}
		out := <-done
		return out.reply, out.err
	}

	select {
	case out := <-done:
		return out.reply, out.err
	case <-ctx.Done():
		if t.remove(id) {
			return Reply{}, ctx.Err()
		}
		out := <-done
		return out.reply, out.err
	}
}

// Resolve completes the request with the given id. It reports false and
// does nothing when no such request is pending.
func (t *Tracker) Resolve(id int, reply Reply) bool {
	t.mu.Lock()
	done, ok := t.pending[id]
	delete(t.pending, id)
	t.mu.Unlock()
	if !ok {
		return false
	}
	done <- outcome{reply: reply}
	return true
}

// Abort fails every pending request with domain.ErrDeviceDisconnected and
// rejects new ones. It returns the number of failed requests; repeated calls
// return 0.
func (t *Tracker) Abort() int {
	t.mu.Lock()
	if t.aborted {
		t.mu.Unlock()
		return 0
	}
	t.aborted = true
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()

	for _, done := range pending {
		done <- outcome{err: domain.ErrDeviceDisconnected}
	}
	return len(pending)
}

// Pending returns the number of requests awaiting a reply.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *Tracker) remove(id int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[id]; !ok {
		return false
	}
	delete(t.pending, id)
	return true
}
