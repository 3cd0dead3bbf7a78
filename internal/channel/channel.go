package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go2tv.app/castspeak/internal/castwire"
)

// Sender writes one envelope to the device.
type Sender interface {
	Write(ctx context.Context, msg *castwire.CastMessage) error
}

// Channel handles the envelopes of one namespace. Handle is called from the
// session receive loop and never blocks on the session.
type Channel interface {
	Namespace() string
	Handle(msg *castwire.CastMessage)
	Abort()
}

// Options are shared by every channel of a connection.
type Options struct {
	SourceID   string
	DeviceName string
	Logger     *slog.Logger
}

func (o Options) normalized() Options {
	if o.SourceID == "" {
		o.SourceID = castwire.DefaultSourceID
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	return o
}

type base struct {
	namespace string
	sender    Sender
	opts      Options
}

func newBase(namespace string, sender Sender, opts Options) base {
	return base{namespace: namespace, sender: sender, opts: opts.normalized()}
}

func (b *base) Namespace() string {
	return b.namespace
}

func (b *base) send(ctx context.Context, destination string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("channel: marshal %s payload: %w", b.namespace, err)
	}
	return b.sender.Write(ctx, castwire.NewTextMessage(b.opts.SourceID, destination, b.namespace, string(raw)))
}

func (b *base) header(msg *castwire.CastMessage) (header, []byte, bool) {
	payload := msg.Payload()
	h, err := peekHeader(payload)
	if err != nil {
		b.opts.Logger.Debug("payload_dropped",
			slog.String("namespace", b.namespace),
			slog.String("error", err.Error()),
		)
		return header{}, nil, false
	}
	return h, payload, true
}

// tracked is a channel whose requests await correlated replies.
type tracked struct {
	base
	tracker Tracker
}

func (t *tracked) request(ctx context.Context, destination string, build func(id int) any) (Reply, error) {
	return t.tracker.Do(ctx, func(id int) error {
		return t.send(ctx, destination, build(id))
	})
}

// resolve routes a correlated reply. It reports whether h was a reply.
func (t *tracked) resolve(h header, payload []byte) bool {
	if h.RequestID == 0 {
		return false
	}
	if !t.tracker.Resolve(h.RequestID, Reply{Type: h.Type, Payload: payload}) {
		t.opts.Logger.Debug("reply_unmatched",
			slog.String("namespace", t.namespace),
			slog.String("type", h.Type),
			slog.Int("request_id", h.RequestID),
		)
	}
	return true
}

func (t *tracked) Abort() {
	if n := t.tracker.Abort(); n > 0 {
		t.opts.Logger.Debug("pending_requests_aborted",
			slog.String("namespace", t.namespace),
			slog.Int("count", n),
		)
	}
}

// Pending returns the number of outstanding tracked requests.
func (t *tracked) Pending() int {
	return t.tracker.Pending()
}
