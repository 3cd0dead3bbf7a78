package channel

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"go2tv.app/castspeak/internal/castwire"
)

const DefaultHeartbeatInterval = 4 * time.Second

// HeartbeatOptions configures the keep-alive loop. DeadAfter of zero
// disables the missed-PONG watchdog.
type HeartbeatOptions struct {
	Interval  time.Duration
	DeadAfter time.Duration
	OnPong    func()
	OnDead    func()
}

// Heartbeat pings the device and reports PONGs.
type Heartbeat struct {
	base
	hopts    HeartbeatOptions
	lastPong atomic.Int64
	now      func() time.Time
}

func NewHeartbeat(sender Sender, opts Options, hopts HeartbeatOptions) *Heartbeat {
	if hopts.Interval <= 0 {
		hopts.Interval = DefaultHeartbeatInterval
	}
	return &Heartbeat{
		base:  newBase(castwire.NamespaceHeartbeat, sender, opts),
		hopts: hopts,
		now:   time.Now,
	}
}

// Run sends PING immediately and then every interval until ctx ends or the
// watchdog fires.
func (h *Heartbeat) Run(ctx context.Context) {
	h.lastPong.Store(h.now().UnixNano())
	ticker := time.NewTicker(h.hopts.Interval)
	defer ticker.Stop()

	h.ping(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if h.expired() {
				h.opts.Logger.Warn("heartbeat_expired",
					slog.String("device", h.opts.DeviceName),
					slog.Duration("dead_after", h.hopts.DeadAfter),
				)
				if h.hopts.OnDead != nil {
					h.hopts.OnDead()
				}
				return
			}
			h.ping(ctx)
		}
	}
}

func (h *Heartbeat) expired() bool {
	if h.hopts.DeadAfter <= 0 {
		return false
	}
	last := time.Unix(0, h.lastPong.Load())
	return h.now().Sub(last) > h.hopts.DeadAfter
}

func (h *Heartbeat) ping(ctx context.Context) {
	if err := h.send(ctx, castwire.DefaultDestinationID, simpleRequest{Type: TypePing}); err != nil && ctx.Err() == nil {
		h.opts.Logger.Debug("heartbeat_ping_failed",
			slog.String("device", h.opts.DeviceName),
			slog.String("error", err.Error()),
		)
	}
}

func (h *Heartbeat) Handle(msg *castwire.CastMessage) {
	hdr, _, ok := h.header(msg)
	if !ok {
		return
	}
	switch hdr.Type {
	case TypePong:
		h.lastPong.Store(h.now().UnixNano())
		if h.hopts.OnPong != nil {
			h.hopts.OnPong()
		}
	case TypePing:
		destination := msg.GetSourceId()
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), h.hopts.Interval)
			defer cancel()
			_ = h.send(ctx, destination, simpleRequest{Type: TypePong})
		}()
	}
}

func (h *Heartbeat) Abort() {}
