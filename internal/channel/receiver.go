package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go2tv.app/castspeak/internal/castwire"
	"go2tv.app/castspeak/internal/domain"
)

// Receiver controls the device itself: applications and volume.
type Receiver struct {
	tracked
	onStatus func(*ReceiverStatus)
}

// NewReceiver returns a receiver channel. onStatus observes every status
// snapshot, replies and broadcasts alike.
func NewReceiver(sender Sender, opts Options, onStatus func(*ReceiverStatus)) *Receiver {
	return &Receiver{
		tracked:  tracked{base: newBase(castwire.NamespaceReceiver, sender, opts)},
		onStatus: onStatus,
	}
}

func (r *Receiver) GetStatus(ctx context.Context) (*ReceiverStatus, error) {
	return r.call(ctx, TypeGetStatus, func(id int) any {
		return statusRequest{Type: TypeGetStatus, RequestID: id}
	})
}

func (r *Receiver) Launch(ctx context.Context, appID string) (*ReceiverStatus, error) {
	return r.call(ctx, TypeLaunch, func(id int) any {
		return launchRequest{Type: TypeLaunch, RequestID: id, AppID: appID}
	})
}

func (r *Receiver) Stop(ctx context.Context, sessionID string) (*ReceiverStatus, error) {
	return r.call(ctx, TypeStop, func(id int) any {
		return stopRequest{Type: TypeStop, RequestID: id, SessionID: sessionID}
	})
}

// SetVolume rejects levels outside [0, 1] without contacting the device.
func (r *Receiver) SetVolume(ctx context.Context, volume Volume) (*ReceiverStatus, error) {
	if volume.Level != nil && (*volume.Level < 0 || *volume.Level > 1) {
		return nil, fmt.Errorf("channel: volume level %.3f outside [0, 1]", *volume.Level)
	}
	if volume.Level == nil && volume.Muted == nil {
		return nil, fmt.Errorf("channel: volume request sets neither level nor muted")
	}
	return r.call(ctx, TypeSetVolume, func(id int) any {
		return volumeRequest{Type: TypeSetVolume, RequestID: id, Volume: volume}
	})
}

func (r *Receiver) call(ctx context.Context, op string, build func(id int) any) (*ReceiverStatus, error) {
	reply, err := r.request(ctx, castwire.DefaultDestinationID, build)
	if err != nil {
		return nil, err
	}

	var decoded receiverReply
	if err := json.Unmarshal(reply.Payload, &decoded); err != nil {
		return nil, fmt.Errorf("channel: decode %s reply: %w", reply.Type, err)
	}
	switch decoded.Type {
	case TypeLaunchError, TypeInvalidRequest:
		failure := decoded.Type
		if decoded.Reason != "" {
			failure += " " + decoded.Reason
		}
		return nil, &domain.DeviceError{DeviceName: r.opts.DeviceName, Op: op, FailureType: failure}
	}
	return decoded.Status, nil
}

func (r *Receiver) Handle(msg *castwire.CastMessage) {
	h, payload, ok := r.header(msg)
	if !ok {
		return
	}
	if h.Type == TypeReceiverStatus && r.onStatus != nil {
		var decoded receiverReply
		if err := json.Unmarshal(payload, &decoded); err != nil {
			r.opts.Logger.Debug("payload_dropped",
				slog.String("namespace", r.namespace),
				slog.String("error", err.Error()),
			)
		} else if decoded.Status != nil {
			r.onStatus(decoded.Status)
		}
	}
	r.resolve(h, payload)
}
