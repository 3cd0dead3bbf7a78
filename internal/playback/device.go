package playback

import (
	"context"
	"log/slog"

	"go2tv.app/castspeak/internal/channel"
	"go2tv.app/castspeak/internal/domain"
)

// Status connects to device, reads its receiver status and disconnects.
func (o *Orchestrator) Status(ctx context.Context, device domain.Device) (*channel.ReceiverStatus, error) {
	r := o.newRun(Request{Device: device})
	if err := r.connect(ctx); err != nil {
		r.release(ctx, err)
		return nil, err
	}
	status, err := r.client.Receiver.GetStatus(ctx)
	r.release(ctx, err)
	if err != nil {
		return nil, err
	}
	return status, nil
}

// StopApp stops the media receiver on device when it is running. It reports
// whether anything was stopped.
func (o *Orchestrator) StopApp(ctx context.Context, device domain.Device) (bool, error) {
	r := o.newRun(Request{Device: device})
	if err := r.connect(ctx); err != nil {
		r.release(ctx, err)
		return false, err
	}

	status, err := r.client.Receiver.GetStatus(ctx)
	if err != nil {
		r.release(ctx, err)
		return false, err
	}
	app := status.Application(o.opts.AppID)
	if app == nil {
		r.release(ctx, nil)
		return false, nil
	}
	_, err = r.client.Receiver.Stop(ctx, app.SessionID)
	r.release(ctx, err)
	if err != nil {
		return false, err
	}
	r.logger.Info("app_stopped", slog.String("session_id", app.SessionID))
	return true, nil
}
