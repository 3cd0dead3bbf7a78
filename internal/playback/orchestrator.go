// Package playback drives one cast of one media URL to one device, from the
// first connect to the final disconnect.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"go2tv.app/castspeak/internal/castclient"
	"go2tv.app/castspeak/internal/channel"
	"go2tv.app/castspeak/internal/domain"
)

const (
	defaultConnectTimeout = 10 * time.Second
	cleanupTimeout        = 5 * time.Second
	volumeEpsilon         = 0.005
)

// ErrNoDefaultApp is returned when the device reports success for LAUNCH but
// the media receiver never shows up in its status.
var ErrNoDefaultApp = errors.New("no default app found despite launching it")

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAppLaunching
	StateVolumeAdjusting
	StateMediaLoading
	StatePlaying
	StateFinished
	StateFailed
	StateVolumeRestoring
	StateDisconnecting
	StateTerminal
)

var stateNames = map[State]string{
	StateIdle:            "idle",
	StateConnecting:      "connecting",
	StateAppLaunching:    "app_launching",
	StateVolumeAdjusting: "volume_adjusting",
	StateMediaLoading:    "media_loading",
	StatePlaying:         "playing",
	StateFinished:        "finished",
	StateFailed:          "failed",
	StateVolumeRestoring: "volume_restoring",
	StateDisconnecting:   "disconnecting",
	StateTerminal:        "terminal",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type Media struct {
	URL         string
	ContentType string
	Live        bool
	Duration    time.Duration
	Title       string
}

type Request struct {
	Device domain.Device
	Media  Media
	// Volume is a percentage in [0, 100]. Nil falls back to the device
	// volume, and nil there leaves the device untouched.
	Volume            *int
	WaitForCompletion bool
	// OnState observes this request's transitions in addition to
	// Options.OnState.
	OnState func(state State)
}

type Result struct {
	DeviceID       string
	MediaSessionID int
	IdleReason     string
	VolumeChanged  bool
	FinalState     State
	Warnings       []string
}

type Options struct {
	Client         castclient.Options
	NewClient      func(device domain.Device) *castclient.Client
	Retry          RetryPolicy
	ConnectTimeout time.Duration
	AppID          string
	Logger         *slog.Logger
	OnState        func(device domain.Device, state State)
}

type Orchestrator struct {
	opts   Options
	logger *slog.Logger
}

func New(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.AppID == "" {
		opts.AppID = channel.DefaultMediaReceiverAppID
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.Retry == (RetryPolicy{}) {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.NewClient == nil {
		clientOpts := opts.Client
		if clientOpts.Logger == nil {
			clientOpts.Logger = opts.Logger
		}
		opts.NewClient = func(device domain.Device) *castclient.Client {
			return castclient.New(device, clientOpts)
		}
	}
	return &Orchestrator{opts: opts, logger: opts.Logger}
}

// VolumeFromPercent maps a 0-100 percentage onto the device scale.
func VolumeFromPercent(percent int) channel.Volume {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return channel.NewVolume(float64(percent)/100, false)
}

func sameVolume(a, b channel.Volume) bool {
	return math.Abs(a.LevelValue()-b.LevelValue()) < volumeEpsilon && a.MutedValue() == b.MutedValue()
}

// run carries the state of one Play call.
type run struct {
	o      *Orchestrator
	req    Request
	logger *slog.Logger
	result *Result

	client         *castclient.Client
	app            *channel.Application
	originalVolume *channel.Volume
}

// Play connects to the device, launches the media receiver, loads the media
// and, when asked, waits for playback to end. The device is always left
// disconnected when Play returns.
func (o *Orchestrator) Play(ctx context.Context, req Request) (*Result, error) {
	r := o.newRun(req)
	r.setState(StateIdle)

	playErr := r.play(ctx)
	if playErr != nil {
		r.setState(StateFailed)
		r.logger.Warn("playback_failed", slog.String("error", playErr.Error()))
	} else if req.WaitForCompletion {
		r.setState(StateFinished)
	}
	r.finish(ctx, playErr)
	r.setState(StateTerminal)
	return r.result, playErr
}

func (o *Orchestrator) newRun(req Request) *run {
	return &run{
		o:      o,
		req:    req,
		logger: o.logger.With(slog.String("device", req.Device.DisplayName())),
		result: &Result{DeviceID: req.Device.ID},
	}
}

func (r *run) setState(state State) {
	r.result.FinalState = state
	r.logger.Info("playback_state", slog.String("state", state.String()))
	if r.o.opts.OnState != nil {
		r.o.opts.OnState(r.req.Device, state)
	}
	if r.req.OnState != nil {
		r.req.OnState(state)
	}
}

func (r *run) warn(step string, err error) {
	r.result.Warnings = append(r.result.Warnings, fmt.Sprintf("%s: %v", step, err))
	r.logger.Warn("playback_step_failed", slog.String("step", step), slog.String("error", err.Error()))
}

func (r *run) play(ctx context.Context) error {
	r.setState(StateConnecting)
	if err := r.connect(ctx); err != nil {
		return err
	}

	r.setState(StateAppLaunching)
	status, err := r.launch(ctx)
	if err != nil {
		return err
	}

	if err := r.adjustVolume(ctx, status); err != nil {
		return err
	}

	var events <-chan []channel.MediaStatus
	if r.req.WaitForCompletion {
		ch, unsubscribe := r.client.Media.Subscribe()
		defer unsubscribe()
		events = ch
	}

	r.setState(StateMediaLoading)
	loaded, err := r.client.Media.Load(ctx, r.app.TransportID, r.app.SessionID, r.mediaInformation())
	if err != nil {
		return err
	}
	r.result.MediaSessionID = loaded[0].MediaSessionID
	r.logger.Info("media_loaded",
		slog.Int("media_session_id", r.result.MediaSessionID),
		slog.String("url", r.req.Media.URL),
	)

	r.setState(StatePlaying)
	if !r.req.WaitForCompletion {
		return nil
	}
	return r.waitForCompletion(ctx, events)
}

func (r *run) connect(ctx context.Context) error {
	connectCtx, cancel := context.WithTimeout(ctx, r.o.opts.ConnectTimeout)
	defer cancel()

	err := withRetry(connectCtx, r.o.opts.Retry, r.logger, "connect", func() error {
		client := r.o.opts.NewClient(r.req.Device)
		if err := client.ConnectChromecast(connectCtx); err != nil {
			_ = client.Abort(nil)
			return err
		}
		r.client = client
		return nil
	})
	if err != nil {
		return &domain.DeviceError{DeviceName: r.req.Device.DisplayName(), Op: "CONNECT", Err: err}
	}

	select {
	case <-r.client.Connected():
		return nil
	case <-r.client.Done():
		return domain.ErrDeviceDisconnected
	case <-connectCtx.Done():
		return &domain.DeviceError{DeviceName: r.req.Device.DisplayName(), Op: "CONNECT", Err: connectCtx.Err()}
	}
}

func (r *run) launch(ctx context.Context) (*channel.ReceiverStatus, error) {
	appID := r.o.opts.AppID
	status, err := r.client.Receiver.GetStatus(ctx)
	if err != nil {
		return nil, err
	}
	if app := status.Application(appID); app != nil {
		r.logger.Debug("app_already_running", slog.String("session_id", app.SessionID))
	}

	launched, err := r.client.Receiver.Launch(ctx, appID)
	if err != nil {
		var devErr *domain.DeviceError
		if !errors.As(err, &devErr) {
			return nil, err
		}
		r.logger.Warn("app_launch_rejected", slog.String("failure", devErr.FailureType))
		if launched, err = r.client.Receiver.GetStatus(ctx); err != nil {
			return nil, err
		}
	}

	app := launched.Application(appID)
	if app == nil {
		return nil, &domain.DeviceError{DeviceName: r.req.Device.DisplayName(), Op: channel.TypeLaunch, Err: ErrNoDefaultApp}
	}
	r.app = app
	if err := r.client.ConnectApplication(ctx, app.TransportID); err != nil {
		return nil, err
	}
	r.logger.Info("app_launched", slog.String("session_id", app.SessionID), slog.String("transport_id", app.TransportID))
	return launched, nil
}

func (r *run) adjustVolume(ctx context.Context, status *channel.ReceiverStatus) error {
	percent := r.req.Volume
	if percent == nil {
		percent = r.req.Device.Volume
	}
	if percent == nil {
		return nil
	}

	r.setState(StateVolumeAdjusting)
	desired := VolumeFromPercent(*percent)
	current := status.Volume
	if sameVolume(current, desired) {
		return nil
	}
	if _, err := r.client.Receiver.SetVolume(ctx, desired); err != nil {
		return err
	}
	original := channel.NewVolume(current.LevelValue(), current.MutedValue())
	r.originalVolume = &original
	r.result.VolumeChanged = true
	r.logger.Info("volume_set", slog.Int("percent", *percent))
	return nil
}

func (r *run) mediaInformation() channel.MediaInformation {
	streamType := channel.StreamTypeBuffered
	if r.req.Media.Live {
		streamType = channel.StreamTypeLive
	}
	info := channel.MediaInformation{
		ContentID:   r.req.Media.URL,
		ContentType: r.req.Media.ContentType,
		StreamType:  streamType,
		Duration:    r.req.Media.Duration.Seconds(),
		Metadata:    &channel.Metadata{MetadataType: channel.MetadataTypeGeneric, Title: r.req.Media.Title},
	}
	return info
}

func (r *run) waitForCompletion(ctx context.Context, events <-chan []channel.MediaStatus) error {
	for {
		select {
		case statuses := <-events:
			for _, status := range statuses {
				if status.MediaSessionID != r.result.MediaSessionID || !status.IsIdle() {
					continue
				}
				switch status.IdleReason {
				case channel.IdleReasonFinished:
					r.result.IdleReason = string(status.IdleReason)
					return nil
				case channel.IdleReasonCancelled, channel.IdleReasonError, channel.IdleReasonInterrupted:
					r.result.IdleReason = string(status.IdleReason)
					return &domain.MediaLoadError{DeviceName: r.req.Device.DisplayName(), IdleReason: string(status.IdleReason)}
				}
			}
		case <-r.client.Done():
			return domain.ErrDeviceDisconnected
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// finish stops the app after a completed playback, restores the volume
// whenever it was changed and the device is still reachable, then releases
// the client. Cleanup failures only produce warnings.
func (r *run) finish(ctx context.Context, playErr error) {
	if r.client == nil {
		return
	}
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	completed := playErr == nil && r.req.WaitForCompletion
	if completed {
		if _, err := r.client.Receiver.Stop(cleanupCtx, r.app.SessionID); err != nil {
			r.warn("stop_app", err)
		}
	}
	// Fire-and-forget playback keeps the requested volume while it plays.
	if r.originalVolume != nil && (completed || playErr != nil) && !r.clientDone() {
		r.setState(StateVolumeRestoring)
		if _, err := r.client.Receiver.SetVolume(cleanupCtx, *r.originalVolume); err != nil {
			r.warn("restore_volume", err)
		} else {
			r.logger.Info("volume_restored")
		}
	}

	r.setState(StateDisconnecting)
	r.release(cleanupCtx, playErr)
}

func (r *run) clientDone() bool {
	select {
	case <-r.client.Done():
		return true
	default:
		return false
	}
}

// release disconnects gracefully after success and aborts otherwise.
func (r *run) release(ctx context.Context, err error) {
	if r.client == nil {
		return
	}
	if err != nil {
		_ = r.client.Abort(nil)
		return
	}
	if err := r.client.Disconnect(ctx); err != nil {
		r.warn("disconnect", err)
	}
}
