package beam

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/sync/errgroup"

	"go2tv.app/castspeak/internal/adapters"
	"go2tv.app/castspeak/internal/channel"
	"go2tv.app/castspeak/internal/diagnostics"
	"go2tv.app/castspeak/internal/domain"
	"go2tv.app/castspeak/internal/mediahost"
	"go2tv.app/castspeak/internal/playback"
)

const (
	defaultFileExpiry        = 120 * time.Second
	defaultFinishedRetention = 10 * time.Minute
	defaultCleanupSweepEvery = 5 * time.Second
	defaultTitle             = "castspeak"
)

type deviceRegistry interface {
	Lookup(target string) (domain.Device, bool)
	Resolve(targets []string) ([]domain.Device, error)
}

type castPlayer interface {
	Play(ctx context.Context, req playback.Request) (*playback.Result, error)
	Status(ctx context.Context, device domain.Device) (*channel.ReceiverStatus, error)
	StopApp(ctx context.Context, device domain.Device) (bool, error)
}

type mediaPublisher interface {
	Publish(ctx context.Context, deviceHost string, data []byte, ext string, ttl time.Duration) (*mediahost.Published, error)
	PublishFile(ctx context.Context, deviceHost, path string, ttl time.Duration) (*mediahost.Published, error)
	Close()
}

type Options struct {
	// FileExpiry bounds how long published media stays reachable beyond
	// its duration. It also pads the per-device timeout.
	FileExpiry time.Duration
	Logger     *slog.Logger
}

type Manager struct {
	registry     deviceRegistry
	player       castPlayer
	publisher    mediaPublisher
	inspector    adapters.MediaInspector
	dependencies func() diagnostics.DependencyReport
	preflight    func(ctx context.Context, sourceURL string) (string, error)
	httpClient   *retryablehttp.Client

	fileExpiry        time.Duration
	finishedRetention time.Duration
	cleanupSweepEvery time.Duration
	now               func() time.Time

	strictPathPolicy    bool
	allowedPathPrefixes []string
	allowLoopbackURLs   bool
	redactPaths         bool

	logger *slog.Logger

	shutdownCtx       context.Context
	shutdownCancel    context.CancelFunc
	cleanupLoopCancel context.CancelFunc
	cleanupLoopDone   chan struct{}
	closeOnce         sync.Once
	closeErr          error
	running           sync.WaitGroup

	mu     sync.Mutex
	casts  map[string]*cast
	closed bool
}

type cast struct {
	ID          string
	MediaURL    string
	ContentType string
	StartedAt   time.Time
	Devices     []domain.Device
	Warnings    []string

	published *mediahost.Published
	cancel    context.CancelFunc
	done      chan struct{}

	mu         sync.Mutex
	states     map[string]string
	outcomes   []domain.DeviceOutcome
	finishedAt time.Time
}

type preparedMedia struct {
	url         string
	contentType string
	title       string
	duration    time.Duration
	published   *mediahost.Published
	warnings    []string
}

func NewManager(registry deviceRegistry, player castPlayer, publisher mediaPublisher, inspector adapters.MediaInspector, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.FileExpiry <= 0 {
		opts.FileExpiry = defaultFileExpiry
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	manager := &Manager{
		registry:            registry,
		player:              player,
		publisher:           publisher,
		inspector:           inspector,
		dependencies:        diagnostics.CheckDependencies,
		httpClient:          newPreflightClient(opts.Logger),
		fileExpiry:          opts.FileExpiry,
		finishedRetention:   defaultFinishedRetention,
		cleanupSweepEvery:   defaultCleanupSweepEvery,
		now:                 time.Now,
		strictPathPolicy:    boolEnv("CASTSPEAK_STRICT_PATH_POLICY", false),
		allowedPathPrefixes: parseAllowedPathPrefixes(os.Getenv("CASTSPEAK_ALLOWED_PATH_PREFIXES")),
		allowLoopbackURLs:   boolEnv("CASTSPEAK_ALLOW_LOOPBACK_URLS", false),
		redactPaths:         boolEnv("CASTSPEAK_REDACT_PATHS", true),
		logger:              opts.Logger,
		shutdownCtx:         shutdownCtx,
		shutdownCancel:      shutdownCancel,
		cleanupLoopCancel:   cleanupCancel,
		cleanupLoopDone:     make(chan struct{}),
		casts:               map[string]*cast{},
	}
	manager.preflight = manager.headContentType
	go manager.runCleanupLoop(cleanupCtx)
	return manager
}

// Cast plays one media item on every requested device at once. A failing
// device never cancels the others; each reports its own outcome.
func (m *Manager) Cast(ctx context.Context, req domain.CastRequest) (*domain.CastResult, error) {
	if m.registry == nil || m.player == nil || m.publisher == nil {
		return nil, toolError("INTERNAL_ERROR", "cast manager is not configured")
	}
	if m.isClosed() {
		return nil, toolError("INTERNAL_ERROR", "cast manager is shutting down")
	}
	if req.Volume != nil && (*req.Volume < 0 || *req.Volume > 100) {
		return nil, toolError("INVALID_ARGUMENT", "volume must be between 0 and 100")
	}

	devices, err := m.registry.Resolve(req.Devices)
	if err != nil {
		return nil, toolErrorFor(err)
	}
	if len(devices) == 0 {
		return nil, noDevicesConfiguredError()
	}

	media, err := m.prepareMedia(ctx, req, devices[0])
	if err != nil {
		return nil, err
	}

	wait := req.WaitForCompletion == nil || *req.WaitForCompletion
	c := &cast{
		ID:          "cast_" + uuid.NewString(),
		MediaURL:    media.url,
		ContentType: media.contentType,
		StartedAt:   m.now(),
		Devices:     devices,
		Warnings:    media.warnings,
		published:   media.published,
		done:        make(chan struct{}),
		states:      map[string]string{},
	}

	castCtx, cancel := m.castContext(ctx, req.Async, m.fileExpiry+media.duration)
	c.cancel = cancel
	if !m.storeCast(c) {
		cancel()
		if media.published != nil {
			media.published.Close()
		}
		return nil, toolError("INTERNAL_ERROR", "cast manager is shutting down")
	}

	m.logger.Info("cast_accepted",
		slog.String("cast_id", c.ID),
		slog.Int("devices", len(devices)),
		slog.Bool("async", req.Async),
		slog.Bool("wait_for_completion", wait),
	)

	run := func() {
		defer m.running.Done()
		defer cancel()
		m.runCast(castCtx, c, req, media, wait)
	}
	if req.Async {
		go run()
		return &domain.CastResult{
			OK:          true,
			CastID:      c.ID,
			MediaURL:    c.MediaURL,
			ContentType: c.ContentType,
			Async:       true,
			Outcomes:    []domain.DeviceOutcome{},
			Warnings:    append([]string{}, c.Warnings...),
		}, nil
	}

	run()
	outcomes := c.snapshotOutcomes()
	ok := true
	for _, o := range outcomes {
		ok = ok && o.OK
	}
	return &domain.CastResult{
		OK:          ok,
		CastID:      c.ID,
		MediaURL:    c.MediaURL,
		ContentType: c.ContentType,
		Outcomes:    outcomes,
		Warnings:    append([]string{}, c.Warnings...),
	}, nil
}

// castContext links the manager shutdown, the caller (unless the cast is
// async) and the overall timeout.
func (m *Manager) castContext(ctx context.Context, async bool, timeout time.Duration) (context.Context, context.CancelFunc) {
	parent := m.shutdownCtx
	stopLink := func() bool { return true }
	var linked context.Context
	var cancelLinked context.CancelFunc
	if async {
		linked, cancelLinked = context.WithCancel(parent)
	} else {
		linked, cancelLinked = context.WithCancel(ctx)
		stopLink = context.AfterFunc(parent, cancelLinked)
	}
	castCtx, cancelTimeout := context.WithTimeout(linked, timeout)
	return castCtx, func() {
		cancelTimeout()
		stopLink()
		cancelLinked()
	}
}

func (m *Manager) runCast(ctx context.Context, c *cast, req domain.CastRequest, media *preparedMedia, wait bool) {
	defer close(c.done)

	outcomes := make([]domain.DeviceOutcome, len(c.Devices))
	var g errgroup.Group
	for i, device := range c.Devices {
		g.Go(func() error {
			outcomes[i] = m.playOne(ctx, c, device, req, media, wait)
			return nil
		})
	}
	_ = g.Wait()

	if wait && media.published != nil {
		media.published.Close()
	}
	c.finish(outcomes, m.now())

	failed := 0
	for _, o := range outcomes {
		if !o.OK {
			failed++
		}
	}
	m.logger.Info("cast_finished",
		slog.String("cast_id", c.ID),
		slog.Int("devices", len(outcomes)),
		slog.Int("failed", failed),
	)
}

func (m *Manager) playOne(ctx context.Context, c *cast, device domain.Device, req domain.CastRequest, media *preparedMedia, wait bool) domain.DeviceOutcome {
	m.logger.Info("cast_start",
		slog.String("cast_id", c.ID),
		slog.String("device", device.DisplayName()),
		slog.String("url", media.url),
	)

	result, err := m.player.Play(ctx, playback.Request{
		Device: device,
		Media: playback.Media{
			URL:         media.url,
			ContentType: media.contentType,
			Live:        req.Live,
			Duration:    media.duration,
			Title:       media.title,
		},
		Volume:            req.Volume,
		WaitForCompletion: wait,
		OnState: func(state playback.State) {
			c.setState(device.ID, state.String())
		},
	})

	outcome := domain.DeviceOutcome{
		DeviceID:   device.ID,
		DeviceName: device.DisplayName(),
		OK:         err == nil,
	}
	if result != nil {
		outcome.MediaSessionID = result.MediaSessionID
		outcome.IdleReason = result.IdleReason
		outcome.VolumeChanged = result.VolumeChanged
		outcome.Warnings = append([]string{}, result.Warnings...)
	}
	switch {
	case err != nil:
		outcome.State = playback.StateFailed.String()
		outcome.Error = toolErrorFor(err)
		m.logger.Warn("cast_device_failed",
			slog.String("cast_id", c.ID),
			slog.String("device", device.DisplayName()),
			slog.String("error", err.Error()),
		)
	case wait:
		outcome.State = playback.StateFinished.String()
	default:
		outcome.State = playback.StatePlaying.String()
	}
	return outcome
}

// StopCast cancels a running cast and waits until every device was
// released.
func (m *Manager) StopCast(ctx context.Context, req domain.StopRequest) (*domain.StopResult, error) {
	castID := strings.TrimSpace(req.CastID)
	if castID == "" {
		return nil, toolError("INVALID_ARGUMENT", "cast_id is required")
	}
	c := m.lookupCast(castID)
	if c == nil {
		return nil, castNotFoundError(castID)
	}

	c.cancel()
	select {
	case <-c.done:
	case <-ctx.Done():
		return nil, toolErrorFor(ctx.Err())
	}
	m.logger.Info("cast_stopped", slog.String("cast_id", castID))
	return &domain.StopResult{OK: true, CastID: castID}, nil
}

// CastStatus reports one cast, or every known cast when castID is empty.
func (m *Manager) CastStatus(castID string) ([]domain.CastSummary, error) {
	castID = strings.TrimSpace(castID)
	if castID != "" {
		c := m.lookupCast(castID)
		if c == nil {
			return nil, castNotFoundError(castID)
		}
		return []domain.CastSummary{c.summary()}, nil
	}
	return m.ListCasts(), nil
}

// ListCasts returns every known cast, oldest first.
func (m *Manager) ListCasts() []domain.CastSummary {
	casts := m.snapshotCasts()
	sort.Slice(casts, func(i, j int) bool {
		return casts[i].StartedAt.Before(casts[j].StartedAt)
	})
	out := make([]domain.CastSummary, 0, len(casts))
	for _, c := range casts {
		out = append(out, c.summary())
	}
	return out
}

func (m *Manager) DeviceStatus(ctx context.Context, target string) (*domain.DeviceStatus, error) {
	device, err := m.lookupDevice(target)
	if err != nil {
		return nil, err
	}
	status, err := m.player.Status(ctx, device)
	if err != nil {
		return nil, toolErrorFor(err)
	}

	out := &domain.DeviceStatus{
		DeviceID:   device.ID,
		DeviceName: device.DisplayName(),
		Volume: domain.DeviceVolume{
			Level: status.Volume.LevelValue(),
			Muted: status.Volume.MutedValue(),
		},
		Applications:  []domain.DeviceApplication{},
		IsActiveInput: status.IsActiveInput,
		IsStandBy:     status.IsStandBy,
	}
	for _, app := range status.Applications {
		out.Applications = append(out.Applications, domain.DeviceApplication{
			AppID:       app.AppID,
			DisplayName: app.DisplayName,
			SessionID:   app.SessionID,
			StatusText:  app.StatusText,
			IsIdle:      app.IsIdleScreen,
		})
	}
	return out, nil
}

func (m *Manager) StopApp(ctx context.Context, target string) (*domain.AppStopResult, error) {
	device, err := m.lookupDevice(target)
	if err != nil {
		return nil, err
	}
	stopped, err := m.player.StopApp(ctx, device)
	if err != nil {
		return nil, toolErrorFor(err)
	}
	return &domain.AppStopResult{OK: true, DeviceID: device.ID, Stopped: stopped}, nil
}

func (m *Manager) lookupDevice(target string) (domain.Device, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return domain.Device{}, toolError("INVALID_ARGUMENT", "device is required")
	}
	if m.registry == nil || m.player == nil {
		return domain.Device{}, toolError("INTERNAL_ERROR", "cast manager is not configured")
	}
	device, ok := m.registry.Lookup(target)
	if !ok {
		return domain.Device{}, deviceNotFoundError(target)
	}
	return device, nil
}

func (m *Manager) storeCast(c *cast) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.casts[c.ID] = c
	m.running.Add(1)
	return true
}

func (m *Manager) lookupCast(castID string) *cast {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.casts[castID]
}

func (m *Manager) snapshotCasts() []*cast {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*cast, 0, len(m.casts))
	for _, c := range m.casts {
		out = append(out, c)
	}
	return out
}

func (m *Manager) runCleanupLoop(ctx context.Context) {
	defer close(m.cleanupLoopDone)

	sweepEvery := m.cleanupSweepEvery
	if sweepEvery <= 0 {
		sweepEvery = defaultCleanupSweepEvery
	}
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cleanupSweep()
		}
	}
}

// cleanupSweep forgets casts that finished longer ago than the retention.
func (m *Manager) cleanupSweep() {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.casts {
		finishedAt, done := c.finishedTime()
		if done && now.Sub(finishedAt) >= m.finishedRetention {
			delete(m.casts, id)
		}
	}
}

// Close cancels every cast, waits for the devices to be released and stops
// the media host.
func (m *Manager) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()

		m.shutdownCancel()
		if m.cleanupLoopCancel != nil {
			m.cleanupLoopCancel()
		}

		var errs []string
		if m.cleanupLoopDone != nil {
			select {
			case <-m.cleanupLoopDone:
			case <-ctx.Done():
				errs = append(errs, "cleanup loop: "+ctx.Err().Error())
			}
		}

		drained := make(chan struct{})
		go func() {
			m.running.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-ctx.Done():
			errs = append(errs, "active casts: "+ctx.Err().Error())
		}

		if m.publisher != nil {
			m.publisher.Close()
		}
		if len(errs) > 0 {
			m.closeErr = errors.New(strings.Join(errs, "; "))
		}
	})

	return m.closeErr
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (c *cast) setState(deviceID, state string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[deviceID] = state
}

func (c *cast) finish(outcomes []domain.DeviceOutcome, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes = outcomes
	c.finishedAt = at
}

func (c *cast) finishedTime() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finishedAt, !c.finishedAt.IsZero()
}

func (c *cast) snapshotOutcomes() []domain.DeviceOutcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.DeviceOutcome{}, c.outcomes...)
}

func (c *cast) summary() domain.CastSummary {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.Devices))
	for _, d := range c.Devices {
		ids = append(ids, d.ID)
	}
	states := make(map[string]string, len(c.states))
	for k, v := range c.states {
		states[k] = v
	}
	return domain.CastSummary{
		CastID:    c.ID,
		MediaURL:  c.MediaURL,
		Devices:   ids,
		StartedAt: c.StartedAt,
		Done:      !c.finishedAt.IsZero(),
		States:    states,
		Outcomes:  append([]domain.DeviceOutcome{}, c.outcomes...),
	}
}
