package castclient

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go2tv.app/castspeak/internal/castwire"
	"go2tv.app/castspeak/internal/channel"
	"go2tv.app/castspeak/internal/domain"
	"go2tv.app/castspeak/internal/session"
)

const (
	DefaultUserAgent = "castspeak"
	closeTimeout     = 2 * time.Second
)

// ErrClosed is the terminal cause after a graceful Disconnect.
var ErrClosed = errors.New("castclient: disconnected by sender")

type Options struct {
	Session           session.Config
	HeartbeatInterval time.Duration
	// HeartbeatDeadAfter aborts the connection when no PONG arrives within
	// the window; zero disables the check.
	HeartbeatDeadAfter time.Duration
	SourceID           string
	UserAgent          string
	Logger             *slog.Logger
	OnConnectedChange  func(connected bool)
}

func DefaultOptions() Options {
	return Options{
		Session:           session.DefaultConfig(),
		HeartbeatInterval: channel.DefaultHeartbeatInterval,
		SourceID:          castwire.DefaultSourceID,
		UserAgent:         DefaultUserAgent,
	}
}

// Client is one connection handle to a cast device. It is created per
// playback attempt and discarded after Disconnect or Abort.
type Client struct {
	device domain.Device
	opts   Options
	logger *slog.Logger

	session    *session.Session
	Connection *channel.Connection
	Heartbeat  *channel.Heartbeat
	Receiver   *channel.Receiver
	Media      *channel.Media
	dispatch   map[string]channel.Channel

	lifecycleMu     sync.Mutex
	heartbeatCancel context.CancelFunc
	heartbeatDone   chan struct{}
	appConnections  []string

	connected     atomic.Bool
	connectedCh   chan struct{}
	connectedOnce sync.Once

	done      chan struct{}
	doneOnce  sync.Once
	doneMu    sync.Mutex
	doneCause error

	receiverStatus atomic.Pointer[channel.ReceiverStatus]
	mediaStatus    atomic.Pointer[[]channel.MediaStatus]
}

func New(device domain.Device, opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	logger := opts.Logger.With(slog.String("device", device.DisplayName()))

	c := &Client{
		device:      device,
		opts:        opts,
		logger:      logger,
		connectedCh: make(chan struct{}),
		done:        make(chan struct{}),
	}
	c.session = session.New(device.Host, opts.Session, c, logger)

	chOpts := channel.Options{SourceID: opts.SourceID, DeviceName: device.DisplayName(), Logger: logger}
	c.Connection = channel.NewConnection(c.session, chOpts, opts.UserAgent, c.handleRemoteClose)
	c.Heartbeat = channel.NewHeartbeat(c.session, chOpts, channel.HeartbeatOptions{
		Interval:  opts.HeartbeatInterval,
		DeadAfter: opts.HeartbeatDeadAfter,
		OnPong:    c.handlePong,
		OnDead:    c.handleHeartbeatDead,
	})
	c.Receiver = channel.NewReceiver(c.session, chOpts, c.receiverStatus.Store)
	c.Media = channel.NewMedia(c.session, chOpts, func(s []channel.MediaStatus) { c.mediaStatus.Store(&s) })

	c.dispatch = map[string]channel.Channel{}
	for _, ch := range []channel.Channel{c.Connection, c.Heartbeat, c.Receiver, c.Media} {
		c.dispatch[ch.Namespace()] = ch
	}
	return c
}

func (c *Client) Device() domain.Device {
	return c.device
}

// ConnectChromecast opens the transport, sends CONNECT and starts the
// heartbeat. The client counts as connected only after the first PONG.
func (c *Client) ConnectChromecast(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.isDone() {
		return domain.ErrDeviceDisconnected
	}
	return c.session.Connect(ctx, func(runCtx context.Context) {
		if err := c.Connection.Open(runCtx, castwire.DefaultDestinationID); err != nil {
			c.logger.Warn("connection_open_failed", slog.String("error", err.Error()))
		}
		hbCtx, cancel := context.WithCancel(runCtx)
		c.heartbeatCancel = cancel
		c.heartbeatDone = make(chan struct{})
		go func(done chan struct{}) {
			defer close(done)
			c.Heartbeat.Run(hbCtx)
		}(c.heartbeatDone)
	})
}

// ConnectApplication opens the virtual connection a launched application
// requires before it accepts media traffic.
func (c *Client) ConnectApplication(ctx context.Context, transportID string) error {
	if err := c.Connection.Open(ctx, transportID); err != nil {
		return err
	}
	c.lifecycleMu.Lock()
	c.appConnections = append(c.appConnections, transportID)
	c.lifecycleMu.Unlock()
	return nil
}

// Connected is closed when the first PONG arrives.
func (c *Client) Connected() <-chan struct{} {
	return c.connectedCh
}

// IsConnected reports the logical connection state.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Done is closed once the client reached its terminal state.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the client terminated, or nil while it is alive.
func (c *Client) Err() error {
	c.doneMu.Lock()
	defer c.doneMu.Unlock()
	return c.doneCause
}

// ReceiverStatus returns the latest device status snapshot.
func (c *Client) ReceiverStatus() *channel.ReceiverStatus {
	return c.receiverStatus.Load()
}

// MediaStatus returns the latest media status snapshot.
func (c *Client) MediaStatus() []channel.MediaStatus {
	if s := c.mediaStatus.Load(); s != nil {
		return *s
	}
	return nil
}

// Disconnect closes every virtual connection with CLOSE and then tears the
// client down like Abort.
func (c *Client) Disconnect(ctx context.Context) error {
	c.lifecycleMu.Lock()
	destinations := append([]string(nil), c.appConnections...)
	c.lifecycleMu.Unlock()

	if c.session.IsConnected() && !c.isDone() {
		closeCtx, cancel := context.WithTimeout(ctx, closeTimeout)
		for i := len(destinations) - 1; i >= 0; i-- {
			if err := c.Connection.Close(closeCtx, destinations[i]); err != nil {
				c.logger.Debug("connection_close_failed", slog.String("destination", destinations[i]), slog.String("error", err.Error()))
			}
		}
		if err := c.Connection.Close(closeCtx, castwire.DefaultDestinationID); err != nil {
			c.logger.Debug("connection_close_failed", slog.String("destination", castwire.DefaultDestinationID), slog.String("error", err.Error()))
		}
		cancel()
	}
	return c.teardown(ErrClosed)
}

// Abort skips the graceful CLOSE, fails every pending request and closes
// the transport.
func (c *Client) Abort(cause error) error {
	if cause == nil {
		cause = domain.ErrDeviceDisconnected
	}
	return c.teardown(cause)
}

func (c *Client) teardown(cause error) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.isDone() {
		return nil
	}
	for _, ch := range c.dispatch {
		ch.Abort()
	}
	if c.heartbeatCancel != nil {
		c.heartbeatCancel()
		<-c.heartbeatDone
	}
	err := c.session.Disconnect()
	c.setConnected(false)

	c.doneMu.Lock()
	c.doneCause = cause
	c.doneMu.Unlock()
	c.doneOnce.Do(func() { close(c.done) })
	c.logger.Info("client_closed", slog.String("cause", cause.Error()))

	if err != nil && errors.Is(cause, domain.ErrDeviceDisconnected) {
		c.logger.Debug("transport_close_error", slog.String("error", err.Error()))
		return nil
	}
	return err
}

func (c *Client) isDone() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) setConnected(v bool) {
	if c.connected.Swap(v) == v {
		return
	}
	if v {
		c.connectedOnce.Do(func() { close(c.connectedCh) })
	}
	c.logger.Debug("connected_changed", slog.Bool("connected", v))
	if c.opts.OnConnectedChange != nil {
		c.opts.OnConnectedChange(v)
	}
}

// HandleMessage dispatches an inbound envelope by namespace.
func (c *Client) HandleMessage(msg *castwire.CastMessage) {
	ch, ok := c.dispatch[msg.GetNamespace()]
	if !ok {
		c.logger.Debug("namespace_unhandled", slog.String("namespace", msg.GetNamespace()))
		return
	}
	ch.Handle(msg)
}

// HandleTransportError converts a broken transport into a disconnect.
func (c *Client) HandleTransportError(err error) {
	c.logger.Warn("transport_failed", slog.String("error", err.Error()))
	_ = c.Abort(domain.ErrDeviceDisconnected)
}

func (c *Client) handlePong() {
	c.setConnected(true)
}

func (c *Client) handleRemoteClose(source string) {
	c.logger.Info("remote_close", slog.String("source", source))
	go func() {
		_ = c.Abort(domain.ErrDeviceDisconnected)
	}()
}

func (c *Client) handleHeartbeatDead() {
	go func() {
		_ = c.Abort(domain.ErrDeviceDisconnected)
	}()
}
