package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"go2tv.app/castspeak/internal/castwire"
	"go2tv.app/castspeak/internal/transport"
)

var (
	ErrAlreadyConnected = errors.New("session: already connected")
	ErrNotConnected     = errors.New("session: not connected")
	ErrClosed           = errors.New("session: closed")
)

// Handler receives decoded envelopes and terminal transport failures.
// HandleMessage runs on the receive loop and must not block on the session.
// HandleTransportError runs on its own goroutine.
type Handler interface {
	HandleMessage(msg *castwire.CastMessage)
	HandleTransportError(err error)
}

type Config struct {
	Transport    transport.Options
	Limits       castwire.Limits
	WriteTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Transport:    transport.DefaultOptions(),
		Limits:       castwire.DefaultLimits(),
		WriteTimeout: 10 * time.Second,
	}
}

type dialFunc func(ctx context.Context, host string, opts transport.Options) (net.Conn, error)

func defaultDial(ctx context.Context, host string, opts transport.Options) (net.Conn, error) {
	return transport.Dial(ctx, host, opts)
}

// Session owns one transport connection to a device for its whole life. It
// is not reusable once disconnected.
type Session struct {
	host    string
	cfg     Config
	handler Handler
	logger  *slog.Logger
	dial    dialFunc

	lifecycleMu sync.Mutex
	writeMu     sync.Mutex

	stateMu sync.RWMutex
	link    *link
	closed  bool
}

type link struct {
	conn   net.Conn
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	failOnce sync.Once
	readErr  error
}

func New(host string, cfg Config, handler Handler, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Limits.MaxFrameBytes == 0 {
		cfg.Limits = castwire.DefaultLimits()
	}
	return &Session{
		host:    host,
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		dial:    defaultDial,
	}
}

// Connect dials the device and starts the receive loop. started, when not
// nil, runs before Connect returns with a context that lives until Disconnect.
func (s *Session) Connect(ctx context.Context, started func(runCtx context.Context)) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	s.stateMu.RLock()
	active, closed := s.link != nil, s.closed
	s.stateMu.RUnlock()
	if active {
		return ErrAlreadyConnected
	}
	if closed {
		return ErrClosed
	}

	conn, err := s.dial(ctx, s.host, s.cfg.Transport)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	l := &link{
		conn:   conn,
		ctx:    runCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.stateMu.Lock()
	s.link = l
	s.stateMu.Unlock()

	go s.receiveLoop(l)
	s.logger.Info("session_connected",
		slog.String("host", s.host),
		slog.String("remote_addr", conn.RemoteAddr().String()),
	)

	if started != nil {
		started(runCtx)
	}
	return nil
}

// IsConnected reports whether a transport is currently held.
func (s *Session) IsConnected() bool {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.link != nil
}

// Write encodes msg and writes it as one frame under the write lock.
func (s *Session) Write(ctx context.Context, msg *castwire.CastMessage) error {
	frame, err := castwire.Encode(msg)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.stateMu.RLock()
	l := s.link
	s.stateMu.RUnlock()
	if l == nil {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	var deadline time.Time
	if s.cfg.WriteTimeout > 0 {
		deadline = time.Now().Add(s.cfg.WriteTimeout)
	}
	if ctxDeadline, ok := ctx.Deadline(); ok && (deadline.IsZero() || ctxDeadline.Before(deadline)) {
		deadline = ctxDeadline
	}
	if err := l.conn.SetWriteDeadline(deadline); err != nil {
		return s.writeFailed(l, err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = l.conn.SetWriteDeadline(time.Unix(1, 0))
	})
	defer stop()

	if _, err := l.conn.Write(frame); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			_ = s.writeFailed(l, err)
			return ctxErr
		}
		return s.writeFailed(l, err)
	}
	return nil
}

// A failed or interrupted write leaves the TLS stream unusable.
func (s *Session) writeFailed(l *link, err error) error {
	if l.ctx.Err() != nil {
		return ErrNotConnected
	}
	s.logger.Warn("session_write_failed", slog.String("host", s.host), slog.String("error", err.Error()))
	s.fail(l, err)
	return fmt.Errorf("session: write: %w", err)
}

func (s *Session) fail(l *link, err error) {
	l.failOnce.Do(func() {
		if s.handler != nil {
			go s.handler.HandleTransportError(err)
		}
	})
}

func (s *Session) receiveLoop(l *link) {
	defer close(l.done)
	for {
		msg, err := castwire.ReadFrame(l.conn, s.cfg.Limits)
		if err != nil {
			if castwire.IsDroppable(err) {
				s.logger.Debug("frame_dropped", slog.String("host", s.host), slog.String("reason", err.Error()))
				continue
			}
			if l.ctx.Err() != nil {
				return
			}
			l.readErr = err
			s.logger.Warn("session_read_failed", slog.String("host", s.host), slog.String("error", err.Error()))
			s.fail(l, err)
			return
		}
		if s.handler != nil {
			s.handler.HandleMessage(msg)
		}
	}
}

// Disconnect cancels the receive loop, closes the transport and waits for
// the loop to exit. Errors caused by the shutdown itself are not reported.
func (s *Session) Disconnect() error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	s.stateMu.Lock()
	l := s.link
	s.link = nil
	s.closed = true
	s.stateMu.Unlock()
	if l == nil {
		return nil
	}

	l.cancel()
	closeErr := l.conn.Close()
	<-l.done
	s.logger.Info("session_disconnected", slog.String("host", s.host))

	var errs []error
	if closeErr != nil && !isShutdownError(closeErr) {
		errs = append(errs, fmt.Errorf("session: close: %w", closeErr))
	}
	if l.readErr != nil && !isShutdownError(l.readErr) {
		errs = append(errs, fmt.Errorf("session: read: %w", l.readErr))
	}
	return errors.Join(errs...)
}

func isShutdownError(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled)
}
