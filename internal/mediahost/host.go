// Package mediahost publishes media over HTTP so cast devices can fetch it.
package mediahost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/h2non/filetype"

	"go2tv.app/castspeak/internal/adapters"
	"go2tv.app/castspeak/internal/transport"
)

const (
	defaultContentType = "application/octet-stream"
	freePortAttempts   = 3
)

var ErrClosed = errors.New("mediahost: closed")

type Options struct {
	Servers   adapters.StreamServerFactory
	Inspector adapters.MediaInspector
	// ListenIP pins the address devices fetch media from. Empty picks the
	// local address that routes toward the device.
	ListenIP string
	// ListenPort zero picks a free port the first time an address is used.
	ListenPort int
	Logger     *slog.Logger
}

// Host owns every server started for published media. Items published on
// the same listen address share one server.
type Host struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	servers   map[string]*mediaServer
	published map[string]*Published
	closed    bool
}

// mediaServer is one listening server and the number of routes it serves.
type mediaServer struct {
	key    string
	addr   string
	server adapters.StreamServer
	routes int
}

// Published is one reachable media item. It stops serving at Expires or on
// Close, whichever comes first.
type Published struct {
	URL         string
	ContentType string
	Expires     time.Time

	id        string
	route     string
	host      *Host
	srv       *mediaServer
	timer     *time.Timer
	closeOnce sync.Once
}

func New(opts Options) *Host {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Host{
		opts:      opts,
		logger:    opts.Logger,
		now:       time.Now,
		servers:   map[string]*mediaServer{},
		published: map[string]*Published{},
	}
}

// Publish serves data under a fresh route. deviceHost selects the local
// interface when no listen address is configured.
func (h *Host) Publish(ctx context.Context, deviceHost string, data []byte, ext string, ttl time.Duration) (*Published, error) {
	if len(data) == 0 {
		return nil, errors.New("mediahost: empty media")
	}
	return h.publish(ctx, deviceHost, safeExt(ext), sniffContentType(data, ext), data, ttl)
}

// PublishFile serves a local file.
func (h *Host) PublishFile(ctx context.Context, deviceHost, path string, ttl time.Duration) (*Published, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("mediahost: empty path")
	}
	return h.publish(ctx, deviceHost, safeExt(filepath.Ext(path)), h.fileContentType(path), path, ttl)
}

func (h *Host) publish(ctx context.Context, deviceHost, ext, contentType string, media any, ttl time.Duration) (*Published, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if h.opts.Servers == nil {
		return nil, errors.New("mediahost: stream server factory is not configured")
	}
	if h.isClosed() {
		return nil, ErrClosed
	}

	ip, port, suggested, err := h.listenAddress(deviceHost)
	if err != nil {
		return nil, fmt.Errorf("mediahost: select listen address: %w", err)
	}

	id := uuid.NewString()
	route := "/media-" + id + ext

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	srv, err := h.serverLocked(ip, port, suggested)
	if err != nil {
		h.mu.Unlock()
		return nil, err
	}
	srv.server.AddHandler(route, nil, nil, media)
	srv.routes++

	p := &Published{
		URL:         "http://" + srv.addr + route,
		ContentType: contentType,
		id:          id,
		route:       route,
		host:        h,
		srv:         srv,
	}
	h.published[id] = p
	if ttl > 0 {
		p.Expires = h.now().Add(ttl)
		p.timer = time.AfterFunc(ttl, p.Close)
	}
	h.mu.Unlock()

	h.logger.Info("media_published",
		slog.String("url", p.URL),
		slog.String("content_type", contentType),
		slog.Duration("ttl", ttl),
	)
	return p, nil
}

// serverLocked returns the running server for ip:port, starting one when
// none is. A zero port tries suggested first, then free ports, since a
// picked port can be taken before the server binds it. h.mu must be held.
func (h *Host) serverLocked(ip string, port, suggested int) (*mediaServer, error) {
	key := net.JoinHostPort(ip, strconv.Itoa(port))
	if srv, ok := h.servers[key]; ok {
		return srv, nil
	}

	attempts := 1
	if port == 0 {
		attempts = freePortAttempts
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		listenPort := port
		if listenPort == 0 && i == 0 && suggested != 0 {
			listenPort = suggested
		}
		if listenPort == 0 {
			p, err := freePort(ip)
			if err != nil {
				return nil, fmt.Errorf("mediahost: pick port on %s: %w", ip, err)
			}
			listenPort = p
		}
		addr := net.JoinHostPort(ip, strconv.Itoa(listenPort))
		server := h.opts.Servers.New(addr)
		if err := startStreamServer(server); err != nil {
			lastErr = fmt.Errorf("mediahost: start server on %s: %w", addr, err)
			continue
		}
		srv := &mediaServer{key: key, addr: addr, server: server}
		h.servers[key] = srv
		h.logger.Debug("media_server_started", slog.String("addr", addr))
		return srv, nil
	}
	return nil, lastErr
}

// Close stops serving the item. The shared server stops with its last
// route. It is safe to call more than once.
func (p *Published) Close() {
	p.closeOnce.Do(func() {
		h := p.host
		h.mu.Lock()
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(h.published, p.id)
		p.srv.server.RemoveHandler(p.route)
		p.srv.routes--
		if p.srv.routes == 0 {
			delete(h.servers, p.srv.key)
			p.srv.server.StopServer()
		}
		h.mu.Unlock()
		h.logger.Debug("media_unpublished", slog.String("url", p.URL))
	})
}

// Active returns how many items are currently served.
func (h *Host) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.published)
}

// Close stops every server and rejects further publishing.
func (h *Host) Close() {
	h.mu.Lock()
	h.closed = true
	items := make([]*Published, 0, len(h.published))
	for _, p := range h.published {
		items = append(items, p)
	}
	h.mu.Unlock()

	for _, p := range items {
		p.Close()
	}
}

func (h *Host) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// listenAddress returns the ip to serve on and the configured port, zero
// when a free one should be picked. suggested is the port the inspector
// chose toward the device, if any.
func (h *Host) listenAddress(deviceHost string) (ip string, port, suggested int, err error) {
	ip = strings.TrimSpace(h.opts.ListenIP)
	if ip == "" {
		if h.opts.Inspector == nil {
			return "", 0, 0, errors.New("no listen address configured")
		}
		deviceURL := "http://" + transport.Address(deviceHost, transport.DefaultPort)
		addr, err := h.opts.Inspector.ListenAddress(deviceURL)
		if err != nil {
			return "", 0, 0, err
		}
		var rawPort string
		if ip, rawPort, err = net.SplitHostPort(addr); err != nil {
			return "", 0, 0, err
		}
		suggested, _ = strconv.Atoi(rawPort)
	}
	return ip, h.opts.ListenPort, suggested, nil
}

func freePort(ip string) (int, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(ip, "0"))
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

func startStreamServer(server adapters.StreamServer) error {
	serverStarted := make(chan error, 1)
	go server.StartServing(serverStarted)
	return <-serverStarted
}

func (h *Host) fileContentType(path string) string {
	if h.opts.Inspector != nil {
		mediaType, err := h.opts.Inspector.MimeType(path)
		if err == nil && mediaType != "" && mediaType != "/" && mediaType != defaultContentType {
			return mediaType
		}
	}
	if kind, err := filetype.MatchFile(path); err == nil && kind != filetype.Unknown {
		return kind.MIME.Value
	}
	return contentTypeForExt(filepath.Ext(path))
}

func sniffContentType(data []byte, ext string) string {
	if kind, err := filetype.Match(data); err == nil && kind != filetype.Unknown {
		return kind.MIME.Value
	}
	return contentTypeForExt(ext)
}

func contentTypeForExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	if guessed := mime.TypeByExtension(ext); guessed != "" {
		parts := strings.Split(guessed, ";")
		return strings.TrimSpace(parts[0])
	}
	return defaultContentType
}

func safeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	if !isSafeExt(ext) {
		return ".bin"
	}
	return ext
}

func isSafeExt(ext string) bool {
	if ext == "" || len(ext) > 16 || !strings.HasPrefix(ext, ".") {
		return false
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
