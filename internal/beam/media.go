package beam

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"go2tv.app/go2tv/v2/utils"

	"go2tv.app/castspeak/internal/domain"
)

const (
	defaultContentType = "application/octet-stream"
	hlsContentType     = "application/vnd.apple.mpegurl"
	preflightTimeout   = 5 * time.Second
	preflightRetries   = 2
)

func newPreflightClient(logger *slog.Logger) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.HTTPClient = cleanhttp.DefaultPooledClient()
	client.HTTPClient.Timeout = preflightTimeout
	client.RetryMax = preflightRetries
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = time.Second
	client.Logger = logger
	return client
}

// prepareMedia turns the request source into a URL every device can fetch.
// Inline data and local files are published once, on the interface that
// routes toward the first device.
func (m *Manager) prepareMedia(ctx context.Context, req domain.CastRequest, first domain.Device) (*preparedMedia, error) {
	source := strings.TrimSpace(req.Source)
	duration := time.Duration(req.DurationSeconds * float64(time.Second))
	if req.DurationSeconds < 0 {
		return nil, toolError("INVALID_ARGUMENT", "duration_seconds must not be negative")
	}

	var (
		media *preparedMedia
		err   error
	)
	switch {
	case len(req.Data) > 0 && source != "":
		return nil, toolError("INVALID_ARGUMENT", "provide either source or data, not both")
	case len(req.Data) > 0:
		media, err = m.prepareDataMedia(ctx, req, first, duration)
	case source == "":
		return nil, toolError("INVALID_ARGUMENT", "source or data is required")
	case isURLSource(source):
		media, err = m.prepareURLMedia(ctx, source, duration)
	default:
		media, err = m.prepareFileMedia(ctx, source, first, duration)
	}
	if err != nil {
		return nil, err
	}

	if ct := strings.TrimSpace(req.ContentType); ct != "" {
		media.contentType = ct
	}
	media.title = strings.TrimSpace(req.Title)
	if media.title == "" {
		media.title = titleFor(source)
	}
	return media, nil
}

func (m *Manager) prepareDataMedia(ctx context.Context, req domain.CastRequest, device domain.Device, duration time.Duration) (*preparedMedia, error) {
	published, err := m.publisher.Publish(ctx, device.Host, req.Data, req.Extension, m.fileExpiry+duration)
	if err != nil {
		return nil, toolError("MEDIA_HOST_FAILED", fmt.Sprintf("failed to publish media: %v", err))
	}
	return &preparedMedia{
		url:         published.URL,
		contentType: published.ContentType,
		duration:    duration,
		published:   published,
		warnings:    []string{},
	}, nil
}

func (m *Manager) prepareFileMedia(ctx context.Context, source string, device domain.Device, duration time.Duration) (*preparedMedia, error) {
	filePath, err := m.validateLocalFilePath(source, "source")
	if err != nil {
		return nil, err
	}

	warnings := []string{}
	if duration == 0 {
		probed, warning := m.probeDuration(filePath)
		duration = probed
		if warning != "" {
			warnings = append(warnings, warning)
		}
	}

	published, err := m.publisher.PublishFile(ctx, device.Host, filePath, m.fileExpiry+duration)
	if err != nil {
		return nil, toolError("MEDIA_HOST_FAILED", fmt.Sprintf("failed to publish %s: %v", m.logPath(filePath), err))
	}
	return &preparedMedia{
		url:         published.URL,
		contentType: published.ContentType,
		duration:    duration,
		published:   published,
		warnings:    warnings,
	}, nil
}

func (m *Manager) probeDuration(filePath string) (time.Duration, string) {
	if m.inspector == nil || m.dependencies == nil {
		return 0, ""
	}
	ffmpegPath, ok := m.dependencies().FFmpegPath()
	if !ok {
		return 0, "ffmpeg/ffprobe not found; casting without a known duration"
	}
	seconds, err := m.inspector.DurationSeconds(ffmpegPath, filePath)
	if err != nil || seconds <= 0 {
		m.logger.Warn("duration_probe_failed", slog.String("path", m.logPath(filePath)), slog.Any("error", err))
		return 0, "unable to probe media duration; casting without a known duration"
	}
	return time.Duration(seconds * float64(time.Second)), ""
}

func (m *Manager) prepareURLMedia(ctx context.Context, sourceURL string, duration time.Duration) (*preparedMedia, error) {
	if _, err := m.validateSourceURLPolicy(sourceURL); err != nil {
		return nil, err
	}

	if utils.IsHLSStream(sourceURL, "") {
		return &preparedMedia{
			url:         sourceURL,
			contentType: hlsContentType,
			duration:    duration,
			warnings:    []string{},
		}, nil
	}

	warnings := []string{}
	contentType := ""
	if m.preflight != nil {
		var err error
		contentType, err = m.preflight(ctx, sourceURL)
		if err != nil {
			m.logger.Warn("url_preflight_failed", slog.String("url", sourceURL), slog.String("error", err.Error()))
			warnings = append(warnings, fmt.Sprintf("source URL preflight failed: %v", err))
		}
	}
	if contentType == "" {
		contentType = detectURLMediaType(sourceURL)
	}
	return &preparedMedia{
		url:         sourceURL,
		contentType: contentType,
		duration:    duration,
		warnings:    warnings,
	}, nil
}

// headContentType asks the origin for the media type without downloading it.
func (m *Manager) headContentType(ctx context.Context, sourceURL string) (string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodHead, sourceURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return "", fmt.Errorf("unexpected status %s", resp.Status)
	}
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mediaType == defaultContentType {
		return "", nil
	}
	return mediaType, nil
}

func isURLSource(source string) bool {
	u, err := url.Parse(source)
	return err == nil && u.Scheme != "" && u.Host != ""
}

func titleFor(source string) string {
	if source == "" {
		return defaultTitle
	}
	var name string
	if u, err := url.Parse(source); err == nil && u.Host != "" {
		name = path.Base(u.Path)
	} else {
		name = filepath.Base(source)
	}
	name = strings.TrimSuffix(name, path.Ext(name))
	if name == "" || name == "." || name == "/" {
		return defaultTitle
	}
	return name
}

func detectURLMediaType(sourceURL string) string {
	ext := mediaExt(sourceURL)
	if ext == "" {
		return defaultContentType
	}
	guessed := mime.TypeByExtension(ext)
	if guessed == "" {
		return defaultContentType
	}
	parts := strings.Split(guessed, ";")
	return strings.TrimSpace(parts[0])
}

func mediaExt(source string) string {
	if parsed, err := url.Parse(source); err == nil && parsed.Path != "" {
		ext := strings.ToLower(path.Ext(parsed.Path))
		if isSafeExt(ext) {
			return ext
		}
	}
	return ""
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

func (m *Manager) validateLocalFilePath(pathValue, fieldName string) (string, error) {
	pathValue = strings.TrimSpace(pathValue)
	if !filepath.IsAbs(pathValue) {
		return "", toolError("FILE_NOT_READABLE", fmt.Sprintf("%s must be an absolute local file path or an http(s) URL", fieldName))
	}

	info, err := os.Stat(pathValue)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", toolError("FILE_NOT_FOUND", fmt.Sprintf("file not found: %s", m.logPath(pathValue)))
		}
		return "", toolError("FILE_NOT_READABLE", fmt.Sprintf("unable to read file: %v", err))
	}
	if info.IsDir() {
		return "", toolError("FILE_NOT_READABLE", fmt.Sprintf("%s must be a file, not a directory", fieldName))
	}

	cleaned := filepath.Clean(pathValue)
	if !m.strictPathPolicy {
		return cleaned, nil
	}

	resolved, err := filepath.EvalSymlinks(cleaned)
	if err != nil || !filepath.IsAbs(resolved) {
		return "", pathPolicyBlockedError(fieldName)
	}
	if !m.pathAllowed(resolved) {
		m.logger.Warn("path_policy_blocked", slog.String("field", fieldName), slog.String("path", m.logPath(resolved)))
		return "", pathPolicyBlockedError(fieldName)
	}
	return filepath.Clean(resolved), nil
}

func (m *Manager) pathAllowed(pathValue string) bool {
	if !m.strictPathPolicy {
		return true
	}
	cleanPath := filepath.Clean(pathValue)
	for _, prefix := range m.allowedPathPrefixes {
		rel, err := filepath.Rel(prefix, cleanPath)
		if err != nil {
			continue
		}
		if rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator))) {
			return true
		}
	}
	return false
}

func (m *Manager) validateSourceURLPolicy(sourceURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(sourceURL))
	if err != nil {
		return nil, unsupportedURLPatternError("source URL is invalid", "URL_PARSE_INVALID")
	}
	if !strings.EqualFold(u.Scheme, "http") && !strings.EqualFold(u.Scheme, "https") {
		return nil, unsupportedURLPatternError("source URL must use http or https", "URL_SCHEME_UNSUPPORTED")
	}

	host := strings.TrimSpace(u.Hostname())
	if host == "" {
		return nil, unsupportedURLPatternError("source URL must include a host", "URL_HOST_MISSING")
	}
	if !m.allowLoopbackURLs && isLoopbackHost(host) {
		return nil, loopbackURLBlockedError(host)
	}
	return u, nil
}

func (m *Manager) logPath(pathValue string) string {
	if m.redactPaths && filepath.IsAbs(pathValue) {
		return "<redacted-path>"
	}
	return pathValue
}

func isLoopbackHost(host string) bool {
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func boolEnv(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseAllowedPathPrefixes(raw string) []string {
	items := strings.Split(raw, ",")
	out := make([]string, 0, len(items))
	for _, item := range items {
		p := strings.TrimSpace(item)
		if p == "" || !filepath.IsAbs(p) {
			continue
		}
		out = append(out, filepath.Clean(p))
	}
	return out
}
