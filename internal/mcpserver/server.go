// Package mcpserver exposes cast tools over a stdio JSON-RPC (MCP) server.
package mcpserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"go2tv.app/castspeak/internal/diagnostics"
	"go2tv.app/castspeak/internal/domain"
)

type DeviceLister interface {
	Devices() []domain.Device
}

type CastController interface {
	Cast(ctx context.Context, req domain.CastRequest) (*domain.CastResult, error)
	CastStatus(castID string) ([]domain.CastSummary, error)
	StopCast(ctx context.Context, req domain.StopRequest) (*domain.StopResult, error)
	DeviceStatus(ctx context.Context, target string) (*domain.DeviceStatus, error)
	StopApp(ctx context.Context, target string) (*domain.AppStopResult, error)
}

// ProbeFunc checks device reachability for list_devices with probe=true.
type ProbeFunc func(ctx context.Context, devices []domain.Device) []diagnostics.DeviceProbe

type Server struct {
	in            *bufio.Reader
	out           *bufio.Writer
	serverName    string
	serverVersion string
	logger        *slog.Logger
	mode          framing
	modeLocked    bool
	tools         []tool
	devices       DeviceLister
	casts         CastController
	probe         ProbeFunc
}

type Config struct {
	ServerName     string
	ServerVersion  string
	Logger         *slog.Logger
	Devices        DeviceLister
	CastController CastController
	Probe          ProbeFunc
}

func New(in io.Reader, out io.Writer, cfg Config) *Server {
	if cfg.ServerName == "" {
		cfg.ServerName = "castspeak"
	}
	if cfg.ServerVersion == "" {
		cfg.ServerVersion = "dev"
	}

	return &Server{
		in:            bufio.NewReader(in),
		out:           bufio.NewWriter(out),
		serverName:    cfg.ServerName,
		serverVersion: cfg.ServerVersion,
		logger:        cfg.Logger,
		tools:         staticTools(),
		devices:       cfg.Devices,
		casts:         cfg.CastController,
		probe:         cfg.Probe,
	}
}

// Run serves requests until the input ends or ctx is cancelled. Requests
// are handled one at a time.
func (s *Server) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.logLifecycle(slog.LevelInfo, "mcp_context_done", slog.String("reason", ctx.Err().Error()))
			return ctx.Err()
		default:
		}

		payload, mode, err := readMessage(s.in)
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.logLifecycle(slog.LevelInfo, "mcp_stream_eof")
				return nil
			}
			s.logLifecycle(slog.LevelError, "mcp_read_error", slog.String("error", err.Error()))
			return err
		}
		if !s.modeLocked {
			s.mode = mode
			s.modeLocked = true
			s.logLifecycle(slog.LevelDebug, "mcp_output_mode", slog.String("mode", mode.String()))
		}
		s.logLifecycle(slog.LevelDebug, "mcp_message_received", slog.Int("bytes", len(payload)))

		if err := s.handle(ctx, payload); err != nil {
			s.logLifecycle(slog.LevelError, "mcp_handle_error", slog.String("error", err.Error()))
			return err
		}
	}
}

func (s *Server) handle(ctx context.Context, payload []byte) error {
	startedAt := time.Now()

	var req request
	if err := json.Unmarshal(payload, &req); err != nil {
		s.logCall("parse", "", "", startedAt, "-32700")
		return s.sendError(nil, codeParseError, "parse error")
	}

	if req.isNotification() {
		return nil
	}

	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		s.logCall(req.Method, "", "", startedAt, "-32600")
		return s.sendError(req.ID, codeInvalidRequest, "invalid request")
	}

	switch req.Method {
	case "initialize":
		s.logCall("initialize", "", "", startedAt, "")
		return s.sendResult(req.ID, newInitializeResult(s.serverName, s.serverVersion))
	case "ping":
		s.logCall("ping", "", "", startedAt, "")
		return s.sendResult(req.ID, struct{}{})
	case "tools/list":
		s.logCall("tools/list", "", "", startedAt, "")
		return s.sendResult(req.ID, toolsListResult{Tools: s.tools})
	case "tools/call":
		return s.handleToolCall(ctx, req.ID, req.Params)
	default:
		s.logCall(req.Method, "", "", startedAt, "-32601")
		return s.sendError(req.ID, codeMethodNotFound, "method not found")
	}
}

func (s *Server) handleToolCall(ctx context.Context, id json.RawMessage, rawParams json.RawMessage) error {
	startedAt := time.Now()

	params, err := decodeToolCallParams(rawParams)
	if err != nil {
		return s.sendInvalidParams("tools/call", "", startedAt, id)
	}

	switch params.Name {
	case "list_devices":
		return s.handleListDevices(ctx, id, params.Arguments)
	case "cast_media":
		return s.handleCastMedia(ctx, id, params.Arguments)
	case "cast_status":
		return s.handleCastStatus(id, params.Arguments)
	case "stop_cast":
		return s.handleStopCast(ctx, id, params.Arguments)
	case "device_status":
		return s.handleDeviceStatus(ctx, id, params.Arguments)
	case "stop_app":
		return s.handleStopApp(ctx, id, params.Arguments)
	default:
		s.logCall(params.Name, "", "", startedAt, "TOOL_NOT_FOUND")
		return s.sendResult(id, toolErrorResult(&domain.ToolError{
			Code:    "TOOL_NOT_FOUND",
			Message: fmt.Sprintf("unknown tool: %s", params.Name),
		}))
	}
}

func decodeToolCallParams(raw json.RawMessage) (toolsCallParams, error) {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(raw, &payload); err != nil {
		return toolsCallParams{}, err
	}

	var name string
	nameRaw, ok := payload["name"]
	if !ok {
		return toolsCallParams{}, errors.New("missing tool name")
	}
	if err := json.Unmarshal(nameRaw, &name); err != nil {
		return toolsCallParams{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return toolsCallParams{}, errors.New("missing tool name")
	}

	// Some clients put the arguments next to the name instead of nesting them.
	arguments, ok := payload["arguments"]
	if !ok {
		flattened := map[string]json.RawMessage{}
		for key, value := range payload {
			if key == "name" || key == "_meta" {
				continue
			}
			flattened[key] = value
		}
		if len(flattened) > 0 {
			normalized, err := json.Marshal(flattened)
			if err != nil {
				return toolsCallParams{}, err
			}
			arguments = normalized
		}
	}
	if len(bytes.TrimSpace(arguments)) == 0 || bytes.Equal(bytes.TrimSpace(arguments), []byte("null")) {
		arguments = json.RawMessage("{}")
	}
	return toolsCallParams{Name: name, Arguments: arguments}, nil
}

func (s *Server) handleListDevices(ctx context.Context, id json.RawMessage, rawArgs json.RawMessage) error {
	startedAt := time.Now()
	if s.devices == nil {
		return s.sendToolInternalError("list_devices", startedAt, id, "device registry is not configured")
	}

	var args struct {
		Probe bool `json:"probe,omitempty"`
	}
	if err := decodeStrict(rawArgs, &args); err != nil {
		return s.sendInvalidParams("list_devices", "", startedAt, id)
	}

	devices := s.devices.Devices()
	structured := map[string]any{
		"count":   len(devices),
		"devices": devices,
	}
	text := fmt.Sprintf("%d configured device(s).", len(devices))
	if len(devices) > 0 {
		text += "\n" + formatDevices(devices)
	}
	if args.Probe && s.probe != nil {
		probes := s.probe(ctx, devices)
		structured["probes"] = probes
		reachable := 0
		for _, p := range probes {
			if p.Reachable {
				reachable++
			}
		}
		text += fmt.Sprintf("\n%d of %d reachable.", reachable, len(probes))
	}

	s.logCall("list_devices", "", "", startedAt, "")
	return s.sendResult(id, textResult(text, structured))
}

func (s *Server) handleCastMedia(ctx context.Context, id json.RawMessage, rawArgs json.RawMessage) error {
	startedAt := time.Now()
	if s.casts == nil {
		return s.sendToolInternalError("cast_media", startedAt, id, "cast controller is not configured")
	}

	var args struct {
		Source            string   `json:"source"`
		Devices           []string `json:"devices,omitempty"`
		ContentType       string   `json:"content_type,omitempty"`
		Title             string   `json:"title,omitempty"`
		Live              bool     `json:"live,omitempty"`
		Volume            *int     `json:"volume,omitempty"`
		DurationSeconds   float64  `json:"duration_seconds,omitempty"`
		WaitForCompletion *bool    `json:"wait_for_completion,omitempty"`
		Async             bool     `json:"async,omitempty"`
	}
	if err := decodeStrict(rawArgs, &args); err != nil {
		return s.sendInvalidParams("cast_media", "", startedAt, id)
	}
	args.Source = strings.TrimSpace(args.Source)
	if args.Source == "" {
		return s.sendInvalidParams("cast_media", "", startedAt, id)
	}
	if args.Volume != nil && (*args.Volume < 0 || *args.Volume > 100) {
		return s.sendInvalidParams("cast_media", "", startedAt, id)
	}
	targets := strings.Join(args.Devices, ",")

	result, err := s.casts.Cast(ctx, domain.CastRequest{
		Source:            args.Source,
		Devices:           args.Devices,
		ContentType:       strings.TrimSpace(args.ContentType),
		Title:             strings.TrimSpace(args.Title),
		Live:              args.Live,
		Volume:            args.Volume,
		DurationSeconds:   args.DurationSeconds,
		WaitForCompletion: args.WaitForCompletion,
		Async:             args.Async,
	})
	if err != nil {
		s.logCall("cast_media", targets, "", startedAt, toolErrorCode(err))
		return s.sendResult(id, toolErrorResultFromError(err))
	}

	errorCode := ""
	if !result.OK {
		errorCode = "PARTIAL_FAILURE"
	}
	s.logCall("cast_media", targets, result.CastID, startedAt, errorCode)

	out := textResult(castSummaryText(result), result)
	out.IsError = !result.OK
	return s.sendResult(id, out)
}

func (s *Server) handleCastStatus(id json.RawMessage, rawArgs json.RawMessage) error {
	startedAt := time.Now()
	if s.casts == nil {
		return s.sendToolInternalError("cast_status", startedAt, id, "cast controller is not configured")
	}

	var args struct {
		CastID string `json:"cast_id,omitempty"`
	}
	if err := decodeStrict(rawArgs, &args); err != nil {
		return s.sendInvalidParams("cast_status", "", startedAt, id)
	}
	castID := strings.TrimSpace(args.CastID)

	casts, err := s.casts.CastStatus(castID)
	if err != nil {
		s.logCall("cast_status", "", castID, startedAt, toolErrorCode(err))
		return s.sendResult(id, toolErrorResultFromError(err))
	}
	s.logCall("cast_status", "", castID, startedAt, "")

	running := 0
	for _, c := range casts {
		if !c.Done {
			running++
		}
	}
	text := fmt.Sprintf("%d cast(s), %d running.", len(casts), running)
	return s.sendResult(id, textResult(text, map[string]any{"casts": casts}))
}

func (s *Server) handleStopCast(ctx context.Context, id json.RawMessage, rawArgs json.RawMessage) error {
	startedAt := time.Now()
	if s.casts == nil {
		return s.sendToolInternalError("stop_cast", startedAt, id, "cast controller is not configured")
	}

	var args struct {
		CastID string `json:"cast_id"`
	}
	if err := decodeStrict(rawArgs, &args); err != nil || strings.TrimSpace(args.CastID) == "" {
		return s.sendInvalidParams("stop_cast", "", startedAt, id)
	}
	castID := strings.TrimSpace(args.CastID)

	result, err := s.casts.StopCast(ctx, domain.StopRequest{CastID: castID})
	if err != nil {
		s.logCall("stop_cast", "", castID, startedAt, toolErrorCode(err))
		return s.sendResult(id, toolErrorResultFromError(err))
	}
	s.logCall("stop_cast", "", castID, startedAt, "")
	return s.sendResult(id, textResult(fmt.Sprintf("Stopped cast %s.", result.CastID), result))
}

func (s *Server) handleDeviceStatus(ctx context.Context, id json.RawMessage, rawArgs json.RawMessage) error {
	startedAt := time.Now()
	if s.casts == nil {
		return s.sendToolInternalError("device_status", startedAt, id, "cast controller is not configured")
	}

	target, ok := decodeDeviceArg(rawArgs)
	if !ok {
		return s.sendInvalidParams("device_status", "", startedAt, id)
	}

	status, err := s.casts.DeviceStatus(ctx, target)
	if err != nil {
		s.logCall("device_status", target, "", startedAt, toolErrorCode(err))
		return s.sendResult(id, toolErrorResultFromError(err))
	}
	s.logCall("device_status", status.DeviceID, "", startedAt, "")

	text := fmt.Sprintf("%s: volume %.0f%%", status.DeviceName, status.Volume.Level*100)
	if status.Volume.Muted {
		text += " (muted)"
	}
	for _, app := range status.Applications {
		text += fmt.Sprintf("\nrunning %s (%s)", app.DisplayName, app.AppID)
	}
	return s.sendResult(id, textResult(text, status))
}

func (s *Server) handleStopApp(ctx context.Context, id json.RawMessage, rawArgs json.RawMessage) error {
	startedAt := time.Now()
	if s.casts == nil {
		return s.sendToolInternalError("stop_app", startedAt, id, "cast controller is not configured")
	}

	target, ok := decodeDeviceArg(rawArgs)
	if !ok {
		return s.sendInvalidParams("stop_app", "", startedAt, id)
	}

	result, err := s.casts.StopApp(ctx, target)
	if err != nil {
		s.logCall("stop_app", target, "", startedAt, toolErrorCode(err))
		return s.sendResult(id, toolErrorResultFromError(err))
	}
	s.logCall("stop_app", result.DeviceID, "", startedAt, "")

	text := "Nothing was playing on " + result.DeviceID + "."
	if result.Stopped {
		text = "Stopped the media receiver on " + result.DeviceID + "."
	}
	return s.sendResult(id, textResult(text, result))
}

func decodeDeviceArg(raw json.RawMessage) (string, bool) {
	var args struct {
		Device string `json:"device"`
	}
	if err := decodeStrict(raw, &args); err != nil {
		return "", false
	}
	target := strings.TrimSpace(args.Device)
	return target, target != ""
}

func decodeStrict(raw json.RawMessage, out any) error {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return err
	}
	var trailing any
	if err := decoder.Decode(&trailing); !errors.Is(err, io.EOF) {
		return errors.New("invalid JSON payload")
	}
	return nil
}

func (s *Server) sendInvalidParams(method, target string, startedAt time.Time, id json.RawMessage) error {
	s.logCall(method, target, "", startedAt, "-32602")
	return s.sendError(id, codeInvalidParams, "invalid params")
}

func (s *Server) sendToolInternalError(method string, startedAt time.Time, id json.RawMessage, message string) error {
	s.logCall(method, "", "", startedAt, "INTERNAL_ERROR")
	return s.sendResult(id, toolErrorResult(&domain.ToolError{Code: "INTERNAL_ERROR", Message: message}))
}

func toolErrorResult(tErr *domain.ToolError) toolCallResult {
	return toolCallResult{
		Content:           []toolContent{{Type: "text", Text: tErr.Error()}},
		StructuredContent: map[string]any{"error": tErr},
		IsError:           true,
	}
}

func toolErrorResultFromError(err error) toolCallResult {
	var tErr *domain.ToolError
	if errors.As(err, &tErr) && tErr != nil {
		return toolErrorResult(tErr)
	}
	return toolErrorResult(&domain.ToolError{Code: "INTERNAL_ERROR", Message: err.Error()})
}

func toolErrorCode(err error) string {
	var tErr *domain.ToolError
	if errors.As(err, &tErr) && tErr != nil && strings.TrimSpace(tErr.Code) != "" {
		return tErr.Code
	}
	return "INTERNAL_ERROR"
}

func (s *Server) logCall(method, target, castID string, startedAt time.Time, errorCode string) {
	if s == nil || s.logger == nil {
		return
	}
	level := slog.LevelInfo
	if errorCode != "" {
		level = slog.LevelError
	}

	s.logger.Log(
		context.Background(),
		level,
		"mcp_call",
		slog.String("method", strings.TrimSpace(method)),
		slog.String("device", strings.TrimSpace(target)),
		slog.String("cast_id", strings.TrimSpace(castID)),
		slog.Int64("duration_ms", time.Since(startedAt).Milliseconds()),
		slog.String("error_code", errorCode),
	)
}

func (s *Server) sendResult(id json.RawMessage, result any) error {
	return s.send(resultResponse(id, result))
}

func (s *Server) sendError(id json.RawMessage, code int, message string) error {
	return s.send(errorResponse(id, code, message))
}

func (s *Server) send(resp response) error {
	encoded, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	s.logLifecycle(slog.LevelDebug, "mcp_send", slog.Int("bytes", len(encoded)))
	return writeMessage(s.out, s.mode, encoded)
}

func (s *Server) logLifecycle(level slog.Level, msg string, attrs ...any) {
	if s == nil || s.logger == nil {
		return
	}
	s.logger.Log(context.Background(), level, msg, attrs...)
}

func formatDevices(devices []domain.Device) string {
	var out strings.Builder
	for i, dev := range devices {
		if i > 0 {
			out.WriteByte('\n')
		}
		fmt.Fprintf(&out, "%d. id=%s name=%s host=%s", i+1, dev.ID, dev.DisplayName(), dev.Host)
		if dev.Volume != nil {
			fmt.Fprintf(&out, " volume=%d", *dev.Volume)
		}
	}
	return out.String()
}

func castSummaryText(result *domain.CastResult) string {
	if result.Async {
		return fmt.Sprintf("Cast %s started in the background. Use cast_status to follow it.", result.CastID)
	}
	succeeded := 0
	var out strings.Builder
	for _, o := range result.Outcomes {
		if o.OK {
			succeeded++
		}
	}
	fmt.Fprintf(&out, "Cast %s: %d of %d device(s) succeeded.", result.CastID, succeeded, len(result.Outcomes))
	for _, o := range result.Outcomes {
		fmt.Fprintf(&out, "\n%s: %s", o.DeviceName, o.State)
		if o.Error != nil {
			fmt.Fprintf(&out, " (%s)", o.Error.Code)
		}
	}
	return out.String()
}
