package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	go2tvadapters "go2tv.app/castspeak/internal/adapters/go2tv"
	"go2tv.app/castspeak/internal/beam"
	"go2tv.app/castspeak/internal/buildinfo"
	"go2tv.app/castspeak/internal/castclient"
	"go2tv.app/castspeak/internal/config"
	"go2tv.app/castspeak/internal/diagnostics"
	"go2tv.app/castspeak/internal/domain"
	"go2tv.app/castspeak/internal/lifecycle"
	"go2tv.app/castspeak/internal/mcpserver"
	"go2tv.app/castspeak/internal/mediahost"
	"go2tv.app/castspeak/internal/playback"
)

const serverName = "castspeak"

type selfTestOutput struct {
	Server struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"server"`
	Config struct {
		Path    string `json:"path"`
		Devices int    `json:"devices"`
		WebHost string `json:"web_host"`
		WebPort int    `json:"web_port"`
	} `json:"config"`
	Dependencies diagnostics.DependencyReport `json:"dependencies"`
	Devices      []diagnostics.DeviceProbe    `json:"devices"`
}

type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	manager *beam.Manager
}

func main() {
	configPath := flag.String("config", "", "path to the castspeak ini file")
	selfTest := flag.Bool("self-test", false, "check dependencies, load the config, probe every device, then exit")
	showVersion := flag.Bool("version", false, "print version and exit")
	castSource := flag.String("cast", "", "cast one file or URL, print the result and exit")
	castDevices := flag.String("devices", "", "comma separated device ids or names for -cast")
	castTitle := flag.String("title", "", "title shown on the device for -cast")
	castVolume := flag.Int("volume", -1, "volume percent for -cast; -1 keeps the current volume")
	castLive := flag.Bool("live", false, "mark the -cast media as a live stream")
	flag.Parse()

	if *showVersion {
		fmt.Println(buildinfo.Resolved())
		return
	}

	logLevel := parseLogLevel(os.Getenv("CASTSPEAK_LOG_LEVEL"))
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	runCtx, stopSignals := lifecycle.WithTermination(context.Background())
	defer stopSignals()

	if *selfTest {
		if err := runSelfTest(runCtx, cfg); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	a := newApp(cfg, logger)

	var runErr error
	if *castSource != "" {
		req := domain.CastRequest{
			Source:  *castSource,
			Devices: splitDevices(*castDevices),
			Title:   *castTitle,
			Live:    *castLive,
		}
		if *castVolume >= 0 {
			req.Volume = castVolume
		}
		runErr = a.castOnce(runCtx, req)
	} else {
		runErr = a.serve(runCtx, logLevel)
	}

	shutdownCtx, cancelShutdown := lifecycle.ShutdownContext(runCtx, lifecycle.DefaultShutdownTimeout)
	defer cancelShutdown()
	if err := a.manager.Close(shutdownCtx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		fmt.Fprintln(os.Stderr, runErr)
		os.Exit(1)
	}
}

func newApp(cfg *config.Config, logger *slog.Logger) *app {
	bundle := go2tvadapters.NewBundle()
	host := mediahost.New(mediahost.Options{
		Servers:    bundle.StreamServers,
		Inspector:  bundle.Inspector,
		ListenIP:   cfg.Settings.WebServerIPAddress,
		ListenPort: cfg.Settings.WebServerPort,
		Logger:     logger,
	})

	clientOpts := castclient.DefaultOptions()
	clientOpts.HeartbeatInterval = cfg.HeartbeatInterval()
	clientOpts.HeartbeatDeadAfter = cfg.HeartbeatTimeout()
	clientOpts.Logger = logger

	orchestrator := playback.New(playback.Options{
		Client:         clientOpts,
		ConnectTimeout: cfg.ConnectTimeout(),
		Logger:         logger,
	})
	manager := beam.NewManager(cfg.Registry, orchestrator, host, bundle.Inspector, beam.Options{
		FileExpiry: cfg.FileExpiry(),
		Logger:     logger,
	})
	return &app{cfg: cfg, logger: logger, manager: manager}
}

func (a *app) serve(ctx context.Context, logLevel slog.Level) error {
	a.logger.Info(
		"mcp_server_start",
		slog.String("server", serverName),
		slog.String("version", buildinfo.Resolved()),
		slog.String("log_level", logLevel.String()),
		slog.String("config", a.cfg.Path),
		slog.Int("devices", len(a.cfg.Registry.Devices())),
	)
	srv := mcpserver.New(os.Stdin, os.Stdout, mcpserver.Config{
		ServerName:     serverName,
		ServerVersion:  buildinfo.Resolved(),
		Logger:         a.logger,
		Devices:        a.cfg.Registry,
		CastController: a.manager,
		Probe: func(ctx context.Context, devices []domain.Device) []diagnostics.DeviceProbe {
			return diagnostics.ProbeDevices(ctx, devices, a.cfg.ConnectTimeout())
		},
	})

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- srv.Run(ctx)
	}()

	var runErr error
	select {
	case runErr = <-runErrCh:
	case <-ctx.Done():
		runErr = ctx.Err()
	}
	if runErr != nil {
		a.logger.Warn("mcp_server_stopping", slog.String("reason", runErr.Error()))
	} else {
		a.logger.Info("mcp_server_stopping", slog.String("reason", "clean_eof"))
	}
	return runErr
}

func (a *app) castOnce(ctx context.Context, req domain.CastRequest) error {
	result, err := a.manager.Cast(ctx, req)
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(result); err != nil {
		return err
	}
	if !result.OK {
		return errors.New("cast failed on one or more devices")
	}
	return nil
}

func runSelfTest(ctx context.Context, cfg *config.Config) error {
	var out selfTestOutput
	out.Server.Name = serverName
	out.Server.Version = buildinfo.Resolved()
	out.Config.Path = cfg.Path
	out.Config.Devices = len(cfg.Registry.Devices())
	out.Config.WebHost = cfg.Settings.WebServerIPAddress
	out.Config.WebPort = cfg.Settings.WebServerPort
	out.Dependencies = diagnostics.CheckDependencies()
	out.Devices = diagnostics.ProbeDevices(ctx, cfg.Registry.Devices(), cfg.ConnectTimeout())

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(out)
}

func splitDevices(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return slog.LevelInfo
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		fmt.Fprintf(os.Stderr, "invalid CASTSPEAK_LOG_LEVEL=%q; defaulting to info\n", raw)
		return slog.LevelInfo
	}
}
