package diagnostics

import (
	"context"
	"io"
	"time"

	"golang.org/x/sync/errgroup"

	"go2tv.app/castspeak/internal/domain"
	"go2tv.app/castspeak/internal/transport"
)

const maxConcurrentProbes = 8

var dialDevice = func(ctx context.Context, host string, opts transport.Options) (io.Closer, error) {
	return transport.Dial(ctx, host, opts)
}

type DeviceProbe struct {
	DeviceID  string `json:"device_id"`
	Name      string `json:"name"`
	Host      string `json:"host"`
	Reachable bool   `json:"reachable"`
	LatencyMS int64  `json:"latency_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ProbeDevices opens and closes a TLS connection to every device in
// parallel. Results keep the order of devices.
func ProbeDevices(ctx context.Context, devices []domain.Device, timeout time.Duration) []DeviceProbe {
	results := make([]DeviceProbe, len(devices))
	opts := transport.DefaultOptions()
	if timeout > 0 {
		opts.ConnectTimeout = timeout
		opts.HandshakeTimeout = timeout
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentProbes)
	for i, device := range devices {
		g.Go(func() error {
			results[i] = probe(gctx, device, opts, timeout)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func probe(ctx context.Context, device domain.Device, opts transport.Options, timeout time.Duration) DeviceProbe {
	result := DeviceProbe{DeviceID: device.ID, Name: device.DisplayName(), Host: device.Host}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	conn, err := dialDevice(ctx, device.Host, opts)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	_ = conn.Close()
	result.Reachable = true
	result.LatencyMS = time.Since(start).Milliseconds()
	return result
}
