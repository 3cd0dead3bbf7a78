package diagnostics

import (
	"context"
	"net"
	"testing"
	"time"

	"go2tv.app/castspeak/internal/domain"
	"go2tv.app/castspeak/internal/testutil/castdevice"
)

func TestProbeDevicesReportsReachability(t *testing.T) {
	device := castdevice.Start(t, castdevice.Options{})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	closedHost := ln.Addr().String()
	_ = ln.Close()

	results := ProbeDevices(context.Background(), []domain.Device{
		{ID: "kitchen", Name: "Kitchen", Host: device.Host()},
		{ID: "gone", Host: closedHost},
	}, time.Second)

	if len(results) != 2 {
		t.Fatalf("expected two results, got %d", len(results))
	}
	if !results[0].Reachable || results[0].Error != "" || results[0].Name != "Kitchen" {
		t.Fatalf("expected kitchen reachable, got %+v", results[0])
	}
	if results[1].Reachable || results[1].Error == "" || results[1].Name != "gone" {
		t.Fatalf("expected closed port unreachable, got %+v", results[1])
	}
}

func TestProbeDevicesEmpty(t *testing.T) {
	if got := ProbeDevices(context.Background(), nil, time.Second); len(got) != 0 {
		t.Fatalf("expected no results, got %+v", got)
	}
}
