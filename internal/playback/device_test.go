package playback

import (
	"context"
	"testing"
	"time"

	"go2tv.app/castspeak/internal/castwire"
	"go2tv.app/castspeak/internal/channel"
	"go2tv.app/castspeak/internal/domain"
	"go2tv.app/castspeak/internal/testutil/castdevice"
)

func TestStatusReadsReceiverAndDisconnects(t *testing.T) {
	device := castdevice.Start(t, castdevice.Options{InitialVolume: castdevice.Volume{Level: 0.25}})

	status, err := newTestOrchestrator(nil).Status(context.Background(), domain.Device{Name: "Den", Host: device.Host()})
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Volume.LevelValue() != 0.25 || len(status.Applications) != 0 {
		t.Fatalf("unexpected status %+v", status)
	}
	waitForCondition(t, time.Second, func() bool {
		return device.Count(castwire.NamespaceConnection, channel.TypeClose) == 1
	})
}

func TestStopAppOnlyStopsRunningReceiver(t *testing.T) {
	device := castdevice.Start(t, castdevice.Options{})
	target := domain.Device{Name: "Den", Host: device.Host()}
	o := newTestOrchestrator(nil)

	stopped, err := o.StopApp(context.Background(), target)
	if err != nil || stopped {
		t.Fatalf("expected nothing to stop, got stopped=%v err=%v", stopped, err)
	}

	device.SetAppRunning(true)
	stopped, err = o.StopApp(context.Background(), target)
	if err != nil || !stopped {
		t.Fatalf("expected app to be stopped, got stopped=%v err=%v", stopped, err)
	}
	if device.AppRunning() {
		t.Fatal("expected device app to be gone")
	}
	if n := device.Count(castwire.NamespaceReceiver, channel.TypeStop); n != 1 {
		t.Fatalf("expected one STOP, got %d", n)
	}
}
