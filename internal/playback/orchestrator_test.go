package playback

import (
	"context"
	"errors"
	"net"
	"reflect"
	"sync"
	"testing"
	"time"

	"go2tv.app/castspeak/internal/castclient"
	"go2tv.app/castspeak/internal/castwire"
	"go2tv.app/castspeak/internal/channel"
	"go2tv.app/castspeak/internal/domain"
	"go2tv.app/castspeak/internal/testutil/castdevice"
)

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(_ domain.Device, s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) snapshot() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func newTestOrchestrator(recorder *stateRecorder) *Orchestrator {
	opts := Options{
		Client:         castclient.DefaultOptions(),
		ConnectTimeout: 2 * time.Second,
		Retry:          RetryPolicy{Attempts: 1},
	}
	if recorder != nil {
		opts.OnState = recorder.record
	}
	return New(opts)
}

func testRequest(device *castdevice.Device) Request {
	return Request{
		Device: domain.Device{ID: "kitchen", Name: "Kitchen", Host: device.Host()},
		Media: Media{
			URL:         "http://192.168.1.10:8080/media-1.mp3",
			ContentType: "audio/mpeg",
			Title:       "Announcement",
			Duration:    3 * time.Second,
		},
		WaitForCompletion: true,
	}
}

func intPtr(v int) *int { return &v }

func TestPlayFinishedStopsAppAndDisconnects(t *testing.T) {
	device := castdevice.Start(t, castdevice.Options{OnLoad: castdevice.FinishWith("FINISHED")})
	recorder := &stateRecorder{}

	result, err := newTestOrchestrator(recorder).Play(context.Background(), testRequest(device))
	if err != nil {
		t.Fatalf("play: %v", err)
	}
	if result.IdleReason != "FINISHED" || result.MediaSessionID != 1 || result.DeviceID != "kitchen" {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.VolumeChanged || len(result.Warnings) != 0 {
		t.Fatalf("expected no volume change and no warnings, got %+v", result)
	}

	if device.Count(castwire.NamespaceReceiver, channel.TypeStop) != 1 {
		t.Fatal("expected the app to be stopped after playback")
	}
	if device.AppRunning() {
		t.Fatal("expected app to be gone after STOP")
	}
	waitForCondition(t, time.Second, func() bool {
		return device.Count(castwire.NamespaceConnection, channel.TypeClose) == 2
	})

	want := []State{StateIdle, StateConnecting, StateAppLaunching, StateMediaLoading, StatePlaying, StateFinished, StateDisconnecting, StateTerminal}
	if got := recorder.snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected state sequence\n got: %v\nwant: %v", got, want)
	}
}

func TestPlaySendsMediaDescription(t *testing.T) {
	loads := make(chan castdevice.Load, 1)
	device := castdevice.Start(t, castdevice.Options{
		OnLoad: func(p *castdevice.Peer, load castdevice.Load) {
			loads <- load
			p.ReplyLoaded(load)
		},
	})
	req := testRequest(device)
	req.Media.Live = true
	req.WaitForCompletion = false

	if _, err := newTestOrchestrator(nil).Play(context.Background(), req); err != nil {
		t.Fatalf("play: %v", err)
	}
	load := <-loads
	if load.ContentID != req.Media.URL || load.ContentType != "audio/mpeg" || load.Title != "Announcement" {
		t.Fatalf("unexpected load %+v", load)
	}
	if load.StreamType != string(channel.StreamTypeLive) || load.Duration != 3 {
		t.Fatalf("unexpected stream description %+v", load)
	}
	if load.Destination != castdevice.AppTransportID || load.SessionID != castdevice.AppSessionID {
		t.Fatalf("expected load addressed to the launched app, got %+v", load)
	}
}

func TestPlayWithoutWaitingLeavesMediaPlaying(t *testing.T) {
	device := castdevice.Start(t, castdevice.Options{})
	req := testRequest(device)
	req.WaitForCompletion = false

	result, err := newTestOrchestrator(nil).Play(context.Background(), req)
	if err != nil {
		t.Fatalf("play: %v", err)
	}
	if result.MediaSessionID == 0 || result.IdleReason != "" {
		t.Fatalf("unexpected result %+v", result)
	}
	if device.Count(castwire.NamespaceReceiver, channel.TypeStop) != 0 {
		t.Fatal("fire-and-forget playback must not stop the app")
	}
	waitForCondition(t, time.Second, func() bool {
		return device.Count(castwire.NamespaceConnection, channel.TypeClose) == 2
	})
}

func TestPlayIdleErrorFailsWithMediaLoadError(t *testing.T) {
	device := castdevice.Start(t, castdevice.Options{OnLoad: castdevice.FinishWith("ERROR")})

	result, err := newTestOrchestrator(nil).Play(context.Background(), testRequest(device))
	var loadErr *domain.MediaLoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("expected MediaLoadError, got %v", err)
	}
	if loadErr.IdleReason != "ERROR" || result.IdleReason != "ERROR" {
		t.Fatalf("unexpected idle reason %+v / %+v", loadErr, result)
	}
	if result.FinalState != StateTerminal {
		t.Fatalf("expected terminal state, got %s", result.FinalState)
	}
	if device.Count(castwire.NamespaceReceiver, channel.TypeStop) != 0 {
		t.Fatal("failed playback must not attempt STOP")
	}
	device.WaitPeer(time.Second).WaitClosed(time.Second)
	if n := device.Count(castwire.NamespaceConnection, channel.TypeClose); n != 0 {
		t.Fatalf("failed playback must abort without CLOSE, got %d", n)
	}
}

func TestPlayIdleErrorStillRestoresVolume(t *testing.T) {
	device := castdevice.Start(t, castdevice.Options{
		InitialVolume: castdevice.Volume{Level: 0.2},
		OnLoad:        castdevice.FinishWith("ERROR"),
	})
	recorder := &stateRecorder{}
	req := testRequest(device)
	req.Device.Volume = intPtr(80)

	result, err := newTestOrchestrator(recorder).Play(context.Background(), req)
	var loadErr *domain.MediaLoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("expected MediaLoadError, got %v", err)
	}
	if n := device.Count(castwire.NamespaceReceiver, channel.TypeSetVolume); n != 2 {
		t.Fatalf("expected set and restore after failed playback, got %d SET_VOLUME", n)
	}
	if v := device.Volume(); v.Level != 0.2 || v.Muted {
		t.Fatalf("expected original volume restored, got %+v", v)
	}
	if !result.VolumeChanged || len(result.Warnings) != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
	want := []State{StateFailed, StateVolumeRestoring, StateDisconnecting, StateTerminal}
	states := recorder.snapshot()
	if got := states[len(states)-len(want):]; !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected cleanup states\n got: %v\nwant: %v", got, want)
	}
	device.WaitPeer(time.Second).WaitClosed(time.Second)
}

func TestPlayWithoutWaitingKeepsRequestedVolume(t *testing.T) {
	device := castdevice.Start(t, castdevice.Options{InitialVolume: castdevice.Volume{Level: 0.2}})
	req := testRequest(device)
	req.WaitForCompletion = false
	req.Volume = intPtr(60)

	if _, err := newTestOrchestrator(nil).Play(context.Background(), req); err != nil {
		t.Fatalf("play: %v", err)
	}
	if n := device.Count(castwire.NamespaceReceiver, channel.TypeSetVolume); n != 1 {
		t.Fatalf("expected a single SET_VOLUME, got %d", n)
	}
	if v := device.Volume(); v.Level != 0.6 {
		t.Fatalf("expected requested volume kept while media plays, got %+v", v)
	}
}

func TestPlayRemoteCloseDuringLoadIsDisconnect(t *testing.T) {
	device := castdevice.Start(t, castdevice.Options{
		OnLoad: func(p *castdevice.Peer, load castdevice.Load) {
			_ = p.SendClose(load.Destination, load.Source)
		},
	})

	done := make(chan error, 1)
	go func() {
		_, err := newTestOrchestrator(nil).Play(context.Background(), testRequest(device))
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, domain.ErrDeviceDisconnected) {
			t.Fatalf("expected ErrDeviceDisconnected, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("play hung after the device closed the connection")
	}
}

func TestPlayKeepsVolumeWhenAlreadyEqual(t *testing.T) {
	device := castdevice.Start(t, castdevice.Options{
		InitialVolume: castdevice.Volume{Level: 0.5},
		OnLoad:        castdevice.FinishWith("FINISHED"),
	})
	req := testRequest(device)
	req.Volume = intPtr(50)

	result, err := newTestOrchestrator(nil).Play(context.Background(), req)
	if err != nil {
		t.Fatalf("play: %v", err)
	}
	if result.VolumeChanged {
		t.Fatal("expected volume to stay untouched")
	}
	if n := device.Count(castwire.NamespaceReceiver, channel.TypeSetVolume); n != 0 {
		t.Fatalf("expected no SET_VOLUME, got %d", n)
	}
}

func TestPlayChangesAndRestoresVolume(t *testing.T) {
	device := castdevice.Start(t, castdevice.Options{
		InitialVolume: castdevice.Volume{Level: 0.2, Muted: true},
		OnLoad: func(p *castdevice.Peer, load castdevice.Load) {
			if v := p.Device().Volume(); v.Level != 0.8 || v.Muted {
				t.Errorf("expected volume 0.8 unmuted during playback, got %+v", v)
			}
			castdevice.FinishWith("FINISHED")(p, load)
		},
	})
	recorder := &stateRecorder{}
	req := testRequest(device)
	req.Device.Volume = intPtr(80)

	result, err := newTestOrchestrator(recorder).Play(context.Background(), req)
	if err != nil {
		t.Fatalf("play: %v", err)
	}
	if !result.VolumeChanged {
		t.Fatal("expected volume change to be reported")
	}
	if n := device.Count(castwire.NamespaceReceiver, channel.TypeSetVolume); n != 2 {
		t.Fatalf("expected set and restore, got %d SET_VOLUME", n)
	}
	if v := device.Volume(); v.Level != 0.2 || !v.Muted {
		t.Fatalf("expected original volume restored, got %+v", v)
	}
	states := recorder.snapshot()
	if !containsState(states, StateVolumeAdjusting) || !containsState(states, StateVolumeRestoring) {
		t.Fatalf("expected volume states, got %v", states)
	}
}

func TestPlayRequestVolumeOverridesDeviceDefault(t *testing.T) {
	device := castdevice.Start(t, castdevice.Options{
		InitialVolume: castdevice.Volume{Level: 0.3},
		OnLoad:        castdevice.FinishWith("FINISHED"),
	})
	req := testRequest(device)
	req.Device.Volume = intPtr(90)
	req.Volume = intPtr(30)

	result, err := newTestOrchestrator(nil).Play(context.Background(), req)
	if err != nil {
		t.Fatalf("play: %v", err)
	}
	if result.VolumeChanged {
		t.Fatal("request volume equal to the device volume must not change it")
	}
}

func TestPlayFailsWhenAppNeverAppears(t *testing.T) {
	for name, opts := range map[string]castdevice.Options{
		"launch ignored":  {LaunchIgnored: true},
		"launch rejected": {LaunchFails: true},
	} {
		t.Run(name, func(t *testing.T) {
			device := castdevice.Start(t, opts)

			_, err := newTestOrchestrator(nil).Play(context.Background(), testRequest(device))
			if !errors.Is(err, ErrNoDefaultApp) {
				t.Fatalf("expected ErrNoDefaultApp, got %v", err)
			}
			var devErr *domain.DeviceError
			if !errors.As(err, &devErr) || devErr.DeviceName != "Kitchen" {
				t.Fatalf("expected DeviceError naming the device, got %v", err)
			}
			if device.Count(castwire.NamespaceMedia, channel.TypeLoad) != 0 {
				t.Fatal("expected no LOAD without an app")
			}
		})
	}
}

func TestPlayHonoursContextDeadline(t *testing.T) {
	device := castdevice.Start(t, castdevice.Options{
		OnLoad: func(*castdevice.Peer, castdevice.Load) {},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := newTestOrchestrator(nil).Play(ctx, testRequest(device))
	if !domain.IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("play ignored the deadline, took %s", elapsed)
	}
}

func TestPlayConnectTimesOutWithoutPong(t *testing.T) {
	device := castdevice.Start(t, castdevice.Options{SilentHeartbeat: true})
	o := New(Options{
		Client:         castclient.DefaultOptions(),
		ConnectTimeout: 200 * time.Millisecond,
		Retry:          RetryPolicy{Attempts: 1},
	})

	_, err := o.Play(context.Background(), testRequest(device))
	var devErr *domain.DeviceError
	if !errors.As(err, &devErr) || devErr.Op != "CONNECT" || !domain.IsTimeout(err) {
		t.Fatalf("expected connect timeout, got %v", err)
	}
	if device.Count(castwire.NamespaceReceiver, channel.TypeLaunch) != 0 {
		t.Fatal("expected no LAUNCH before the device answered a PING")
	}
}

func TestPlayRetriesRefusedConnections(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	host := ln.Addr().String()
	_ = ln.Close()

	var mu sync.Mutex
	attempts := 0
	o := New(Options{
		ConnectTimeout: 2 * time.Second,
		Retry:          RetryPolicy{Attempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond},
		NewClient: func(device domain.Device) *castclient.Client {
			mu.Lock()
			attempts++
			mu.Unlock()
			return castclient.New(device, castclient.DefaultOptions())
		},
	})

	_, err = o.Play(context.Background(), Request{Device: domain.Device{Name: "Gone", Host: host}})
	var devErr *domain.DeviceError
	if !errors.As(err, &devErr) || devErr.Op != "CONNECT" {
		t.Fatalf("expected connect failure, got %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 {
		t.Fatalf("expected 3 connect attempts with fresh clients, got %d", attempts)
	}
}

func TestVolumeFromPercent(t *testing.T) {
	tests := []struct {
		percent int
		want    float64
	}{
		{percent: 0, want: 0},
		{percent: 35, want: 0.35},
		{percent: 100, want: 1},
		{percent: -5, want: 0},
		{percent: 150, want: 1},
	}
	for _, tc := range tests {
		v := VolumeFromPercent(tc.percent)
		if v.LevelValue() != tc.want || v.MutedValue() {
			t.Fatalf("VolumeFromPercent(%d) = %+v, want level %v", tc.percent, v, tc.want)
		}
	}
}

func TestSameVolume(t *testing.T) {
	if !sameVolume(channel.NewVolume(0.5, false), channel.NewVolume(0.502, false)) {
		t.Fatal("expected levels within epsilon to match")
	}
	if sameVolume(channel.NewVolume(0.5, false), channel.NewVolume(0.51, false)) {
		t.Fatal("expected distinct levels to differ")
	}
	if sameVolume(channel.NewVolume(0.5, true), channel.NewVolume(0.5, false)) {
		t.Fatal("expected muted flag to count")
	}
	if !sameVolume(channel.Volume{}, channel.NewVolume(0, false)) {
		t.Fatal("expected missing fields to read as zero values")
	}
}

func containsState(states []State, want State) bool {
	for _, s := range states {
		if s == want {
			return true
		}
	}
	return false
}

func waitForCondition(t *testing.T, timeout time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
