// Package castdevice runs an in-process TLS cast receiver for tests.
package castdevice

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"go2tv.app/castspeak/internal/castwire"
)

const (
	DefaultMediaReceiverAppID = "CC1AD845"
	AppSessionID              = "app-session-1"
	AppTransportID            = "web-1"
)

// Volume is the device-side volume state.
type Volume struct {
	Level float64 `json:"level"`
	Muted bool    `json:"muted"`
}

// Load describes a received LOAD request.
type Load struct {
	RequestID   int
	SessionID   string
	ContentID   string
	ContentType string
	StreamType  string
	Duration    float64
	Title       string
	Source      string
	Destination string
}

// Message is one envelope received by the device.
type Message struct {
	Namespace   string
	Source      string
	Destination string
	Type        string
	RequestID   int
	Payload     string
}

// Options scripts device behaviour.
type Options struct {
	InitialVolume   Volume
	LaunchFails     bool
	LaunchIgnored   bool
	SilentHeartbeat bool
	// OnLoad replaces the default LOAD reply when set.
	OnLoad func(p *Peer, load Load)
}

// Device accepts sender connections and answers like a default media receiver.
type Device struct {
	t    testing.TB
	opts Options
	ln   net.Listener

	mu             sync.Mutex
	received       []Message
	peers          []*Peer
	volume         Volume
	appRunning     bool
	mediaSessionID int
	connected      chan *Peer

	wg sync.WaitGroup
}

// Peer is one accepted sender connection.
type Peer struct {
	device  *Device
	conn    net.Conn
	writeMu sync.Mutex
	closed  chan struct{}
}

// Start listens on loopback with a self-signed certificate. The device is
// shut down by t.Cleanup.
func Start(t testing.TB, opts Options) *Device {
	t.Helper()

	cert := SelfSignedCertificate(t)
	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	d := &Device{
		t:         t,
		opts:      opts,
		ln:        ln,
		volume:    opts.InitialVolume,
		connected: make(chan *Peer, 8),
	}
	d.wg.Add(1)
	go d.acceptLoop()
	t.Cleanup(d.Close)
	return d
}

// Host returns the address senders should dial.
func (d *Device) Host() string {
	return d.ln.Addr().String()
}

// Close stops accepting and drops every connection.
func (d *Device) Close() {
	_ = d.ln.Close()
	d.mu.Lock()
	peers := append([]*Peer(nil), d.peers...)
	d.mu.Unlock()
	for _, p := range peers {
		_ = p.conn.Close()
	}
	d.wg.Wait()
}

// WaitPeer returns the next accepted connection.
func (d *Device) WaitPeer(timeout time.Duration) *Peer {
	d.t.Helper()
	select {
	case p := <-d.connected:
		return p
	case <-time.After(timeout):
		d.t.Fatal("no sender connected before timeout")
		return nil
	}
}

// Received returns a snapshot of every envelope seen so far.
func (d *Device) Received() []Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Message(nil), d.received...)
}

// Count returns how many envelopes of the given namespace and type arrived.
func (d *Device) Count(namespace, msgType string) int {
	n := 0
	for _, m := range d.Received() {
		if m.Namespace == namespace && m.Type == msgType {
			n++
		}
	}
	return n
}

// WaitFor blocks until an envelope of the given namespace and type arrives.
func (d *Device) WaitFor(namespace, msgType string, timeout time.Duration) Message {
	d.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, m := range d.Received() {
			if m.Namespace == namespace && m.Type == msgType {
				return m
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	d.t.Fatalf("no %s %s received before timeout", namespace, msgType)
	return Message{}
}

// Volume returns the current device volume.
func (d *Device) Volume() Volume {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.volume
}

// AppRunning reports whether the default media receiver is launched.
func (d *Device) AppRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.appRunning
}

// SetAppRunning forces the receiver application state.
func (d *Device) SetAppRunning(running bool) {
	d.mu.Lock()
	d.appRunning = running
	d.mu.Unlock()
}

func (d *Device) acceptLoop() {
	defer d.wg.Done()
	for {
		conn, err := d.ln.Accept()
		if err != nil {
			return
		}
		p := &Peer{device: d, conn: conn, closed: make(chan struct{})}
		d.mu.Lock()
		d.peers = append(d.peers, p)
		d.mu.Unlock()

		d.wg.Add(1)
		go d.serve(p)
	}
}

func (d *Device) serve(p *Peer) {
	defer d.wg.Done()
	defer close(p.closed)
	defer p.conn.Close()

	if tlsConn, ok := p.conn.(*tls.Conn); ok {
		if err := tlsConn.Handshake(); err != nil {
			return
		}
	}
	select {
	case d.connected <- p:
	default:
	}

	for {
		msg, err := castwire.ReadFrame(p.conn, castwire.DefaultLimits())
		if err != nil {
			if castwire.IsDroppable(err) {
				continue
			}
			return
		}
		d.handle(p, msg)
	}
}

func (d *Device) handle(p *Peer, msg *castwire.CastMessage) {
	var header struct {
		Type      string `json:"type"`
		RequestID int    `json:"requestId"`
	}
	_ = json.Unmarshal([]byte(msg.GetPayloadUtf8()), &header)

	d.mu.Lock()
	d.received = append(d.received, Message{
		Namespace:   msg.GetNamespace(),
		Source:      msg.GetSourceId(),
		Destination: msg.GetDestinationId(),
		Type:        header.Type,
		RequestID:   header.RequestID,
		Payload:     msg.GetPayloadUtf8(),
	})
	d.mu.Unlock()

	reply := func(payload any) {
		_ = p.SendJSON(msg.GetNamespace(), msg.GetDestinationId(), msg.GetSourceId(), payload)
	}

	switch msg.GetNamespace() {
	case castwire.NamespaceHeartbeat:
		if header.Type == "PING" && !d.opts.SilentHeartbeat {
			reply(map[string]any{"type": "PONG"})
		}
	case castwire.NamespaceReceiver:
		d.handleReceiver(msg, header.Type, header.RequestID, reply)
	case castwire.NamespaceMedia:
		d.handleMedia(p, msg, header.Type, header.RequestID, reply)
	}
}

func (d *Device) handleReceiver(msg *castwire.CastMessage, msgType string, requestID int, reply func(any)) {
	switch msgType {
	case "GET_STATUS":
	case "LAUNCH":
		var req struct {
			AppID string `json:"appId"`
		}
		_ = json.Unmarshal([]byte(msg.GetPayloadUtf8()), &req)
		if d.opts.LaunchFails || req.AppID != DefaultMediaReceiverAppID {
			reply(map[string]any{"type": "LAUNCH_ERROR", "requestId": requestID, "reason": "NOT_FOUND"})
			return
		}
		if !d.opts.LaunchIgnored {
			d.SetAppRunning(true)
		}
	case "STOP":
		d.SetAppRunning(false)
	case "SET_VOLUME":
		var req struct {
			Volume struct {
				Level *float64 `json:"level"`
				Muted *bool    `json:"muted"`
			} `json:"volume"`
		}
		_ = json.Unmarshal([]byte(msg.GetPayloadUtf8()), &req)
		d.mu.Lock()
		if req.Volume.Level != nil {
			d.volume.Level = *req.Volume.Level
		}
		if req.Volume.Muted != nil {
			d.volume.Muted = *req.Volume.Muted
		}
		d.mu.Unlock()
	default:
		return
	}
	reply(d.receiverStatus(requestID))
}

func (d *Device) receiverStatus(requestID int) map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()

	apps := []map[string]any{}
	if d.appRunning {
		apps = append(apps, map[string]any{
			"appId":        DefaultMediaReceiverAppID,
			"displayName":  "Default Media Receiver",
			"sessionId":    AppSessionID,
			"transportId":  AppTransportID,
			"isIdleScreen": false,
			"statusText":   "Ready To Cast",
			"namespaces":   []map[string]string{{"name": castwire.NamespaceMedia}},
		})
	}
	return map[string]any{
		"type":      "RECEIVER_STATUS",
		"requestId": requestID,
		"status": map[string]any{
			"applications":  apps,
			"volume":        d.volume,
			"isActiveInput": true,
			"isStandBy":     false,
		},
	}
}

func (d *Device) handleMedia(p *Peer, msg *castwire.CastMessage, msgType string, requestID int, reply func(any)) {
	switch msgType {
	case "GET_STATUS":
		d.mu.Lock()
		id := d.mediaSessionID
		d.mu.Unlock()
		status := []map[string]any{}
		if id > 0 {
			status = append(status, map[string]any{"mediaSessionId": id, "playerState": "PLAYING"})
		}
		reply(map[string]any{"type": "MEDIA_STATUS", "requestId": requestID, "status": status})
	case "LOAD":
		var req struct {
			SessionID string `json:"sessionId"`
			Media     struct {
				ContentID   string  `json:"contentId"`
				ContentType string  `json:"contentType"`
				StreamType  string  `json:"streamType"`
				Duration    float64 `json:"duration"`
				Metadata    struct {
					Title string `json:"title"`
				} `json:"metadata"`
			} `json:"media"`
		}
		_ = json.Unmarshal([]byte(msg.GetPayloadUtf8()), &req)
		load := Load{
			RequestID:   requestID,
			SessionID:   req.SessionID,
			ContentID:   req.Media.ContentID,
			ContentType: req.Media.ContentType,
			StreamType:  req.Media.StreamType,
			Duration:    req.Media.Duration,
			Title:       req.Media.Metadata.Title,
			Source:      msg.GetSourceId(),
			Destination: msg.GetDestinationId(),
		}
		if d.opts.OnLoad != nil {
			d.opts.OnLoad(p, load)
			return
		}
		p.ReplyLoaded(load)
	}
}

// NextMediaSessionID allocates the media session id for a load.
func (d *Device) NextMediaSessionID() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mediaSessionID++
	return d.mediaSessionID
}

// ReplyLoaded answers a LOAD with a BUFFERING status and returns the new
// media session id.
func (p *Peer) ReplyLoaded(load Load) int {
	id := p.device.NextMediaSessionID()
	_ = p.SendJSON(castwire.NamespaceMedia, load.Destination, load.Source, map[string]any{
		"type":      "MEDIA_STATUS",
		"requestId": load.RequestID,
		"status": []map[string]any{{
			"mediaSessionId": id,
			"playerState":    "BUFFERING",
			"currentItemId":  1,
		}},
	})
	return id
}

// Broadcast sends an unsolicited MEDIA_STATUS for mediaSessionID.
func (p *Peer) Broadcast(load Load, mediaSessionID int, playerState, idleReason string) {
	status := map[string]any{
		"mediaSessionId": mediaSessionID,
		"playerState":    playerState,
	}
	if idleReason != "" {
		status["idleReason"] = idleReason
	}
	_ = p.SendJSON(castwire.NamespaceMedia, load.Destination, "*", map[string]any{
		"type":      "MEDIA_STATUS",
		"requestId": 0,
		"status":    []map[string]any{status},
	})
}

// FinishWith returns a load hook that acknowledges the load, reports PLAYING
// and then IDLE with the given reason.
func FinishWith(idleReason string) func(p *Peer, load Load) {
	return func(p *Peer, load Load) {
		id := p.ReplyLoaded(load)
		go func() {
			time.Sleep(20 * time.Millisecond)
			p.Broadcast(load, id+100, "IDLE", "FINISHED")
			p.Broadcast(load, id, "PLAYING", "")
			time.Sleep(20 * time.Millisecond)
			p.Broadcast(load, id, "IDLE", idleReason)
		}()
	}
}

// Device returns the device that accepted the connection.
func (p *Peer) Device() *Device {
	return p.device
}

// SendClose sends a CLOSE on the connection namespace, as a device does when
// it tears down a virtual connection.
func (p *Peer) SendClose(source, destination string) error {
	return p.SendJSON(castwire.NamespaceConnection, source, destination, map[string]any{"type": "CLOSE"})
}

// SendJSON marshals payload into a STRING envelope and writes it.
func (p *Peer) SendJSON(namespace, source, destination string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return p.Send(castwire.NewTextMessage(source, destination, namespace, string(raw)))
}

// Send writes one envelope.
func (p *Peer) Send(msg *castwire.CastMessage) error {
	frame, err := castwire.Encode(msg)
	if err != nil {
		return err
	}
	return p.SendRaw(frame)
}

// SendRaw writes bytes to the sender unmodified.
func (p *Peer) SendRaw(frame []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err := p.conn.Write(frame)
	if err != nil && errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Closed is closed once the sender connection has ended, from either side.
func (p *Peer) Closed() <-chan struct{} {
	return p.closed
}

// WaitClosed blocks until the sender connection ends.
func (p *Peer) WaitClosed(timeout time.Duration) {
	p.device.t.Helper()
	select {
	case <-p.closed:
	case <-time.After(timeout):
		p.device.t.Fatal("sender connection still open after timeout")
	}
}

// DropConnection closes the sender connection without a CLOSE message.
func (p *Peer) DropConnection() {
	_ = p.conn.Close()
}
