package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"go2tv.app/castspeak/internal/castwire"
	"go2tv.app/castspeak/internal/domain"
)

const subscriberBuffer = 32

// Media talks to a launched media application through its transport id.
type Media struct {
	tracked
	onStatus func([]MediaStatus)

	subMu   sync.Mutex
	subs    map[int]chan []MediaStatus
	nextSub int
}

// NewMedia returns a media channel. onStatus observes every status list.
func NewMedia(sender Sender, opts Options, onStatus func([]MediaStatus)) *Media {
	return &Media{
		tracked:  tracked{base: newBase(castwire.NamespaceMedia, sender, opts)},
		onStatus: onStatus,
		subs:     map[int]chan []MediaStatus{},
	}
}

func (m *Media) GetStatus(ctx context.Context, transportID string) ([]MediaStatus, error) {
	reply, err := m.request(ctx, transportID, func(id int) any {
		return statusRequest{Type: TypeGetStatus, RequestID: id}
	})
	if err != nil {
		return nil, err
	}
	decoded, err := decodeMediaReply(reply)
	if err != nil {
		return nil, err
	}
	return decoded.Status, nil
}

// Load asks the application at transportID to play media. A reply without
// status entries is reported as *domain.MediaLoadError.
func (m *Media) Load(ctx context.Context, transportID, sessionID string, media MediaInformation) ([]MediaStatus, error) {
	reply, err := m.request(ctx, transportID, func(id int) any {
		return loadRequest{
			Type:        TypeLoad,
			RequestID:   id,
			SessionID:   sessionID,
			Media:       media,
			Autoplay:    true,
			CurrentTime: 0,
		}
	})
	if err != nil {
		return nil, err
	}
	decoded, err := decodeMediaReply(reply)
	if err != nil {
		return nil, err
	}
	if len(decoded.Status) == 0 {
		return nil, &domain.MediaLoadError{DeviceName: m.opts.DeviceName, FailureType: decoded.Type}
	}
	return decoded.Status, nil
}

// Subscribe delivers unsolicited status broadcasts until cancel is called.
// Slow subscribers miss broadcasts rather than stall the receive loop.
func (m *Media) Subscribe() (<-chan []MediaStatus, func()) {
	ch := make(chan []MediaStatus, subscriberBuffer)
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.subMu.Unlock()

	return ch, func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

func (m *Media) Handle(msg *castwire.CastMessage) {
	h, payload, ok := m.header(msg)
	if !ok {
		return
	}
	if h.Type == TypeMediaStatus {
		decoded, err := decodeMediaReply(Reply{Type: h.Type, Payload: payload})
		if err != nil {
			m.opts.Logger.Debug("payload_dropped", slog.String("namespace", m.namespace), slog.String("error", err.Error()))
			return
		}
		if m.onStatus != nil {
			m.onStatus(decoded.Status)
		}
		if h.RequestID == 0 {
			m.broadcast(decoded.Status)
		}
	}
	m.resolve(h, payload)
}

func (m *Media) broadcast(status []MediaStatus) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- status:
		default:
			m.opts.Logger.Warn("media_status_dropped", slog.String("device", m.opts.DeviceName))
		}
	}
}

func decodeMediaReply(reply Reply) (mediaReply, error) {
	var decoded mediaReply
	if err := json.Unmarshal(reply.Payload, &decoded); err != nil {
		return mediaReply{}, fmt.Errorf("channel: decode %s reply: %w", reply.Type, err)
	}
	return decoded, nil
}
