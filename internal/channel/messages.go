package channel

import (
	"errors"
	"fmt"

	"github.com/buger/jsonparser"
)

// Payload type discriminators.
const (
	TypeConnect   = "CONNECT"
	TypeClose     = "CLOSE"
	TypePing      = "PING"
	TypePong      = "PONG"
	TypeGetStatus = "GET_STATUS"
	TypeLaunch    = "LAUNCH"
	TypeStop      = "STOP"
	TypeSetVolume = "SET_VOLUME"
	TypeLoad      = "LOAD"

	TypeReceiverStatus = "RECEIVER_STATUS"
	TypeMediaStatus    = "MEDIA_STATUS"
	TypeLaunchError    = "LAUNCH_ERROR"
	TypeInvalidRequest = "INVALID_REQUEST"
	TypeLoadFailed     = "LOAD_FAILED"
	TypeLoadCancelled  = "LOAD_CANCELLED"
)

const DefaultMediaReceiverAppID = "CC1AD845"

// header is the discriminator every payload carries.
type header struct {
	Type      string
	RequestID int
}

func peekHeader(payload []byte) (header, error) {
	msgType, err := jsonparser.GetString(payload, "type")
	if err != nil {
		return header{}, fmt.Errorf("channel: payload type: %w", err)
	}
	id, err := jsonparser.GetInt(payload, "requestId")
	if err != nil && !errors.Is(err, jsonparser.KeyPathNotFoundError) {
		return header{}, fmt.Errorf("channel: payload requestId: %w", err)
	}
	return header{Type: msgType, RequestID: int(id)}, nil
}

type simpleRequest struct {
	Type string `json:"type"`
}

type connectRequest struct {
	Type      string   `json:"type"`
	UserAgent string   `json:"userAgent,omitempty"`
	Origin    struct{} `json:"origin"`
}

type statusRequest struct {
	Type      string `json:"type"`
	RequestID int    `json:"requestId"`
}

type launchRequest struct {
	Type      string `json:"type"`
	RequestID int    `json:"requestId"`
	AppID     string `json:"appId"`
}

type stopRequest struct {
	Type      string `json:"type"`
	RequestID int    `json:"requestId"`
	SessionID string `json:"sessionId"`
}

type volumeRequest struct {
	Type      string `json:"type"`
	RequestID int    `json:"requestId"`
	Volume    Volume `json:"volume"`
}

type loadRequest struct {
	Type        string           `json:"type"`
	RequestID   int              `json:"requestId"`
	SessionID   string           `json:"sessionId"`
	Media       MediaInformation `json:"media"`
	Autoplay    bool             `json:"autoplay"`
	CurrentTime float64          `json:"currentTime"`
}

// Volume is a device volume; either field may be omitted in a request.
type Volume struct {
	Level *float64 `json:"level,omitempty"`
	Muted *bool    `json:"muted,omitempty"`
}

func (v Volume) LevelValue() float64 {
	if v.Level == nil {
		return 0
	}
	return *v.Level
}

func (v Volume) MutedValue() bool {
	return v.Muted != nil && *v.Muted
}

// NewVolume builds a fully specified volume.
func NewVolume(level float64, muted bool) Volume {
	return Volume{Level: &level, Muted: &muted}
}

type Namespace struct {
	Name string `json:"name"`
}

type Application struct {
	AppID        string      `json:"appId"`
	DisplayName  string      `json:"displayName"`
	SessionID    string      `json:"sessionId"`
	TransportID  string      `json:"transportId"`
	IsIdleScreen bool        `json:"isIdleScreen"`
	StatusText   string      `json:"statusText"`
	Namespaces   []Namespace `json:"namespaces"`
}

type ReceiverStatus struct {
	Applications  []Application `json:"applications"`
	Volume        Volume        `json:"volume"`
	IsActiveInput bool          `json:"isActiveInput"`
	IsStandBy     bool          `json:"isStandBy"`
}

// Application returns the running application with appID, if any.
func (s *ReceiverStatus) Application(appID string) *Application {
	if s == nil {
		return nil
	}
	for i := range s.Applications {
		if s.Applications[i].AppID == appID {
			return &s.Applications[i]
		}
	}
	return nil
}

type receiverReply struct {
	Type      string          `json:"type"`
	RequestID int             `json:"requestId"`
	Status    *ReceiverStatus `json:"status"`
	Reason    string          `json:"reason"`
}

type PlayerState string

const (
	PlayerStateIdle      PlayerState = "IDLE"
	PlayerStatePlaying   PlayerState = "PLAYING"
	PlayerStateBuffering PlayerState = "BUFFERING"
	PlayerStatePaused    PlayerState = "PAUSED"
)

type IdleReason string

const (
	IdleReasonNone        IdleReason = ""
	IdleReasonCancelled   IdleReason = "CANCELLED"
	IdleReasonInterrupted IdleReason = "INTERRUPTED"
	IdleReasonFinished    IdleReason = "FINISHED"
	IdleReasonError       IdleReason = "ERROR"
)

type StreamType string

const (
	StreamTypeBuffered StreamType = "BUFFERED"
	StreamTypeLive     StreamType = "LIVE"
)

const MetadataTypeGeneric = 0

type Metadata struct {
	MetadataType int    `json:"metadataType"`
	Title        string `json:"title,omitempty"`
}

type MediaInformation struct {
	ContentID   string     `json:"contentId"`
	ContentType string     `json:"contentType"`
	StreamType  StreamType `json:"streamType"`
	Duration    float64    `json:"duration"`
	Metadata    *Metadata  `json:"metadata,omitempty"`
}

type MediaStatus struct {
	MediaSessionID int               `json:"mediaSessionId"`
	PlayerState    PlayerState       `json:"playerState"`
	IdleReason     IdleReason        `json:"idleReason,omitempty"`
	CurrentItemID  int               `json:"currentItemId,omitempty"`
	CurrentTime    float64           `json:"currentTime"`
	Media          *MediaInformation `json:"media,omitempty"`
}

func (s MediaStatus) IsIdle() bool {
	return s.PlayerState == PlayerStateIdle
}

func (s MediaStatus) IsFinished() bool {
	return s.IsIdle() && s.IdleReason == IdleReasonFinished
}

type mediaReply struct {
	Type      string        `json:"type"`
	RequestID int           `json:"requestId"`
	Status    []MediaStatus `json:"status"`
	Reason    string        `json:"reason"`
}
