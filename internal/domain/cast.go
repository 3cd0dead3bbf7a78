package domain

import "time"

type CastRequest struct {
	Source          string   `json:"source,omitempty"`
	Data            []byte   `json:"data,omitempty"`
	Extension       string   `json:"extension,omitempty"`
	Devices         []string `json:"devices,omitempty"`
	ContentType     string   `json:"content_type,omitempty"`
	Title           string   `json:"title,omitempty"`
	Live            bool     `json:"live,omitempty"`
	Volume          *int     `json:"volume,omitempty"`
	DurationSeconds float64  `json:"duration_seconds,omitempty"`
	// WaitForCompletion defaults to true when nil.
	WaitForCompletion *bool `json:"wait_for_completion,omitempty"`
	Async             bool  `json:"async,omitempty"`
}

type CastResult struct {
	OK          bool            `json:"ok"`
	CastID      string          `json:"cast_id"`
	MediaURL    string          `json:"media_url"`
	ContentType string          `json:"content_type"`
	Async       bool            `json:"async"`
	Outcomes    []DeviceOutcome `json:"outcomes"`
	Warnings    []string        `json:"warnings"`
}

type DeviceOutcome struct {
	DeviceID       string     `json:"device_id"`
	DeviceName     string     `json:"device_name"`
	OK             bool       `json:"ok"`
	State          string     `json:"state"`
	MediaSessionID int        `json:"media_session_id,omitempty"`
	IdleReason     string     `json:"idle_reason,omitempty"`
	VolumeChanged  bool       `json:"volume_changed,omitempty"`
	Error          *ToolError `json:"error,omitempty"`
	Warnings       []string   `json:"warnings,omitempty"`
}

// CastSummary reports a cast. States holds the live playback state per
// device id.
type CastSummary struct {
	CastID    string            `json:"cast_id"`
	MediaURL  string            `json:"media_url"`
	Devices   []string          `json:"devices"`
	StartedAt time.Time         `json:"started_at"`
	Done      bool              `json:"done"`
	States    map[string]string `json:"states,omitempty"`
	Outcomes  []DeviceOutcome   `json:"outcomes,omitempty"`
}

type StopRequest struct {
	CastID string `json:"cast_id"`
}

type StopResult struct {
	OK     bool   `json:"ok"`
	CastID string `json:"cast_id"`
}

type AppStopResult struct {
	OK       bool   `json:"ok"`
	DeviceID string `json:"device_id"`
	Stopped  bool   `json:"stopped"`
}

type ToolError struct {
	Code           string         `json:"code"`
	Message        string         `json:"message"`
	Limitations    []Limitation   `json:"limitations,omitempty"`
	SuggestedFixes []string       `json:"suggested_fixes,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
}

func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	return e.Code + ": " + e.Message
}
