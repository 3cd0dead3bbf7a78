package domain

// Device is one configured cast target.
type Device struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Host string `json:"host"`
	// Volume is the target playback volume in percent; nil keeps the device volume.
	Volume *int `json:"volume,omitempty"`
}

func (d Device) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}

type Limitation struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DeviceVolume is a device-reported volume snapshot.
type DeviceVolume struct {
	Level float64 `json:"level"`
	Muted bool    `json:"muted"`
}

type DeviceApplication struct {
	AppID       string `json:"app_id"`
	DisplayName string `json:"display_name"`
	SessionID   string `json:"session_id"`
	StatusText  string `json:"status_text,omitempty"`
	IsIdle      bool   `json:"is_idle_screen"`
}

type DeviceStatus struct {
	DeviceID      string              `json:"device_id"`
	DeviceName    string              `json:"device_name"`
	Volume        DeviceVolume        `json:"volume"`
	Applications  []DeviceApplication `json:"applications"`
	IsActiveInput bool                `json:"is_active_input"`
	IsStandBy     bool                `json:"is_stand_by"`
}
