package adapters

import (
	"go2tv.app/go2tv/v2/soapcalls"
	"go2tv.app/go2tv/v2/utils"
)

// StreamServer serves published media over HTTP for devices to pull. Routes
// can be added and removed while it is serving.
type StreamServer interface {
	AddHandler(path string, payload *soapcalls.TVPayload, transcode *utils.TranscodeOptions, media any)
	RemoveHandler(path string)
	StartServing(serverStarted chan<- error)
	StopServer()
}

// StreamServerFactory creates a StreamServer bound to addr.
type StreamServerFactory interface {
	New(addr string) StreamServer
}

// MediaInspector answers questions about local media and the network path
// toward a device.
type MediaInspector interface {
	// ListenAddress picks the local ip:port reachable from deviceURL.
	ListenAddress(deviceURL string) (string, error)
	MimeType(path string) (string, error)
	DurationSeconds(ffmpegPath, path string) (float64, error)
}
