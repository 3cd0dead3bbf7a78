package go2tv

import (
	"go2tv.app/castspeak/internal/adapters"
	"go2tv.app/go2tv/v2/httphandlers"
	"go2tv.app/go2tv/v2/utils"
)

// Bundle wires all external go2tv-backed adapters in one place.
type Bundle struct {
	StreamServers adapters.StreamServerFactory
	Inspector     adapters.MediaInspector
}

func NewBundle() Bundle {
	return Bundle{
		StreamServers: StreamServerFactory{},
		Inspector:     MediaInspector{},
	}
}

type StreamServerFactory struct{}

func (StreamServerFactory) New(addr string) adapters.StreamServer {
	return httphandlers.NewServer(addr)
}

type MediaInspector struct{}

func (MediaInspector) ListenAddress(deviceURL string) (string, error) {
	return utils.URLtoListenIPandPort(deviceURL)
}

func (MediaInspector) MimeType(path string) (string, error) {
	return utils.GetMimeDetailsFromPath(path)
}

func (MediaInspector) DurationSeconds(ffmpegPath, path string) (float64, error) {
	return utils.DurationForMediaSeconds(ffmpegPath, path)
}
