// Package diagnostics reports the local toolchain and device reachability.
package diagnostics

import "os/exec"

var lookPath = exec.LookPath

type BinaryStatus struct {
	Found   bool   `json:"found"`
	Path    string `json:"path,omitempty"`
	UsedFor string `json:"used_for"`
}

// DependencyReport lists optional helpers. Casting works without them, but
// local files are then cast without a known duration.
type DependencyReport struct {
	FFmpeg          BinaryStatus `json:"ffmpeg"`
	FFprobe         BinaryStatus `json:"ffprobe"`
	DurationProbing bool         `json:"duration_probing"`
}

func CheckDependencies() DependencyReport {
	ffmpeg := detectBinary("ffmpeg", "media duration probe")
	ffprobe := detectBinary("ffprobe", "media duration probe")

	return DependencyReport{
		FFmpeg:          ffmpeg,
		FFprobe:         ffprobe,
		DurationProbing: ffmpeg.Found && ffprobe.Found,
	}
}

// FFmpegPath returns the ffmpeg binary when duration probing is possible.
func (r DependencyReport) FFmpegPath() (string, bool) {
	if !r.DurationProbing {
		return "", false
	}
	return r.FFmpeg.Path, true
}

func detectBinary(name, usedFor string) BinaryStatus {
	path, err := lookPath(name)
	if err != nil {
		return BinaryStatus{Found: false, UsedFor: usedFor}
	}

	return BinaryStatus{
		Found:   true,
		Path:    path,
		UsedFor: usedFor,
	}
}
