// Package media wraps the ffmpeg toolchain invocations shared by analysis
// and assembly.
package media

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

var commandContext = exec.CommandContext

// Info describes the streams of a probed media file.
type Info struct {
	DurationSeconds float64
	Width           int
	Height          int
	HasAudio        bool
}

type ffprobeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
}

// Probe inspects a media file with ffprobe.
func Probe(ctx context.Context, ffprobeBinary, path string) (Info, error) {
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-show_format",
		"-show_streams",
		"-of", "json",
		path,
	}
	cmd := commandContext(ctx, ffprobeBinary, args...) //nolint:gosec
	output, err := cmd.Output()
	if err != nil {
		return Info{}, fmt.Errorf("ffprobe %s: %w", path, err)
	}

	var probed ffprobeOutput
	if err := json.Unmarshal(output, &probed); err != nil {
		return Info{}, fmt.Errorf("decode ffprobe output: %w", err)
	}

	info := Info{}
	if trimmed := strings.TrimSpace(probed.Format.Duration); trimmed != "" {
		if seconds, parseErr := strconv.ParseFloat(trimmed, 64); parseErr == nil {
			info.DurationSeconds = seconds
		}
	}
	for _, stream := range probed.Streams {
		switch stream.CodecType {
		case "video":
			if info.Width == 0 {
				info.Width = stream.Width
				info.Height = stream.Height
			}
		case "audio":
			info.HasAudio = true
		}
	}
	return info, nil
}

// Available reports whether a binary can be invoked.
func Available(binary string) bool {
	_, err := exec.LookPath(binary)
	return err == nil
}
