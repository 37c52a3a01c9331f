package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Normalize re-encodes a clip to the portrait delivery format: 720x1280,
// scaled to fit and padded to fill, constant frame rate.
func Normalize(ctx context.Context, ffmpegBinary, source, dest string) error {
	args := []string{
		"-y",
		"-hide_banner",
		"-loglevel", "error",
		"-i", source,
		"-vf", "scale=720:1280:force_original_aspect_ratio=decrease,pad=720:1280:(ow-iw)/2:(oh-ih)/2,fps=30",
		"-c:v", "libx264",
		"-preset", "medium",
		"-pix_fmt", "yuv420p",
		"-an",
		dest,
	}
	cmd := commandContext(ctx, ffmpegBinary, args...) //nolint:gosec
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg normalize: %w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

// Concat joins normalized clips in order using the concat demuxer. The clips
// must share codec, resolution, and frame rate, which Normalize guarantees.
func Concat(ctx context.Context, ffmpegBinary string, clips []string, dest string) error {
	if len(clips) == 0 {
		return fmt.Errorf("ffmpeg concat: no clips")
	}
	listPath := dest + ".txt"
	var list strings.Builder
	for _, clip := range clips {
		fmt.Fprintf(&list, "file '%s'\n", filepath.ToSlash(clip))
	}
	if err := os.WriteFile(listPath, []byte(list.String()), 0o644); err != nil {
		return fmt.Errorf("write concat list: %w", err)
	}
	defer os.Remove(listPath)

	args := []string{
		"-y",
		"-hide_banner",
		"-loglevel", "error",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		dest,
	}
	cmd := commandContext(ctx, ffmpegBinary, args...) //nolint:gosec
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg concat: %w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

// Trim cuts a video down to maxSeconds from the start.
func Trim(ctx context.Context, ffmpegBinary, source, dest string, maxSeconds float64) error {
	if maxSeconds <= 0 {
		return fmt.Errorf("ffmpeg trim: non-positive duration %.2f", maxSeconds)
	}
	args := []string{
		"-y",
		"-hide_banner",
		"-loglevel", "error",
		"-i", source,
		"-t", fmt.Sprintf("%.3f", maxSeconds),
		"-c", "copy",
		dest,
	}
	cmd := commandContext(ctx, ffmpegBinary, args...) //nolint:gosec
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg trim: %w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

// MuxAudio lays an audio track under a video, ending at the shorter of the
// two streams.
func MuxAudio(ctx context.Context, ffmpegBinary, video, audio, dest string) error {
	args := []string{
		"-y",
		"-hide_banner",
		"-loglevel", "error",
		"-i", video,
		"-i", audio,
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-c:v", "copy",
		"-c:a", "aac",
		"-shortest",
		dest,
	}
	cmd := commandContext(ctx, ffmpegBinary, args...) //nolint:gosec
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg mux audio: %w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}
