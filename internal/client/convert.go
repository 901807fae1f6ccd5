package client

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var commandContext = exec.CommandContext

// Video extensions the scanner picks up.
var videoExtensions = map[string]struct{}{
	".mp4":  {},
	".avi":  {},
	".mkv":  {},
	".mov":  {},
	".wmv":  {},
	".flv":  {},
	".m4v":  {},
	".webm": {},
}

// convertAudio extracts a normalized mono 16 kHz Opus track from a video
// into the scratch directory. The encode goes to a temp name first so a
// failed run never leaves a convincing-looking output behind.
func (p *Pipeline) convertAudio(ctx context.Context, videoPath string) (string, error) {
	unique := uuid.NewString()[:8]
	audioPath := filepath.Join(p.scratchDir, safeStem(videoPath)+"_"+unique+".ogg")
	tempPath := filepath.Join(p.scratchDir, "temp_"+unique+".ogg")

	args := []string{
		"-i", videoPath,
		"-vn",
		"-acodec", "libopus",
		"-ar", "16000",
		"-ac", "1",
		"-b:a", "24k",
		"-y",
		tempPath,
	}
	cmd := commandContext(ctx, p.cfg.Client.FFmpegBinary, args...) //nolint:gosec
	if output, err := cmd.CombinedOutput(); err != nil {
		_ = os.Remove(tempPath)
		return "", fmt.Errorf("%s: %w: %s", p.cfg.Client.FFmpegBinary, err, lastLine(output))
	}
	if err := os.Rename(tempPath, audioPath); err != nil {
		_ = os.Remove(tempPath)
		return "", fmt.Errorf("finalize audio: %w", err)
	}
	return audioPath, nil
}

// safeStem reduces a video filename to a short, filesystem-safe prefix.
func safeStem(videoPath string) string {
	stem := strings.TrimSuffix(filepath.Base(videoPath), filepath.Ext(videoPath))
	if len(stem) > 20 {
		stem = stem[:20]
	}
	var b strings.Builder
	for _, r := range stem {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "audio"
	}
	return b.String()
}

func lastLine(output []byte) string {
	lines := strings.Split(strings.TrimSpace(string(output)), "\n")
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[len(lines)-1])
}
