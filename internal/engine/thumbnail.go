package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
)

var supportedThumbnailExts = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
}

// Thumbnail extracts a single frame at the given offset and writes it to
// output, scaled to width when width > 0. It runs synchronously and is not
// tracked as a job.
func (f *FFmpeg) Thumbnail(ctx context.Context, input, output string, atSeconds float64, width int) error {
	if !supportedThumbnailExts[strings.ToLower(filepath.Ext(output))] {
		return errors.New("thumbnail output must be png or jpg")
	}
	if atSeconds < 0 {
		atSeconds = 0
	}
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return err
	}

	framePath := strings.TrimSuffix(output, filepath.Ext(output)) + ".frame.png"
	defer os.Remove(framePath)

	args := []string{
		"-y",
		"-hide_banner",
		"-ss", formatSeconds(atSeconds),
		"-i", input,
		"-frames:v", "1",
		framePath,
	}
	if err := run(ctx, f.FFmpegPath, args...); err != nil {
		return err
	}

	return resizeFrame(framePath, output, width)
}

func resizeFrame(framePath, output string, width int) error {
	img, err := imaging.Open(framePath)
	if err != nil {
		return fmt.Errorf("open frame: %w", err)
	}
	if width > 0 && img.Bounds().Dx() > width {
		img = imaging.Resize(img, width, 0, imaging.Lanczos)
	}
	if err := imaging.Save(img, output); err != nil {
		return fmt.Errorf("save thumbnail: %w", err)
	}
	return nil
}
