package engine

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mediaforge/jobs-api/internal/domain"
)

// Command describes one transformation for the engine. Paths are absolute.
type Command struct {
	Kind    domain.JobKind
	Inputs  []string
	Output  string
	Options domain.JobOptions
}

// ProgressFunc receives the completed fraction in [0,1]. Engines that track
// percentages divide by 100 before reporting; values above 1 are clamped.
type ProgressFunc func(fraction float64)

var filterGraphs = map[string]string{
	"grayscale": "hue=s=0",
	"sepia":     "colorchannelmixer=.393:.769:.189:0:.349:.686:.168:0:.272:.534:.131",
	"blur":      "boxblur=5:1",
	"sharpen":   "unsharp=5:5:1.5:5:5:0.0",
	"negate":    "negate",
	"mirror":    "hflip",
	"flip":      "vflip",
	"vignette":  "vignette",
}

var audioOnlyFormats = map[string]bool{
	"mp3":  true,
	"wav":  true,
	"aac":  true,
	"flac": true,
	"ogg":  true,
	"m4a":  true,
	"opus": true,
}

// IsSupportedFilter reports whether a filter kind has a known filter graph.
func IsSupportedFilter(name string) bool {
	_, ok := filterGraphs[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

// FFmpeg runs transformations through the ffmpeg and ffprobe binaries.
type FFmpeg struct {
	FFmpegPath  string
	FFprobePath string
}

func NewFFmpeg(ffmpegPath, ffprobePath string) *FFmpeg {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &FFmpeg{FFmpegPath: ffmpegPath, FFprobePath: ffprobePath}
}

// Run executes the command and blocks until ffmpeg exits. Progress is reported
// only when the total duration of the inputs can be probed.
func (f *FFmpeg) Run(ctx context.Context, cmd Command, onProgress ProgressFunc) error {
	if len(cmd.Inputs) == 0 {
		return errors.New("no inputs")
	}
	if err := os.MkdirAll(filepath.Dir(cmd.Output), 0o755); err != nil {
		return err
	}

	tmpPath := tempOutputPath(cmd.Output)
	_ = os.Remove(tmpPath)

	concatList := ""
	if cmd.Kind == domain.JobKindMerge {
		listPath, err := writeConcatList(cmd.Inputs, cmd.Output)
		if err != nil {
			return err
		}
		defer os.Remove(listPath)
		concatList = listPath
	}

	args, err := buildArgs(cmd, tmpPath, concatList)
	if err != nil {
		return err
	}

	totalSeconds := f.expectedDuration(ctx, cmd)

	process := exec.CommandContext(ctx, f.FFmpegPath, args...)
	stdout, err := process.StdoutPipe()
	if err != nil {
		return err
	}
	var stderr bytes.Buffer
	process.Stderr = &stderr

	if err := process.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	parseProgress(stdout, totalSeconds, onProgress)

	if err := process.Wait(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("ffmpeg failed: %w: %s", err, lastLines(stderr.String(), 5))
	}

	_ = os.Remove(cmd.Output)
	return os.Rename(tmpPath, cmd.Output)
}

func buildArgs(cmd Command, tmpOutput, concatList string) ([]string, error) {
	args := []string{"-y", "-hide_banner", "-progress", "pipe:1", "-nostats"}

	switch cmd.Kind {
	case domain.JobKindConvert:
		format := strings.ToLower(strings.TrimSpace(cmd.Options.Format))
		if format == "" {
			return nil, errors.New("convert requires a target format")
		}
		args = append(args, "-i", cmd.Inputs[0])
		if audioOnlyFormats[format] {
			args = append(args, "-vn")
		}
	case domain.JobKindTrim:
		if cmd.Options.Duration <= 0 {
			return nil, errors.New("trim requires a positive duration")
		}
		args = append(args,
			"-ss", formatSeconds(cmd.Options.Start),
			"-i", cmd.Inputs[0],
			"-t", formatSeconds(cmd.Options.Duration),
		)
	case domain.JobKindFilter:
		graph, ok := filterGraphs[strings.ToLower(strings.TrimSpace(cmd.Options.Filter))]
		if !ok {
			return nil, fmt.Errorf("unsupported filter %q", cmd.Options.Filter)
		}
		args = append(args, "-i", cmd.Inputs[0], "-vf", graph, "-c:a", "copy")
	case domain.JobKindMerge:
		if len(cmd.Inputs) < 2 || concatList == "" {
			return nil, errors.New("merge requires at least two inputs")
		}
		args = append(args,
			"-f", "concat",
			"-safe", "0",
			"-i", concatList,
			"-c:v", "libx264",
			"-preset", "veryfast",
			"-crf", "20",
			"-c:a", "aac",
			"-b:a", "192k",
		)
	default:
		return nil, fmt.Errorf("unsupported job kind %q", cmd.Kind)
	}

	return append(args, tmpOutput), nil
}

// maxRunningFraction keeps in-flight progress below 100 percent; reaching 100
// is reserved for the completion event.
const maxRunningFraction = 0.99

// parseProgress consumes ffmpeg's -progress key=value stream.
func parseProgress(r io.Reader, totalSeconds float64, onProgress ProgressFunc) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok || onProgress == nil || totalSeconds <= 0 {
			continue
		}

		// ffmpeg reports out_time_ms in microseconds as well.
		if key != "out_time_us" && key != "out_time_ms" {
			continue
		}
		micros, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil || micros < 0 {
			continue
		}
		onProgress(min(float64(micros)/(totalSeconds*1e6), maxRunningFraction))
	}
}

func (f *FFmpeg) expectedDuration(ctx context.Context, cmd Command) float64 {
	if cmd.Kind == domain.JobKindTrim {
		probed, err := f.probeDuration(ctx, cmd.Inputs[0])
		if err != nil || probed <= 0 {
			return cmd.Options.Duration
		}
		remaining := probed - cmd.Options.Start
		if remaining < cmd.Options.Duration {
			return remaining
		}
		return cmd.Options.Duration
	}

	total := 0.0
	for _, input := range cmd.Inputs {
		seconds, err := f.probeDuration(ctx, input)
		if err != nil {
			return 0
		}
		total += seconds
	}
	return total
}

func (f *FFmpeg) probeDuration(ctx context.Context, inputPath string) (float64, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=nokey=1:noprint_wrappers=1",
		inputPath,
	}
	out, err := exec.CommandContext(ctx, f.FFprobePath, args...).Output()
	if err != nil {
		return 0, err
	}
	value := strings.TrimSpace(string(out))
	if value == "" || value == "N/A" {
		return 0, errors.New("duration missing")
	}
	return strconv.ParseFloat(value, 64)
}

func run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.Stdout = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s failed: %w: %s", name, err, lastLines(stderr.String(), 5))
	}
	return nil
}

func writeConcatList(inputs []string, output string) (string, error) {
	var list strings.Builder
	for _, input := range inputs {
		abs, err := filepath.Abs(input)
		if err != nil {
			return "", err
		}
		list.WriteString("file '")
		list.WriteString(strings.ReplaceAll(abs, "'", `'\''`))
		list.WriteString("'\n")
	}

	listPath := output + ".concat.txt"
	if err := os.WriteFile(listPath, []byte(list.String()), 0o644); err != nil {
		return "", fmt.Errorf("write concat list: %w", err)
	}
	return listPath, nil
}

func tempOutputPath(output string) string {
	ext := filepath.Ext(output)
	return strings.TrimSuffix(output, ext) + ".tmp" + ext
}

func formatSeconds(value float64) string {
	return strconv.FormatFloat(value, 'f', 3, 64)
}

func lastLines(value string, n int) string {
	lines := strings.Split(strings.TrimSpace(value), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}
