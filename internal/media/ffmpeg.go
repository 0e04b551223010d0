// Package media assembles recordings from raw ingest chunks and slices
// segment audio, shelling out to ffmpeg.
package media

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"memoir/internal/config"
	"memoir/internal/services"
)

var commandContext = exec.CommandContext

// Processor produces the audio artifacts the pipeline consumes. The ffmpeg
// implementation is the real one; pipeline tests substitute fakes.
type Processor interface {
	// AssembleRecording concatenates the ordered chunk files and transcodes
	// the result to 16 kHz mono PCM WAV at outputPath.
	AssembleRecording(ctx context.Context, chunkPaths []string, outputPath string) error
	// ExtractSegment cuts [startMS, endMS) out of an assembled recording into
	// outputPath, keeping the transcription-friendly sample format.
	ExtractSegment(ctx context.Context, sourcePath string, startMS, endMS int64, outputPath string) error
}

// FFmpeg implements Processor via the ffmpeg binary.
type FFmpeg struct {
	binary string
}

// NewFFmpeg builds the ffmpeg-backed processor.
func NewFFmpeg(cfg *config.Config) *FFmpeg {
	return &FFmpeg{binary: cfg.FFmpegBinary()}
}

// Speech models expect 16 kHz mono; everything downstream assumes this
// format, so both assembly and slicing normalize to it.
var wavFormatArgs = []string{"-ar", "16000", "-ac", "1", "-c:a", "pcm_s16le"}

func (f *FFmpeg) AssembleRecording(ctx context.Context, chunkPaths []string, outputPath string) error {
	if len(chunkPaths) == 0 {
		return services.Wrap(services.ErrValidation, "media", "assemble", "no chunks to assemble", nil)
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	listFile, err := writeConcatList(filepath.Dir(outputPath), chunkPaths)
	if err != nil {
		return err
	}
	defer os.Remove(listFile)

	args := []string{
		"-hide_banner", "-nostdin", "-y",
		"-f", "concat", "-safe", "0",
		"-i", listFile,
	}
	args = append(args, wavFormatArgs...)
	args = append(args, outputPath)
	return f.run(ctx, "assemble", args)
}

func (f *FFmpeg) ExtractSegment(ctx context.Context, sourcePath string, startMS, endMS int64, outputPath string) error {
	if endMS <= startMS {
		return services.Wrap(services.ErrValidation, "media", "extract",
			fmt.Sprintf("empty segment window [%d,%d)", startMS, endMS), nil)
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	args := []string{
		"-hide_banner", "-nostdin", "-y",
		"-ss", formatOffset(startMS),
		"-to", formatOffset(endMS),
		"-i", sourcePath,
	}
	args = append(args, wavFormatArgs...)
	args = append(args, outputPath)
	return f.run(ctx, "extract", args)
}

func (f *FFmpeg) run(ctx context.Context, operation string, args []string) error {
	cmd := commandContext(ctx, f.binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return services.Wrap(services.ErrExternalTool, "media", operation,
			stderrTail(stderr.String()), err)
	}
	return nil
}

// writeConcatList produces an ffmpeg concat demuxer manifest next to the
// output. Single quotes in paths get the concat demuxer's escaping.
func writeConcatList(dir string, chunkPaths []string) (string, error) {
	f, err := os.CreateTemp(dir, "concat-*.txt")
	if err != nil {
		return "", fmt.Errorf("create concat list: %w", err)
	}
	var b strings.Builder
	for _, path := range chunkPaths {
		escaped := strings.ReplaceAll(path, "'", `'\''`)
		fmt.Fprintf(&b, "file '%s'\n", escaped)
	}
	if _, err := f.WriteString(b.String()); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("write concat list: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("close concat list: %w", err)
	}
	return f.Name(), nil
}

func formatOffset(ms int64) string {
	return fmt.Sprintf("%d.%03d", ms/1000, ms%1000)
}

func stderrTail(output string) string {
	output = strings.TrimSpace(output)
	if output == "" {
		return "ffmpeg failed"
	}
	lines := strings.Split(output, "\n")
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	return strings.Join(lines, " | ")
}
