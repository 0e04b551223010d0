package media

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"memoir/internal/services"
	"memoir/internal/testsupport"
)

func captureCommand(t *testing.T) *[]string {
	t.Helper()
	var captured []string
	original := commandContext
	commandContext = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		captured = append([]string{name}, args...)
		return exec.CommandContext(ctx, "true")
	}
	t.Cleanup(func() { commandContext = original })
	return &captured
}

func TestAssembleRecordingBuildsConcatCommand(t *testing.T) {
	captured := captureCommand(t)
	cfg := testsupport.NewConfig(t)
	proc := NewFFmpeg(cfg)

	dir := t.TempDir()
	chunks := []string{
		filepath.Join(dir, "chunk_000000.bin"),
		filepath.Join(dir, "chunk_000001.bin"),
	}
	output := filepath.Join(dir, "recording.wav")

	if err := proc.AssembleRecording(context.Background(), chunks, output); err != nil {
		t.Fatalf("AssembleRecording: %v", err)
	}

	args := strings.Join(*captured, " ")
	for _, want := range []string{"-f concat", "-ar 16000", "-ac 1", "-c:a pcm_s16le", output} {
		if !strings.Contains(args, want) {
			t.Fatalf("command missing %q: %s", want, args)
		}
	}
}

func TestAssembleRecordingWritesConcatManifest(t *testing.T) {
	var listContents string
	original := commandContext
	commandContext = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		for i, arg := range args {
			if arg == "-i" && i+1 < len(args) {
				data, err := os.ReadFile(args[i+1])
				if err == nil {
					listContents = string(data)
				}
			}
		}
		return exec.CommandContext(ctx, "true")
	}
	t.Cleanup(func() { commandContext = original })

	cfg := testsupport.NewConfig(t)
	proc := NewFFmpeg(cfg)
	dir := t.TempDir()
	chunks := []string{filepath.Join(dir, "a.bin"), filepath.Join(dir, "b.bin")}

	if err := proc.AssembleRecording(context.Background(), chunks, filepath.Join(dir, "out.wav")); err != nil {
		t.Fatalf("AssembleRecording: %v", err)
	}
	for _, chunk := range chunks {
		if !strings.Contains(listContents, "file '"+chunk+"'") {
			t.Fatalf("concat list missing %s:\n%s", chunk, listContents)
		}
	}
}

func TestAssembleRecordingRejectsEmptyInput(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	proc := NewFFmpeg(cfg)
	err := proc.AssembleRecording(context.Background(), nil, filepath.Join(t.TempDir(), "out.wav"))
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestExtractSegmentOffsets(t *testing.T) {
	captured := captureCommand(t)
	cfg := testsupport.NewConfig(t)
	proc := NewFFmpeg(cfg)
	dir := t.TempDir()

	if err := proc.ExtractSegment(context.Background(),
		filepath.Join(dir, "recording.wav"), 1500, 64250,
		filepath.Join(dir, "seg_0001.wav")); err != nil {
		t.Fatalf("ExtractSegment: %v", err)
	}

	args := strings.Join(*captured, " ")
	if !strings.Contains(args, "-ss 1.500") || !strings.Contains(args, "-to 64.250") {
		t.Fatalf("unexpected offsets: %s", args)
	}
}

func TestExtractSegmentRejectsEmptyWindow(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	proc := NewFFmpeg(cfg)
	err := proc.ExtractSegment(context.Background(), "in.wav", 5000, 5000, filepath.Join(t.TempDir(), "out.wav"))
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestRunWrapsToolFailure(t *testing.T) {
	original := commandContext
	commandContext = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "false")
	}
	t.Cleanup(func() { commandContext = original })

	cfg := testsupport.NewConfig(t)
	proc := NewFFmpeg(cfg)
	dir := t.TempDir()
	err := proc.AssembleRecording(context.Background(),
		[]string{filepath.Join(dir, "a.bin")}, filepath.Join(dir, "out.wav"))
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected external tool error, got %v", err)
	}
}
