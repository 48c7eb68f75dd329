package videoin

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/vango-go/vai-duplex/pkg/core"
)

func fakeFFmpeg(t *testing.T, script string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script stand-in for ffmpeg")
	}
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "ffmpeg"), []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatalf("write fake ffmpeg: %v", err)
	}
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

func TestFFmpegCamera_ExitBeforeFirstFrame(t *testing.T) {
	fakeFFmpeg(t, "echo '/dev/video0: No such file or directory' >&2; exit 1")

	cam := &FFmpegCamera{goos: "linux", lookPath: exec.LookPath}
	src, err := cam.Open(context.Background(), Constraints{Width: 4, Height: 2})
	if src != nil {
		src.Close()
		t.Fatal("Open returned a source for a dead process")
	}
	if !core.IsType(err, core.ErrDeviceUnavailable) {
		t.Fatalf("err=%v, want %s", err, core.ErrDeviceUnavailable)
	}
	if !strings.Contains(err.Error(), "No such file or directory") {
		t.Fatalf("err=%v, want ffmpeg stderr in message", err)
	}
}

func TestFFmpegCamera_DeliversFramesAfterStartContextEnds(t *testing.T) {
	fakeFFmpeg(t, "exec cat /dev/zero")

	ctx, cancel := context.WithCancel(context.Background())
	cam := &FFmpegCamera{goos: "linux", lookPath: exec.LookPath}
	src, err := cam.Open(ctx, Constraints{Width: 4, Height: 2})
	cancel()
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer src.Close()

	img := src.Frame()
	if img == nil {
		t.Fatal("Frame()=nil after Open returned")
	}
	if b := img.Bounds(); b.Dx() != 4 || b.Dy() != 2 {
		t.Fatalf("bounds=%v, want 4x2", b)
	}
}
