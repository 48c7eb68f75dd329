// Package ffmpeg runs ffmpeg capture processes for the microphone and
// camera fallbacks.
package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/vango-go/vai-duplex/pkg/core"
)

// DefaultStartTimeout bounds how long Open waits for the first output
// before assuming a slow but healthy device.
const DefaultStartTimeout = 2 * time.Second

const stderrTailBytes = 2048

// ErrExited reports that ffmpeg exited before producing any output.
var ErrExited = errors.New("ffmpeg exited before producing output")

// Tail keeps the last Max bytes written to it.
type Tail struct {
	Max int

	mu  sync.Mutex
	buf []byte
}

func (t *Tail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if n := t.Max; n > 0 && len(t.buf) > n {
		t.buf = append(t.buf[:0], t.buf[len(t.buf)-n:]...)
	}
	return len(p), nil
}

func (t *Tail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}

// Process is a running ffmpeg. Its lifetime is independent of the context
// it was started with; Kill ends it.
type Process struct {
	cmd    *exec.Cmd
	stderr *Tail
	once   sync.Once
}

// Start launches ffmpeg with args and returns its stdout. ctx only gates
// the launch: a context that is already done fails fast, but cancelling it
// later does not stop the process.
func Start(ctx context.Context, args []string) (*Process, io.Reader, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	cmd := exec.Command("ffmpeg", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("open ffmpeg stdout: %w", err)
	}
	tail := &Tail{Max: stderrTailBytes}
	cmd.Stderr = tail
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("start ffmpeg: %w", err)
	}
	return &Process{cmd: cmd, stderr: tail}, stdout, nil
}

// Stderr returns the tail of what ffmpeg wrote to stderr.
func (p *Process) Stderr() string {
	if p == nil {
		return ""
	}
	return p.stderr.String()
}

// Kill stops ffmpeg and reaps it. It is safe to call repeatedly.
func (p *Process) Kill() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
			_ = p.cmd.Wait()
		}
	})
}

// AwaitOutput waits until first is closed (output arrived), exited is
// closed (the reader saw EOF), timeout elapses or ctx ends. Only an early
// exit or a done ctx is an error.
func AwaitOutput(ctx context.Context, first, exited <-chan struct{}, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultStartTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-first:
		return nil
	case <-exited:
		select {
		case <-first:
			return nil
		default:
			return ErrExited
		}
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DeviceError classifies a failed capture start for device, using the
// stderr tail to tell a refused permission from a missing device.
func DeviceError(device string, p *Process, cause error) error {
	msg := p.Stderr()
	if msg != "" {
		cause = fmt.Errorf("%w: %s", cause, msg)
	}
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "permission denied") || strings.Contains(lower, "not permitted") || strings.Contains(lower, "not authorized") {
		return core.NewDevicePermissionError(device, cause)
	}
	return core.NewDeviceUnavailableError(device, cause)
}
