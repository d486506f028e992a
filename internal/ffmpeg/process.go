// Package ffmpeg runs ffmpeg subprocesses used for capture, encoding and
// container repair.
package ffmpeg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Binary is the ffmpeg executable. Tests and packagers may override it.
var Binary = "ffmpeg"

// EchoOutput raises ffmpeg's diagnostic lines from debug to info level.
var EchoOutput bool

// Options configures a process.
type Options struct {
	// Wrapper is prepended to the command line, e.g. "pw-jack".
	Wrapper string
	Env     []string
	Stdin   bool
	Stdout  bool
	Label   string
}

// Process is a running ffmpeg instance.
type Process struct {
	cmd    *exec.Cmd
	label  string
	stdin  io.WriteCloser
	stdout io.ReadCloser

	mu        sync.Mutex
	stderrBuf strings.Builder
	done      chan struct{}
	waitErr   error
}

// Start launches ffmpeg with args.
func Start(ctx context.Context, args []string, opts Options) (*Process, error) {
	argv := []string{Binary}
	if opts.Wrapper != "" {
		argv = append([]string{opts.Wrapper}, argv...)
	}
	argv = append(argv, args...)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = 5 * time.Second
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}

	p := &Process{cmd: cmd, label: opts.Label, done: make(chan struct{})}

	var err error
	if opts.Stdin {
		if p.stdin, err = cmd.StdinPipe(); err != nil {
			return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
		}
	}
	if opts.Stdout {
		if p.stdout, err = cmd.StdoutPipe(); err != nil {
			return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
		}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	slog.Debug("Starting FFmpeg", "label", opts.Label, "command", strings.Join(argv, " "))
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start FFmpeg: %w", err)
	}

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		p.readStderr(stderr)
	}()
	go func() {
		<-stderrDone
		err := cmd.Wait()
		p.mu.Lock()
		p.waitErr = err
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

// Run executes ffmpeg to completion and returns combined diagnostics on
// failure.
func Run(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, Binary, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("FFmpeg failed: %w\nOutput: %s", err, string(output))
	}
	return nil
}

func (p *Process) readStderr(pipe io.ReadCloser) {
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		line := scanner.Text()
		p.mu.Lock()
		if p.stderrBuf.Len() < 64*1024 {
			p.stderrBuf.WriteString(line + "\n")
		}
		p.mu.Unlock()
		if EchoOutput {
			slog.Info("FFmpeg output", "label", p.label, "line", line)
		} else {
			slog.Debug("FFmpeg output", "label", p.label, "line", line)
		}
	}
}

// Stdin returns the process input pipe, or nil when not requested.
func (p *Process) Stdin() io.WriteCloser { return p.stdin }

// Stdout returns the process output pipe, or nil when not requested.
func (p *Process) Stdout() io.Reader { return p.stdout }

// Stderr returns buffered diagnostic output.
func (p *Process) Stderr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stderrBuf.String()
}

// Done is closed when the process exits.
func (p *Process) Done() <-chan struct{} { return p.done }

// Wait blocks until the process exits or timeout elapses. A process that
// does not exit in time is killed and ErrTimeout returned.
func (p *Process) Wait(timeout time.Duration) error {
	select {
	case <-p.done:
		return p.exitError()
	case <-time.After(timeout):
		slog.Warn("FFmpeg did not exit within timeout, force killing", "label", p.label)
		p.Kill()
		<-p.done
		return ErrTimeout
	}
}

// Stop asks ffmpeg to finish (closing stdin when it is an input pipe,
// otherwise SIGINT) and waits up to timeout.
func (p *Process) Stop(timeout time.Duration) error {
	if p.stdin != nil {
		_ = p.stdin.Close()
	} else if p.cmd.Process != nil {
		if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
			slog.Debug("Failed to send interrupt to FFmpeg", "label", p.label, "error", err)
		}
	}
	return p.Wait(timeout)
}

// Kill terminates the process immediately.
func (p *Process) Kill() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

// ErrTimeout is returned when ffmpeg had to be killed.
var ErrTimeout = errors.New("ffmpeg: timed out waiting for exit")

func (p *Process) exitError() error {
	p.mu.Lock()
	err := p.waitErr
	p.mu.Unlock()
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// 255 is ffmpeg's exit code after a handled interrupt.
		if exitErr.ExitCode() == 255 {
			return nil
		}
		if exitErr.ProcessState != nil {
			state := exitErr.ProcessState.String()
			if state == "signal: interrupt" || state == "signal: killed" {
				return nil
			}
		}
	}
	return fmt.Errorf("FFmpeg process failed: %w: %s", err, lastLines(p.Stderr(), 5))
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}
