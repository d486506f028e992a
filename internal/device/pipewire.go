package device

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

const (
	portPollInterval = 100 * time.Millisecond
	linkAttempts     = 5
	linkRetryDelay   = 500 * time.Millisecond
)

// PipeWire wires audio bindings to their capture client through pw-link.
type PipeWire struct {
	// run executes pw-link; replaced in tests.
	run func(ctx context.Context, args ...string) ([]byte, error)
}

func NewPipeWire() *PipeWire {
	return &PipeWire{
		run: func(ctx context.Context, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, "pw-link", args...).CombinedOutput()
		},
	}
}

// ListPorts returns every input and output port name known to PipeWire.
func (pw *PipeWire) ListPorts() ([]string, error) {
	return pw.ports(context.Background())
}

func (pw *PipeWire) ports(ctx context.Context) ([]string, error) {
	out, err := pw.run(ctx, "-io")
	if err != nil {
		return nil, fmt.Errorf("pw-link -io: %w", err)
	}
	return parsePortList(string(out)), nil
}

func parsePortList(output string) []string {
	var ports []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasSuffix(line, "ports:") {
			continue
		}
		ports = append(ports, line)
	}
	return ports
}

// ValidatePort checks that a source port exists exactly once. Two
// applications publishing the same port name make the link ambiguous.
func (pw *PipeWire) ValidatePort(name string) error {
	if unwired(name) {
		return nil
	}
	ports, err := pw.ports(context.Background())
	if err != nil {
		return err
	}
	return checkPort(name, ports)
}

func unwired(name string) bool { return name == "" || name == "disabled" }

func checkPort(name string, ports []string) error {
	n := 0
	for _, p := range ports {
		if p == name {
			n++
		}
	}
	if n == 0 {
		return fmt.Errorf("port not found: %s", name)
	}
	if n > 1 {
		return fmt.Errorf("duplicate sources detected for %q (%d ports)", name, n)
	}
	return nil
}

// Wire links each configured source of b to the matching input of the
// capture client. Channels beyond the binding's channel count and disabled
// sources are skipped.
func (pw *PipeWire) Wire(ctx context.Context, b Binding, client string, wait time.Duration) error {
	for i, src := range b.Sources {
		if i >= b.Channels() || unwired(src) {
			continue
		}
		dst := fmt.Sprintf("%s:input_%d", client, i+1)
		if err := pw.awaitPort(ctx, dst, wait); err != nil {
			return fmt.Errorf("capture port for %s: %w", b.ID, err)
		}
		if err := pw.link(ctx, src, dst); err != nil {
			return fmt.Errorf("wire %s: %w", b.ID, err)
		}
		slog.Info("Connected audio source", "device", b.ID, "source", src, "dest", dst)
	}
	return nil
}

// awaitPort polls until the ffmpeg JACK client has registered name.
func (pw *PipeWire) awaitPort(ctx context.Context, name string, wait time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	ticker := time.NewTicker(portPollInterval)
	defer ticker.Stop()
	for {
		if ports, err := pw.ports(ctx); err == nil && checkPort(name, ports) == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("port %s did not appear within %s", name, wait)
		case <-ticker.C:
		}
	}
}

// link retries while the source port shows up, which it may do late for
// hot-plugged interfaces.
func (pw *PipeWire) link(ctx context.Context, src, dst string) error {
	var last error
	for attempt := 1; attempt <= linkAttempts; attempt++ {
		if err := pw.ValidatePort(src); err != nil {
			last = err
		} else if out, err := pw.run(ctx, src, dst); err != nil {
			last = fmt.Errorf("%w (output: %s)", err, strings.TrimSpace(string(out)))
		} else {
			return nil
		}
		slog.Debug("Port link attempt failed", "source", src, "dest", dst, "attempt", attempt, "error", last)
		if attempt == linkAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(linkRetryDelay):
		}
	}
	return fmt.Errorf("link %s -> %s after %d attempts: %w", src, dst, linkAttempts, last)
}
