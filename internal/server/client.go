package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client talks to a running daemon's control API.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for the daemon listening on addr
// ("host:port" or a full URL).
func NewClient(addr string) *Client {
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	// Stop waits for finalization, which can take as long as draining the
	// video encoders.
	return &Client{base: strings.TrimSuffix(base, "/"), http: &http.Client{Timeout: 2 * time.Minute}}
}

// Start asks the daemon to start recording.
func (c *Client) Start(ctx context.Context) (*StatusResponse, error) {
	var st StatusResponse
	return &st, c.call(ctx, http.MethodPost, "/start", &st)
}

// Stop asks the daemon to stop and waits for the session to be saved.
func (c *Client) Stop(ctx context.Context) (*StopResponse, error) {
	var resp StopResponse
	return &resp, c.call(ctx, http.MethodPost, "/stop", &resp)
}

// Status returns the daemon's recording state.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var st StatusResponse
	return &st, c.call(ctx, http.MethodGet, "/status", &st)
}

func (c *Client) call(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon not reachable at %s (is 'jamwatch watch' running?): %w", c.base, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var failure GenericResponse
		if json.Unmarshal(body, &failure) == nil && failure.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, failure.Error)
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
