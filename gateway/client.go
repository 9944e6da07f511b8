// Package gateway provisions kernel sessions through a Jupyter Kernel
// Gateway. Kernels are started, interrupted and deleted over the gateway
// REST API; the messaging protocol itself runs on the per-kernel
// channels websocket owned by package kernel.
//
// When no external gateway is configured, the package can start an
// ephemeral gateway container through the Docker daemon, optionally
// shared across invocations via an on-disk discovery file.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/openkickstartai/nbcheck/iox"
	"github.com/openkickstartai/nbcheck/kernel"
	"github.com/openkickstartai/nbcheck/log"
)

// DefaultKernelName is the kernelspec launched when none is configured.
const DefaultKernelName = "python3"

// DefaultTimeout is the default per-request timeout for REST calls.
const DefaultTimeout = 10 * time.Second

// DefaultRetries is the default number of retry attempts for kernel starts.
const DefaultRetries = 2

// Config configures a gateway client.
type Config struct {
	// URL is the gateway base URL, e.g. http://127.0.0.1:8888 (required).
	URL string
	// AuthToken, when set, is sent as "Authorization: token <value>" on
	// every REST call and on the channels websocket handshake.
	AuthToken string
	// KernelName selects the kernelspec to launch (default python3).
	KernelName string
	// Timeout is the per-request timeout for REST calls (default 10s).
	Timeout time.Duration
	// Retries is the number of retry attempts for kernel starts (default 0).
	Retries int
}

// Client talks to one Jupyter Kernel Gateway.
type Client struct {
	config Config
	client *http.Client
	logger *log.Logger
}

// New creates a gateway client from the given config.
// Returns an error if the URL is empty or unparsable.
func New(cfg Config, logger *log.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("gateway client requires a URL")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("gateway URL: %w", err)
	}
	if cfg.KernelName == "" {
		cfg.KernelName = DefaultKernelName
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}

	return &Client{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}, nil
}

// URL returns the gateway base URL.
func (c *Client) URL() string {
	return c.config.URL
}

// kernelResource is the gateway's JSON representation of a kernel.
type kernelResource struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// StartKernel asks the gateway to launch a kernel and returns its ID.
// Retries with exponential backoff on 5xx responses and network errors.
// 4xx responses are non-retriable and fail immediately.
func (c *Client) StartKernel(ctx context.Context) (string, error) {
	body, err := json.Marshal(map[string]string{"name": c.config.KernelName})
	if err != nil {
		return "", fmt.Errorf("marshal kernel request: %w", err)
	}

	var lastErr error
	// attempts = 1 initial + retries
	attempts := 1 + c.config.Retries

	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("start kernel: %w", err)
		}

		// Exponential backoff before retries (not before first attempt)
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * 500 * time.Millisecond
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("start kernel: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}

		var res kernelResource
		lastErr = c.doJSON(ctx, http.MethodPost, "/api/kernels", body, &res)
		if lastErr == nil {
			if res.ID == "" {
				return "", errors.New("gateway returned a kernel without an id")
			}
			c.logger.Debug("kernel started", map[string]any{
				"kernel_id":   res.ID,
				"kernel_name": c.config.KernelName,
			})
			return res.ID, nil
		}

		// 4xx errors are non-retriable, stop immediately
		var statusErr *StatusError
		if errors.As(lastErr, &statusErr) && statusErr.Code >= 400 && statusErr.Code < 500 {
			return "", fmt.Errorf("start kernel: non-retriable: %w", lastErr)
		}
	}

	return "", fmt.Errorf("start kernel: failed after %d attempts: %w", attempts, lastErr)
}

// Interrupt sends SIGINT to the kernel through the gateway. Single
// attempt: interrupts are time-critical and a late one is useless.
func (c *Client) Interrupt(ctx context.Context, kernelID string) error {
	p := "/api/kernels/" + url.PathEscape(kernelID) + "/interrupt"
	if err := c.doJSON(ctx, http.MethodPost, p, nil, nil); err != nil {
		return fmt.Errorf("interrupt kernel %s: %w", kernelID, err)
	}
	return nil
}

// Shutdown deletes the kernel so the gateway reaps its process. A 404
// means the kernel is already gone, which is the desired end state.
func (c *Client) Shutdown(ctx context.Context, kernelID string) error {
	p := "/api/kernels/" + url.PathEscape(kernelID)
	err := c.doJSON(ctx, http.MethodDelete, p, nil, nil)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.Code == http.StatusNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("shutdown kernel %s: %w", kernelID, err)
	}
	return nil
}

// Provision starts a kernel, dials its channels websocket and completes
// the protocol handshake. The caller owns the returned session and must
// Shutdown it. Any failure is reported as a StartError; a kernel that
// started but never became usable is deleted before returning.
func (c *Client) Provision(ctx context.Context) (*kernel.Session, error) {
	kernelID, err := c.StartKernel(ctx)
	if err != nil {
		return nil, &StartError{Endpoint: c.config.URL, Err: err}
	}

	wsURL, err := c.ChannelsURL(kernelID)
	if err != nil {
		c.reap(kernelID)
		return nil, &StartError{Endpoint: c.config.URL, KernelID: kernelID, Err: err}
	}

	transport, err := kernel.Dial(ctx, wsURL, c.authHeader())
	if err != nil {
		c.reap(kernelID)
		return nil, &StartError{Endpoint: c.config.URL, KernelID: kernelID, Err: fmt.Errorf("dial channels: %w", err)}
	}

	session := kernel.NewSession(kernelID, transport, c, c.logger)
	if err := session.Start(ctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
		_ = session.Shutdown(shutdownCtx)
		cancel()
		return nil, &StartError{Endpoint: c.config.URL, KernelID: kernelID, Err: err}
	}
	return session, nil
}

// ChannelsURL returns the websocket URL multiplexing all channels of the
// given kernel.
func (c *Client) ChannelsURL(kernelID string) (string, error) {
	u, err := url.Parse(c.config.URL)
	if err != nil {
		return "", fmt.Errorf("parse gateway URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported gateway scheme %q", u.Scheme)
	}
	u.Path = path.Join(u.Path, "api/kernels", kernelID, "channels")
	return u.String(), nil
}

// authHeader returns the headers for the channels websocket handshake.
func (c *Client) authHeader() http.Header {
	if c.config.AuthToken == "" {
		return nil
	}
	h := make(http.Header)
	h.Set("Authorization", "token "+c.config.AuthToken)
	return h
}

// reap deletes a kernel that started but never became usable. Runs on
// its own timeout so a canceled provision context cannot leak the
// kernel process.
func (c *Client) reap(kernelID string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
	defer cancel()
	if err := c.Shutdown(ctx, kernelID); err != nil {
		c.logger.Warn("failed to delete unusable kernel", map[string]any{
			"kernel_id": kernelID,
			"error":     err.Error(),
		})
	}
}

// doJSON performs one REST call and decodes the JSON response into out
// when out is non-nil. Returns a StatusError for non-2xx responses.
func (c *Client) doJSON(ctx context.Context, method, apiPath string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	endpoint := strings.TrimSuffix(c.config.URL, "/") + apiPath
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.AuthToken != "" {
		req.Header.Set("Authorization", "token "+c.config.AuthToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	// Drain so the connection can be reused
	defer iox.DrainClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// Close releases idle HTTP connections.
func (c *Client) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

// Verify Client provides the session control plane.
var _ kernel.ControlPlane = (*Client)(nil)
