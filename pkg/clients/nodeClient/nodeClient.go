// Package nodeClient submits signed envelopes to a node's HTTP API.
package nodeClient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kiwinews/kiwinews-go/pkg/envelope"
)

const (
	// DefaultEndpoint is the public node's message-submission URL.
	DefaultEndpoint = "https://news.kiwistand.com/api/v1/messages"

	defaultTimeout = 30 * time.Second
)

// ClientConfig holds the configuration for the node client
type ClientConfig struct {
	// Endpoint is the full messages URL, e.g. DefaultEndpoint.
	Endpoint string

	// Timeout bounds a single submission round trip. Zero means the
	// default of 30 seconds.
	Timeout time.Duration

	Logger *zap.Logger
}

// Client posts envelopes to a single node endpoint.
type Client struct {
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a new node client instance
func NewClient(config *ClientConfig) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	if config.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	timeout := config.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	return &Client{
		endpoint:   config.Endpoint,
		httpClient: &http.Client{Timeout: timeout},
		logger:     config.Logger,
	}, nil
}

// SetHttpClient allows setting a custom HTTP client for the node client.
// This is useful for testing or when custom HTTP client configuration is needed.
func (c *Client) SetHttpClient(client *http.Client) {
	c.httpClient = client
}

// Submit posts the envelope as JSON. A non-2xx status is an error carrying
// the status and whatever body the node returned; the envelope may or may
// not have been accepted in that case and the caller decides whether to
// retry.
func (c *Client) Submit(ctx context.Context, env *envelope.Envelope) error {
	if env == nil {
		return fmt.Errorf("envelope cannot be nil")
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	c.logger.Sugar().Debugw("Submitting message",
		"endpoint", c.endpoint,
		"href", env.Message.Href,
		"type", env.Message.Type,
		"address", env.Address.Hex(),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach node at %s: %w", c.endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return fmt.Errorf("failed to read node response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("node rejected message with status %d: %s", resp.StatusCode, bytes.TrimSpace(respBody))
	}

	c.logger.Sugar().Infow("Message accepted",
		"status", resp.StatusCode,
		"href", env.Message.Href,
	)
	return nil
}
