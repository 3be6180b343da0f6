package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/comosim/comosim/pkg/types"
)

// StatusError is a non-2xx response from a simulator service. The dispatcher
// uses the code to classify failures as retriable or not.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// Retriable reports whether the failure may clear on retry. Server-side
// errors are retriable; client errors are not.
func (e *StatusError) Retriable() bool {
	return e.Code >= 500
}

// Client talks the peek/step protocol to one simulator service endpoint.
// The underlying HTTP client is pooled and may be shared between Clients.
type Client struct {
	endpoint string
	http     *http.Client
}

// New creates a client for the service at endpoint
func New(endpoint string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{endpoint: strings.TrimRight(endpoint, "/"), http: httpClient}
}

// Endpoint returns the service base URL
func (c *Client) Endpoint() string { return c.endpoint }

// Spec fetches the service's event specification
func (c *Client) Spec(ctx context.Context) (*types.ServiceSpec, error) {
	var spec types.ServiceSpec
	if err := c.call(ctx, http.MethodGet, "/spec", nil, &spec); err != nil {
		return nil, err
	}
	return &spec, nil
}

// Setup pushes the service's portion of the global configuration
func (c *Client) Setup(ctx context.Context, settings json.RawMessage) error {
	var msg types.Message
	return c.call(ctx, http.MethodPost, "/setup", settings, &msg)
}

// Start arms the simulator
func (c *Client) Start(ctx context.Context) error {
	var msg types.Message
	return c.call(ctx, http.MethodPost, "/start", nil, &msg)
}

// Peek asks for the next event time. The wire sentinel -1 comes back as +Inf.
func (c *Client) Peek(ctx context.Context) (float64, error) {
	var peek types.PeekResponse
	if err := c.call(ctx, http.MethodGet, "/peek", nil, &peek); err != nil {
		return 0, err
	}
	return types.DecodeNext(peek.Next), nil
}

// Step commands the simulator to advance one event
func (c *Client) Step(ctx context.Context) (*types.StepResponse, error) {
	var step types.StepResponse
	if err := c.call(ctx, http.MethodPost, "/step", nil, &step); err != nil {
		return nil, err
	}
	return &step, nil
}

// Triggered delivers an external event to the service
func (c *Client) Triggered(ctx context.Context, event types.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return c.call(ctx, http.MethodPost, "/triggered", body, nil)
}

// Finish tears the service down
func (c *Client) Finish(ctx context.Context) error {
	var msg types.Message
	return c.call(ctx, http.MethodPost, "/finish", nil, &msg)
}

// Probe checks the endpoint is reachable and answers its spec route; the
// body is discarded unparsed. Setup probes every service first, so a dead or
// misconfigured endpoint fails the run before any negotiation starts.
func (c *Client) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/spec", nil)
	if err != nil {
		return fmt.Errorf("failed to create probe request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("service at %s unreachable: %w", c.endpoint, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 399 {
		return fmt.Errorf("service at %s answered probe with HTTP %d %s",
			c.endpoint, resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	return nil
}

func (c *Client) call(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}
