// Package dify talks to the Dify chat-messages API in streaming mode.
package dify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/zulandar/chatrelay/internal/stream"
	"golang.org/x/time/rate"
)

// DefaultTimeout bounds connecting and waiting for the response headers.
const DefaultTimeout = 30 * time.Second

// ConnectionError reports a transport-level failure talking to Dify: dial or
// TLS errors, timeouts, non-2xx responses, and reads that fail mid-stream.
type ConnectionError struct {
	StatusCode int    // 0 when no response was received
	Body       string // truncated response body for non-2xx responses
	Err        error
}

func (e *ConnectionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("dify: upstream returned %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("dify: upstream connection failed: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ChatRequest is the body of POST /chat-messages.
type ChatRequest struct {
	Query          string         `json:"query"`
	Inputs         map[string]any `json:"inputs"`
	User           string         `json:"user"`
	ResponseMode   string         `json:"response_mode"`
	ConversationID string         `json:"conversation_id,omitempty"`
}

// Client opens streaming chat requests. It is safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// ClientOpts holds parameters for creating a Client.
type ClientOpts struct {
	BaseURL           string
	Timeout           time.Duration // connect + first byte; defaults to DefaultTimeout
	RequestsPerMinute int           // 0 disables throttling
	Transport         http.RoundTripper
}

// NewClient creates a Client.
func NewClient(opts ClientOpts) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("dify: base url is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	transport := opts.Transport
	if transport == nil {
		transport = &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}).DialContext,
			TLSHandshakeTimeout:   timeout,
			ResponseHeaderTimeout: timeout,
			IdleConnTimeout:       90 * time.Second,
			MaxIdleConnsPerHost:   10,
		}
	}
	c := &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		// No Client.Timeout: it would cap the whole streamed body.
		http: &http.Client{Transport: transport},
	}
	if opts.RequestsPerMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RequestsPerMinute)), 1)
	}
	return c, nil
}

// Stream posts a streaming chat request and returns the decoded event
// stream. Failures before the response headers arrive are returned as
// *ConnectionError and no events are produced.
func (c *Client) Stream(ctx context.Context, apiKey string, req ChatRequest) (*Stream, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &ConnectionError{Err: fmt.Errorf("rate limit wait: %w", err)}
		}
	}

	if req.Inputs == nil {
		req.Inputs = map[string]any{}
	}
	req.ResponseMode = "streaming"
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("dify: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat-messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("dify: create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &ConnectionError{Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &ConnectionError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(snippet)),
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		}
	}

	return &Stream{body: resp.Body, dec: stream.NewDecoder(resp.Body)}, nil
}

// Stream is an open upstream response.
type Stream struct {
	body io.ReadCloser
	dec  *stream.Decoder
}

// Next returns the next event, io.EOF at the end of the stream, or a
// *ConnectionError if the connection fails mid-stream.
func (s *Stream) Next() (stream.Event, error) {
	evt, err := s.dec.Next()
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, &ConnectionError{Err: err}
	}
	return evt, err
}

// Close releases the underlying connection.
func (s *Stream) Close() error {
	return s.body.Close()
}
