package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/samber/ro"
)

const apiKeyHeader = "x-goog-api-key"

// Client calls the Gemini generateContent endpoints. One client is shared by
// every key; the API key travels per request.
type Client struct {
	baseURL string
	timeout time.Duration
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// NewClient creates a Gemini client against baseURL, which should already
// include the API version segment. timeout bounds non-streaming calls only;
// streams run until the upstream closes them or the context is canceled.
func NewClient(baseURL string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		timeout: timeout,
		http: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: 30 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) newRequest(ctx context.Context, apiKey, url string, body *GenerateRequest) (*http.Request, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("upstream: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(apiKeyHeader, apiKey)
	return req, nil
}

// readError drains a non-2xx response into an *Error. The body is capped so
// a misbehaving upstream cannot balloon memory.
func readError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return &Error{StatusCode: resp.StatusCode, Body: body}
}

// Generate performs a non-streaming generateContent call with the given key.
func (c *Client) Generate(ctx context.Context, apiKey, model string, body *GenerateRequest) (*GenerateResponse, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, model)
	req, err := c.newRequest(ctx, apiKey, url, body)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, readError(resp)
	}

	var out GenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("upstream: decode response: %w", err)
	}
	return &out, nil
}

// Stream is an open streaming call. Events() yields decoded chunks; Close
// releases the connection.
type Stream struct {
	resp *http.Response
}

// Events returns the chunk observable. Subscribe exactly once.
func (s *Stream) Events() ro.Observable[*GenerateResponse] {
	return ro.Pipe1(StreamSSE(s.resp.Body), ro.Map(decodeChunk))
}

func decodeChunk(e SSEEvent) *GenerateResponse {
	var chunk GenerateResponse
	if err := json.Unmarshal(e.Data, &chunk); err != nil {
		return &GenerateResponse{}
	}
	return &chunk
}

// Close releases the underlying connection.
func (s *Stream) Close() error {
	return s.resp.Body.Close()
}

// StreamGenerate opens a streamGenerateContent call. A non-2xx status is
// returned as an error before any chunk is produced, so retry decisions can
// be made without having committed bytes to the client.
func (c *Client) StreamGenerate(ctx context.Context, apiKey, model string, body *GenerateRequest) (*Stream, error) {
	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", c.baseURL, model)
	req, err := c.newRequest(ctx, apiKey, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, readError(resp)
	}
	return &Stream{resp: resp}, nil
}
