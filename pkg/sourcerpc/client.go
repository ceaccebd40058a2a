// Package sourcerpc provides a client for enrichment sources that speak the
// flat JSON request/response protocol.
package sourcerpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// Reserved response keys. Every other key is a result field.
const (
	KeyLeadID     = "lead_id"
	KeyStrategy   = "strategy"
	KeyConfidence = "confidence"
	KeyDataAsOf   = "data_as_of"
	KeyError      = "error"
)

// Client calls a single enrichment source.
type Client interface {
	// Call sends one lookup. fields holds optional identity fields; leadID is
	// the required correlation id.
	Call(ctx context.Context, leadID string, fields map[string]string) (*Result, error)
}

// Result is a decoded source response.
type Result struct {
	Fields     map[string]any
	Confidence *float64
	DataAsOf   *time.Time
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("sourcerpc: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the status indicates a transient server-side issue.
func (e *StatusError) Retryable() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// RemoteError is an error reported by the source in its response body.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "sourcerpc: remote error: " + e.Message
}

// Option configures the client.
type Option func(*httpClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit caps outgoing requests per second. Zero disables limiting.
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		} else {
			c.limiter = nil
		}
	}
}

// WithAPIKey sends the key as a bearer token.
func WithAPIKey(key string) Option {
	return func(c *httpClient) {
		c.apiKey = key
	}
}

type httpClient struct {
	endpoint string
	apiKey   string
	http     *http.Client
	limiter  *rate.Limiter
}

// NewClient creates a client posting to endpoint.
func NewClient(endpoint string, opts ...Option) Client {
	c := &httpClient{
		endpoint: endpoint,
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(10, 10),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Call(ctx context.Context, leadID string, fields map[string]string) (*Result, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "sourcerpc: rate limit wait")
		}
	}

	payload := make(map[string]string, len(fields)+1)
	for k, v := range fields {
		payload[k] = v
	}
	payload[KeyLeadID] = leadID

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, eris.Wrap(err, "sourcerpc: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "sourcerpc: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "sourcerpc: request failed")
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, eris.Wrap(err, "sourcerpc: read response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(data), 256)}
	}

	return decode(data)
}

func decode(data []byte) (*Result, error) {
	var raw map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, eris.Wrap(err, "sourcerpc: unmarshal response")
	}

	if msg, ok := raw[KeyError].(string); ok && msg != "" {
		return nil, &RemoteError{Message: msg}
	}

	res := &Result{Fields: make(map[string]any, len(raw))}
	for k, v := range raw {
		switch k {
		case KeyError, KeyLeadID, KeyStrategy:
		case KeyConfidence:
			n, ok := v.(json.Number)
			if !ok {
				return nil, eris.Errorf("sourcerpc: confidence is %T, want number", v)
			}
			f, err := n.Float64()
			if err != nil {
				return nil, eris.Wrap(err, "sourcerpc: parse confidence")
			}
			res.Confidence = &f
		case KeyDataAsOf:
			s, _ := v.(string)
			if s == "" {
				continue
			}
			ts, err := time.Parse(time.RFC3339, s)
			if err != nil {
				return nil, eris.Wrapf(err, "sourcerpc: parse data_as_of %q", s)
			}
			res.DataAsOf = &ts
		default:
			if v == nil {
				continue
			}
			res.Fields[k] = fieldValue(v)
		}
	}
	return res, nil
}

// fieldValue converts json.Number into int64 when integral, else float64.
func fieldValue(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	f, _ := n.Float64()
	return f
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
