// Package backend is the client for the medication search and interaction
// check services.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
	"unicode/utf8"

	"github.com/giygas/mediract/config"
	"github.com/giygas/mediract/logging"
	"github.com/giygas/mediract/medication"
	"github.com/giygas/mediract/metrics"
	"golang.org/x/text/encoding/charmap"
)

const (
	// DefaultTimeout bounds a single backend call
	DefaultTimeout = 10 * time.Second

	// maxResponseSize caps how much of a backend body is read
	maxResponseSize = 4 << 20

	EndpointSearch       = "search-medications"
	EndpointInteractions = "check-interactions"
	EndpointRoot         = "root"
)

// Client talks to the medication backend over plain HTTP JSON
type Client struct {
	baseURL       string
	httpClient    *http.Client
	payloadFormat string
	userAgent     string
}

// Option configures the client
type Option func(*Client)

// NewClient creates a client for the backend at baseURL
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:       baseURL,
		payloadFormat: config.PayloadObjects,
		userAgent:     "mediract/1.0",
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// NewFromConfig creates a client from the application config
func NewFromConfig(cfg *config.Config) *Client {
	return NewClient(cfg.BackendURL,
		WithTimeout(cfg.BackendTimeout),
		WithPayloadFormat(cfg.BackendPayloadFormat),
	)
}

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithTimeout sets a custom timeout for backend requests
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithPayloadFormat selects how medications are encoded in interaction checks
func WithPayloadFormat(format string) Option {
	return func(c *Client) {
		c.payloadFormat = format
	}
}

// WithUserAgent sets a custom user agent for requests
func WithUserAgent(userAgent string) Option {
	return func(c *Client) {
		c.userAgent = userAgent
	}
}

// SearchMedications returns the suggestions for a partial query. A missing or
// malformed suggestions field yields an empty list, as does a 404 (the search
// service answers 404 when nothing matches).
func (c *Client) SearchMedications(ctx context.Context, query string) ([]medication.Candidate, error) {
	endpoint := "/search-medications?query=" + url.QueryEscape(query)

	body, err := c.do(ctx, EndpointSearch, http.MethodGet, endpoint, nil)
	if err != nil {
		if IsNotFound(err) {
			return []medication.Candidate{}, nil
		}
		return nil, err
	}

	var envelope struct {
		Suggestions json.RawMessage `json:"suggestions"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		logging.Warn("Unexpected search response shape", "error", err)
		return []medication.Candidate{}, nil
	}

	var suggestions []medication.Candidate
	if len(envelope.Suggestions) == 0 || json.Unmarshal(envelope.Suggestions, &suggestions) != nil || suggestions == nil {
		return []medication.Candidate{}, nil
	}

	return suggestions, nil
}

type objectsPayload struct {
	Medication         medication.Candidate   `json:"medication"`
	CurrentMedications []medication.Candidate `json:"current_medications"`
}

type namesPayload struct {
	Medication         string   `json:"medication"`
	CurrentMedications []string `json:"current_medications"`
}

// CheckInteractions asks the backend for interactions between med and current.
// The body is decoded as-is into the response.
func (c *Client) CheckInteractions(ctx context.Context, med medication.Candidate, current []medication.Candidate) (*medication.InteractionResponse, error) {
	if current == nil {
		current = []medication.Candidate{}
	}

	var payload any
	if c.payloadFormat == config.PayloadNames {
		payload = namesPayload{Medication: med.Name, CurrentMedications: medication.Names(current)}
	} else {
		payload = objectsPayload{Medication: med, CurrentMedications: current}
	}

	body, err := c.do(ctx, EndpointInteractions, http.MethodPost, "/check-interactions", payload)
	if err != nil {
		return nil, err
	}

	var resp medication.InteractionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode interaction response: %w", err)
	}

	return &resp, nil
}

// Ping checks that the backend root answers
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, EndpointRoot, http.MethodGet, "/", nil)
	return err
}

// do performs one request and returns the UTF-8 body of a 2xx response
func (c *Client) do(ctx context.Context, name, method, endpoint string, payload any) ([]byte, error) {
	start := time.Now()
	body, err := c.roundTrip(ctx, method, endpoint, payload)

	outcome := metrics.OutcomeSuccess
	switch {
	case errors.Is(err, context.Canceled):
		outcome = metrics.OutcomeCancelled
	case err != nil && !IsNotFound(err):
		outcome = metrics.OutcomeError
	}
	metrics.ObserveBackend(name, outcome, time.Since(start))

	if err != nil && outcome == metrics.OutcomeError {
		logging.Debug("Backend request failed", "endpoint", name, "error", err)
	}
	return body, err
}

func (c *Client) roundTrip(ctx context.Context, method, endpoint string, payload any) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		jsonBody, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to perform request: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logging.Warn("Failed to close response body", "error", err)
		}
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	body, err := toUTF8(raw)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, parseError(endpointName(endpoint), resp.StatusCode, body)
	}

	return body, nil
}

// toUTF8 re-decodes Latin-1 bodies, which some drug databases still serve
func toUTF8(raw []byte) ([]byte, error) {
	if utf8.Valid(raw) {
		return raw, nil
	}
	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ISO-8859-1 response: %w", err)
	}
	return decoded, nil
}

func endpointName(endpoint string) string {
	if u, err := url.Parse(endpoint); err == nil {
		return u.Path
	}
	return endpoint
}
