package brgps

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

const (
	// DefaultBatchTimeout bounds a multi-device fetch.
	DefaultBatchTimeout = 15 * time.Second
	// DefaultSingleTimeout bounds a single-device fetch.
	DefaultSingleTimeout = 10 * time.Second

	headerAPIToken    = "api_token"
	headerTimestamp   = "timestamp"
	headerContentType = "Content-Type"
	tagPath           = "/tag"
	maxResponseBytes  = 8 << 20
)

var (
	// ErrMissingCredentials indicates the provider URL or token is empty.
	ErrMissingCredentials = errors.New("brgps: provider base url and token are required")
	// ErrUnexpectedStatus indicates the provider answered with a non-2xx status.
	ErrUnexpectedStatus = errors.New("brgps: unexpected status")
	errNoProviderIDs    = errors.New("brgps: at least one provider id is required")
)

// Credentials identify the provider account used for one cycle.
type Credentials struct {
	BaseURL string
	Token   string
}

// ClientConfig describes the dependencies of Client.
type ClientConfig struct {
	HTTPClient    *http.Client
	Clock         func() time.Time
	BatchTimeout  time.Duration
	SingleTimeout time.Duration
	Logger        *zap.Logger
}

// Client issues authenticated position requests against the BRGPS API.
// It shapes requests only; response bodies are returned verbatim.
type Client struct {
	httpClient    *http.Client
	clock         func() time.Time
	batchTimeout  time.Duration
	singleTimeout time.Duration
	logger        *zap.Logger
}

// NewClient constructs a Client with default timeouts where unset.
func NewClient(cfg ClientConfig) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = DefaultBatchTimeout
	}
	singleTimeout := cfg.SingleTimeout
	if singleTimeout <= 0 {
		singleTimeout = DefaultSingleTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		httpClient:    httpClient,
		clock:         clock,
		batchTimeout:  batchTimeout,
		singleTimeout: singleTimeout,
		logger:        logger,
	}
}

// FetchBatch requests positions for every provider id in one call.
func (c *Client) FetchBatch(ctx context.Context, credentials Credentials, providerIDs []string) ([]byte, error) {
	if len(providerIDs) == 0 {
		return nil, errNoProviderIDs
	}
	return c.fetch(ctx, credentials, providerIDs, c.batchTimeout)
}

// FetchDevice requests the position of a single device.
func (c *Client) FetchDevice(ctx context.Context, credentials Credentials, providerID string) ([]byte, error) {
	if strings.TrimSpace(providerID) == "" {
		return nil, errNoProviderIDs
	}
	return c.fetch(ctx, credentials, []string{providerID}, c.singleTimeout)
}

func (c *Client) fetch(ctx context.Context, credentials Credentials, providerIDs []string, timeout time.Duration) ([]byte, error) {
	if credentials.BaseURL == "" || credentials.Token == "" {
		return nil, ErrMissingCredentials
	}

	requestURL := buildTagURL(credentials.BaseURL, providerIDs)
	requestCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(requestCtx, http.MethodGet, requestURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("brgps: create request: %w", err)
	}
	// The provider expects lower-case underscore header names, so bypass canonicalisation.
	req.Header[headerAPIToken] = []string{credentials.Token}
	req.Header[headerTimestamp] = []string{strconv.FormatInt(c.clock().Unix(), 10)}
	req.Header.Set(headerContentType, "application/json")

	started := c.clock()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("brgps: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("brgps: read response: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("%w: %d %s", ErrUnexpectedStatus, resp.StatusCode, truncate(string(body), 256))
	}

	c.logger.Debug("brgps positions fetched",
		zap.Int("devices", len(providerIDs)),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(body)),
		zap.Duration("elapsed", c.clock().Sub(started)))
	return body, nil
}

func buildTagURL(baseURL string, providerIDs []string) string {
	escaped := make([]string, 0, len(providerIDs))
	for _, providerID := range providerIDs {
		escaped = append(escaped, url.QueryEscape(providerID))
	}
	return strings.TrimRight(baseURL, "/") + tagPath + "?ids=" + strings.Join(escaped, ",")
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	return value[:cut] + "..."
}
