package traccar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/Jorge-Nunes/tag-padrin/internal/metrics"
	"github.com/Jorge-Nunes/tag-padrin/internal/tracking"
)

const (
	// DefaultTimeout bounds each delivery request.
	DefaultTimeout = 10 * time.Second

	userAgent        = "TagPadrin/1.0"
	maxResponseBytes = 64 << 10
	maxLoggedBody    = 1024
)

var (
	// ErrDeliveryFailed indicates the sink answered with a non-2xx status.
	ErrDeliveryFailed = errors.New("traccar: delivery failed")
	errMissingDevice  = errors.New("traccar: device and position identifiers are required")
)

// AttemptRecorder persists one forward audit row per HTTP attempt.
type AttemptRecorder interface {
	RecordForwardAttempt(ctx context.Context, attempt tracking.ForwardAttemptLog) error
}

// ForwarderConfig describes the dependencies of Forwarder.
type ForwarderConfig struct {
	HTTPClient *http.Client
	Recorder   AttemptRecorder
	Timeout    time.Duration
	Logger     *zap.Logger
}

// Forwarder delivers positions to an OsmAnd-compatible sink.
type Forwarder struct {
	httpClient *http.Client
	recorder   AttemptRecorder
	timeout    time.Duration
	logger     *zap.Logger
}

// ForwardResult summarises a delivery, including a degraded retry when one ran.
type ForwardResult struct {
	Skipped      bool
	Delivered    bool
	Degraded     bool
	Attempts     int
	StatusCode   int
	RetryStatus  int
	RetryError   error
	QuerySent    string
	RetryQuery   string
	ResponseBody string
}

// NewForwarder constructs a Forwarder. Recorder may be nil.
func NewForwarder(cfg ForwarderConfig) *Forwarder {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Forwarder{
		httpClient: httpClient,
		recorder:   cfg.Recorder,
		timeout:    timeout,
		logger:     logger,
	}
}

// Forward sends report to its sink. When the first attempt fails and carried a
// battery value, one retry without it is made; the first attempt's error is
// returned whatever the retry outcome.
func (f *Forwarder) Forward(ctx context.Context, report Report) (ForwardResult, error) {
	sinkURL := strings.TrimSpace(report.SinkURL)
	if sinkURL == "" {
		f.logger.Debug("forward skipped: no sink url",
			zap.String("device_id", report.DeviceID),
			zap.String("provider_id", report.ProviderID))
		return ForwardResult{Skipped: true}, nil
	}
	if report.DeviceID == "" || report.PositionID == "" {
		return ForwardResult{}, errMissingDevice
	}

	params := buildPayload(report)
	result := ForwardResult{QuerySent: params.Encode()}

	status, body, err := f.deliver(ctx, report, sinkURL, params, false)
	result.Attempts = 1
	result.StatusCode = status
	result.ResponseBody = body
	if err == nil {
		result.Delivered = true
		f.logger.Info("position forwarded",
			zap.String("device_id", report.DeviceID),
			zap.String("provider_id", report.ProviderID),
			zap.Int("status", status))
		return result, nil
	}

	f.logger.Error("forward failed",
		zap.String("device_id", report.DeviceID),
		zap.String("provider_id", report.ProviderID),
		zap.Int("status", status),
		zap.String("response", truncate(body, maxLoggedBody)),
		zap.String("payload", result.QuerySent),
		zap.Error(err))

	if !params.has(paramBattery) {
		return result, err
	}

	degraded := params.without(paramBattery)
	result.Degraded = true
	result.RetryQuery = degraded.Encode()
	f.logger.Warn("retrying forward without battery",
		zap.String("device_id", report.DeviceID),
		zap.String("payload", result.RetryQuery))

	retryStatus, retryBody, retryErr := f.deliver(ctx, report, sinkURL, degraded, true)
	result.Attempts = 2
	result.RetryStatus = retryStatus
	result.RetryError = retryErr
	if retryErr != nil {
		f.logger.Error("degraded forward failed",
			zap.String("device_id", report.DeviceID),
			zap.Int("status", retryStatus),
			zap.String("response", truncate(retryBody, maxLoggedBody)),
			zap.Error(retryErr))
	} else {
		result.Delivered = true
		f.logger.Info("degraded forward succeeded",
			zap.String("device_id", report.DeviceID),
			zap.Int("status", retryStatus))
	}
	return result, err
}

func (f *Forwarder) deliver(ctx context.Context, report Report, sinkURL string, params payload, degraded bool) (int, string, error) {
	query := params.Encode()
	status, body, err := f.send(ctx, sinkURL, query)

	metrics.ForwardAttempts.WithLabelValues(resultLabel(err), metrics.BoolLabel(degraded)).Inc()
	f.record(ctx, report, query, degraded, status, body, err)
	return status, body, err
}

func (f *Forwarder) send(ctx context.Context, sinkURL, query string) (int, string, error) {
	requestCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(requestCtx, http.MethodGet, joinQuery(sinkURL, query), http.NoBody)
	if err != nil {
		return 0, "", fmt.Errorf("traccar: create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("traccar: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	body := string(raw)
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return resp.StatusCode, body, fmt.Errorf("%w: status %d", ErrDeliveryFailed, resp.StatusCode)
	}
	if readErr != nil {
		return resp.StatusCode, body, fmt.Errorf("traccar: read response: %w", readErr)
	}
	return resp.StatusCode, body, nil
}

func (f *Forwarder) record(ctx context.Context, report Report, query string, degraded bool, status int, body string, sendErr error) {
	if f.recorder == nil {
		return
	}
	attempt := tracking.ForwardAttemptLog{
		DeviceID:        report.DeviceID,
		PositionID:      report.PositionID,
		Status:          tracking.AttemptStatusSuccess,
		Degraded:        degraded,
		HTTPStatus:      status,
		PayloadSent:     query,
		ResponseOrError: truncate(body, maxResponseBytes),
	}
	if sendErr != nil {
		attempt.Status = tracking.AttemptStatusError
		if body == "" {
			attempt.ResponseOrError = sendErr.Error()
		}
	}
	if err := f.recorder.RecordForwardAttempt(ctx, attempt); err != nil {
		f.logger.Warn("forward audit write failed",
			zap.String("device_id", report.DeviceID),
			zap.Error(err))
	}
}

func joinQuery(sinkURL, query string) string {
	separator := "?"
	if strings.Contains(sinkURL, "?") {
		separator = "&"
		if strings.HasSuffix(sinkURL, "?") || strings.HasSuffix(sinkURL, "&") {
			separator = ""
		}
	}
	return sinkURL + separator + query
}

func queryEscape(value string) string {
	return url.QueryEscape(value)
}

func resultLabel(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
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
