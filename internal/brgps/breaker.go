package brgps

import (
	"context"
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/Jorge-Nunes/tag-padrin/internal/metrics"
)

const breakerName = "brgps-api"

// BreakerSettings tune the circuit guarding upstream requests.
type BreakerSettings struct {
	MaxHalfOpenRequests uint32
	Interval            time.Duration
	OpenTimeout         time.Duration
	MinRequests         uint32
	FailureRatio        float64
}

// DefaultBreakerSettings opens after 60% failures across at least 10 requests.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxHalfOpenRequests: 3,
		Interval:            time.Minute,
		OpenTimeout:         2 * time.Minute,
		MinRequests:         10,
		FailureRatio:        0.6,
	}
}

// BreakerClient wraps Client with a circuit breaker so a failing provider
// fails chunks fast instead of waiting out every request timeout.
type BreakerClient struct {
	client  *Client
	breaker *gobreaker.CircuitBreaker[[]byte]
	logger  *zap.Logger
}

// NewBreakerClient guards client with a circuit breaker.
func NewBreakerClient(client *Client, settings BreakerSettings, logger *zap.Logger) *BreakerClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.CircuitBreakerState.WithLabelValues(breakerName).Set(0)

	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: settings.MaxHalfOpenRequests,
		Interval:    settings.Interval,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < settings.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= settings.FailureRatio
		},
		// Caller cancellation and configuration gaps say nothing about provider health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrMissingCredentials)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("circuit breaker state change",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	})

	return &BreakerClient{client: client, breaker: breaker, logger: logger}
}

// FetchBatch forwards to Client.FetchBatch through the breaker.
func (b *BreakerClient) FetchBatch(ctx context.Context, credentials Credentials, providerIDs []string) ([]byte, error) {
	body, err := b.breaker.Execute(func() ([]byte, error) {
		return b.client.FetchBatch(ctx, credentials, providerIDs)
	})
	recordBatchResult(err)
	return body, err
}

// FetchDevice forwards to Client.FetchDevice through the breaker.
func (b *BreakerClient) FetchDevice(ctx context.Context, credentials Credentials, providerID string) ([]byte, error) {
	return b.breaker.Execute(func() ([]byte, error) {
		return b.client.FetchDevice(ctx, credentials, providerID)
	})
}

// State reports the current breaker state.
func (b *BreakerClient) State() gobreaker.State {
	return b.breaker.State()
}

func recordBatchResult(err error) {
	switch {
	case err == nil:
		metrics.ProviderBatchRequests.WithLabelValues("success").Inc()
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.ProviderBatchRequests.WithLabelValues("rejected").Inc()
	default:
		metrics.ProviderBatchRequests.WithLabelValues("failure").Inc()
	}
}

func stateValue(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
