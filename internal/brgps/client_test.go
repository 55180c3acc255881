package brgps

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"
)

func TestFetchBatchSendsProviderHeaders(t *testing.T) {
	fixedNow := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var captured *http.Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r.Clone(context.Background())
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer server.Close()

	client := NewClient(ClientConfig{Clock: func() time.Time { return fixedNow }})
	body, err := client.FetchBatch(context.Background(), Credentials{BaseURL: server.URL + "/", Token: "secret"}, []string{"A1", "B 2"})
	if err != nil {
		t.Fatalf("fetch batch: %v", err)
	}
	if string(body) != `{"data":[]}` {
		t.Fatalf("unexpected body %q", body)
	}
	if captured == nil {
		t.Fatalf("expected request to reach server")
	}
	if captured.URL.Path != "/tag" {
		t.Fatalf("expected /tag path, got %q", captured.URL.Path)
	}
	if captured.URL.RawQuery != "ids=A1,B+2" {
		t.Fatalf("unexpected query %q", captured.URL.RawQuery)
	}
	// Header names arrive canonicalised by the server-side parser.
	if got := captured.Header.Get("Api_token"); got != "secret" {
		t.Fatalf("expected api_token header, got %q", got)
	}
	if got := captured.Header.Get("Timestamp"); got != "1714564800" {
		t.Fatalf("expected epoch seconds timestamp, got %q", got)
	}
	if got := captured.Header.Get("Content-Type"); got != "application/json" {
		t.Fatalf("unexpected content type %q", got)
	}
}

func TestFetchBatchRejectsNonSuccessStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient(ClientConfig{})
	_, err := client.FetchBatch(context.Background(), Credentials{BaseURL: server.URL, Token: "t"}, []string{"A1"})
	if !errors.Is(err, ErrUnexpectedStatus) {
		t.Fatalf("expected ErrUnexpectedStatus, got %v", err)
	}
	if !strings.Contains(err.Error(), "502") {
		t.Fatalf("expected status in error, got %v", err)
	}
}

func TestFetchBatchHonoursTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client := NewClient(ClientConfig{BatchTimeout: 50 * time.Millisecond})
	started := time.Now()
	_, err := client.FetchBatch(context.Background(), Credentials{BaseURL: server.URL, Token: "t"}, []string{"A1"})
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if elapsed := time.Since(started); elapsed > 5*time.Second {
		t.Fatalf("timeout not enforced, took %s", elapsed)
	}
}

func TestFetchRequiresCredentials(t *testing.T) {
	client := NewClient(ClientConfig{})
	if _, err := client.FetchDevice(context.Background(), Credentials{BaseURL: "http://example"}, "A1"); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}
	if _, err := client.FetchBatch(context.Background(), Credentials{BaseURL: "http://example", Token: "t"}, nil); err == nil {
		t.Fatalf("expected error for empty id list")
	}
}

func TestBreakerClientPassesThroughResults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id":"A1","lat":1,"lon":2}]`))
	}))
	defer server.Close()

	breaker := NewBreakerClient(NewClient(ClientConfig{}), DefaultBreakerSettings(), nil)
	body, err := breaker.FetchBatch(context.Background(), Credentials{BaseURL: server.URL, Token: "t"}, []string{"A1"})
	if err != nil {
		t.Fatalf("fetch through breaker: %v", err)
	}
	if NormalizeBatch(body).Shape != ShapeArray {
		t.Fatalf("expected array body, got %s", body)
	}
}

func TestBreakerClientOpensAfterRepeatedFailures(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	settings := DefaultBreakerSettings()
	settings.MinRequests = 2
	settings.FailureRatio = 0.5
	breaker := NewBreakerClient(NewClient(ClientConfig{}), settings, nil)
	credentials := Credentials{BaseURL: server.URL, Token: "t"}

	for i := 0; i < 2; i++ {
		if _, err := breaker.FetchBatch(context.Background(), credentials, []string{"A1"}); err == nil {
			t.Fatalf("expected upstream failure on attempt %d", i)
		}
	}
	if _, err := breaker.FetchBatch(context.Background(), credentials, []string{"A1"}); err == nil {
		t.Fatalf("expected open circuit rejection")
	}
	if calls.Load() != 2 {
		t.Fatalf("expected open circuit to skip upstream, got %d calls", calls.Load())
	}
}

func TestUnexpectedStatusErrorKeepsValidUTF8(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("x" + strings.Repeat("ã", 300)))
	}))
	defer server.Close()

	client := NewClient(ClientConfig{})
	_, err := client.FetchBatch(context.Background(), Credentials{BaseURL: server.URL, Token: "secret"}, []string{"A1"})
	if !errors.Is(err, ErrUnexpectedStatus) {
		t.Fatalf("expected ErrUnexpectedStatus, got %v", err)
	}
	if !utf8.ValidString(err.Error()) || !strings.HasSuffix(err.Error(), "...") {
		t.Fatalf("expected truncated valid UTF-8 error, got %q", err.Error())
	}
}
