package oracle

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/carbonbadge/internal/carbon"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(server.Close)
	client := NewClient(Options{
		BaseURL:    server.URL + "/api",
		HTTPClient: server.Client(),
		Clock:      func() time.Time { return fixedNow },
	})
	return client, &calls
}

func TestClientQuerySuccess(t *testing.T) {
	client, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/public/carbon-badge", r.URL.Path)
		assert.Equal(t, "https://example.org/", r.URL.Query().Get("url"))
		assert.Equal(t, "secret", r.URL.Query().Get("api_key"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"url":"https://example.org/","co2_grams":0.25,"score":"B","cleaner_than":75.5,"page_weight_kb":812.6,"green_host":true,"cached":true,"ttl":3600}`)
	})

	result, err := client.Query(context.Background(), "https://example.org/", Credentials{APIKey: "secret"})
	require.NoError(t, err)
	require.EqualValues(t, 1, calls.Load())
	require.Equal(t, carbon.Result{
		Subject:      "https://example.org/",
		CO2Grams:     0.25,
		Score:        carbon.ScoreB,
		CleanerThan:  75.5,
		PageWeightKB: 813,
		GreenHost:    true,
		Timestamp:    fixedNow.UnixMilli(),
		Source:       carbon.SourceOracle,
	}, result)
}

func TestClientQueryOmitsEmptyCredential(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, present := r.URL.Query()["api_key"]
		assert.False(t, present)
		_, _ = io.WriteString(w, `{"co2_grams":0.05,"page_weight_kb":10}`)
	})

	result, err := client.Query(context.Background(), "https://example.org/", Credentials{})
	require.NoError(t, err)
	require.Equal(t, "https://example.org/", result.Subject, "empty url falls back to the subject")
	require.Equal(t, carbon.ScoreAPlus, result.Score)
	require.InDelta(t, carbon.CleanerThan(0.05), result.CleanerThan, 1e-9)
}

func TestClientQueryRecomputesScore(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"co2_grams":1.5,"score":"A+","cleaner_than":150,"page_weight_kb":4000}`)
	})

	result, err := client.Query(context.Background(), "https://example.org/", Credentials{})
	require.NoError(t, err)
	require.Equal(t, carbon.ScoreF, result.Score)
	require.True(t, result.Consistent())
	require.Equal(t, 99.0, result.CleanerThan)
}

func TestClientQueryRateLimited(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.Query(context.Background(), "https://example.org/", Credentials{})
	var limited *RateLimitedError
	require.ErrorAs(t, err, &limited)
	require.Equal(t, 7*time.Second, limited.RetryAfter)
}

func TestClientQueryStatusError(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})

	_, err := client.Query(context.Background(), "https://example.org/", Credentials{})
	var status *StatusError
	require.ErrorAs(t, err, &status)
	require.Equal(t, http.StatusBadGateway, status.Status)
}

func TestClientQueryMalformedPayloads(t *testing.T) {
	bodies := map[string]string{
		"not-json":         `<html>`,
		"missing-co2":      `{"page_weight_kb":10}`,
		"negative-co2":     `{"co2_grams":-1,"page_weight_kb":10}`,
		"missing-weight":   `{"co2_grams":0.1}`,
		"negative-weight":  `{"co2_grams":0.1,"page_weight_kb":-3}`,
		"huge-weight":      `{"co2_grams":0.2,"page_weight_kb":1e20}`,
		"wrong-field-type": `{"co2_grams":"lots","page_weight_kb":10}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				_, _ = io.WriteString(w, body)
			})
			_, err := client.Query(context.Background(), "https://example.org/", Credentials{})
			require.ErrorIs(t, err, ErrMalformedPayload)
		})
	}
}

func TestClientQueryCredentialOverridesBaseURL(t *testing.T) {
	var hit atomic.Bool
	override := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit.Store(true)
		assert.Equal(t, "/v2/public/carbon-badge", r.URL.Path)
		_, _ = io.WriteString(w, `{"co2_grams":0.3,"page_weight_kb":100}`)
	}))
	t.Cleanup(override.Close)

	client, calls := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	_, err := client.Query(context.Background(), "https://example.org/", Credentials{BaseURL: override.URL + "/v2/"})
	require.NoError(t, err)
	require.True(t, hit.Load())
	require.Zero(t, calls.Load())
}

type failingDoer struct{}

func (failingDoer) Do(*http.Request) (*http.Response, error) {
	return nil, errors.New("dial tcp: connection refused")
}

func TestClientQueryTransportError(t *testing.T) {
	client := NewClient(Options{HTTPClient: failingDoer{}})
	_, err := client.Query(context.Background(), "https://example.org/", Credentials{})
	require.Error(t, err)
	require.True(t, strings.HasPrefix(err.Error(), "oracle: request:"))

	var limited *RateLimitedError
	require.False(t, errors.As(err, &limited))
	require.NotErrorIs(t, err, ErrMalformedPayload)
}

func TestClientQueryThrottled(t *testing.T) {
	client := NewClient(Options{HTTPClient: failingDoer{}, RequestsPerSecond: 0.001, Burst: 1})

	_, err := client.Query(context.Background(), "https://example.org/", Credentials{})
	require.True(t, strings.HasPrefix(err.Error(), "oracle: request:"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = client.Query(ctx, "https://example.org/", Credentials{})
	require.Error(t, err)
	require.True(t, strings.HasPrefix(err.Error(), "oracle: throttle:"), err.Error())
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		header string
		want   time.Duration
	}{
		{name: "empty", header: "", want: 0},
		{name: "seconds", header: "12", want: 12 * time.Second},
		{name: "padded seconds", header: "  3 ", want: 3 * time.Second},
		{name: "zero", header: "0", want: 0},
		{name: "negative", header: "-5", want: 0},
		{name: "garbage", header: "soon", want: 0},
		{name: "http date", header: now.Add(90 * time.Second).Format(http.TimeFormat), want: 90 * time.Second},
		{name: "past date", header: now.Add(-time.Minute).Format(http.TimeFormat), want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, ParseRetryAfter(tt.header, now))
		})
	}
}
