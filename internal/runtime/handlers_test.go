package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gavv/httpexpect/v2"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/carbonbadge/internal/carbon"
	"github.com/l0p7/carbonbadge/internal/config"
	"github.com/l0p7/carbonbadge/internal/runtime/oracle"
)

func newHandlerServer(t *testing.T, h *harness) *httpexpect.Expect {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/score", h.pipeline.ServeScore)
	mux.HandleFunc("/badge", h.pipeline.ServeBadge)
	mux.HandleFunc("/healthz", h.pipeline.ServeHealth)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return httpexpect.WithConfig(httpexpect.Config{
		BaseURL:  server.URL,
		Reporter: httpexpect.NewRequireReporter(t),
		Client:   server.Client(),
	})
}

func TestServeScore(t *testing.T) {
	scripted := &scriptedOracle{responses: []func(string) (carbon.Result, error){oracleOK(0.35)}}
	h := newHarness(t, scripted, nil)
	e := newHandlerServer(t, h)

	resp := e.GET("/score").
		WithQuery("url", subject).
		WithHeader("X-Request-ID", "req-42").
		Expect().
		Status(http.StatusOK)
	resp.Header("X-Request-ID").IsEqual("req-42")
	resp.Header("Content-Type").IsEqual("application/json")
	body := resp.JSON().Object()
	body.Value("url").String().IsEqual(subject)
	body.Value("score").String().IsEqual("B")
	body.Value("source").String().IsEqual("oracle")
	body.Value("fromCache").Boolean().IsFalse()

	e.GET("/score").WithQuery("url", subject).
		Expect().
		Status(http.StatusOK).
		JSON().Object().Value("fromCache").Boolean().IsTrue()
	require.Equal(t, 1, scripted.Calls())
}

func TestServeScoreGeneratesCorrelationID(t *testing.T) {
	h := newHarness(t, &scriptedOracle{responses: []func(string) (carbon.Result, error){oracleOK(0.35)}}, nil)
	e := newHandlerServer(t, h)

	id := e.GET("/score").WithQuery("url", subject).WithQuery("mode", "estimate").
		Expect().
		Status(http.StatusOK).
		Header("X-Request-ID").Raw()
	require.Len(t, id, 36)
}

func TestServeScoreOverrides(t *testing.T) {
	scripted := &scriptedOracle{responses: []func(string) (carbon.Result, error){oracleOK(0.35)}}
	h := newHarness(t, scripted, nil)
	e := newHandlerServer(t, h)

	body := e.GET("/score").
		WithQuery("url", subject).
		WithQuery("mode", "estimate").
		WithQuery("ttl", "5").
		WithQuery("greenHost", "true").
		Expect().
		Status(http.StatusOK).
		JSON().Object()
	body.Value("source").String().IsEqual("estimate")
	body.Value("greenHost").Boolean().IsTrue()
	require.Zero(t, scripted.Calls())
}

func TestServeScoreRejectsBadRequests(t *testing.T) {
	h := newHarness(t, &scriptedOracle{responses: []func(string) (carbon.Result, error){oracleOK(0.35)}}, nil)

	cases := []struct {
		name  string
		query map[string]string
	}{
		{name: "missing url", query: map[string]string{}},
		{name: "unsupported scheme", query: map[string]string{"url": "ftp://example.org/"}},
		{name: "unknown mode", query: map[string]string{"url": subject, "mode": "guess"}},
		{name: "zero ttl", query: map[string]string{"url": subject, "ttl": "0"}},
		{name: "textual ttl", query: map[string]string{"url": subject, "ttl": "soon"}},
		{name: "green host", query: map[string]string{"url": subject, "greenHost": "maybe"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newHandlerServer(t, h)
			req := e.GET("/score")
			for k, v := range tc.query {
				req = req.WithQuery(k, v)
			}
			req.Expect().
				Status(http.StatusBadRequest).
				JSON().Object().Value("error").String().NotEmpty()
		})
	}
}

func TestServeBadge(t *testing.T) {
	h := newHarness(t, &scriptedOracle{responses: []func(string) (carbon.Result, error){oracleOK(0.35)}}, nil)
	e := newHandlerServer(t, h)

	resp := e.GET("/badge").WithQuery("url", subject).WithQuery("theme", "light").
		Expect().
		Status(http.StatusOK)
	resp.Header("Content-Type").IsEqual("image/svg+xml")
	svg := resp.Body().Raw()
	require.Contains(t, svg, "<svg")
	require.Contains(t, svg, "0.35g")
	require.Contains(t, svg, "#FFFFFF")
}

func TestServeBadgeRendersErrorBadge(t *testing.T) {
	h := newHarness(t, &scriptedOracle{responses: []func(string) (carbon.Result, error){oracleOK(0.35)}}, nil)
	e := newHandlerServer(t, h)

	resp := e.GET("/badge").WithQuery("url", "not a url").
		Expect().
		Status(http.StatusBadRequest)
	resp.Header("Content-Type").IsEqual("image/svg+xml")
	require.Contains(t, resp.Body().Raw(), "Unable to calculate")
}

func TestServeScoreUnavailableWhenAbandoned(t *testing.T) {
	scripted := &scriptedOracle{responses: []func(string) (carbon.Result, error){
		oracleErr(&oracle.RateLimitedError{}),
	}}
	h := newHarness(t, scripted, nil)
	h.pipeline.sleep = func(context.Context, time.Duration) error { return context.Canceled }
	e := newHandlerServer(t, h)

	e.GET("/score").WithQuery("url", subject).
		Expect().
		Status(http.StatusServiceUnavailable).
		JSON().Object().Value("error").String().NotEmpty()
	e.GET("/badge").WithQuery("url", subject).
		Expect().
		Status(http.StatusServiceUnavailable).
		Header("Content-Type").IsEqual("image/svg+xml")
}

func TestStatusForError(t *testing.T) {
	require.Equal(t, http.StatusBadRequest, statusForError(fmt.Errorf("wrap: %w", carbon.ErrInvalidSubject)))
	require.Equal(t, http.StatusServiceUnavailable, statusForError(carbon.ErrAcquisitionExhausted))
	require.Equal(t, http.StatusInternalServerError, statusForError(errors.New("boom")))
}

func TestServeHealth(t *testing.T) {
	h := newHarness(t, &scriptedOracle{responses: []func(string) (carbon.Result, error){oracleOK(0.35)}}, func(cfg *config.Config) {
		cfg.Badge.Mode = "estimate"
		cfg.Badge.TTLMinutes = 60
	})
	e := newHandlerServer(t, h)

	e.GET("/score").WithQuery("url", subject).Expect().Status(http.StatusOK)

	body := e.GET("/healthz").Expect().Status(http.StatusOK).JSON().Object()
	body.Value("status").String().IsEqual("ok")
	body.Value("cacheEntries").Number().IsEqual(1)
	body.Value("cacheBackend").String().IsEqual("memory")
	body.Value("mode").String().IsEqual("estimate")
	body.Value("ttlMinutes").Number().IsEqual(60)
	body.NotContainsKey("templateOverrides")
}
