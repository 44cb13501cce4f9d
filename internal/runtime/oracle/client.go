package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/l0p7/carbonbadge/internal/carbon"
)

const (
	// DefaultBaseURL is the public scoring service.
	DefaultBaseURL = "https://api.cometweb.io/api"
	badgePath      = "/public/carbon-badge"
	maxPayload     = 1 << 20

	// maxPageWeightKB bounds page_weight_kb well inside int64.
	maxPageWeightKB = 1 << 32
)

// ErrMalformedPayload marks a 2xx response whose body cannot be mapped onto a Result.
var ErrMalformedPayload = errors.New("oracle: malformed payload")

// RateLimitedError reports an HTTP 429. RetryAfter is zero when the server
// supplied no usable hint.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("oracle: rate limited (retry after %s)", e.RetryAfter)
	}
	return "oracle: rate limited"
}

// StatusError reports any other non-2xx response.
type StatusError struct {
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("oracle: unexpected status %d", e.Status)
}

// Querier looks up a subject on the remote scoring service.
type Querier interface {
	Query(ctx context.Context, subject string, creds Credentials) (carbon.Result, error)
}

// Credentials addresses one oracle deployment. Empty fields fall back to the
// client's configured defaults.
type Credentials struct {
	BaseURL string
	APIKey  string
}

type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Options configures a Client.
type Options struct {
	BaseURL           string
	APIKey            string
	HTTPClient        httpDoer
	Timeout           time.Duration
	UserAgent         string
	// RequestsPerSecond throttles outgoing queries client-side. Zero disables.
	RequestsPerSecond float64
	Burst             int
	Clock             func() time.Time
	Logger            *slog.Logger
}

// Client is a Querier speaking the public carbon-badge endpoint.
type Client struct {
	baseURL   string
	apiKey    string
	client    httpDoer
	userAgent string
	limiter   *rate.Limiter
	now       func() time.Time
	logger    *slog.Logger
}

func NewClient(opts Options) *Client {
	base := strings.TrimSpace(opts.BaseURL)
	if base == "" {
		base = DefaultBaseURL
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return &Client{
		baseURL:   strings.TrimRight(base, "/"),
		apiKey:    opts.APIKey,
		client:    client,
		userAgent: opts.UserAgent,
		limiter:   limiter,
		now:       clock,
		logger:    logger.With(slog.String("agent", "oracle")),
	}
}

// Query issues one lookup. It never retries; classification of the returned
// error is left to the caller.
func (c *Client) Query(ctx context.Context, subject string, creds Credentials) (carbon.Result, error) {
	endpoint, err := c.endpoint(subject, creds)
	if err != nil {
		return carbon.Result{}, err
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return carbon.Result{}, fmt.Errorf("oracle: throttle: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return carbon.Result{}, fmt.Errorf("oracle: request build: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return carbon.Result{}, fmt.Errorf("oracle: request: %w", err)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPayload))
	closeErr := resp.Body.Close()
	if err != nil {
		return carbon.Result{}, fmt.Errorf("oracle: read: %w", err)
	}
	if closeErr != nil {
		return carbon.Result{}, fmt.Errorf("oracle: close: %w", closeErr)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return carbon.Result{}, &RateLimitedError{RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After"), c.now())}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return carbon.Result{}, &StatusError{Status: resp.StatusCode}
	}

	return c.decode(subject, body)
}

func (c *Client) endpoint(subject string, creds Credentials) (string, error) {
	base := strings.TrimRight(strings.TrimSpace(creds.BaseURL), "/")
	if base == "" {
		base = c.baseURL
	}
	parsed, err := url.Parse(base + badgePath)
	if err != nil {
		return "", fmt.Errorf("oracle: base url: %w", err)
	}
	query := parsed.Query()
	query.Set("url", subject)
	key := creds.APIKey
	if key == "" {
		key = c.apiKey
	}
	if key != "" {
		query.Set("api_key", key)
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

// payload mirrors the service's snake_case response. Pointers distinguish
// absent fields from zero values.
type payload struct {
	URL          string   `json:"url"`
	CO2Grams     *float64 `json:"co2_grams"`
	Score        string   `json:"score"`
	CleanerThan  *float64 `json:"cleaner_than"`
	PageWeightKB *float64 `json:"page_weight_kb"`
	GreenHost    bool     `json:"green_host"`
	Cached       bool     `json:"cached"`
	TTL          int64    `json:"ttl"`
}

func (c *Client) decode(subject string, body []byte) (carbon.Result, error) {
	var p payload
	decoder := json.NewDecoder(bytes.NewReader(body))
	if err := decoder.Decode(&p); err != nil {
		return carbon.Result{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if p.CO2Grams == nil || *p.CO2Grams < 0 {
		return carbon.Result{}, fmt.Errorf("%w: co2_grams missing or negative", ErrMalformedPayload)
	}
	if p.PageWeightKB == nil || *p.PageWeightKB < 0 {
		return carbon.Result{}, fmt.Errorf("%w: page_weight_kb missing or negative", ErrMalformedPayload)
	}
	if *p.PageWeightKB > maxPageWeightKB {
		return carbon.Result{}, fmt.Errorf("%w: page_weight_kb %g out of range", ErrMalformedPayload, *p.PageWeightKB)
	}

	co2 := *p.CO2Grams
	score := carbon.ScoreFor(co2)
	if p.Score != "" && carbon.Score(p.Score) != score {
		c.logger.Debug("oracle score disagrees with co2 bucketing",
			slog.String("subject", subject),
			slog.String("oracle_score", p.Score),
			slog.String("score", string(score)),
		)
	}

	cleaner := carbon.CleanerThan(co2)
	if p.CleanerThan != nil {
		cleaner = min(max(*p.CleanerThan, 1), 99)
	}

	resolved := strings.TrimSpace(p.URL)
	if resolved == "" {
		resolved = subject
	}

	return carbon.Result{
		Subject:      resolved,
		CO2Grams:     co2,
		Score:        score,
		CleanerThan:  cleaner,
		PageWeightKB: int64(math.Round(*p.PageWeightKB)),
		GreenHost:    p.GreenHost,
		Timestamp:    c.now().UnixMilli(),
		Source:       carbon.SourceOracle,
	}, nil
}
