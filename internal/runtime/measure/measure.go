package measure

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"
)

// Method names the technique that produced a Measurement.
type Method string

const (
	// MethodTransfer sums the document and every sized sub-resource.
	MethodTransfer Method = "transfer"
	// MethodDocument scales the document size when nothing was transferred.
	MethodDocument Method = "document"
	// MethodDefault is the fixed figure used when the document is unavailable.
	MethodDefault Method = "default"
	// MethodStatic reports a caller-supplied count.
	MethodStatic Method = "static"
)

const (
	// DefaultPageBytes is the fallback page weight (500 KiB).
	DefaultPageBytes        int64 = 500 * 1024
	DefaultMaxResources           = 64
	DefaultMaxResourceBytes int64 = 10 << 20
	documentFactor                = 1.3
	resourceConcurrency           = 8
)

// ErrAddressBlocked reports a dial to an address outside the public internet.
var ErrAddressBlocked = errors.New("measure: destination address not allowed")

// Measurement is a non-negative transfer size in bytes for one subject.
type Measurement struct {
	Bytes     int64
	Method    Method
	Resources int
}

// Measurer supplies transfer sizes. Implementations always return a usable
// Measurement, degrading to documented fallbacks instead of failing.
type Measurer interface {
	Measure(ctx context.Context, subject string) Measurement
}

// Static reports the same byte count for every subject.
type Static int64

func (s Static) Measure(context.Context, string) Measurement {
	n := int64(s)
	if n < 0 {
		n = 0
	}
	return Measurement{Bytes: n, Method: MethodStatic}
}

type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// HTTPOptions configures an HTTPMeasurer. Zero values select defaults.
//
// Without a Client, the measurer dials only public addresses unless
// AllowPrivateNetworks is set.
type HTTPOptions struct {
	Client               httpDoer
	Timeout              time.Duration
	MaxResources         int
	MaxResourceBytes     int64
	DefaultPageBytes     int64
	UserAgent            string
	AllowPrivateNetworks bool
	Logger               *slog.Logger
}

// HTTPMeasurer fetches a page and the sub-resources it references.
type HTTPMeasurer struct {
	client           httpDoer
	timeout          time.Duration
	maxResources     int
	maxResourceBytes int64
	defaultPageBytes int64
	userAgent        string
	logger           *slog.Logger
}

func NewHTTPMeasurer(opts HTTPOptions) *HTTPMeasurer {
	m := &HTTPMeasurer{
		client:           opts.Client,
		timeout:          opts.Timeout,
		maxResources:     opts.MaxResources,
		maxResourceBytes: opts.MaxResourceBytes,
		defaultPageBytes: opts.DefaultPageBytes,
		userAgent:        opts.UserAgent,
		logger:           opts.Logger,
	}
	if m.timeout <= 0 {
		m.timeout = 10 * time.Second
	}
	if m.client == nil {
		m.client = newHTTPClient(m.timeout, opts.AllowPrivateNetworks)
	}
	if m.maxResources <= 0 {
		m.maxResources = DefaultMaxResources
	}
	if m.maxResourceBytes <= 0 {
		m.maxResourceBytes = DefaultMaxResourceBytes
	}
	if m.defaultPageBytes <= 0 {
		m.defaultPageBytes = DefaultPageBytes
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With(slog.String("agent", "measure"))
	return m
}

func newHTTPClient(timeout time.Duration, allowPrivate bool) *http.Client {
	dialer := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !allowPrivate {
		dialer.Control = publicOnly
		// A proxy would dial on our behalf and bypass the address check.
		transport.Proxy = nil
	}
	transport.DialContext = dialer.DialContext
	return &http.Client{Timeout: timeout, Transport: transport}
}

var sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")

// publicOnly is a net.Dialer Control hook. It sees the resolved address, so
// redirects and DNS answers pointing inward are refused as well.
func publicOnly(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrAddressBlocked, address)
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrAddressBlocked, host)
	}
	addr = addr.Unmap()
	if !addr.IsGlobalUnicast() || addr.IsPrivate() || sharedAddressSpace.Contains(addr) {
		return fmt.Errorf("%w: %s", ErrAddressBlocked, addr)
	}
	return nil
}

// Measure fetches subject, sizes up to the configured number of referenced
// resources concurrently, and sums the bytes received.
func (m *HTTPMeasurer) Measure(ctx context.Context, subject string) Measurement {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	base, err := url.Parse(subject)
	if err != nil {
		m.logger.Debug("measure subject unparsable", slog.String("subject", subject), slog.Any("error", err))
		return Measurement{Bytes: m.defaultPageBytes, Method: MethodDefault}
	}

	document, err := m.fetch(ctx, subject)
	if err != nil || len(document) == 0 {
		m.logger.Debug("measure document unavailable", slog.String("subject", subject), slog.Any("error", err))
		return Measurement{Bytes: m.defaultPageBytes, Method: MethodDefault}
	}

	resources := discoverResources(document, base, m.maxResources)
	sizes := make([]int64, len(resources))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(resourceConcurrency)
	for i, resource := range resources {
		group.Go(func() error {
			body, err := m.fetch(groupCtx, resource)
			if err != nil {
				m.logger.Debug("measure resource skipped", slog.String("resource", resource), slog.Any("error", err))
				return nil
			}
			sizes[i] = int64(len(body))
			return nil
		})
	}
	_ = group.Wait()
	if ctx.Err() != nil {
		// Sizing was cut short; partial sums understate the page.
		return DocumentFallback(len(document))
	}

	total := int64(len(document))
	for _, size := range sizes {
		total += size
	}
	return Measurement{Bytes: total, Method: MethodTransfer, Resources: len(resources)}
}

// DocumentFallback applies the serialized-document heuristic: the document
// size scaled by 1.3, or DefaultPageBytes when no document is known.
func DocumentFallback(documentBytes int) Measurement {
	if documentBytes <= 0 {
		return Measurement{Bytes: DefaultPageBytes, Method: MethodDefault}
	}
	return Measurement{Bytes: int64(float64(documentBytes) * documentFactor), Method: MethodDocument}
}

func (m *HTTPMeasurer) fetch(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("measure: request build: %w", err)
	}
	if m.userAgent != "" {
		req.Header.Set("User-Agent", m.userAgent)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("measure: request: %w", err)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, m.maxResourceBytes))
	closeErr := resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("measure: read: %w", err)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("measure: close: %w", closeErr)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.New("measure: unexpected status " + resp.Status)
	}
	return body, nil
}

var linkRels = map[string]struct{}{
	"stylesheet":    {},
	"icon":          {},
	"preload":       {},
	"modulepreload": {},
	"manifest":      {},
}

var srcElements = map[string]struct{}{
	"img":    {},
	"script": {},
	"iframe": {},
	"source": {},
	"video":  {},
	"audio":  {},
	"embed":  {},
}

// discoverResources returns the unique absolute http(s) URLs referenced by
// document, in document order, capped at limit.
func discoverResources(document []byte, base *url.URL, limit int) []string {
	root, err := html.Parse(bytes.NewReader(document))
	if err != nil {
		return nil
	}
	seen := make(map[string]struct{})
	var out []string
	add := func(ref string) {
		ref = strings.TrimSpace(ref)
		if ref == "" || strings.HasPrefix(ref, "data:") || len(out) >= limit {
			return
		}
		resolved, err := base.Parse(ref)
		if err != nil || (resolved.Scheme != "http" && resolved.Scheme != "https") {
			return
		}
		resolved.Fragment = ""
		key := resolved.String()
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			tag := strings.ToLower(n.Data)
			if _, ok := srcElements[tag]; ok {
				add(attr(n, "src"))
			}
			if tag == "link" && relMatches(attr(n, "rel")) {
				add(attr(n, "href"))
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(root)
	return out
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

func relMatches(rel string) bool {
	for _, token := range strings.Fields(strings.ToLower(rel)) {
		if _, ok := linkRels[token]; ok {
			return true
		}
	}
	return false
}
