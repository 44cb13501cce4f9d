package runtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/l0p7/carbonbadge/internal/carbon"
	"github.com/l0p7/carbonbadge/internal/templates"
)

// scoreResponse is the /score payload: the Result plus where it came from.
type scoreResponse struct {
	carbon.Result
	FromCache bool `json:"fromCache"`
}

// ServeScore resolves the url query parameter and writes the Result as JSON.
// Optional parameters: mode (api|estimate), ttl (minutes), greenHost (bool).
func (p *Pipeline) ServeScore(w http.ResponseWriter, r *http.Request) {
	correlationID := p.requestCorrelationID(r)
	p.setCorrelationHeader(w, correlationID)

	subject, opts, err := resolveOptionsFromRequest(r)
	if err != nil {
		p.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	opts.CorrelationID = correlationID

	state, err := p.Resolve(r.Context(), subject, opts)
	if err != nil {
		p.WriteError(w, statusForError(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(scoreResponse{Result: state.Result, FromCache: state.FromCache}); err != nil {
		p.logger.Error("score encode failed", slog.Any("error", err))
	}
}

// ServeBadge resolves the url query parameter and writes an SVG badge. The
// theme parameter selects dark or light; failures render the error badge with
// the matching status code.
func (p *Pipeline) ServeBadge(w http.ResponseWriter, r *http.Request) {
	correlationID := p.requestCorrelationID(r)
	p.setCorrelationHeader(w, correlationID)
	theme := templates.ParseTheme(r.URL.Query().Get("theme"), p.snapshot().theme)

	subject, opts, err := resolveOptionsFromRequest(r)
	if err != nil {
		p.writeBadgeError(w, http.StatusBadRequest, err.Error(), theme)
		return
	}
	opts.CorrelationID = correlationID

	state, err := p.Resolve(r.Context(), subject, opts)
	if err != nil {
		p.writeBadgeError(w, statusForError(err), err.Error(), theme)
		return
	}

	var buf bytes.Buffer
	if err := p.renderer.RenderBadge(&buf, state.Result, theme); err != nil {
		p.logger.Error("badge render failed", slog.Any("error", err))
		p.WriteError(w, http.StatusInternalServerError, "badge render failed")
		return
	}
	w.Header().Set("Content-Type", "image/svg+xml")
	if _, err := buf.WriteTo(w); err != nil {
		p.logger.Error("badge write failed", slog.Any("error", err))
	}
}

func (p *Pipeline) writeBadgeError(w http.ResponseWriter, status int, message string, theme templates.Theme) {
	var buf bytes.Buffer
	if err := p.renderer.RenderError(&buf, message, theme); err != nil {
		p.logger.Error("error badge render failed", slog.Any("error", err))
		p.WriteError(w, status, message)
		return
	}
	w.Header().Set("Content-Type", "image/svg+xml")
	w.WriteHeader(status)
	if _, err := buf.WriteTo(w); err != nil {
		p.logger.Error("error badge write failed", slog.Any("error", err))
	}
}

// ServeHealth reports cache occupancy and the active defaults.
func (p *Pipeline) ServeHealth(w http.ResponseWriter, r *http.Request) {
	cacheSize, err := p.cache.Size(r.Context())
	status := "ok"
	if err != nil {
		p.logger.Error("cache size query failed", slog.Any("error", err))
		cacheSize = 0
		status = "degraded"
	}
	current := p.snapshot()
	payload := map[string]any{
		"status":       status,
		"cacheEntries": cacheSize,
		"cacheBackend": p.cacheBackend,
		"mode":         current.mode,
		"ttlMinutes":   int(current.ttl / time.Minute),
		"observedAt":   p.now().UTC(),
	}
	if overrides := p.renderer.Overrides(); len(overrides) > 0 {
		payload["templateOverrides"] = overrides
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		p.logger.Error("health encode failed", slog.Any("error", err))
	}
}

// WriteError emits a JSON error payload.
func (p *Pipeline) WriteError(w http.ResponseWriter, status int, message string) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]any{"error": message}); err != nil {
		p.logger.Error("error response encode failed", slog.Any("error", err))
	}
}

func (p *Pipeline) requestCorrelationID(r *http.Request) string {
	if r != nil && p.correlationHeader != "" {
		if candidate := strings.TrimSpace(r.Header.Get(p.correlationHeader)); candidate != "" {
			return candidate
		}
	}
	return uuid.NewString()
}

func (p *Pipeline) setCorrelationHeader(w http.ResponseWriter, correlationID string) {
	if p.correlationHeader != "" {
		w.Header().Set(p.correlationHeader, correlationID)
	}
}

// resolveOptionsFromRequest reads url, mode, ttl, and greenHost. Subject
// validity is left to Resolve.
func resolveOptionsFromRequest(r *http.Request) (string, ResolveOptions, error) {
	query := r.URL.Query()
	var opts ResolveOptions

	if raw := query.Get("mode"); raw != "" {
		mode, err := carbon.ParseMode(raw)
		if err != nil {
			return "", opts, err
		}
		opts.Mode = mode
	}
	if raw := query.Get("ttl"); raw != "" {
		minutes, err := strconv.Atoi(raw)
		if err != nil || minutes <= 0 {
			return "", opts, fmt.Errorf("ttl must be a positive number of minutes: %q", raw)
		}
		opts.TTL = time.Duration(minutes) * time.Minute
	}
	if raw := query.Get("greenHost"); raw != "" {
		green, err := strconv.ParseBool(raw)
		if err != nil {
			return "", opts, fmt.Errorf("greenHost must be a boolean: %q", raw)
		}
		opts.GreenHost = &green
	}
	return query.Get("url"), opts, nil
}

// statusForError maps resolve errors onto HTTP statuses.
func statusForError(err error) int {
	switch {
	case errors.Is(err, carbon.ErrInvalidSubject):
		return http.StatusBadRequest
	case errors.Is(err, carbon.ErrAcquisitionExhausted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
