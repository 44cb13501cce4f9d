package server

import (
	"net/http"
	"strings"
)

// PipelineHTTP defines the minimal surface the router needs from the runtime
// pipeline to serve HTTP requests.
type PipelineHTTP interface {
	ServeScore(http.ResponseWriter, *http.Request)
	ServeBadge(http.ResponseWriter, *http.Request)
	ServeHealth(http.ResponseWriter, *http.Request)
	WriteError(http.ResponseWriter, int, string)
}

// NewPipelineHandler maps the public routes onto the pipeline. Only GET and
// HEAD are served; anything outside the known routes is a 404.
func NewPipelineHandler(p PipelineHTTP) http.Handler {
	if p == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "pipeline unavailable", http.StatusServiceUnavailable)
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, ok := parseRoute(r.URL.Path)
		if !ok {
			http.NotFound(w, r)
			return
		}
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			p.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		switch route {
		case "score":
			p.ServeScore(w, r)
		case "badge":
			p.ServeBadge(w, r)
		case "healthz":
			p.ServeHealth(w, r)
		}
	})
}

func parseRoute(path string) (string, bool) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" || strings.Contains(trimmed, "/") {
		return "", false
	}
	switch route := strings.ToLower(trimmed); route {
	case "score", "badge":
		return route, true
	case "badge.svg":
		return "badge", true
	case "health", "healthz":
		return "healthz", true
	}
	return "", false
}
