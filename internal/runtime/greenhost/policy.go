package greenhost

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/l0p7/carbonbadge/internal/expr"
)

// Config lists the static and rule-based signals that mark a host green.
type Config struct {
	// Default forces every subject green when true.
	Default bool
	// Domains match exactly or as a parent domain of the subject host.
	Domains []string
	// Rules are CEL expressions over url, scheme, host, path, and query.
	Rules []string
}

// Policy decides the green-hosting flag fed to the estimator.
type Policy struct {
	always  bool
	domains []string
	rules   []expr.Program
	logger  *slog.Logger
}

// New compiles cfg. Any rule that fails to compile rejects the whole policy.
func New(cfg Config, logger *slog.Logger) (*Policy, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Policy{
		always: cfg.Default,
		logger: logger.With(slog.String("agent", "greenhost")),
	}
	for _, domain := range cfg.Domains {
		normalized := strings.Trim(strings.ToLower(strings.TrimSpace(domain)), ".")
		if normalized != "" {
			p.domains = append(p.domains, normalized)
		}
	}
	if len(cfg.Rules) == 0 {
		return p, nil
	}

	env, err := expr.NewEnvironment()
	if err != nil {
		return nil, err
	}
	for i, rule := range cfg.Rules {
		program, err := env.Compile(rule)
		if err != nil {
			return nil, fmt.Errorf("greenhost: rule %d: %w", i, err)
		}
		p.rules = append(p.rules, program)
	}
	return p, nil
}

// Resolve returns the effective flag for subject. A non-nil override wins
// outright; otherwise the configured default, domain list, and rules are
// consulted in that order. Rule evaluation errors count as no match.
func (p *Policy) Resolve(subject string, override *bool) bool {
	if override != nil {
		return *override
	}
	if p == nil {
		return false
	}
	if p.always {
		return true
	}

	parsed, err := url.Parse(subject)
	if err != nil {
		return false
	}
	host := strings.ToLower(parsed.Hostname())
	for _, domain := range p.domains {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}

	if len(p.rules) == 0 {
		return false
	}
	vars := expr.SubjectVars(parsed)
	for _, rule := range p.rules {
		matched, err := rule.EvalBool(vars)
		if err != nil {
			p.logger.Debug("green host rule failed", slog.String("rule", rule.Source()), slog.Any("error", err))
			continue
		}
		if matched {
			return true
		}
	}
	return false
}
