package templates

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"
	"text/template"

	sprig "github.com/Masterminds/sprig/v3"

	"github.com/l0p7/carbonbadge/internal/carbon"
)

// Template file names. A sandbox folder may override either one.
const (
	BadgeTemplate = "badge.svg.tmpl"
	ErrorTemplate = "error.svg.tmpl"
)

//go:embed assets/*.svg.tmpl
var builtin embed.FS

// Renderer turns Results into SVG badges. Compiled templates are safe for
// concurrent use.
type Renderer struct {
	badge  *template.Template
	failed *template.Template
	// overridden lists template names loaded from the sandbox.
	overridden []string
}

// NewRenderer compiles the built-in badge templates, replacing each with the
// sandbox copy when one exists. A nil sandbox uses the built-ins only.
func NewRenderer(sandbox *Sandbox, logger *slog.Logger) (*Renderer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("agent", "templates"))
	funcs := funcMap()

	r := &Renderer{}
	var err error
	if r.badge, err = r.load(sandbox, BadgeTemplate, funcs, logger); err != nil {
		return nil, err
	}
	if r.failed, err = r.load(sandbox, ErrorTemplate, funcs, logger); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Renderer) load(sandbox *Sandbox, name string, funcs template.FuncMap, logger *slog.Logger) (*template.Template, error) {
	source, err := builtin.ReadFile("assets/" + name)
	if err != nil {
		return nil, fmt.Errorf("templates: builtin %q: %w", name, err)
	}
	if sandbox != nil {
		override, err := sandbox.ReadFile(name)
		switch {
		case err == nil:
			source = override
			r.overridden = append(r.overridden, name)
			logger.Info("badge template override loaded", slog.String("template", name), slog.String("root", sandbox.Root()))
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, err
		}
	}
	tmpl, err := template.New(name).Funcs(funcs).Option("missingkey=zero").Parse(string(source))
	if err != nil {
		return nil, fmt.Errorf("templates: compile %q: %w", name, err)
	}
	return tmpl, nil
}

// Overrides reports which templates came from the sandbox.
func (r *Renderer) Overrides() []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.overridden...)
}

// RenderBadge writes the SVG badge for result in the requested theme.
func (r *Renderer) RenderBadge(w io.Writer, result carbon.Result, theme Theme) error {
	if r == nil {
		return errors.New("templates: nil renderer")
	}
	return execute(w, r.badge, newBadgeView(result, theme))
}

// RenderError writes the badge shown when no Result can be produced.
func (r *Renderer) RenderError(w io.Writer, message string, theme Theme) error {
	if r == nil {
		return errors.New("templates: nil renderer")
	}
	return execute(w, r.failed, newErrorView(message, theme))
}

func execute(w io.Writer, tmpl *template.Template, data any) error {
	// Render fully before writing so a failing template never emits half an SVG.
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("templates: execute %q: %w", tmpl.Name(), err)
	}
	if _, err := buf.WriteTo(w); err != nil {
		return fmt.Errorf("templates: write %q: %w", tmpl.Name(), err)
	}
	return nil
}

// funcMap exposes sprig minus its environment and filesystem helpers, plus
// xml escaping for values placed into SVG text and attributes.
func funcMap() template.FuncMap {
	funcs := sprig.TxtFuncMap()
	restricted := []string{
		"env",
		"expandenv",
		"readDir",
		"mustReadDir",
		"readFile",
		"mustReadFile",
		"glob",
	}
	for _, name := range restricted {
		delete(funcs, name)
	}
	funcs["xml"] = xmlEscape
	funcs["co2Display"] = CO2Display
	return funcs
}

var xmlReplacer = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

func xmlEscape(v any) string {
	return xmlReplacer.Replace(fmt.Sprint(v))
}
