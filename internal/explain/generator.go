package explain

import (
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/text/unicode/norm"

	"audit-core/internal/events"
	"audit-core/internal/model"
)

// Metrics counts generator outcomes.
type Metrics struct {
	Generated  uint64 `json:"generated"`
	Fallbacks  uint64 `json:"fallbacks"`
	LowQuality uint64 `json:"low_quality"`
	Faults     uint64 `json:"faults"`
}

// Generator picks and renders the narrative for a decision context.
type Generator struct {
	cfg       Config
	templates []Template
	fallback  Template

	generated  atomic.Uint64
	fallbacks  atomic.Uint64
	lowQuality atomic.Uint64
	faults     atomic.Uint64
}

// NewGenerator validates cfg and enables the configured templates in order.
func NewGenerator(cfg Config) (*Generator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	templates := make([]Template, 0, len(cfg.Templates))
	for _, id := range cfg.Templates {
		templates = append(templates, registry[id])
	}
	return newGenerator(cfg, templates), nil
}

// NewGeneratorWithTemplates uses an explicit template list instead of
// cfg.Templates. Only the threshold and timeout of cfg are used.
func NewGeneratorWithTemplates(cfg Config, templates ...Template) (*Generator, error) {
	cfg.Templates = nil
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newGenerator(cfg, templates), nil
}

func newGenerator(cfg Config, templates []Template) *Generator {
	ids := make([]string, len(templates))
	for i, t := range templates {
		ids[i] = t.ID()
	}
	log.Printf("Explanation generator initialized: templates=[%s] quality_threshold=%.2f", strings.Join(ids, ","), cfg.QualityThreshold)
	return &Generator{cfg: cfg, templates: templates, fallback: fallback{}}
}

// Templates returns the enabled template ids in priority order.
func (g *Generator) Templates() []string {
	ids := make([]string, len(g.templates))
	for i, t := range g.templates {
		ids[i] = t.ID()
	}
	return ids
}

type outcome struct {
	id  string
	r   Rendering
	err error
}

// Generate renders the first enabled template that applies to ctx. HOLD
// signals and unmatched contexts get the fallback narrative. A template that
// errors, panics or overruns EvalTimeout is recorded as a fault and replaced
// by the fallback.
func (g *Generator) Generate(ctx model.DecisionContext) events.ExplainCreated {
	if !ctx.IsDirectional() {
		return g.finish(g.fallback.ID(), g.renderFallback(ctx), false)
	}

	ch := make(chan outcome, 1)
	go func() {
		ch <- g.pick(ctx)
	}()

	timer := time.NewTimer(g.cfg.EvalTimeout)
	defer timer.Stop()

	select {
	case out := <-ch:
		if out.err != nil {
			log.Printf("[EVAL FAULT] template %s failed for %s (corr=%s): %v", out.id, ctx.Symbol(), ctx.CorrelationID(), out.err)
			return g.finish(g.fallback.ID(), g.renderFallback(ctx), true)
		}
		if out.id == "" {
			return g.finish(g.fallback.ID(), g.renderFallback(ctx), false)
		}
		return g.finish(out.id, out.r, false)
	case <-timer.C:
		log.Printf("[EVAL FAULT] template selection exceeded %s for %s (corr=%s)", g.cfg.EvalTimeout, ctx.Symbol(), ctx.CorrelationID())
		return g.finish(g.fallback.ID(), g.renderFallback(ctx), true)
	}
}

// pick returns the rendering of the first applicable template; an empty id
// means nothing matched.
func (g *Generator) pick(ctx model.DecisionContext) (out outcome) {
	var current string
	defer func() {
		if rec := recover(); rec != nil {
			out = outcome{id: current, err: fmt.Errorf("panic: %v", rec)}
		}
	}()
	for _, t := range g.templates {
		current = t.ID()
		if !t.Applies(ctx) {
			continue
		}
		r, err := t.Render(ctx)
		if err != nil {
			return outcome{id: current, err: err}
		}
		return outcome{id: current, r: r}
	}
	return outcome{}
}

// Fallback renders the fallback narrative directly, marking it as a fault
// when the caller could not run Generate.
func (g *Generator) Fallback(ctx model.DecisionContext, fault bool) events.ExplainCreated {
	return g.finish(g.fallback.ID(), g.renderFallback(ctx), fault)
}

func (g *Generator) renderFallback(ctx model.DecisionContext) Rendering {
	r, _ := g.fallback.Render(ctx)
	return r
}

func (g *Generator) finish(id string, r Rendering, fault bool) events.ExplainCreated {
	lines := make([]string, 0, len(r.Lines))
	for _, l := range r.Lines {
		if l = strings.TrimSpace(norm.NFC.String(l)); l != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) == 0 {
		lines = []string{fallbackText}
	}
	text := strings.Join(lines, "; ")

	quality := clamp01(r.Quality)
	tag := events.QualityNormal
	if quality < g.cfg.QualityThreshold {
		tag = events.QualityLow
	}

	g.generated.Add(1)
	if id == TemplateFallback {
		g.fallbacks.Add(1)
	}
	if tag == events.QualityLow {
		g.lowQuality.Add(1)
	}
	if fault {
		g.faults.Add(1)
	}

	return events.ExplainCreated{
		TemplateID:   id,
		Text:         text,
		Lines:        lines,
		Slots:        r.Slots,
		QualityScore: quality,
		Quality:      tag,
		WordCount:    len(strings.Fields(text)),
		Fault:        fault,
	}
}

// Metrics returns a snapshot of the generator counters.
func (g *Generator) Metrics() Metrics {
	return Metrics{
		Generated:  g.generated.Load(),
		Fallbacks:  g.fallbacks.Load(),
		LowQuality: g.lowQuality.Load(),
		Faults:     g.faults.Load(),
	}
}
