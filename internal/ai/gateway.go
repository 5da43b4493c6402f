package ai

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	appErr "github.com/xxxsen/markkb/internal/pkg/errors"
)

// LogicalPhase names an AI capability slot that is bound to a concrete
// provider and model at call time.
type LogicalPhase string

const (
	PhaseVision           LogicalPhase = "vision"
	PhaseKBGeneration     LogicalPhase = "kb_generation"
	PhaseSynthesis        LogicalPhase = "synthesis"
	PhaseEmbeddings       LogicalPhase = "embeddings"
	PhaseReadmeGeneration LogicalPhase = "readme_generation"
)

var LogicalPhases = []LogicalPhase{
	PhaseVision,
	PhaseKBGeneration,
	PhaseSynthesis,
	PhaseEmbeddings,
	PhaseReadmeGeneration,
}

type Route struct {
	Provider string `json:"provider" yaml:"provider"`
	Model    string `json:"model" yaml:"model"`
	Params   Params `json:"params" yaml:"params"`
}

type Override struct {
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
}

func (o *Override) empty() bool {
	return o == nil || (strings.TrimSpace(o.Provider) == "" && strings.TrimSpace(o.Model) == "")
}

// Overrides maps logical phases to per-call model overrides.
type Overrides map[LogicalPhase]Override

func (o Overrides) For(phase LogicalPhase) *Override {
	if o == nil {
		return nil
	}
	v, ok := o[phase]
	if !ok {
		return nil
	}
	return &v
}

type Resolution struct {
	Phase    LogicalPhase
	Provider string
	Model    string
	Params   Params

	generator IGenerator
	embedder  IEmbedder
}

func (r *Resolution) Generator() IGenerator {
	return r.generator
}

func (r *Resolution) Embedder() IEmbedder {
	return r.embedder
}

// EmbedderDecorator wraps the embedder built for a route. It is applied once
// per provider and model.
type EmbedderDecorator func(rt Route, e IEmbedder) IEmbedder

type GatewayOption func(*Gateway)

func WithEmbedderDecorator(d EmbedderDecorator) GatewayOption {
	return func(g *Gateway) {
		if d != nil {
			g.decorators = append(g.decorators, d)
		}
	}
}

type Gateway struct {
	providers  map[string]IProvider
	routes     map[LogicalPhase][]Route
	decorators []EmbedderDecorator

	mu        sync.Mutex
	embedders map[string]IEmbedder
}

func NewGateway(providers map[string]IProvider, routes map[LogicalPhase][]Route, opts ...GatewayOption) (*Gateway, error) {
	g := &Gateway{
		providers: providers,
		routes:    routes,
		embedders: make(map[string]IEmbedder),
	}
	for _, opt := range opts {
		opt(g)
	}
	for phase, list := range routes {
		for i, rt := range list {
			if _, ok := providers[rt.Provider]; !ok {
				return nil, fmt.Errorf("ai route %s[%d]: unknown provider %q", phase, i, rt.Provider)
			}
			if strings.TrimSpace(rt.Model) == "" {
				return nil, fmt.Errorf("ai route %s[%d]: model is required", phase, i)
			}
		}
	}
	return g, nil
}

// Resolve binds phase to a provider and model. A non-empty override replaces
// the configured chain with a single route; unset override fields fall back
// to the primary route.
func (g *Gateway) Resolve(phase LogicalPhase, override *Override) (*Resolution, error) {
	chain := g.routes[phase]
	if !override.empty() {
		rt := Route{}
		if len(chain) > 0 {
			rt = chain[0]
		}
		if p := strings.TrimSpace(override.Provider); p != "" {
			rt.Provider = p
		}
		if m := strings.TrimSpace(override.Model); m != "" {
			rt.Model = m
		}
		if _, ok := g.providers[rt.Provider]; !ok {
			return nil, fmt.Errorf("override for %s: unknown provider %q: %w", phase, rt.Provider, appErr.ErrInvalid)
		}
		if rt.Model == "" {
			return nil, fmt.Errorf("override for %s: model is required: %w", phase, appErr.ErrInvalid)
		}
		chain = []Route{rt}
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("no ai route for %s: %w", phase, appErr.ErrUnavailable)
	}
	primary := chain[0]
	res := &Resolution{
		Phase:    phase,
		Provider: primary.Provider,
		Model:    primary.Model,
		Params:   primary.Params,
	}
	if phase == PhaseEmbeddings {
		// vectors from different models are not comparable, so no fallback chain
		res.embedder = g.embedder(primary)
		return res, nil
	}
	entries := make([]GeneratorEntry, 0, len(chain))
	for _, rt := range chain {
		entries = append(entries, GeneratorEntry{
			Name:      rt.Provider + "/" + rt.Model,
			Generator: NewGenerator(g.providers[rt.Provider], rt.Model, rt.Params),
		})
	}
	res.generator = NewGroupGenerator(entries)
	return res, nil
}

func (g *Gateway) embedder(rt Route) IEmbedder {
	key := rt.Provider + "/" + rt.Model
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.embedders[key]; ok {
		return e
	}
	var e IEmbedder = NewEmbedder(g.providers[rt.Provider], rt.Model)
	for _, d := range g.decorators {
		e = d(rt, e)
	}
	g.embedders[key] = e
	return e
}

// Check verifies every logical phase is routed and pings each provider in use.
func (g *Gateway) Check(ctx context.Context) error {
	var missing []string
	used := map[string]struct{}{}
	for _, phase := range LogicalPhases {
		chain := g.routes[phase]
		if len(chain) == 0 {
			missing = append(missing, string(phase))
			continue
		}
		for _, rt := range chain {
			used[rt.Provider] = struct{}{}
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("ai routes missing for %s: %w", strings.Join(missing, ","), appErr.ErrInvalid)
	}
	names := make([]string, 0, len(used))
	for name := range used {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		hc, ok := g.providers[name].(IHealthChecker)
		if !ok {
			continue
		}
		if err := hc.Ping(ctx); err != nil {
			return fmt.Errorf("ai provider %s unreachable: %w", name, err)
		}
	}
	return nil
}
