package ai

import (
	"context"
	"fmt"
	"strings"
)

type ImageRef struct {
	URL      string
	MimeType string
	Data     []byte
}

type Params struct {
	Temperature *float32 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	JSON        bool     `json:"json,omitempty" yaml:"json,omitempty"`
}

type GenerateRequest struct {
	Model  string
	Prompt string
	Images []ImageRef
	Params Params
}

type IProvider interface {
	Name() string
	Generate(ctx context.Context, req *GenerateRequest) (string, error)
	Embed(ctx context.Context, model string, text string, taskType string) ([]float32, error)
}

// IHealthChecker is implemented by providers that can probe their backend.
type IHealthChecker interface {
	Ping(ctx context.Context) error
}

type IGenerator interface {
	Generate(ctx context.Context, prompt string, images ...ImageRef) (string, error)
	ModelName() string
}

type IEmbedder interface {
	Embed(ctx context.Context, text string, taskType string) ([]float32, error)
	ModelName() string
}

type generator struct {
	provider IProvider
	model    string
	params   Params
}

func NewGenerator(p IProvider, model string, params Params) IGenerator {
	return &generator{provider: p, model: model, params: params}
}

func (g *generator) Generate(ctx context.Context, prompt string, images ...ImageRef) (string, error) {
	res, err := g.provider.Generate(ctx, &GenerateRequest{
		Model:  g.model,
		Prompt: prompt,
		Images: images,
		Params: g.params,
	})
	if err != nil {
		return "", &GenerationError{Provider: g.provider.Name(), Model: g.model, Err: err}
	}
	if strings.TrimSpace(res) == "" {
		return "", &GenerationError{Provider: g.provider.Name(), Model: g.model, Err: ErrEmptyResponse}
	}
	return res, nil
}

func (g *generator) ModelName() string {
	return g.model
}

type embedder struct {
	provider IProvider
	model    string
}

func NewEmbedder(p IProvider, model string) IEmbedder {
	return &embedder{provider: p, model: model}
}

func (e *embedder) Embed(ctx context.Context, text string, taskType string) ([]float32, error) {
	res, err := e.provider.Embed(ctx, e.model, text, taskType)
	if err != nil {
		return nil, &EmbeddingError{Provider: e.provider.Name(), Model: e.model, Err: err}
	}
	if len(res) == 0 {
		return nil, &EmbeddingError{Provider: e.provider.Name(), Model: e.model, Err: ErrEmptyResponse}
	}
	return res, nil
}

func (e *embedder) ModelName() string {
	return e.model
}

type ProviderFactory func(args interface{}) (IProvider, error)

var registry = map[string]ProviderFactory{}

func Register(name string, factory ProviderFactory) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" || factory == nil {
		return
	}
	registry[key] = factory
}

func NewProvider(name string, args interface{}) (IProvider, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return nil, fmt.Errorf("ai provider type is required")
	}
	factory := registry[key]
	if factory == nil {
		return nil, fmt.Errorf("unsupported ai provider: %s", name)
	}
	return factory(args)
}
