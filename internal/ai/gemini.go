package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/genai"
)

type geminiConfig struct {
	APIKey string `json:"api_key"`
}

type geminiProvider struct {
	apiKey string

	once   sync.Once
	client *genai.Client
	err    error
}

func (p *geminiProvider) Name() string {
	return "gemini"
}

func (p *geminiProvider) getClient(ctx context.Context) (*genai.Client, error) {
	if p.apiKey == "" {
		return nil, ErrUnavailable
	}
	p.once.Do(func() {
		p.client, p.err = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  p.apiKey,
			Backend: genai.BackendGeminiAPI,
		})
	})
	return p.client, p.err
}

func (p *geminiProvider) Generate(ctx context.Context, req *GenerateRequest) (string, error) {
	client, err := p.getClient(ctx)
	if err != nil {
		return "", err
	}
	parts := []*genai.Part{{Text: req.Prompt}}
	for _, img := range req.Images {
		if len(img.Data) == 0 {
			fetched, err := FetchImage(ctx, img.URL)
			if err != nil {
				return "", err
			}
			img = *fetched
		}
		parts = append(parts, &genai.Part{InlineData: &genai.Blob{MIMEType: img.MimeType, Data: img.Data}})
	}
	var config *genai.GenerateContentConfig
	if req.Params.Temperature != nil || req.Params.MaxTokens > 0 || req.Params.JSON {
		config = &genai.GenerateContentConfig{
			Temperature:     req.Params.Temperature,
			MaxOutputTokens: int32(req.Params.MaxTokens),
		}
		if req.Params.JSON {
			config.ResponseMIMEType = "application/json"
		}
	}
	resp, err := client.Models.GenerateContent(ctx, req.Model, []*genai.Content{{Role: "user", Parts: parts}}, config)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text()), nil
}

func (p *geminiProvider) Embed(ctx context.Context, model string, text string, taskType string) ([]float32, error) {
	client, err := p.getClient(ctx)
	if err != nil {
		return nil, err
	}
	var config *genai.EmbedContentConfig
	if taskType != "" {
		config = &genai.EmbedContentConfig{
			TaskType: taskType,
		}
	}
	resp, err := client.Models.EmbedContent(
		ctx,
		model,
		[]*genai.Content{{Parts: []*genai.Part{{Text: text}}}},
		config,
	)
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("no embedding values returned")
	}
	return resp.Embeddings[0].Values, nil
}

func (p *geminiProvider) Ping(ctx context.Context) error {
	_, err := p.getClient(ctx)
	return err
}

func createGeminiFactory(args interface{}) (IProvider, error) {
	cfg := &geminiConfig{}
	if err := decodeConfig(args, cfg); err != nil {
		return nil, err
	}
	return &geminiProvider{
		apiKey: strings.TrimSpace(cfg.APIKey),
	}, nil
}

func init() {
	Register("gemini", createGeminiFactory)
}

func decodeConfig(args interface{}, dst interface{}) error {
	if args == nil {
		return fmt.Errorf("ai provider config is required")
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode ai provider config: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode ai provider config: %w", err)
	}
	return nil
}
