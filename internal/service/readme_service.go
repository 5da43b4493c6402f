package service

import (
	"context"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/markkb/internal/ai"
	"github.com/xxxsen/markkb/internal/model"
)

type ReadmeService struct {
	contents    IContentStore
	syntheses   ISynthesisStore
	resolver    IResolver
	manager     *ai.Manager
	callTimeout time.Duration
}

func NewReadmeService(contents IContentStore, syntheses ISynthesisStore, resolver IResolver, manager *ai.Manager, callTimeout time.Duration) *ReadmeService {
	if callTimeout <= 0 {
		callTimeout = 60 * time.Second
	}
	return &ReadmeService{contents: contents, syntheses: syntheses, resolver: resolver, manager: manager, callTimeout: callTimeout}
}

// Generate renders the knowledge base index from current statistics and the
// syntheses that exist, however many of them that is.
func (s *ReadmeService) Generate(ctx context.Context, overrides ai.Overrides) (*model.Readme, error) {
	stats, err := s.contents.Stats(ctx)
	if err != nil {
		return nil, err
	}
	docs, err := s.syntheses.List(ctx)
	if err != nil {
		return nil, err
	}
	res, err := s.resolver.Resolve(ai.PhaseReadmeGeneration, overrides.For(ai.PhaseReadmeGeneration))
	if err != nil {
		return nil, err
	}
	var content string
	if err := callWithTimeout(ctx, s.callTimeout, func(cctx context.Context) error {
		var err error
		content, err = s.manager.RenderReadme(cctx, res.Generator(), stats, docs)
		return err
	}); err != nil {
		return nil, err
	}
	logutil.GetLogger(ctx).Info("readme generated", zap.Int("records", stats.Total), zap.Int("syntheses", len(docs)))
	return &model.Readme{Content: content, Model: res.Model, Stats: *stats}, nil
}
