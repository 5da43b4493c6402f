package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sort"
	"strings"
	"sync"

	"github.com/xxxsen/markkb/internal/config"
	"github.com/xxxsen/markkb/internal/model"
	appErr "github.com/xxxsen/markkb/internal/pkg/errors"
)

// Source delivers bookmarked items. Stream is finite, bounded by limit and
// restarts from the beginning on every call.
type Source interface {
	Name() string
	IsAvailable(ctx context.Context) bool
	GetItem(ctx context.Context, id string) (*model.ItemData, error)
	DetectThread(ctx context.Context, id string) (*model.ThreadInfo, error)
	Stream(ctx context.Context, limit int) iter.Seq2[*model.ItemData, error]
}

// ErrStreamBroken marks a stream level failure; per-item errors never wrap it.
var ErrStreamBroken = errors.New("bookmark stream broken")

type Factory func(args interface{}) (Source, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

func Register(name string, factory Factory) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" || factory == nil {
		return
	}
	registryMu.Lock()
	registry[key] = factory
	registryMu.Unlock()
}

func New(cfg config.SourceConfig) (Source, error) {
	key := strings.ToLower(strings.TrimSpace(cfg.Type))
	registryMu.RLock()
	factory := registry[key]
	registryMu.RUnlock()
	if factory == nil {
		return nil, fmt.Errorf("unsupported bookmark source: %s", cfg.Type)
	}
	return factory(map[string]interface{}{"path": cfg.Path})
}

// loader reads the full item list from the backing file.
type loader func(ctx context.Context) ([]itemOrError, error)

type itemOrError struct {
	item *model.ItemData
	err  error
}

// fileSource implements Source on top of a loader re-read per call.
type fileSource struct {
	name string
	load loader
}

func (s *fileSource) Name() string {
	return s.name
}

func (s *fileSource) IsAvailable(ctx context.Context) bool {
	_, err := s.load(ctx)
	return err == nil
}

func (s *fileSource) GetItem(ctx context.Context, id string) (*model.ItemData, error) {
	items, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	for _, entry := range items {
		if entry.item != nil && entry.item.ID == id {
			return entry.item, nil
		}
	}
	return nil, fmt.Errorf("bookmark %s: %w", id, appErr.ErrNotFound)
}

// DetectThread groups items of the same author sharing a conversation id.
// A single item is not a thread and yields nil.
func (s *fileSource) DetectThread(ctx context.Context, id string) (*model.ThreadInfo, error) {
	items, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	var root *model.ItemData
	for _, entry := range items {
		if entry.item != nil && entry.item.ID == id {
			root = entry.item
			break
		}
	}
	if root == nil {
		return nil, fmt.Errorf("bookmark %s: %w", id, appErr.ErrNotFound)
	}
	if root.ConversationID == "" {
		return nil, nil
	}
	var members []model.ItemData
	for _, entry := range items {
		it := entry.item
		if it == nil || it.ConversationID != root.ConversationID || it.Author != root.Author {
			continue
		}
		members = append(members, *it)
	}
	if len(members) < 2 {
		return nil, nil
	}
	sort.SliceStable(members, func(i, j int) bool {
		if members[i].CreatedAt.Equal(members[j].CreatedAt) {
			return members[i].ID < members[j].ID
		}
		return members[i].CreatedAt.Before(members[j].CreatedAt)
	})
	return &model.ThreadInfo{RootID: members[0].ID, Author: root.Author, Items: members}, nil
}

func (s *fileSource) Stream(ctx context.Context, limit int) iter.Seq2[*model.ItemData, error] {
	return func(yield func(*model.ItemData, error) bool) {
		items, err := s.load(ctx)
		if err != nil {
			yield(nil, fmt.Errorf("%w: %w", ErrStreamBroken, err))
			return
		}
		emitted := 0
		for _, entry := range items {
			if limit > 0 && emitted >= limit {
				return
			}
			if err := ctx.Err(); err != nil {
				yield(nil, fmt.Errorf("%w: %w", ErrStreamBroken, err))
				return
			}
			emitted++
			if !yield(entry.item, entry.err) {
				return
			}
		}
	}
}

type fileConfig struct {
	Path string `json:"path"`
}

func decodeConfig(args interface{}) (*fileConfig, error) {
	data, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode source config: %w", err)
	}
	cfg := &fileConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("decode source config: %w", err)
	}
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("source path is required")
	}
	return cfg, nil
}
