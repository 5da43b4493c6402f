package handler

import (
	"context"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/markkb/internal/ai"
	"github.com/xxxsen/markkb/internal/model"
	"github.com/xxxsen/markkb/internal/pkg/errcode"
	"github.com/xxxsen/markkb/internal/pkg/response"
	"github.com/xxxsen/markkb/internal/service"
)

const maxTopK = 100

type ISearcher interface {
	FindSimilar(ctx context.Context, query string, topK int, minScore *float64, overrides ai.Overrides) ([]model.SimilarityMatch, error)
}

type ISynthesisAdmin interface {
	List(ctx context.Context) ([]*model.SynthesisDocument, error)
	MarkStale(ctx context.Context, minItems int) (*service.StaleReport, error)
}

type KnowledgeHandler struct {
	search    ISearcher
	syntheses ISynthesisAdmin
}

func NewKnowledgeHandler(search ISearcher, syntheses ISynthesisAdmin) *KnowledgeHandler {
	return &KnowledgeHandler{search: search, syntheses: syntheses}
}

func (h *KnowledgeHandler) Search(c *gin.Context) {
	query := strings.TrimSpace(c.Query("q"))
	if query == "" {
		response.Error(c, errcode.ErrInvalid, "q is required")
		return
	}
	topK, err := queryInt(c, "top_k", 10)
	if err != nil || topK > maxTopK {
		response.Error(c, errcode.ErrInvalid, "invalid top_k")
		return
	}
	var minScore *float64
	if raw := strings.TrimSpace(c.Query("min_score")); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			response.Error(c, errcode.ErrInvalid, "invalid min_score")
			return
		}
		minScore = &v
	}
	matches, err := h.search.FindSimilar(c.Request.Context(), query, topK, minScore, nil)
	if err != nil {
		handleError(c, err)
		return
	}
	if matches == nil {
		matches = []model.SimilarityMatch{}
	}
	response.List(c, matches, len(matches))
}

func (h *KnowledgeHandler) ListSyntheses(c *gin.Context) {
	docs, err := h.syntheses.List(c.Request.Context())
	if err != nil {
		handleError(c, err)
		return
	}
	if docs == nil {
		docs = []*model.SynthesisDocument{}
	}
	response.List(c, docs, len(docs))
}

type markStaleRequest struct {
	MinItems int `json:"min_items"`
}

func (h *KnowledgeHandler) MarkStale(c *gin.Context) {
	var req markStaleRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, errcode.ErrInvalid, "invalid request")
			return
		}
	}
	report, err := h.syntheses.MarkStale(c.Request.Context(), req.MinItems)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, report)
}
