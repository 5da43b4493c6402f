package handler

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/markkb/internal/ai"
	"github.com/xxxsen/markkb/internal/model"
	"github.com/xxxsen/markkb/internal/pkg/errcode"
	"github.com/xxxsen/markkb/internal/pkg/response"
	"github.com/xxxsen/markkb/internal/service"
)

type IRunController interface {
	Start(ctx context.Context, opts service.RunOptions) (*model.PipelineRun, error)
	GetRunStatus(ctx context.Context, id string) (*model.PipelineRun, error)
}

type IEventSource interface {
	Events(pipelineID string, after int64) []service.Event
}

type IItemProcessor interface {
	ProcessItem(ctx context.Context, externalID string, opts service.ProcessOptions) (*model.ItemResult, error)
}

type PipelineHandler struct {
	runs   IRunController
	events IEventSource
	items  IItemProcessor
}

func NewPipelineHandler(runs IRunController, events IEventSource, items IItemProcessor) *PipelineHandler {
	return &PipelineHandler{runs: runs, events: events, items: items}
}

type startRunRequest struct {
	Mode         string       `json:"mode"`
	ForceRefresh bool         `json:"force_refresh"`
	MaxResults   int          `json:"max_results"`
	MinItems     int          `json:"min_items"`
	Overrides    ai.Overrides `json:"overrides"`
}

type processItemRequest struct {
	Mode         string       `json:"mode"`
	ForceRefresh bool         `json:"force_refresh"`
	Overrides    ai.Overrides `json:"overrides"`
}

func (h *PipelineHandler) StartRun(c *gin.Context) {
	var req startRunRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, errcode.ErrInvalid, "invalid request")
			return
		}
	}
	if req.MaxResults < 0 || req.MinItems < 0 {
		response.Error(c, errcode.ErrInvalid, "max_results and min_items must not be negative")
		return
	}
	run, err := h.runs.Start(c.Request.Context(), service.RunOptions{
		Mode:         model.ExecMode(strings.ToLower(strings.TrimSpace(req.Mode))),
		Overrides:    req.Overrides,
		ForceRefresh: req.ForceRefresh,
		MaxResults:   req.MaxResults,
		MinItems:     req.MinItems,
		Trigger:      "api",
	})
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, run)
}

func (h *PipelineHandler) GetRun(c *gin.Context) {
	run, err := h.runs.GetRunStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, run)
}

// Events returns buffered progress events with seq greater than ?after.
func (h *PipelineHandler) Events(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.runs.GetRunStatus(c.Request.Context(), id); err != nil {
		handleError(c, err)
		return
	}
	after, err := queryInt(c, "after", 0)
	if err != nil {
		handleError(c, err)
		return
	}
	events := h.events.Events(id, int64(after))
	if events == nil {
		events = []service.Event{}
	}
	response.List(c, events, len(events))
}

func (h *PipelineHandler) ProcessItem(c *gin.Context) {
	var req processItemRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, errcode.ErrInvalid, "invalid request")
			return
		}
	}
	res, err := h.items.ProcessItem(c.Request.Context(), c.Param("id"), service.ProcessOptions{
		ForceRefresh: req.ForceRefresh,
		Overrides:    req.Overrides,
		Mode:         model.ExecMode(strings.ToLower(strings.TrimSpace(req.Mode))),
	})
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, res)
}
