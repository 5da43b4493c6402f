package handler

import (
	"errors"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/markkb/internal/ai"
	"github.com/xxxsen/markkb/internal/middleware"
	"github.com/xxxsen/markkb/internal/pkg/errcode"
	appErr "github.com/xxxsen/markkb/internal/pkg/errors"
	"github.com/xxxsen/markkb/internal/pkg/response"
)

func handleError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	logutil.GetLogger(c.Request.Context()).Error("request failed",
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.String("operator", c.GetString(middleware.ContextOperatorKey)),
		zap.String("request_id", c.GetString(middleware.ContextRequestIDKey)),
		zap.Error(err),
	)
	var genErr *ai.GenerationError
	var embErr *ai.EmbeddingError
	switch {
	case errors.Is(err, appErr.ErrUnauthorized):
		response.Error(c, errcode.ErrUnauthorized, "unauthorized")
	case errors.Is(err, appErr.ErrNotFound):
		response.Error(c, errcode.ErrNotFound, "not found")
	case errors.Is(err, appErr.ErrInvalid):
		response.Error(c, errcode.ErrInvalid, err.Error())
	case errors.Is(err, appErr.ErrConflict):
		response.Error(c, errcode.ErrRunActive, err.Error())
	case errors.Is(err, appErr.ErrPrecondition):
		response.Error(c, errcode.ErrPrecondition, err.Error())
	case errors.Is(err, appErr.ErrUnavailable), errors.As(err, &genErr), errors.As(err, &embErr):
		response.Error(c, errcode.ErrAIUnavailable, "ai backend unavailable")
	default:
		response.Error(c, errcode.ErrInternal, "internal error")
	}
}

func queryInt(c *gin.Context, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, appErr.ErrInvalid
	}
	return v, nil
}
