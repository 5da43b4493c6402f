package ai

import (
	"errors"
	"fmt"

	appErr "github.com/xxxsen/markkb/internal/pkg/errors"
)

var (
	ErrUnavailable   = fmt.Errorf("ai provider not configured: %w", appErr.ErrUnavailable)
	ErrEmptyResponse = fmt.Errorf("empty ai response: %w", appErr.ErrBadResponse)
	ErrNotSupported  = errors.New("operation not supported by provider")
)

// GenerationError wraps a failed text or vision call.
type GenerationError struct {
	Provider string
	Model    string
	Err      error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generate with %s/%s: %v", e.Provider, e.Model, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

type EmbeddingError struct {
	Provider string
	Model    string
	Err      error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embed with %s/%s: %v", e.Provider, e.Model, e.Err)
}

func (e *EmbeddingError) Unwrap() error {
	return e.Err
}

func IsGenerationError(err error) bool {
	var target *GenerationError
	return errors.As(err, &target)
}

func IsEmbeddingError(err error) bool {
	var target *EmbeddingError
	return errors.As(err, &target)
}
