package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/PipeOpsHQ/airgen-go/types"
)

var ErrEmptyResult = errors.New("generation returned no text")

// Generator produces one atomic text result per call. Implementations must not
// stream partial output to callers.
type Generator interface {
	Name() string
	AnalyzeImage(ctx context.Context, imageURL, prompt string) (types.Generation, error)
	GenerateText(ctx context.Context, prompt string) (types.Generation, error)
}

// GenerationError wraps any network, quota or model-side failure of a generation call.
type GenerationError struct {
	Provider string
	Op       string
	Err      error
}

func (e *GenerationError) Error() string {
	if e.Provider == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// AsGenerationError returns err as a *GenerationError, wrapping it when needed.
func AsGenerationError(provider, op string, err error) *GenerationError {
	var ge *GenerationError
	if errors.As(err, &ge) {
		return ge
	}
	return &GenerationError{Provider: provider, Op: op, Err: err}
}

var ErrUnavailable = errors.New("no generation provider configured")

// Unavailable is a Generator for processes that only review and commit
// drafts. Every call fails with ErrUnavailable.
type Unavailable struct{}

func (Unavailable) Name() string { return "none" }

func (Unavailable) AnalyzeImage(context.Context, string, string) (types.Generation, error) {
	return types.Generation{}, &GenerationError{Op: "analyze image", Err: ErrUnavailable}
}

func (Unavailable) GenerateText(context.Context, string) (types.Generation, error) {
	return types.Generation{}, &GenerationError{Op: "generate text", Err: ErrUnavailable}
}
