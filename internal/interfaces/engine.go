package interfaces

import (
	"context"
	"errors"

	"github.com/halcyonworks/renderq/internal/models"
)

// ErrGenerationCanceled is the cancel sentinel. When a progress callback
// returns it, the engine adapter stops polling and surfaces it unchanged.
var ErrGenerationCanceled = errors.New("generation canceled")

// ProgressFunc receives progress fractions in [0,1] with a short message.
// Returning an error aborts the generation; ErrGenerationCanceled aborts it
// as a cancellation rather than a failure.
type ProgressFunc func(fraction float64, message string) error

// GenerationResult is the outcome of one engine generation
type GenerationResult struct {
	Artifacts      [][]byte
	ContentType    string
	FileExt        string
	Seed           int64
	EnginePromptID string
	ElapsedSeconds float64
}

// EngineClient fronts the image-generation engine
type EngineClient interface {
	// Generate builds a workflow from params, submits it and waits for
	// completion, invoking onProgress while the engine runs.
	Generate(ctx context.Context, params models.SubmissionParams, onProgress ProgressFunc) (*GenerationResult, error)
	HealthCheck(ctx context.Context) bool
}
