package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/halcyonworks/renderq/internal/models"
)

func TestFingerprintIsStable(t *testing.T) {
	params := models.SubmissionParams{Prompt: "a castle", Width: 512, Height: 512, Steps: 20, CFGScale: 7, Sampler: "euler", Seed: 42, BatchSize: 1}

	first := Fingerprint(params, "owner-1")
	second := Fingerprint(params, "owner-1")
	assert.Equal(t, first, second)
	assert.Len(t, first, 16)
}

func TestFingerprintDistinguishesContent(t *testing.T) {
	base := models.SubmissionParams{Prompt: "a castle", Width: 512, Height: 512, Steps: 20, CFGScale: 7, Sampler: "euler", Seed: 42, BatchSize: 1}

	changed := base
	changed.Steps = 21
	assert.NotEqual(t, Fingerprint(base, "owner-1"), Fingerprint(changed, "owner-1"))

	// Same content, different owner
	assert.NotEqual(t, Fingerprint(base, "owner-1"), Fingerprint(base, "owner-2"))
}
