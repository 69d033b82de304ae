package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonworks/renderq/internal/models"
)

func testWorkflowParams() models.SubmissionParams {
	return models.SubmissionParams{
		Prompt:         "a castle on a hill",
		NegativePrompt: "blurry",
		Model:          "sd15.safetensors",
		Width:          768,
		Height:         512,
		Steps:          30,
		CFGScale:       8.5,
		Sampler:        "dpmpp_2m",
		Seed:           -1,
		BatchSize:      2,
	}
}

func TestBuildInjectsParams(t *testing.T) {
	tmpl, err := LoadWorkflowTemplate("")
	require.NoError(t, err)

	graph := tmpl.Build(testWorkflowParams(), 1234)

	byType := map[string][]workflowNode{}
	for _, node := range graph {
		byType[node.ClassType] = append(byType[node.ClassType], node)
	}

	require.Len(t, byType["KSampler"], 1)
	sampler := byType["KSampler"][0]
	assert.Equal(t, int64(1234), sampler.Inputs["seed"])
	assert.Equal(t, 30, sampler.Inputs["steps"])
	assert.Equal(t, 8.5, sampler.Inputs["cfg"])
	assert.Equal(t, "dpmpp_2m", sampler.Inputs["sampler_name"])

	require.Len(t, byType["EmptyLatentImage"], 1)
	latent := byType["EmptyLatentImage"][0]
	assert.Equal(t, 768, latent.Inputs["width"])
	assert.Equal(t, 512, latent.Inputs["height"])
	assert.Equal(t, 2, latent.Inputs["batch_size"])

	require.Len(t, byType["CheckpointLoaderSimple"], 1)
	assert.Equal(t, "sd15.safetensors", byType["CheckpointLoaderSimple"][0].Inputs["ckpt_name"])
}

func TestBuildRoutesPromptsByTitle(t *testing.T) {
	tmpl, err := LoadWorkflowTemplate("")
	require.NoError(t, err)

	graph := tmpl.Build(testWorkflowParams(), 1)

	var positive, negative string
	for _, node := range graph {
		if node.ClassType != "CLIPTextEncode" {
			continue
		}
		if nodeTitle(node) == "negative" {
			negative, _ = node.Inputs["text"].(string)
		} else {
			positive, _ = node.Inputs["text"].(string)
		}
	}
	assert.Equal(t, "a castle on a hill", positive)
	assert.Equal(t, "blurry", negative)
}

func TestBuildDoesNotMutateTemplate(t *testing.T) {
	tmpl, err := LoadWorkflowTemplate("")
	require.NoError(t, err)

	first := tmpl.Build(testWorkflowParams(), 7)
	second := tmpl.Build(models.SubmissionParams{Prompt: "other", Sampler: "euler"}, 9)

	for _, node := range first {
		if node.ClassType == "KSampler" {
			assert.Equal(t, int64(7), node.Inputs["seed"])
		}
	}
	for _, node := range second {
		if node.ClassType == "KSampler" {
			assert.Equal(t, int64(9), node.Inputs["seed"])
		}
	}
}

func TestLoadWorkflowTemplateFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workflow.json")
	require.NoError(t, os.WriteFile(path, []byte(defaultWorkflow), 0o644))

	tmpl, err := LoadWorkflowTemplate(path)
	require.NoError(t, err)
	assert.NotNil(t, tmpl)

	_, err = LoadWorkflowTemplate(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestLoadWorkflowTemplateRejectsIncompleteGraph(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	incomplete := `{"1": {"class_type": "SaveImage", "inputs": {}}}`
	require.NoError(t, os.WriteFile(path, []byte(incomplete), 0o644))

	_, err := LoadWorkflowTemplate(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "node")
}
