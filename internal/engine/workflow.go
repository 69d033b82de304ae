package engine

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/halcyonworks/renderq/internal/models"
)

// defaultWorkflow is the built-in text-to-image graph used when no template
// file is configured. Node inputs are overwritten by injectParams.
const defaultWorkflow = `{
  "1": {
    "class_type": "CheckpointLoaderSimple",
    "inputs": {"ckpt_name": ""}
  },
  "2": {
    "class_type": "CLIPTextEncode",
    "inputs": {"text": "", "clip": ["1", 1]},
    "_meta": {"title": "positive"}
  },
  "3": {
    "class_type": "CLIPTextEncode",
    "inputs": {"text": "", "clip": ["1", 1]},
    "_meta": {"title": "negative"}
  },
  "4": {
    "class_type": "EmptyLatentImage",
    "inputs": {"width": 512, "height": 512, "batch_size": 1}
  },
  "5": {
    "class_type": "KSampler",
    "inputs": {
      "model": ["1", 0],
      "positive": ["2", 0],
      "negative": ["3", 0],
      "latent_image": ["4", 0],
      "seed": 0,
      "steps": 20,
      "cfg": 7.0,
      "sampler_name": "euler_ancestral",
      "scheduler": "normal",
      "denoise": 1.0
    }
  },
  "6": {
    "class_type": "VAEDecode",
    "inputs": {"samples": ["5", 0], "vae": ["1", 2]}
  },
  "7": {
    "class_type": "SaveImage",
    "inputs": {"images": ["6", 0], "filename_prefix": "renderq"}
  }
}`

// workflowNode is one node of the engine graph
type workflowNode struct {
	ClassType string                 `json:"class_type"`
	Inputs    map[string]interface{} `json:"inputs"`
	Meta      map[string]interface{} `json:"_meta,omitempty"`
}

// WorkflowTemplate builds engine graphs from submission parameters
type WorkflowTemplate struct {
	nodes map[string]workflowNode
}

// LoadWorkflowTemplate parses a template. An empty path selects the built-in
// text-to-image graph.
func LoadWorkflowTemplate(path string) (*WorkflowTemplate, error) {
	raw := []byte(defaultWorkflow)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read workflow template %s: %w", path, err)
		}
		raw = data
	}

	var nodes map[string]workflowNode
	if err := json.Unmarshal(raw, &nodes); err != nil {
		return nil, fmt.Errorf("failed to parse workflow template: %w", err)
	}

	tmpl := &WorkflowTemplate{nodes: nodes}
	if err := tmpl.validate(); err != nil {
		return nil, err
	}
	return tmpl, nil
}

// validate checks the template carries the node types injection targets
func (t *WorkflowTemplate) validate() error {
	required := map[string]bool{
		"KSampler":         false,
		"EmptyLatentImage": false,
		"CLIPTextEncode":   false,
	}
	for _, node := range t.nodes {
		if _, ok := required[node.ClassType]; ok {
			required[node.ClassType] = true
		}
	}
	for classType, found := range required {
		if !found {
			return fmt.Errorf("workflow template has no %s node", classType)
		}
	}
	return nil
}

// Build returns a graph with the submission parameters injected. The seed
// must already be resolved (never -1) by the caller.
func (t *WorkflowTemplate) Build(params models.SubmissionParams, seed int64) map[string]workflowNode {
	graph := make(map[string]workflowNode, len(t.nodes))
	for id, node := range t.nodes {
		inputs := make(map[string]interface{}, len(node.Inputs))
		for k, v := range node.Inputs {
			inputs[k] = v
		}
		graph[id] = workflowNode{ClassType: node.ClassType, Inputs: inputs, Meta: node.Meta}
	}

	for id, node := range graph {
		switch node.ClassType {
		case "CheckpointLoaderSimple":
			node.Inputs["ckpt_name"] = params.Model
		case "CLIPTextEncode":
			if nodeTitle(node) == "negative" {
				node.Inputs["text"] = params.NegativePrompt
			} else {
				node.Inputs["text"] = params.Prompt
			}
		case "EmptyLatentImage":
			node.Inputs["width"] = params.Width
			node.Inputs["height"] = params.Height
			node.Inputs["batch_size"] = params.BatchSize
		case "KSampler":
			node.Inputs["seed"] = seed
			node.Inputs["steps"] = params.Steps
			node.Inputs["cfg"] = params.CFGScale
			node.Inputs["sampler_name"] = params.Sampler
		}
		graph[id] = node
	}

	return graph
}

func nodeTitle(node workflowNode) string {
	if node.Meta == nil {
		return ""
	}
	title, _ := node.Meta["title"].(string)
	return title
}
