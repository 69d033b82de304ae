package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	"github.com/halcyonworks/renderq/internal/common"
	"github.com/halcyonworks/renderq/internal/interfaces"
	"github.com/halcyonworks/renderq/internal/metrics"
	"github.com/halcyonworks/renderq/internal/models"
)

// submitBackoff is the retry schedule for engine submission. Connection
// errors and 5xx responses retry on this schedule before the job fails
// with EngineUnavailable.
var submitBackoff = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// Client talks to a ComfyUI-compatible engine over HTTP
type Client struct {
	baseURL         string
	clientID        string
	httpClient      *http.Client
	pollInterval    time.Duration
	generateTimeout time.Duration
	template        *WorkflowTemplate
	metrics         *metrics.Metrics
	logger          arbor.ILogger
}

// NewClient creates an engine client from configuration
func NewClient(logger arbor.ILogger, config *common.EngineConfig, m *metrics.Metrics) (*Client, error) {
	template, err := LoadWorkflowTemplate(config.WorkflowTemplate)
	if err != nil {
		return nil, err
	}

	return &Client{
		baseURL:  strings.TrimRight(config.BaseURL, "/"),
		clientID: uuid.New().String(),
		httpClient: &http.Client{
			Timeout: common.Duration(config.RequestTimeout, 30*time.Second),
		},
		pollInterval:    common.Duration(config.PollInterval, 2*time.Second),
		generateTimeout: common.Duration(config.GenerateTimeout, 20*time.Minute),
		template:        template,
		metrics:         m,
		logger:          logger,
	}, nil
}

// Generate submits a workflow and polls until the engine finishes, feeding
// synthesized progress to onProgress between polls. A cancel sentinel from
// onProgress interrupts the engine and aborts the wait.
func (c *Client) Generate(ctx context.Context, params models.SubmissionParams, onProgress interfaces.ProgressFunc) (*interfaces.GenerationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.generateTimeout)
	defer cancel()

	seed := params.Seed
	if seed < 0 {
		seed = rand.Int63()
	}

	started := time.Now()
	graph := c.template.Build(params, seed)

	promptID, err := c.submitWithRetry(ctx, graph)
	if err != nil {
		return nil, err
	}

	c.logger.Debug().
		Str("prompt_id", promptID).
		Int64("seed", seed).
		Msg("Workflow submitted to engine")

	outputs, err := c.waitForCompletion(ctx, promptID, params.Steps, started, onProgress)
	if err != nil {
		return nil, err
	}

	artifacts := make([][]byte, 0, len(outputs))
	for _, ref := range outputs {
		data, err := c.fetchArtifact(ctx, ref)
		if err != nil {
			return nil, models.NewAPIError(models.ErrEngine, "failed to fetch artifact %s: %v", ref.Filename, err)
		}
		artifacts = append(artifacts, data)
	}

	if len(artifacts) == 0 {
		return nil, models.NewAPIError(models.ErrEngine, "engine produced no artifacts for prompt %s", promptID)
	}

	return &interfaces.GenerationResult{
		Artifacts:      artifacts,
		ContentType:    "image/png",
		FileExt:        "png",
		Seed:           seed,
		EnginePromptID: promptID,
		ElapsedSeconds: time.Since(started).Seconds(),
	}, nil
}

// submitWithRetry posts the workflow, retrying transient failures on the
// backoff schedule.
func (c *Client) submitWithRetry(ctx context.Context, graph map[string]workflowNode) (string, error) {
	body, err := json.Marshal(map[string]interface{}{
		"prompt":    graph,
		"client_id": c.clientID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode workflow: %w", err)
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		promptID, retryable, err := c.submit(ctx, body)
		if err == nil {
			return promptID, nil
		}
		lastErr = err
		if !retryable || attempt >= len(submitBackoff) {
			break
		}

		c.metrics.EngineRetries.Inc()
		c.logger.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Msg("Engine submission failed, retrying")

		select {
		case <-time.After(submitBackoff[attempt]):
		case <-ctx.Done():
			return "", models.NewAPIError(models.ErrEngineUnavailable, "engine submission aborted: %v", ctx.Err())
		}
	}

	return "", models.NewAPIError(models.ErrEngineUnavailable, "engine submission failed: %v", lastErr)
}

// submit posts once. The second return reports whether the failure is worth
// retrying (connection errors and 5xx responses).
func (c *Client) submit(ctx context.Context, body []byte) (string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", true, fmt.Errorf("engine returned %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", false, fmt.Errorf("engine rejected workflow (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var result struct {
		PromptID string `json:"prompt_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", false, fmt.Errorf("failed to decode engine response: %w", err)
	}
	if result.PromptID == "" {
		return "", false, fmt.Errorf("engine response missing prompt_id")
	}
	return result.PromptID, false, nil
}

// artifactRef locates one output image on the engine
type artifactRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// historyEntry is the engine's per-prompt completion record
type historyEntry struct {
	Status struct {
		Completed bool   `json:"completed"`
		StatusStr string `json:"status_str"`
	} `json:"status"`
	Outputs map[string]struct {
		Images []artifactRef `json:"images"`
	} `json:"outputs"`
}

// waitForCompletion polls the history endpoint until the prompt settles.
// Progress is synthesized from elapsed time against a per-step estimate
// because the polling transport carries no native progress signal.
func (c *Client) waitForCompletion(ctx context.Context, promptID string, steps int, started time.Time, onProgress interfaces.ProgressFunc) ([]artifactRef, error) {
	// Rough wall-clock estimate used only to shape the progress curve
	estimate := time.Duration(steps)*400*time.Millisecond + 5*time.Second

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, models.NewAPIError(models.ErrEngine, "generation timed out after %s", time.Since(started).Round(time.Second))
		case <-ticker.C:
		}

		entry, found, err := c.fetchHistory(ctx, promptID)
		if err != nil {
			c.logger.Warn().Err(err).Str("prompt_id", promptID).Msg("History poll failed")
		}

		if found && entry.Status.Completed {
			var refs []artifactRef
			for _, output := range entry.Outputs {
				refs = append(refs, output.Images...)
			}
			return refs, nil
		}
		if found && entry.Status.StatusStr == "error" {
			return nil, models.NewAPIError(models.ErrEngine, "engine reported an execution error for prompt %s", promptID)
		}

		fraction := float64(time.Since(started)) / float64(estimate)
		if fraction > 0.95 {
			fraction = 0.95
		}
		if err := onProgress(fraction, "generating"); err != nil {
			if err == interfaces.ErrGenerationCanceled {
				c.interrupt()
			}
			return nil, err
		}
	}
}

func (c *Client) fetchHistory(ctx context.Context, promptID string) (*historyEntry, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/history/"+promptID, nil)
	if err != nil {
		return nil, false, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("history endpoint returned %d", resp.StatusCode)
	}

	var history map[string]historyEntry
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return nil, false, err
	}
	entry, ok := history[promptID]
	if !ok {
		return nil, false, nil
	}
	return &entry, true, nil
}

// fetchArtifact downloads one output image
func (c *Client) fetchArtifact(ctx context.Context, ref artifactRef) ([]byte, error) {
	params := url.Values{}
	params.Set("filename", ref.Filename)
	params.Set("subfolder", ref.Subfolder)
	params.Set("type", ref.Type)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/view?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("view endpoint returned %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// interrupt asks the engine to stop the running prompt. Best effort: a
// failed interrupt only wastes engine time, the job settles regardless.
func (c *Client) interrupt() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/interrupt", nil)
	if err != nil {
		return
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Engine interrupt failed")
		return
	}
	resp.Body.Close()
}

// HealthCheck reports whether the engine answers on its stats endpoint
func (c *Client) HealthCheck(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/system_stats", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
