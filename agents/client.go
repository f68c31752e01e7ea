package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dshills/agentflow/flowerr"
)

// Retry policy for 5xx responses from an agent.
const (
	maxAttempts = 3
	backoffBase = 2 * time.Second
	backoffCap  = 30 * time.Second
)

// SchemaDoc is the agent protocol's GET /schema response.
type SchemaDoc struct {
	Workflow string                `json:"workflow"`
	Inputs   map[string]InputField `json:"inputs"`
	Outputs  []string              `json:"outputs"`
	Raw      map[string]any        `json:"-"`
}

// InputField describes one expected input.
type InputField struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required"`
}

// RunResult is the agent protocol's POST /run response.
type RunResult struct {
	RunID           string         `json:"run_id"`
	Status          string         `json:"status"`
	Outputs         map[string]any `json:"outputs"`
	DurationSeconds float64        `json:"duration_seconds"`
	CostUSD         float64        `json:"cost_usd"`
	Error           string         `json:"error,omitempty"`
}

// Client speaks the agent protocol. 5xx responses retry with exponential
// backoff; 4xx and transport failures do not.
type Client struct {
	httpClient *http.Client
	sleep      func(time.Duration)
}

// NewClient builds a protocol client. A nil httpClient gets a 30s-timeout
// default.
func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{httpClient: httpClient, sleep: time.Sleep}
}

// Health checks GET {url}/health.
func (c *Client) Health(ctx context.Context, url string) error {
	resp, err := c.get(ctx, url+"/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return flowerr.New(flowerr.AgentUnreachable, fmt.Sprintf("health returned %d", resp.StatusCode))
	}
	return nil
}

// Schema fetches GET {url}/schema.
func (c *Client) Schema(ctx context.Context, url string) (*SchemaDoc, error) {
	resp, err := c.get(ctx, url+"/schema")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, flowerr.Wrap(flowerr.AgentUnreachable, "read schema", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, flowerr.New(flowerr.AgentRejected,
			fmt.Sprintf("schema returned %d: %s", resp.StatusCode, truncate(body)))
	}
	var doc SchemaDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, flowerr.Wrap(flowerr.AgentRejected, "decode schema", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err == nil {
		doc.Raw = raw
	}
	return &doc, nil
}

// Run posts inputs to {url}/run. 5xx retries up to maxAttempts with
// exponential backoff (base 2s, doubling, capped at 30s); 4xx fails
// immediately as a rejection; transport errors fail as unreachable.
func (c *Client) Run(ctx context.Context, url string, inputs map[string]any) (*RunResult, error) {
	payload, err := json.Marshal(map[string]any{"inputs": inputs})
	if err != nil {
		return nil, fmt.Errorf("encode inputs: %w", err)
	}

	backoff := backoffBase
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
			c.sleep(backoff)
			backoff *= 2
			if backoff > backoffCap {
				backoff = backoffCap
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/run", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, flowerr.Wrap(flowerr.AgentUnreachable, "post run", err)
		}
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, flowerr.Wrap(flowerr.AgentUnreachable, "read run response", readErr)
		}

		switch {
		case resp.StatusCode >= 500:
			lastErr = flowerr.New(flowerr.AgentRejected,
				fmt.Sprintf("run returned %d: %s", resp.StatusCode, truncate(body)))
			continue
		case resp.StatusCode >= 400:
			return nil, flowerr.New(flowerr.AgentRejected,
				fmt.Sprintf("run returned %d: %s", resp.StatusCode, truncate(body)))
		}

		var result RunResult
		if err := json.Unmarshal(body, &result); err != nil {
			return nil, flowerr.Wrap(flowerr.AgentRejected, "decode run response", err)
		}
		return &result, nil
	}
	return nil, lastErr
}

func (c *Client) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, flowerr.Wrap(flowerr.AgentUnreachable, "get "+url, err)
	}
	return resp, nil
}

func truncate(body []byte) string {
	const max = 200
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
