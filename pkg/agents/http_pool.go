package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/relokate/masterflow/pkg/models"
)

const defaultPoolTimeout = 5 * time.Minute

// HTTPPool talks to the external agent pool service over HTTP. One instance
// per tenant; the tenant scope travels as headers on every request.
type HTTPPool struct {
	baseURL string
	tenant  models.TenantContext
	client  *http.Client
}

type executeRequest struct {
	AgentType       string         `json:"agent_type"`
	TaskDescription string         `json:"task_description"`
	TaskContext     map[string]any `json:"task_context,omitempty"`
}

type executeResponse struct {
	Output map[string]any `json:"output"`
	Error  string         `json:"error,omitempty"`
}

// NewHTTPPoolFactory returns a PoolFactory producing HTTP pools against the
// given agent service base URL.
func NewHTTPPoolFactory(baseURL string) PoolFactory {
	return func(_ context.Context, tenant models.TenantContext) (Pool, error) {
		if baseURL == "" {
			return nil, fmt.Errorf("agent pool URL is not configured")
		}

		return &HTTPPool{
			baseURL: baseURL,
			tenant:  tenant,
			client:  &http.Client{Timeout: defaultPoolTimeout},
		}, nil
	}
}

// Execute POSTs one task to the agent service. A 429 response maps to
// ErrRateLimited so the limiter can back off and retry.
func (p *HTTPPool) Execute(ctx context.Context, agentType, taskDescription string, taskContext map[string]any) (map[string]any, error) {
	payload, err := json.Marshal(executeRequest{
		AgentType:       agentType,
		TaskDescription: taskDescription,
		TaskContext:     taskContext,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode agent task: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/tasks", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build agent request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Client-Account-ID", p.tenant.ClientAccountID)
	req.Header.Set("X-Engagement-ID", p.tenant.EngagementID)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, ErrRateLimited
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read agent response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agent service returned status %d: %s", resp.StatusCode, string(body))
	}

	var result executeResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode agent response: %w", err)
	}

	if result.Error != "" {
		return nil, fmt.Errorf("agent task failed: %s", result.Error)
	}

	return result.Output, nil
}

// Close releases the pool's resources.
func (p *HTTPPool) Close(_ context.Context) error {
	p.client.CloseIdleConnections()

	return nil
}
