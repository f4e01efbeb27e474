package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// AgentClient talks to the planning agent service over HTTP.
type AgentClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

var _ Planner = (*AgentClient)(nil)

func NewAgentClient(baseURL string, timeout time.Duration, logger *zap.Logger) *AgentClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &AgentClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type roadmapResponse struct {
	Milestones []MilestoneProposal `json:"milestones"`
}

type tasksResponse struct {
	Tasks []TaskProposal `json:"tasks"`
}

func (c *AgentClient) ProposeMilestones(ctx context.Context, goal GoalContext) ([]MilestoneProposal, error) {
	var resp roadmapResponse
	if err := c.post(ctx, "/roadmap", goal, &resp); err != nil {
		return nil, err
	}
	return cleanMilestones(resp.Milestones), nil
}

func (c *AgentClient) ProposeTasks(ctx context.Context, milestone MilestoneContext) ([]TaskProposal, error) {
	var resp tasksResponse
	if err := c.post(ctx, "/tasks", milestone, &resp); err != nil {
		return nil, err
	}
	return cleanTasks(resp.Tasks), nil
}

func (c *AgentClient) post(ctx context.Context, path string, in, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call agent service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("agent service returned error: %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("Agent service rejected request",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
		)
		return fmt.Errorf("agent service rejected request: %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode agent response: %w", err)
	}
	return nil
}
