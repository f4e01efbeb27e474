package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"
)

// ChatService is the slice of the OpenAI client the planner needs.
// Tests substitute a fake.
type ChatService interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// OpenAIPlanner asks a chat model for JSON-shaped roadmaps and task batches.
type OpenAIPlanner struct {
	chat   ChatService
	model  openai.ChatModel
	logger *zap.Logger
}

var _ Planner = (*OpenAIPlanner)(nil)

func NewOpenAIPlanner(apiKey, model string, timeout time.Duration, logger *zap.Logger) *OpenAIPlanner {
	client := openai.NewClient(
		option.WithAPIKey(apiKey),
		option.WithRequestTimeout(timeout),
	)
	return NewOpenAIPlannerWithService(client.Chat.Completions, model, logger)
}

func NewOpenAIPlannerWithService(chat ChatService, model string, logger *zap.Logger) *OpenAIPlanner {
	return &OpenAIPlanner{chat: chat, model: openai.ChatModel(model), logger: logger}
}

const roadmapPrompt = `You are a planning coach. Break the user's goal into an ordered roadmap of 3 to 8 milestones.
Reply with JSON only: {"milestones":[{"title":"...","description":"...","duration_days":14}]}`

const tasksPrompt = `You are a planning coach. Propose 3 to 7 concrete tasks that start the given milestone.
Reply with JSON only: {"tasks":[{"title":"...","description":"...","due_in_days":2}]}`

func (o *OpenAIPlanner) ProposeMilestones(ctx context.Context, goal GoalContext) ([]MilestoneProposal, error) {
	user := fmt.Sprintf("Goal: %s\nDetails: %s", goal.Title, goal.Description)
	if goal.TargetDate != nil {
		user += "\nTarget date: " + goal.TargetDate.Format(time.DateOnly)
	}
	var out roadmapResponse
	if err := o.complete(ctx, roadmapPrompt, user, &out); err != nil {
		return nil, err
	}
	return cleanMilestones(out.Milestones), nil
}

func (o *OpenAIPlanner) ProposeTasks(ctx context.Context, m MilestoneContext) ([]TaskProposal, error) {
	user := fmt.Sprintf("Goal: %s\nMilestone %d: %s\nDetails: %s\nPlanned duration: %d days",
		m.Goal.Title, m.Sequence, m.Title, m.Description, m.DurationDays)
	var out tasksResponse
	if err := o.complete(ctx, tasksPrompt, user, &out); err != nil {
		return nil, err
	}
	return cleanTasks(out.Tasks), nil
}

func (o *OpenAIPlanner) complete(ctx context.Context, system, user string, out any) error {
	resp, err := o.chat.New(ctx, openai.ChatCompletionNewParams{
		Messages: openai.F([]openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		}),
		Model: openai.F(o.model),
	})
	if err != nil {
		return fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return fmt.Errorf("chat completion failed: no choices returned")
	}

	content := stripFences(resp.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), out); err != nil {
		o.logger.Warn("Planner reply was not valid JSON",
			zap.String("model", string(o.model)),
			zap.Int("length", len(content)),
		)
		return fmt.Errorf("failed to decode planner reply: %w", err)
	}
	return nil
}

// stripFences removes a ```json ... ``` wrapper some models add.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
