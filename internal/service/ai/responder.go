package ai

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/flow/agent/react"
	"github.com/cloudwego/eino/schema"

	"curricullm/internal/models"
)

const systemPrompt = "You are Curricullm, an assistant that helps recruiters explore the CVs they uploaded. " +
	"Use the cv_search tool to look up candidates before answering questions about them. " +
	"Only state facts found in the CV excerpts, name the candidate they come from, " +
	"and say so plainly when nothing relevant was found. Keep answers short."

const maxAgentSteps = 8

// Responder answers chat messages with a ReAct agent that can search the
// user's CVs.
type Responder struct {
	agent  *react.Agent
	logger *slog.Logger
}

func NewResponder(ctx context.Context, chatModel model.ToolCallingChatModel, searcher ChunkSearcher, logger *slog.Logger) (*Responder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	tools := []tool.BaseTool{
		newCVSearchTool(searcher, newToolRateLimiter(SearchRateLimit, SearchRateWindow)),
	}
	agent, err := react.NewAgent(ctx, &react.AgentConfig{
		ToolCallingModel: chatModel,
		ToolsConfig: compose.ToolsNodeConfig{
			Tools: tools,
		},
		MaxStep: maxAgentSteps,
	})
	if err != nil {
		return nil, fmt.Errorf("init react agent: %w", err)
	}
	return &Responder{agent: agent, logger: logger}, nil
}

// Reply runs the agent over the conversation. The last history entry is the
// message being answered.
func (r *Responder) Reply(ctx context.Context, userID int64, history []models.ChatMessage) (string, error) {
	ctx = WithToolUser(ctx, userID)
	resp, err := r.agent.Generate(ctx, convertMessages(history))
	if err != nil {
		return "", fmt.Errorf("generate reply: %w", err)
	}
	r.logger.Debug("agent replied", "user_id", userID, "chars", len(resp.Content))
	return resp.Content, nil
}

func convertMessages(history []models.ChatMessage) []*schema.Message {
	messages := make([]*schema.Message, 0, len(history)+1)
	messages = append(messages, schema.SystemMessage(systemPrompt))
	for _, msg := range history {
		switch msg.Sender {
		case models.SenderBot:
			messages = append(messages, schema.AssistantMessage(msg.Text, nil))
		default:
			messages = append(messages, schema.UserMessage(msg.Text))
		}
	}
	return messages
}
