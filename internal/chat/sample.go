package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/nugget/mcpdesk/internal/llm"
	"github.com/nugget/mcpdesk/internal/mcp"
)

// Sample answers a server's sampling request with the default provider.
// The run gets its own conversation and generation id, so it never
// touches a user's chat.
func (l *Loop) Sample(ctx context.Context, server string, params *mcp.CreateMessageParams) (*mcp.CreateMessageResult, error) {
	p, err := l.Provider("")
	if err != nil {
		return nil, err
	}

	msgs := make([]llm.Message, 0, len(params.Messages))
	for _, m := range params.Messages {
		part := convertItem(m.Content)
		content := llm.Parts(part)
		if part.Type == "text" {
			content = llm.Text(part.Text)
		}
		msgs = append(msgs, llm.Message{Role: m.Role, Content: content})
	}

	id := "sampling-" + uuid.NewString()
	target := llm.NewConversation(nil)
	log := l.logger.With("mcp_server", server, "session_id", id)
	log.Info("sampling request", "messages", len(msgs), "max_tokens", params.MaxTokens)

	outcome, err := l.engine.Run(ctx, llm.RunRequest{
		SessionID: id,
		Provider:  p,
		Messages:  msgs,
		Target:    target,
		Sampling: &llm.SamplingOverrides{
			SystemPrompt: params.SystemPrompt,
			Temperature:  params.Temperature,
			MaxTokens:    params.MaxTokens,
		},
	})
	switch outcome {
	case llm.OutcomeError:
		return nil, fmt.Errorf("sampling for %s: %w", server, err)
	case llm.OutcomeAborted:
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.New("sampling aborted")
	}

	last, ok := target.Last()
	if !ok {
		return nil, errors.New("sampling produced no message")
	}
	return &mcp.CreateMessageResult{
		Role:       llm.RoleAssistant,
		Content:    mcp.Content{Type: "text", Text: last.Content.String()},
		Model:      p.Model,
		StopReason: "endTurn",
	}, nil
}
