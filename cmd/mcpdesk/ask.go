package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/nugget/mcpdesk/internal/chat"
	"github.com/nugget/mcpdesk/internal/llm"
)

// runAsk sends a single prompt through the chat loop with every server
// in the servers file connected, and prints the model's final answer.
// Nothing is persisted. Logs go to stderr so stdout carries only the
// answer.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, args []string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	level := configuredLevel(cfg)
	if cfg.LogLevel == "" {
		level = slog.LevelWarn
	}
	logger := newLogger(stderr, level, cfg.LogFormat)

	a, err := newApp(cfg, logger, false)
	if err != nil {
		return err
	}
	defer a.close()

	a.start(ctx)

	prompt := strings.Join(args, " ")
	id, err := a.loop.Send(ctx, "", chat.UserContent(prompt, ""), "")
	if err != nil {
		return err
	}

	sess, err := a.loop.Get(ctx, id)
	if err != nil {
		return err
	}
	answer, ok := finalAnswer(sess.Messages)
	if !ok {
		return fmt.Errorf("model returned no answer")
	}
	fmt.Fprintln(stdout, answer)
	return nil
}

// finalAnswer returns the text of the last assistant message.
func finalAnswer(msgs []llm.Message) (string, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != llm.RoleAssistant {
			continue
		}
		text := strings.TrimSpace(msgs[i].Content.String())
		if text == "" {
			continue
		}
		return text, true
	}
	return "", false
}
