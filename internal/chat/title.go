package chat

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"chatrelay/internal/models"
	"chatrelay/internal/provider"
	"chatrelay/internal/worker"
)

const (
	titleTemperature float32 = 0.3
	maxTitleLength           = 50
)

const titleSystemPrompt = "You generate titles for conversations. " +
	"From the messages provided, write a short (5 words maximum), precise title that summarizes the main topic. " +
	"Answer with the title only, without punctuation or quotes."

// Titler names chats from their first exchange.
type Titler struct {
	chats  *Service
	logger *zap.Logger
}

func NewTitler(chats *Service, logger *zap.Logger) *Titler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Titler{chats: chats, logger: logger}
}

// Generate asks p for a title. Any failure yields models.DefaultChatTitle.
func (t *Titler) Generate(ctx context.Context, p provider.Provider, model string, history []*models.Message) string {
	var conversation strings.Builder
	for _, msg := range history {
		if msg == nil || msg.Role == models.RoleSystem {
			continue
		}
		fmt.Fprintf(&conversation, "%s: %s\n", msg.Role, msg.Content)
	}
	if conversation.Len() == 0 {
		return models.DefaultChatTitle
	}

	temperature := titleTemperature
	title, err := p.Generate(ctx, provider.CompletionRequest{
		Model: model,
		Messages: []provider.Message{
			{Role: models.RoleSystem, Content: titleSystemPrompt},
			{Role: models.RoleUser, Content: "Here is the start of a conversation, generate a relevant title:\n\n" + conversation.String()},
		},
		Temperature: &temperature,
	})
	if err != nil {
		t.logger.Warn("generate title failed", zap.Error(err))
		return models.DefaultChatTitle
	}
	return cleanTitle(title)
}

func cleanTitle(raw string) string {
	title := strings.Trim(strings.TrimSpace(raw), "\"'`")
	title = strings.TrimSpace(title)
	if title == "" {
		return models.DefaultChatTitle
	}
	if runes := []rune(title); len(runes) > maxTitleLength {
		title = string(runes[:maxTitleLength-3]) + "..."
	}
	return title
}

// Task returns a worker task that titles chat from history and stores the result.
func (t *Titler) Task(chat models.Chat, p provider.Provider, history []*models.Message) worker.Task {
	return worker.TaskFunc(func(ctx context.Context) {
		title := t.Generate(ctx, p, chat.Model, history)
		if err := t.chats.UpdateTitle(ctx, chat.ID, title); err != nil {
			t.logger.Warn("store title failed", zap.String("chat_id", chat.ID), zap.Error(err))
			return
		}
		t.logger.Debug("chat titled", zap.String("chat_id", chat.ID), zap.String("title", title))
	})
}
