package provider

import (
	"context"
	"errors"
	"strings"

	"github.com/cloudwego/eino/schema"

	"chatrelay/internal/models"
)

const (
	DefaultTemperature float32 = 0.7
	DefaultTopP        float32 = 1.0
)

// ErrUnknownProvider is returned when a chat references a provider that is not configured.
var ErrUnknownProvider = errors.New("unknown provider")

// Message is one role-tagged prompt message.
type Message struct {
	Role    models.Role `json:"role"`
	Content string      `json:"content"`
}

// CompletionRequest describes one completion call.
type CompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float32  `json:"temperature,omitempty"`
	TopP        *float32  `json:"top_p,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// Provider produces completions from a remote model.
type Provider interface {
	// Stream calls onFragment for every incremental piece of text. Returning an error
	// from onFragment aborts the stream with that error.
	Stream(ctx context.Context, req CompletionRequest, onFragment func(string) error) error
	Generate(ctx context.Context, req CompletionRequest) (string, error)
}

func (r CompletionRequest) temperature() float32 {
	if r.Temperature == nil {
		return DefaultTemperature
	}
	return *r.Temperature
}

func (r CompletionRequest) topP() float32 {
	if r.TopP == nil {
		return DefaultTopP
	}
	return *r.TopP
}

// FromHistory turns stored chat messages into prompt messages.
func FromHistory(history []*models.Message) []Message {
	out := make([]Message, 0, len(history))
	for _, m := range history {
		if m == nil {
			continue
		}
		out = append(out, Message{Role: m.Role, Content: m.Content})
	}
	return out
}

// normalize drops empty and unknown-role messages; an empty prompt becomes a greeting
// so providers never receive an empty conversation.
func normalize(messages []Message) []Message {
	out := make([]Message, 0, len(messages))
	for _, m := range messages {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		switch m.Role {
		case models.RoleUser, models.RoleAssistant, models.RoleSystem:
			out = append(out, m)
		}
	}
	if len(out) == 0 {
		out = append(out, Message{Role: models.RoleUser, Content: "Hello"})
	}
	return out
}

func toSchema(messages []Message) []*schema.Message {
	normalized := normalize(messages)
	out := make([]*schema.Message, 0, len(normalized))
	for _, m := range normalized {
		var role schema.RoleType
		switch m.Role {
		case models.RoleAssistant:
			role = schema.Assistant
		case models.RoleSystem:
			role = schema.System
		default:
			role = schema.User
		}
		out = append(out, &schema.Message{Role: role, Content: m.Content})
	}
	return out
}
