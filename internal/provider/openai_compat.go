package provider

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sashabaranov/go-openai"

	"chatrelay/internal/config"
	"chatrelay/internal/models"
)

// chatCompletionClient is the subset of *openai.Client used here.
type chatCompletionClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error)
}

// compatProvider talks to OpenAI-compatible endpoints such as a local ollama server.
type compatProvider struct {
	client chatCompletionClient
	model  string
}

func newCompatProvider(cfg config.ProviderConfig) *compatProvider {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &compatProvider{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
	}
}

func (p *compatProvider) request(req CompletionRequest, stream bool) openai.ChatCompletionRequest {
	modelName := req.Model
	if modelName == "" {
		modelName = p.model
	}
	normalized := normalize(req.Messages)
	messages := make([]openai.ChatCompletionMessage, 0, len(normalized))
	for _, m := range normalized {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case models.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		case models.RoleSystem:
			role = openai.ChatMessageRoleSystem
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return openai.ChatCompletionRequest{
		Model:       modelName,
		Messages:    messages,
		Temperature: req.temperature(),
		TopP:        req.topP(),
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
}

func (p *compatProvider) Stream(ctx context.Context, req CompletionRequest, onFragment func(string) error) error {
	stream, err := p.client.CreateChatCompletionStream(ctx, p.request(req, true))
	if err != nil {
		return fmt.Errorf("start stream: %w", err)
	}
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("receive stream: %w", err)
		}
		for _, choice := range resp.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			if err := onFragment(choice.Delta.Content); err != nil {
				return err
			}
		}
	}
}

func (p *compatProvider) Generate(ctx context.Context, req CompletionRequest) (string, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.request(req, false))
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("generate: empty response")
	}
	return resp.Choices[0].Message.Content, nil
}
