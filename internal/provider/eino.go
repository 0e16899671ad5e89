package provider

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/flow/agent/react"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"chatrelay/internal/config"
)

const claudeMaxTokens = 3000

// einoProvider drives an eino chat model, optionally through a ReAct agent that can
// call the web_search tool.
type einoProvider struct {
	chatModel model.ToolCallingChatModel
	agent     *react.Agent
	model     string
}

func newEinoProvider(ctx context.Context, cfg config.ProviderConfig, logger *zap.Logger) (*einoProvider, error) {
	var (
		chatModel model.ToolCallingChatModel
		err       error
	)
	switch cfg.Kind {
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			APIKey:  cfg.APIKey,
		})
	case "gemini":
		var client *genai.Client
		client, err = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  cfg.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  cfg.Model,
		})
	case "claude":
		var baseURLPtr *string
		if cfg.BaseURL != "" {
			baseURLPtr = &cfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			BaseURL:   baseURLPtr,
			MaxTokens: claudeMaxTokens,
		})
	default:
		return nil, fmt.Errorf("invalid provider kind: %s", cfg.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", cfg.Kind, err)
	}

	p := &einoProvider{chatModel: chatModel, model: cfg.Model}
	if cfg.WebSearch {
		var tools []tool.BaseTool
		if ws := newWebSearchTool(ctx, logger); ws != nil {
			tools = append(tools, ws)
		}
		if len(tools) > 0 {
			p.agent, err = react.NewAgent(ctx, &react.AgentConfig{
				ToolCallingModel: chatModel,
				ToolsConfig: compose.ToolsNodeConfig{
					Tools: tools,
				},
			})
			if err != nil {
				return nil, fmt.Errorf("init react agent: %w", err)
			}
		}
	}
	return p, nil
}

func (p *einoProvider) options(req CompletionRequest) []model.Option {
	opts := []model.Option{
		model.WithTemperature(req.temperature()),
		model.WithTopP(req.topP()),
	}
	if req.Model != "" {
		opts = append(opts, model.WithModel(req.Model))
	}
	if req.MaxTokens > 0 {
		opts = append(opts, model.WithMaxTokens(req.MaxTokens))
	}
	return opts
}

// Stream forwards each chunk's content. The agent path uses the model bound at construction.
func (p *einoProvider) Stream(ctx context.Context, req CompletionRequest, onFragment func(string) error) error {
	input := toSchema(req.Messages)

	var (
		reader *schema.StreamReader[*schema.Message]
		err    error
	)
	if p.agent != nil {
		reader, err = p.agent.Stream(ctx, input)
	} else {
		reader, err = p.chatModel.Stream(ctx, input, p.options(req)...)
	}
	if err != nil {
		return fmt.Errorf("start stream: %w", err)
	}
	defer reader.Close()

	for {
		chunk, err := reader.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("receive stream: %w", err)
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}
		if err := onFragment(chunk.Content); err != nil {
			return err
		}
	}
}

func (p *einoProvider) Generate(ctx context.Context, req CompletionRequest) (string, error) {
	input := toSchema(req.Messages)
	var (
		resp *schema.Message
		err  error
	)
	if p.agent != nil {
		resp, err = p.agent.Generate(ctx, input)
	} else {
		resp, err = p.chatModel.Generate(ctx, input, p.options(req)...)
	}
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	return resp.Content, nil
}
