package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"

	"github.com/Rogers-F/bugloop/internal/domain"
)

const (
	defaultOpenAIModel  = "gpt-4o-mini"
	defaultSystemPrompt = "You are one member of an automated bug-resolution team. Answer in exactly the format requested."
)

// OpenAIConfig configures an OpenAIAgent.
type OpenAIConfig struct {
	APIKey string
	// BaseURL points at any OpenAI-compatible endpoint. Empty uses api.openai.com.
	BaseURL      string
	Model        string
	SystemPrompt string
	Temperature  float32
}

// OpenAIAgent answers prompts with a chat completion.
type OpenAIAgent struct {
	client       *openai.Client
	model        string
	systemPrompt string
	temperature  float32
}

// NewOpenAIAgent builds an agent from cfg.
func NewOpenAIAgent(cfg OpenAIConfig) (*OpenAIAgent, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, errors.New("openai agent: api key not set")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	system := cfg.SystemPrompt
	if system == "" {
		system = defaultSystemPrompt
	}
	return &OpenAIAgent{
		client:       openai.NewClientWithConfig(clientCfg),
		model:        model,
		systemPrompt: system,
		temperature:  cfg.Temperature,
	}, nil
}

// Model returns the configured model name.
func (a *OpenAIAgent) Model() string { return a.model }

// Ask implements Agent.
func (a *OpenAIAgent) Ask(ctx context.Context, prompt string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: a.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: a.systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: a.temperature,
	}

	resp, err := a.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", agentError(fmt.Sprintf("chat completion (%s)", a.model), err)
	}
	if len(resp.Choices) == 0 {
		return "", agentError(fmt.Sprintf("chat completion (%s) returned no choices", a.model), nil)
	}
	return resp.Choices[0].Message.Content, nil
}

func agentError(msg string, cause error) error {
	return domain.WrapEngineError(domain.ErrAgentCall.Code, msg, cause)
}
