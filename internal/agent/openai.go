package agent

import (
	"context"
	"errors"
	"strings"

	"github.com/loqalabs/loqa-voicegw/internal/config"
	openai "github.com/sashabaranov/go-openai"
)

const defaultOpenAIModel = openai.GPT4oMini

type openAIAgent struct {
	client      *openai.Client
	model       string
	temperature float32
}

// NewOpenAI talks to an OpenAI compatible chat completions endpoint.
func NewOpenAI(cfg config.AgentConfig) (Agent, error) {
	if cfg.OpenAIKey == "" {
		return nil, errors.New("openai agent requires an API key")
	}
	clientCfg := openai.DefaultConfig(cfg.OpenAIKey)
	if cfg.OpenAIURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.OpenAIURL, "/")
	}
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	return &openAIAgent{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       model,
		temperature: float32(cfg.Temperature),
	}, nil
}

func (a *openAIAgent) Reply(ctx context.Context, text, system string) (string, error) {
	var messages []openai.ChatCompletionMessage
	if system != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: text})

	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       a.model,
		Messages:    messages,
		Temperature: a.temperature,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
