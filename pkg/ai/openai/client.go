package openai

import (
	"context"
	"errors"

	"lyricsync/pkg/ai"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
)

const maxTokens = 512

var _ ai.AiInterface = (*openAi)(nil)

type openAi struct {
	model  string
	client *openai.Client
	log    zerolog.Logger
}

// NewOpenAi baseURL 为空时使用官方地址，也可以指向任何兼容 OpenAI 的服务
func NewOpenAi(apiKey, modelName, baseURL string) *openAi {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if modelName == "" {
		modelName = openai.GPT4oMini
	}
	return &openAi{
		model:  modelName,
		client: openai.NewClientWithConfig(cfg),
		log:    log.With().Str("component", "openai").Logger(),
	}
}

func (o *openAi) Name() string {
	return "openai"
}

func (o *openAi) HandleText(ctx context.Context, msg string) (string, error) {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleUser,
				Content: msg,
			},
		},
		MaxTokens: maxTokens,
	})
	if err != nil {
		o.log.Error().Err(err).Msg("could not get response from openai")
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
