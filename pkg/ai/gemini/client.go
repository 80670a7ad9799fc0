package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"lyricsync/pkg/ai"

	"github.com/google/generative-ai-go/genai"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"
)

const defaultModel = "gemini-2.5-flash"

var _ ai.AiInterface = (*gemini)(nil)

type gemini struct {
	client *genai.Client
	model  *genai.GenerativeModel
	log    zerolog.Logger
}

func NewGemini(ctx context.Context, apiKey, modelName string) (*gemini, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	if modelName == "" || modelName == "gemini" {
		modelName = defaultModel
	}
	return &gemini{
		client: client,
		model:  client.GenerativeModel(modelName),
		log:    log.With().Str("component", "gemini").Logger(),
	}, nil
}

func (g *gemini) Name() string {
	return "gemini"
}

func (g *gemini) HandleText(ctx context.Context, msg string) (string, error) {
	resp, err := g.model.GenerateContent(ctx, genai.Text(msg))
	if err != nil {
		g.log.Error().Err(err).Msg("could not get response from gemini")
		return "", err
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", errors.New("gemini returned no candidates")
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}
	return sb.String(), nil
}

func (g *gemini) Close() error {
	return g.client.Close()
}
