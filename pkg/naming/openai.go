package naming

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/openmdm/mdm-engine/pkg/config"
)

// openAISuggester calls an OpenAI-compatible chat completion endpoint.
type openAISuggester struct {
	client *openai.Client
	model  string
	logger *zap.Logger
}

func newOpenAISuggester(cfg *config.NamingConfig, logger *zap.Logger) (*openAISuggester, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("naming model is required")
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}

	return &openAISuggester{
		client: openai.NewClientWithConfig(clientConfig),
		model:  cfg.Model,
		logger: logger.Named("naming-openai"),
	}, nil
}

func (s *openAISuggester) Suggest(ctx context.Context, description string) (string, error) {
	start := time.Now()

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: description},
		},
		Temperature: 0.2,
		MaxTokens:   40,
	})
	if err != nil {
		s.logger.Warn("suggestion request failed",
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return "", fmt.Errorf("chat completion: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty completion response")
	}

	label := cleanLabel(resp.Choices[0].Message.Content)
	s.logger.Debug("suggestion generated",
		zap.String("label", label),
		zap.Duration("elapsed", time.Since(start)))
	return label, nil
}
