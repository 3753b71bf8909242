package naming

import (
	"context"
	"fmt"
	"time"

	anthropic "github.com/liushuangls/go-anthropic/v2"
	"go.uber.org/zap"

	"github.com/openmdm/mdm-engine/pkg/config"
)

// anthropicSuggester calls the Anthropic messages API.
type anthropicSuggester struct {
	client *anthropic.Client
	model  string
	logger *zap.Logger
}

func newAnthropicSuggester(cfg *config.NamingConfig, logger *zap.Logger) (*anthropicSuggester, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("naming model is required")
	}

	var opts []anthropic.ClientOption
	if cfg.BaseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
	}

	return &anthropicSuggester{
		client: anthropic.NewClient(cfg.APIKey, opts...),
		model:  cfg.Model,
		logger: logger.Named("naming-anthropic"),
	}, nil
}

func (s *anthropicSuggester) Suggest(ctx context.Context, description string) (string, error) {
	start := time.Now()

	resp, err := s.client.CreateMessages(ctx, anthropic.MessagesRequest{
		Model:     anthropic.Model(s.model),
		System:    systemPrompt,
		MaxTokens: 40,
		Messages: []anthropic.Message{
			anthropic.NewUserTextMessage(description),
		},
	})
	if err != nil {
		s.logger.Warn("suggestion request failed",
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return "", fmt.Errorf("create messages: %w", err)
	}

	if len(resp.Content) == 0 {
		return "", fmt.Errorf("empty messages response")
	}

	label := cleanLabel(resp.Content[0].GetText())
	s.logger.Debug("suggestion generated",
		zap.String("label", label),
		zap.Duration("elapsed", time.Since(start)))
	return label, nil
}
