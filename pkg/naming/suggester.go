// Package naming provides best-effort group name suggestions from an external
// text-generation collaborator. Suggestion failures never affect correctness;
// callers store an empty suggestion and move on.
package naming

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/openmdm/mdm-engine/pkg/config"
)

// Suggester proposes a human-friendly label for a group of entities.
type Suggester interface {
	// Suggest returns a short label for the described group. Implementations
	// should return an error rather than a low-quality guess; the caller
	// treats any error as "no suggestion".
	Suggest(ctx context.Context, description string) (string, error)
}

// NewSuggester builds the configured suggester. With no provider configured
// it returns a disabled suggester that always reports no suggestion.
func NewSuggester(cfg *config.NamingConfig, logger *zap.Logger) (Suggester, error) {
	switch cfg.Provider {
	case "":
		return &disabledSuggester{}, nil
	case "openai":
		return newOpenAISuggester(cfg, logger)
	case "anthropic":
		return newAnthropicSuggester(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown naming provider %q", cfg.Provider)
	}
}

// disabledSuggester is used when no provider is configured.
type disabledSuggester struct{}

func (d *disabledSuggester) Suggest(ctx context.Context, description string) (string, error) {
	return "", nil
}
