package classifier

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Completer is the one-shot completion call the GPT titler needs.
type Completer interface {
	Complete(ctx context.Context, model, prompt string, maxTokens int) (string, error)
}

type GPTTitler struct {
	client    Completer
	model     string
	maxTokens int
	fallback  *SimpleTitler
	logger    *zap.Logger
}

func NewGPTTitler(client Completer, model string, maxTokens int, logger *zap.Logger) *GPTTitler {
	return &GPTTitler{
		client:    client,
		model:     model,
		maxTokens: maxTokens,
		fallback:  NewSimpleTitler(6, 48),
		logger:    logger,
	}
}

func (c *GPTTitler) Title(ctx context.Context, content string) string {
	prompt := fmt.Sprintf(`Write a title of at most six words for a conversation that starts with the message below.
Reply with the title only, no quotes or punctuation at the end.

Message: %s`, content)

	resp, err := c.client.Complete(ctx, c.model, prompt, c.maxTokens)
	if err != nil {
		c.logger.Error("Failed to get GPT title", zap.Error(err))
		return c.fallback.Title(ctx, content)
	}

	title := strings.Trim(strings.TrimSpace(resp), `"'.`)
	if title == "" {
		c.logger.Warn("GPT returned an empty title", zap.String("response", resp))
		return c.fallback.Title(ctx, content)
	}
	return title
}
