// Package completion talks to an OpenAI-compatible API: streamed chat
// completions, audio transcription and image generation.
package completion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sashabaranov/go-openai"
	"github.com/xaenox/tierchat/internal/models"
	"github.com/xaenox/tierchat/internal/tier"
	"go.uber.org/zap"
)

const (
	ImageModel         = openai.CreateImageModelDallE3
	TranscriptionModel = openai.Whisper1
)

var ErrTranscription = errors.New("transcription failed")

type Config struct {
	APIKey  string
	BaseURL string
	// ThinkingModel replaces the tier model on tiers with extended
	// thinking. Empty keeps the tier model.
	ThinkingModel string
}

type Client struct {
	client        *openai.Client
	thinkingModel string
	validator     *openai.ReasoningValidator
	logger        *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return &Client{
		client:        openai.NewClientWithConfig(oc),
		thinkingModel: cfg.ThinkingModel,
		validator:     openai.NewReasoningValidator(),
		logger:        logger,
	}
}

// BuildTranscript returns the system prompt, the prior turns and the new
// user turn, in that order. Images on prior turns are not replayed.
func BuildTranscript(system string, history []models.Message, text string) []models.Message {
	out := make([]models.Message, 0, len(history)+2)
	if system != "" {
		out = append(out, models.Message{Role: models.RoleSystem, Content: system})
	}
	for _, m := range history {
		out = append(out, models.Message{Role: m.Role, Content: m.Content})
	}
	return append(out, models.Message{Role: models.RoleUser, Content: text})
}

// StreamCompletion starts a streamed completion for transcript using the
// model of tier t. images are attached to the final turn as inline
// base64 JPEG payloads.
func (c *Client) StreamCompletion(ctx context.Context, transcript []models.Message, t tier.Tier, images []string) (Stream, error) {
	if len(transcript) == 0 {
		return nil, errors.New("empty transcript")
	}
	limits := tier.LimitsFor(t)

	model := limits.Model
	if limits.Thinking && c.thinkingModel != "" {
		model = c.thinkingModel
	}

	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: toOpenAIMessages(transcript, images),
		Stream:   true,
	}
	if limits.Thinking {
		if ReasoningModel(model) {
			req.ReasoningEffort = "high"
			req.MaxCompletionTokens = tier.ThinkingBudget
		} else {
			c.logger.Warn("Model does not support extended thinking, sending without it",
				zap.String("model", model))
		}
	}
	if err := c.validator.Validate(req); err != nil {
		return nil, fmt.Errorf("invalid completion request: %w", err)
	}

	c.logger.Debug("Starting completion stream",
		zap.String("model", req.Model),
		zap.String("tier", string(t)),
		zap.Int("turns", len(transcript)),
		zap.Int("images", len(images)))

	stream, err := c.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to start completion stream: %w", err)
	}
	return &openAIStream{stream: stream}, nil
}

// ReasoningModel reports whether model accepts reasoning_effort and
// max_completion_tokens.
func ReasoningModel(model string) bool {
	for _, prefix := range []string{"o1", "o3", "o4", "gpt-5"} {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

func toOpenAIMessages(transcript []models.Message, images []string) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, len(transcript))
	for i, m := range transcript {
		msgs[i] = openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		}
	}

	last := len(msgs) - 1
	if len(images) == 0 || msgs[last].Role != openai.ChatMessageRoleUser {
		return msgs
	}

	parts := make([]openai.ChatMessagePart, 0, len(images)+1)
	parts = append(parts, openai.ChatMessagePart{
		Type: openai.ChatMessagePartTypeText,
		Text: msgs[last].Content,
	})
	for _, img := range images {
		parts = append(parts, openai.ChatMessagePart{
			Type:     openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{URL: "data:image/jpeg;base64," + img},
		})
	}
	msgs[last].Content = ""
	msgs[last].MultiContent = parts
	return msgs
}

// TranscribeAudio sends one audio payload and returns the recognised text.
func (c *Client) TranscribeAudio(ctx context.Context, filename string, audio io.Reader) (string, error) {
	resp, err := c.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    TranscriptionModel,
		FilePath: filename,
		Reader:   audio,
	})
	if err != nil {
		c.logger.Error("Failed to transcribe audio", zap.Error(err), zap.String("file", filename))
		return "", fmt.Errorf("%w: %v", ErrTranscription, err)
	}
	return resp.Text, nil
}

// GenerateImage returns the URL of the first generated image, or "" when
// the provider returned none.
func (c *Client) GenerateImage(ctx context.Context, prompt string) (string, error) {
	resp, err := c.client.CreateImage(ctx, openai.ImageRequest{
		Model:          ImageModel,
		Prompt:         prompt,
		N:              1,
		Size:           openai.CreateImageSize1024x1024,
		ResponseFormat: openai.CreateImageResponseFormatURL,
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate image: %w", err)
	}
	if len(resp.Data) == 0 {
		c.logger.Warn("Image generation returned no results")
		return "", nil
	}
	return resp.Data[0].URL, nil
}

// Complete runs a one-shot, non-streamed completion.
func (c *Client) Complete(ctx context.Context, model, prompt string, maxTokens int) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
		MaxTokens: maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("failed to get completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("completion returned no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
