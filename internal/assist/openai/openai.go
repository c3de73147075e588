// Package openai generates call suggestions with the OpenAI Chat Completions API.
package openai

import (
	"context"
	"fmt"
	"strings"

	"callcore/internal/assist"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Options configure the generator.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
	APIKey              string
	BaseURL             string
}

// Generator implements assist.Generator.
type Generator struct {
	client *openai.Client
	opts   Options
}

func New(optFns ...func(o *Options)) *Generator {
	opts := Options{
		Model:               string(openai.ChatModelGPT4oMini),
		Temperature:         0.4,
		MaxCompletionTokens: 160,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	// The assist manager owns the deadline; SDK retries would overrun it.
	clientOpts = append(clientOpts, option.WithMaxRetries(0))

	client := openai.NewClient(clientOpts...)
	return &Generator{client: &client, opts: opts}
}

func (g *Generator) Generate(ctx context.Context, turns []assist.Turn) (string, error) {
	resp, err := g.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(g.opts.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(assist.SystemPrompt),
			openai.UserMessage(assist.Transcript(turns)),
		},
		Temperature:         openai.Float(g.opts.Temperature),
		MaxCompletionTokens: openai.Int(g.opts.MaxCompletionTokens),
	})
	if err != nil {
		return "", fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai: no choices returned")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
