// Package anthropic generates call suggestions with the Anthropic Messages API.
package anthropic

import (
	"context"
	"fmt"
	"strings"

	"callcore/internal/assist"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Options configure the generator.
type Options struct {
	Model       string
	Temperature float64
	MaxTokens   int64
	APIKey      string
	BaseURL     string
}

// Generator implements assist.Generator.
type Generator struct {
	client *anthropic.Client
	opts   Options
}

func New(optFns ...func(o *Options)) *Generator {
	opts := Options{
		Model:       string(anthropic.ModelClaude3_5HaikuLatest),
		Temperature: 0.4,
		MaxTokens:   160,
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
	clientOpts = append(clientOpts, option.WithMaxRetries(0))

	client := anthropic.NewClient(clientOpts...)
	return &Generator{client: &client, opts: opts}
}

func (g *Generator) Generate(ctx context.Context, turns []assist.Turn) (string, error) {
	resp, err := g.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(g.opts.Model),
		MaxTokens:   g.opts.MaxTokens,
		Temperature: anthropic.Float(g.opts.Temperature),
		System:      []anthropic.TextBlockParam{{Text: assist.SystemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(assist.Transcript(turns))),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic api error: %w", err)
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.AsText().Text)
		}
	}
	return strings.TrimSpace(b.String()), nil
}
