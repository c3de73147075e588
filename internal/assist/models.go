package assist

import (
	"context"
	"time"
)

// Turn is one transcribed utterance. Text is kept whole; trimming drops turns, never text.
type Turn struct {
	Speaker string    `json:"speaker"`
	Text    string    `json:"text"`
	At      time.Time `json:"at"`
}

type Suggestion struct {
	CallID      string    `json:"call_id"`
	Text        string    `json:"text"`
	GeneratedAt time.Time `json:"generated_at"`
	// TurnCount is how many turns the suggestion was generated from.
	TurnCount int `json:"turn_count"`
}

// Generator is the inference backend. Implementations must honour ctx deadlines.
type Generator interface {
	Generate(ctx context.Context, turns []Turn) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, turns []Turn) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, turns []Turn) (string, error) {
	return f(ctx, turns)
}
