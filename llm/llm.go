// Package llm declares the external completion primitive both the mutator
// and higher-level adapters build on (spec.md §1 "Out of scope": the LLM
// HTTP clients themselves are assumed to expose an async complete(model,
// messages, params) -> text+usage operation). Nothing in this package
// calls out to a network; callers inject a CompletionFunc.
package llm

import "context"

// Message is one chat turn sent to a model.
type Message struct {
	Role    string
	Content string
}

// Params are optional per-call generation parameters. Temperature is a
// pointer so "unset" (use model default) is distinguishable from 0.0.
type Params struct {
	Temperature    *float64
	MaxTokens      *int
	ReasoningEffort string
}

// Usage reports token accounting for a completion call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// TotalTokens is the sum of prompt and completion tokens.
func (u Usage) TotalTokens() int { return u.PromptTokens + u.CompletionTokens }

// Completion is the result of a CompletionFunc call.
type Completion struct {
	Text  string
	Usage Usage
}

// CompletionFunc is the external collaborator: an async call to a task or
// reflection model. Implementations are expected to classify
// temperature-unsupported provider errors such that
// internal/xerrors.IsTemperatureUnsupported can recognize them (spec.md
// §4.5, §7).
type CompletionFunc func(ctx context.Context, model string, messages []Message, params Params) (Completion, error)
