// Package catalog holds the static table of upstream models with display
// and pricing metadata, and the local token/cost estimator built on it.
package catalog

import (
	"unicode/utf8"
)

// charsPerToken is the character-to-token heuristic used for local
// estimates. It is deliberately crude; the figures it produces are for the
// UI cost readout, not billing.
const charsPerToken = 4

// Model describes one model exposed through the upstream gateway. Prices
// are USD per 1K tokens.
type Model struct {
	ID          string
	Name        string
	Provider    string
	InputPrice  float64
	OutputPrice float64
}

// Usage is a pair of estimated token counts for one exchange.
type Usage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// Catalog is an immutable model lookup table. It is loaded once at startup
// and shared by the relay and any clients that finalize cost figures.
type Catalog struct {
	models []Model
	byID   map[string]Model
}

// New builds a catalog from the given models. The slice is copied; later
// mutation of the argument does not affect the catalog.
func New(models []Model) *Catalog {
	c := &Catalog{
		models: make([]Model, len(models)),
		byID:   make(map[string]Model, len(models)),
	}
	copy(c.models, models)
	for _, m := range c.models {
		c.byID[m.ID] = m
	}
	return c
}

// Models returns a copy of the full model table.
func (c *Catalog) Models() []Model {
	out := make([]Model, len(c.models))
	copy(out, c.models)
	return out
}

// Lookup returns the model with the given ID.
func (c *Catalog) Lookup(id string) (Model, bool) {
	m, ok := c.byID[id]
	return m, ok
}

// EstimateTokens approximates the token count of text as
// ceil(characters / 4). Empty text is zero tokens.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + charsPerToken - 1) / charsPerToken
}

// Cost prices an exchange against the model's per-1K token rates. Unknown
// models cost zero so that a missing catalog entry never fails a chat.
func (c *Catalog) Cost(inputTokens, outputTokens int, modelID string) float64 {
	m, ok := c.byID[modelID]
	if !ok {
		return 0
	}
	inputCost := float64(inputTokens) / 1000 * m.InputPrice
	outputCost := float64(outputTokens) / 1000 * m.OutputPrice
	return inputCost + outputCost
}

// EstimateExchange estimates usage and cost for a completed exchange.
// Input tokens are counted over every message content sent in the request,
// so prior turns are re-counted on each subsequent request. That matches
// the running estimate the chat UI has always shown and is kept on purpose;
// treat the result as an approximation, never as a billing figure.
func (c *Catalog) EstimateExchange(inputs []string, output, modelID string) (Usage, float64) {
	var usage Usage
	for _, in := range inputs {
		usage.Input += EstimateTokens(in)
	}
	usage.Output = EstimateTokens(output)
	return usage, c.Cost(usage.Input, usage.Output, modelID)
}

// Default returns the built-in model table used when the configuration does
// not override it.
func Default() *Catalog {
	return New([]Model{
		{ID: "gpt-3.5-turbo", Name: "GPT-3.5", Provider: "OpenAI", InputPrice: 0.0005, OutputPrice: 0.0015},
		{ID: "gpt-4", Name: "GPT-4", Provider: "OpenAI", InputPrice: 0.03, OutputPrice: 0.06},
		{ID: "gpt-4o", Name: "GPT-4o", Provider: "OpenAI", InputPrice: 0.0025, OutputPrice: 0.01},
		{ID: "gpt-4o-mini", Name: "GPT-4o Mini", Provider: "OpenAI", InputPrice: 0.00015, OutputPrice: 0.0006},
		{ID: "anthropic/claude-3-haiku-20240307", Name: "Haiku", Provider: "Anthropic", InputPrice: 0.00025, OutputPrice: 0.00125},
		{ID: "anthropic/claude-sonnet-4.5", Name: "Sonnet 4.5", Provider: "Anthropic", InputPrice: 0.003, OutputPrice: 0.015},
		{ID: "anthropic/claude-opus-4.1", Name: "Opus 4.1", Provider: "Anthropic", InputPrice: 0.015, OutputPrice: 0.075},
		{ID: "google/gemini-1.5-flash", Name: "Gemini Flash", Provider: "Google", InputPrice: 0.000075, OutputPrice: 0.0003},
		{ID: "google/gemini-1.5-pro", Name: "Gemini Pro", Provider: "Google", InputPrice: 0.00125, OutputPrice: 0.005},
		{ID: "google/gemini-2.0-flash-exp", Name: "Gemini 2.0", Provider: "Google", InputPrice: 0, OutputPrice: 0},
		{ID: "meta/llama-3.3-70b-instruct", Name: "Llama 3.3", Provider: "Meta", InputPrice: 0.00018, OutputPrice: 0.00018},
		{ID: "mistral/mistral-large-latest", Name: "Mistral L", Provider: "Mistral", InputPrice: 0.002, OutputPrice: 0.006},
		{ID: "mistral/mistral-small-latest", Name: "Mistral S", Provider: "Mistral", InputPrice: 0.0002, OutputPrice: 0.0006},
		{ID: "xai/grok-2-1212", Name: "Grok 2", Provider: "xAI", InputPrice: 0.002, OutputPrice: 0.01},
		{ID: "deepseek/deepseek-chat", Name: "DeepSeek", Provider: "DeepSeek", InputPrice: 0.00014, OutputPrice: 0.00028},
		{ID: "perplexity/llama-3.1-sonar-small-128k-online", Name: "Sonar S", Provider: "Perplexity", InputPrice: 0.0002, OutputPrice: 0.0002},
		{ID: "perplexity/llama-3.1-sonar-large-128k-online", Name: "Sonar L", Provider: "Perplexity", InputPrice: 0.001, OutputPrice: 0.001},
	})
}
