// Package tone classifies the emotional tone of a user message as positive,
// neutral, or negative with an intensity in 1..10.
package tone

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/amberlight-labs/haven/internal/provider"
)

const analysisTimeout = 10 * time.Second

// Result holds a tone classification.
type Result struct {
	Tone      string   `json:"tone"`
	Intensity int      `json:"intensity"`
	Keywords  []string `json:"keywords"`
}

// Neutral is the fallback result used whenever analysis cannot produce a
// trustworthy classification.
func Neutral() Result {
	return Result{Tone: "neutral", Intensity: 5}
}

// Analyzer classifies free text.
type Analyzer interface {
	Analyze(ctx context.Context, text string) Result
}

// Chatter is the chat-completions call the model analyzer needs.
// Implemented by provider.Client.
type Chatter interface {
	Chat(ctx context.Context, messages []provider.Message) (string, error)
}

const systemPrompt = `You are a sentiment tagger. Classify the emotional tone of the user's message.
Respond with ONLY a JSON object, no prose: {"tone": "positive"|"neutral"|"negative", "intensity": 1-10, "keywords": ["..."]}.
Intensity reflects how strongly the tone is expressed.`

// ModelAnalyzer asks a hosted model for the classification and falls back to
// the keyword heuristic when the call fails or returns malformed JSON.
// Analysis failure must never block a check-in cycle.
type ModelAnalyzer struct {
	client   Chatter
	fallback Analyzer
	logger   *slog.Logger
}

// NewModelAnalyzer creates a model-backed analyzer with the keyword heuristic
// as its fallback.
func NewModelAnalyzer(client Chatter) *ModelAnalyzer {
	return &ModelAnalyzer{
		client:   client,
		fallback: KeywordAnalyzer{},
		logger:   slog.Default(),
	}
}

// Analyze classifies the text. Any model failure degrades to the heuristic.
func (a *ModelAnalyzer) Analyze(ctx context.Context, text string) Result {
	if strings.TrimSpace(text) == "" {
		return Neutral()
	}

	ctx, cancel := context.WithTimeout(ctx, analysisTimeout)
	defer cancel()

	raw, err := a.client.Chat(ctx, []provider.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: text},
	})
	if err != nil {
		a.logger.Warn("tone analysis call failed, using heuristic", "error", err)
		return a.fallback.Analyze(ctx, text)
	}

	result, ok := parseResult(raw)
	if !ok {
		a.logger.Warn("malformed tone analysis response, using heuristic", "response", raw)
		return a.fallback.Analyze(ctx, text)
	}
	return result
}

// parseResult decodes and sanitizes the model's JSON. Models occasionally wrap
// JSON in a code fence; strip it before decoding.
func parseResult(raw string) (Result, bool) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var r Result
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return Result{}, false
	}

	switch r.Tone {
	case "positive", "neutral", "negative":
	default:
		return Result{}, false
	}
	if r.Intensity < 1 || r.Intensity > 10 {
		r.Intensity = 5
	}
	return r, true
}
