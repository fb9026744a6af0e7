package tone

import (
	"context"
	"strings"
)

// KeywordAnalyzer is a deterministic lexicon-based classifier. It serves as
// the fallback when the model call fails, and as the configured analyzer when
// no provider API key is set.
type KeywordAnalyzer struct{}

var positiveWords = map[string]bool{
	"good": true, "great": true, "happy": true, "glad": true, "calm": true,
	"excited": true, "wonderful": true, "proud": true, "grateful": true,
	"relaxed": true, "rested": true, "energized": true, "hopeful": true,
	"better": true, "amazing": true, "love": true, "loved": true,
}

var negativeWords = map[string]bool{
	"bad": true, "sad": true, "tired": true, "anxious": true, "stressed": true,
	"angry": true, "worried": true, "lonely": true, "overwhelmed": true,
	"exhausted": true, "depressed": true, "hopeless": true, "scared": true,
	"terrible": true, "awful": true, "worse": true, "hate": true, "hurt": true,
	"crying": true, "cry": true,
}

// intensifiers bump the reported intensity when present.
var intensifiers = map[string]bool{
	"very": true, "really": true, "so": true, "extremely": true,
	"completely": true, "totally": true, "incredibly": true,
}

// Analyze scores the text by lexicon matches. The dominant polarity wins;
// a tie or no match is neutral. Intensity grows with match count and
// intensifier presence, clamped to 1..10.
func (KeywordAnalyzer) Analyze(_ context.Context, text string) Result {
	var pos, neg, boost int
	var posHits, negHits []string

	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,!?;:'\"()")
		switch {
		case positiveWords[word]:
			pos++
			posHits = append(posHits, word)
		case negativeWords[word]:
			neg++
			negHits = append(negHits, word)
		case intensifiers[word]:
			boost++
		}
	}

	switch {
	case pos > neg:
		return Result{Tone: "positive", Intensity: clampIntensity(4 + pos + boost), Keywords: posHits}
	case neg > pos:
		return Result{Tone: "negative", Intensity: clampIntensity(4 + neg + boost), Keywords: negHits}
	default:
		return Neutral()
	}
}

func clampIntensity(n int) int {
	if n < 1 {
		return 1
	}
	if n > 10 {
		return 10
	}
	return n
}
