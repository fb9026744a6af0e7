// Package recommend maps an emotional tone and intensity to an ordered list
// of coping techniques. Pure lookup, no I/O: the same inputs always yield the
// same list.
package recommend

// Intensity at or above this threshold on a negative tone adds the
// professional-support suggestion.
const supportThreshold = 7

// ProfessionalSupport is appended last for high-intensity negative tones.
const ProfessionalSupport = "Consider reaching out to a mental health professional for additional support"

var byTone = map[string][]string{
	"positive": {
		"Keep a note of what made today good so you can come back to it",
		"Share the good moment with someone you care about",
		"Take a short walk to carry the momentum into the rest of your day",
	},
	"neutral": {
		"Try a two-minute breathing exercise to check in with yourself",
		"Write down one small thing you're looking forward to",
		"Step outside for a few minutes of fresh air",
	},
	"negative": {
		"Try a grounding exercise: name five things you can see around you",
		"Write down what's weighing on you, then set the note aside",
		"Reach out to a friend or family member, even just to say hello",
		"Be gentle with yourself today; rest counts as progress",
	},
}

// Select returns the ranked techniques for the tone. Unknown tones fall back
// to the neutral list; intensity outside 1..10 is treated as 5. For a
// negative tone with intensity >= 7 the professional-support suggestion is
// appended as the final element.
func Select(tone string, intensity int) []string {
	if intensity < 1 || intensity > 10 {
		intensity = 5
	}

	base, ok := byTone[tone]
	if !ok {
		base = byTone["neutral"]
	}

	out := make([]string, len(base))
	copy(out, base)

	if tone == "negative" && intensity >= supportThreshold {
		out = append(out, ProfessionalSupport)
	}
	return out
}
