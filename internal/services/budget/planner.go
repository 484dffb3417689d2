// Package budget projects EUR cost for upstream calls before they are
// dispatched. The planner derives the largest affordable completion for
// a request cap and shrinks oversized prompts, the tracker enforces a
// cumulative cap per document tag.
package budget

import (
	"regexp"
	"strings"
)

// DefaultHardCapOutput bounds completions even when the budget would
// allow more. Matching explanations and RAG answers never need beyond
// this.
const DefaultHardCapOutput = 800

// ShrinkSentinel marks elided context in shrunk prompts.
const ShrinkSentinel = "\n\n[...contexto reduzido...]\n\n"

var (
	trailingSpaceRe = regexp.MustCompile(`\s+\n`)
	runsRe          = regexp.MustCompile(`[ \t]{2,}`)
)

// TokenCounter is satisfied by token.Counter.
type TokenCounter interface {
	Count(text, model string) int
}

// Planner sizes completions against a per-request EUR cap.
type Planner struct {
	counter TokenCounter
	hardCap int
}

func NewPlanner(counter TokenCounter, hardCapOutput int) *Planner {
	if hardCapOutput <= 0 {
		hardCapOutput = DefaultHardCapOutput
	}
	return &Planner{counter: counter, hardCap: hardCapOutput}
}

// PlanOutput returns the largest completion size that keeps the total
// call under budgetEUR, and whether the call fits at all. Prices are
// EUR per million tokens.
func (p *Planner) PlanOutput(inputTokens int, priceIn, priceOut, budgetEUR float64) (int, bool) {
	costIn := float64(inputTokens) / 1e6 * priceIn
	if costIn >= budgetEUR {
		return 0, false
	}

	maxOut := p.hardCap
	if priceOut > 0 {
		affordable := int((budgetEUR - costIn) / priceOut * 1e6)
		if affordable < maxOut {
			maxOut = affordable
		}
	}
	return maxOut, maxOut > 0
}

// EstimateCost projects the EUR cost of a call given both token counts.
func EstimateCost(inputTokens, outputTokens int, priceIn, priceOut float64) float64 {
	return float64(inputTokens)/1e6*priceIn + float64(outputTokens)/1e6*priceOut
}

// Shrink reduces text to at most targetTokens for the given model,
// keeping 70% of the target from the head and 30% from the tail with a
// sentinel marking the elision. Whitespace is normalized first. Text
// already within the target is returned after normalization only.
func (p *Planner) Shrink(text string, targetTokens int, model string) string {
	cleaned := normalizeWhitespace(text)
	if targetTokens <= 0 {
		return cleaned
	}

	tokensNow := p.counter.Count(cleaned, model)
	if tokensNow <= targetTokens {
		return cleaned
	}

	// chars-per-token ratio drifts on mixed content, so verify the
	// result and tighten until it actually fits.
	keep := targetTokens
	for keep > 0 {
		candidate := headTailCut(cleaned, keep, tokensNow)
		if p.counter.Count(candidate, model) <= targetTokens {
			return candidate
		}
		keep = keep * 9 / 10
	}
	return ""
}

func headTailCut(cleaned string, keepTokens, totalTokens int) string {
	runes := []rune(cleaned)
	charPerTok := float64(len(runes)) / float64(totalTokens)

	headChars := int(0.7 * float64(keepTokens) * charPerTok)
	tailChars := int(0.3 * float64(keepTokens) * charPerTok)
	if headChars+tailChars >= len(runes) {
		return cleaned
	}
	if headChars < 0 {
		headChars = 0
	}
	if tailChars < 0 {
		tailChars = 0
	}

	head := strings.TrimRight(string(runes[:headChars]), " \t\n")
	tail := strings.TrimLeft(string(runes[len(runes)-tailChars:]), " \t\n")
	return head + ShrinkSentinel + tail
}

func normalizeWhitespace(text string) string {
	cleaned := trailingSpaceRe.ReplaceAllString(text, "\n")
	cleaned = runsRe.ReplaceAllString(cleaned, " ")
	return cleaned
}
