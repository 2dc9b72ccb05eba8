package conscience

import (
	"context"
	"fmt"
	"math"
	"strings"
	"unicode"

	"ciris/internal/types"
)

// =============================================================================
// DEFAULT FACULTIES
// =============================================================================

// proposedText is what the agent is about to put into the world: spoken
// content for SPEAK, the selection rationale for everything else.
func proposedText(result types.ActionSelectionResult) string {
	if p, ok := result.Parameters.(types.SpeakParams); ok {
		return p.Content
	}
	if p, ok := result.Parameters.(*types.SpeakParams); ok && p != nil {
		return p.Content
	}
	return result.Rationale
}

// -----------------------------------------------------------------------------
// Entropy
// -----------------------------------------------------------------------------

// EntropyFaculty scores how chaotic the proposed output text is. The score
// blends character-level Shannon entropy, rescaled above a prose baseline
// so ordinary language lands near zero, with symbol density. Uniform noise
// and symbol spam land near one.
type EntropyFaculty struct {
	Threshold float64
}

// Entropy in bits per rune of typical prose sits around 4.1; anything past
// the baseline is treated as excess disorder.
const (
	entropyBaselineBits = 4.3
	entropyMaxBits      = 6.2
)

func (f *EntropyFaculty) Name() string { return FacultyEntropy }

func (f *EntropyFaculty) Evaluate(_ context.Context, _ types.Thought, result types.ActionSelectionResult) (types.FacultyReport, error) {
	text := proposedText(result)
	score := entropyScore(text)
	report := types.FacultyReport{
		Name:   FacultyEntropy,
		Score:  score,
		Passed: score <= f.Threshold,
	}
	if !report.Passed {
		report.Insight = fmt.Sprintf("proposed output reads as noise (entropy %.2f over threshold %.2f)", score, f.Threshold)
	}
	return report, nil
}

func entropyScore(text string) float64 {
	runes := []rune(text)
	if len(runes) == 0 {
		return 0
	}

	counts := make(map[rune]int, 64)
	symbols := 0
	for _, r := range runes {
		counts[r]++
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.IsSpace(r) && !strings.ContainsRune(`.,!?;:'"()-`, r) {
			symbols++
		}
	}

	var bits float64
	n := float64(len(runes))
	for _, c := range counts {
		p := float64(c) / n
		bits -= p * math.Log2(p)
	}

	excess := clamp01((bits - entropyBaselineBits) / (entropyMaxBits - entropyBaselineBits))
	symbolExcess := clamp01((float64(symbols)/n - 0.10) / 0.40)
	return math.Max(excess, symbolExcess)
}

// -----------------------------------------------------------------------------
// Coherence
// -----------------------------------------------------------------------------

// CoherenceFaculty measures lexical alignment between the selection
// rationale and the thought it claims to answer, as the overlap coefficient
// of their content-word sets. A rationale about something else entirely
// scores near zero.
type CoherenceFaculty struct {
	Threshold float64
}

func (f *CoherenceFaculty) Name() string { return FacultyCoherence }

func (f *CoherenceFaculty) Evaluate(_ context.Context, thought types.Thought, result types.ActionSelectionResult) (types.FacultyReport, error) {
	score := overlapCoefficient(contentWords(result.Rationale), contentWords(thought.Content))
	report := types.FacultyReport{
		Name:   FacultyCoherence,
		Score:  score,
		Passed: score >= f.Threshold,
	}
	if !report.Passed {
		report.Insight = fmt.Sprintf("rationale barely references the thought (coherence %.2f under threshold %.2f)", score, f.Threshold)
	}
	return report, nil
}

func overlapCoefficient(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 1.0
	}
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}
	shared := 0
	for w := range small {
		if large[w] {
			shared++
		}
	}
	return float64(shared) / float64(len(small))
}

// -----------------------------------------------------------------------------
// Optimization veto
// -----------------------------------------------------------------------------

// OptimizationVeto vetoes selections whose rationale trades stated human
// values away for efficiency. Pure ratio heuristic: veto when efficiency
// talk clearly dominates value talk.
type OptimizationVeto struct{}

var efficiencyTerms = []string{
	"efficient", "efficiency", "optimize", "optimal", "throughput",
	"faster", "cheaper", "expendable", "sacrifice", "trade-off", "tradeoff",
	"acceptable loss", "collateral",
}

var valueTerms = []string{
	"consent", "dignity", "privacy", "safety", "wellbeing", "well-being",
	"autonomy", "trust", "fairness", "care", "human",
}

func (f *OptimizationVeto) Name() string { return FacultyVeto }

func (f *OptimizationVeto) Evaluate(_ context.Context, _ types.Thought, result types.ActionSelectionResult) (types.FacultyReport, error) {
	rationale := strings.ToLower(result.Rationale)
	eff := countTerms(rationale, efficiencyTerms)
	val := countTerms(rationale, valueTerms)

	score := float64(eff) / float64(eff+val+1)
	report := types.FacultyReport{
		Name:   FacultyVeto,
		Score:  score,
		Passed: score <= 0.5,
	}
	if !report.Passed {
		report.Insight = fmt.Sprintf("rationale weighs efficiency over stated values (%d efficiency terms vs %d value terms)", eff, val)
	}
	return report, nil
}

// -----------------------------------------------------------------------------
// Epistemic humility
// -----------------------------------------------------------------------------

// EpistemicHumility flags certainty without support: strong certainty
// markers in the rationale with no evidence markers backing them.
type EpistemicHumility struct{}

var certaintyMarkers = []string{
	"certainly", "definitely", "undoubtedly", "guaranteed", "always",
	"never", "impossible", "absolutely", "without question", "100%",
	"unquestionably",
}

var evidenceMarkers = []string{
	"because", "since", "evidence", "source", "observed", "measured",
	"according to", "data", "verified", "tested", "documented",
}

func (f *EpistemicHumility) Name() string { return FacultyHumility }

func (f *EpistemicHumility) Evaluate(_ context.Context, _ types.Thought, result types.ActionSelectionResult) (types.FacultyReport, error) {
	rationale := strings.ToLower(result.Rationale)
	certain := countTerms(rationale, certaintyMarkers)
	evidence := countTerms(rationale, evidenceMarkers)

	score := float64(certain) / float64(certain+evidence+1)
	report := types.FacultyReport{
		Name:   FacultyHumility,
		Score:  score,
		Passed: score <= 0.5,
	}
	if !report.Passed {
		report.Insight = fmt.Sprintf("rationale asserts certainty without support (%d certainty markers, %d evidence markers)", certain, evidence)
	}
	return report, nil
}

// -----------------------------------------------------------------------------
// Shared text helpers
// -----------------------------------------------------------------------------

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "that": true, "this": true,
	"with": true, "from": true, "will": true, "would": true, "should": true,
	"could": true, "have": true, "has": true, "are": true, "was": true,
	"were": true, "been": true, "being": true, "its": true, "can": true,
	"not": true, "but": true, "about": true, "into": true, "over": true,
	"than": true, "then": true, "them": true, "they": true, "there": true,
	"their": true, "what": true, "when": true, "which": true, "while": true,
	"your": true, "you": true,
}

// contentWords lowercases, splits on non-alphanumerics, and drops
// stopwords and short words.
func contentWords(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(w) < 3 || stopwords[w] {
			continue
		}
		out[w] = true
	}
	return out
}

func countTerms(text string, terms []string) int {
	n := 0
	for _, t := range terms {
		n += strings.Count(text, t)
	}
	return n
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
