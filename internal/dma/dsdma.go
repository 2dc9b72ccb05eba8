package dma

import (
	"context"
	_ "embed"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	"github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"

	"ciris/internal/logging"
	"ciris/internal/types"
)

// =============================================================================
// DSDMA - DOMAIN RULE KERNEL
// =============================================================================

//go:embed rules.mg
var defaultRules string

// derivedFactLimit caps fixpoint derivation. The per-thought fact base is
// tiny; anything near this limit is a runaway rule.
const derivedFactLimit = 10000

// RuleKernel is the domain evaluator: a Datalog rule program evaluated to
// fixpoint over facts describing the thought, with domain_flag/1,
// domain_score/1, and recommend/1 read back as the verdict. It holds no
// state between evaluations, so concurrent thoughts never contend.
type RuleKernel struct {
	domain string
	rules  string
}

// NewRuleKernel builds the evaluator for a named domain. Empty rules select
// the embedded default program.
func NewRuleKernel(domain, rules string) *RuleKernel {
	if rules == "" {
		rules = defaultRules
	}
	return &RuleKernel{domain: domain, rules: rules}
}

// Evaluate asserts the thought's facts, runs the rules to fixpoint, and
// reads back the derived verdict.
func (k *RuleKernel) Evaluate(ctx context.Context, thought types.Thought, tctx types.ThoughtContext) (types.DomainEvaluation, error) {
	if err := ctx.Err(); err != nil {
		return types.DomainEvaluation{}, fmt.Errorf("domain evaluation aborted: %w", err)
	}

	var sb strings.Builder
	sb.WriteString(k.rules)
	sb.WriteString("\n")
	for _, fact := range kernelFacts(thought, tctx) {
		sb.WriteString(fact)
		sb.WriteString("\n")
	}

	parsed, err := parse.Unit(strings.NewReader(sb.String()))
	if err != nil {
		return types.DomainEvaluation{}, fmt.Errorf("failed to parse domain rules: %w", err)
	}
	info, err := analysis.AnalyzeOneUnit(parsed, nil)
	if err != nil {
		return types.DomainEvaluation{}, fmt.Errorf("failed to analyze domain rules: %w", err)
	}

	store := factstore.NewSimpleInMemoryStore()
	if _, err := engine.EvalProgramWithStats(info, store, engine.WithCreatedFactLimit(derivedFactLimit)); err != nil {
		return types.DomainEvaluation{}, fmt.Errorf("failed to evaluate domain rules: %w", err)
	}

	flags := readStrings(info, store, "domain_flag")
	sort.Strings(flags)
	scores := readNumbers(info, store, "domain_score")
	recommends := readStrings(info, store, "recommend")

	eval := types.DomainEvaluation{
		Domain:            k.domain,
		AlignmentScore:    alignmentFrom(scores),
		Flags:             flags,
		RecommendedAction: pickRecommendation(recommends),
	}
	if len(flags) == 0 {
		eval.Reasoning = "domain rules raised no flags"
	} else {
		eval.Reasoning = "domain rules raised: " + strings.Join(flags, ", ")
	}

	logging.DMADebug("dsdma %s: thought %s score=%.2f flags=%v", k.domain, thought.ThoughtID, eval.AlignmentScore, flags)
	return eval, nil
}

// kernelFacts renders the thought as Datalog fact lines.
func kernelFacts(thought types.Thought, tctx types.ThoughtContext) []string {
	return []string{
		fmt.Sprintf("round(%d).", thought.Round),
		fmt.Sprintf("ponder_count(%d).", thought.PonderCount),
		fmt.Sprintf("recalled_nodes(%d).", len(tctx.RecalledNodes)),
		fmt.Sprintf("history_len(%d).", len(tctx.ChannelHistory)),
		fmt.Sprintf("content_words(%d).", len(strings.Fields(thought.Content))),
		fmt.Sprintf("has_guidance(%s).", boolName(tctx.Guidance != "")),
		fmt.Sprintf("has_tool_result(%s).", boolName(tctx.ToolResult != nil)),
		fmt.Sprintf("channel(%s).", strconv.Quote(tctx.ChannelID)),
		fmt.Sprintf("author(%s).", strconv.Quote(tctx.AuthorID)),
	}
}

func boolName(b bool) string {
	if b {
		return "/true"
	}
	return "/false"
}

// alignmentFrom maps derived integer scores to [0,1], keeping the most
// severe. No derived score means fully aligned.
func alignmentFrom(scores []int64) float64 {
	align := 1.0
	for _, s := range scores {
		v := float64(s) / 100
		if v < 0 {
			v = 0
		}
		if v > 1 {
			v = 1
		}
		if v < align {
			align = v
		}
	}
	return align
}

// pickRecommendation prefers the gravest recommendation when rules derived
// several.
func pickRecommendation(recommends []string) string {
	if len(recommends) == 0 {
		return ""
	}
	for _, want := range []string{"defer", "reject", "ponder"} {
		for _, r := range recommends {
			if r == want {
				return r
			}
		}
	}
	sort.Strings(recommends)
	return recommends[0]
}

// readStrings collects the first argument of every derived fact of a
// predicate, for string-valued predicates.
func readStrings(info *analysis.ProgramInfo, store factstore.FactStore, predicate string) []string {
	var out []string
	forEachFact(info, store, predicate, func(a ast.Atom) {
		if len(a.Args) == 0 {
			return
		}
		if c, ok := a.Args[0].(ast.Constant); ok {
			out = append(out, c.Symbol)
		}
	})
	return out
}

// readNumbers collects the first argument of every derived fact of a
// predicate, for number-valued predicates.
func readNumbers(info *analysis.ProgramInfo, store factstore.FactStore, predicate string) []int64 {
	var out []int64
	forEachFact(info, store, predicate, func(a ast.Atom) {
		if len(a.Args) == 0 {
			return
		}
		if c, ok := a.Args[0].(ast.Constant); ok && c.Type == ast.NumberType {
			out = append(out, c.NumValue)
		}
	})
	return out
}

func forEachFact(info *analysis.ProgramInfo, store factstore.FactStore, predicate string, fn func(ast.Atom)) {
	for pred := range info.Decls {
		if pred.Symbol != predicate {
			continue
		}
		store.GetFacts(ast.NewQuery(pred), func(a ast.Atom) error {
			fn(a)
			return nil
		})
		return
	}
}
