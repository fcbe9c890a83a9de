// Package scorer turns an oracle's answers about one tile into numeric
// effect scores by walking the question tree.
package scorer

import (
	"context"
	"fmt"
	"log"

	"github.com/terminal-bench/rasterflow/internal/oracle"
	"github.com/terminal-bench/rasterflow/pkg/questions"
)

// EffectScore is one resolved effect with the question/answer path that
// asserted it, kept for audit.
type EffectScore struct {
	Score float64 `json:"score"`
	Path  string  `json:"path,omitempty"`
}

// Score walks the tree depth-first, asking the oracle one question at a
// time. Every requested effect appears in the result, defaulting to score 0
// with an empty path when the traversal never resolves it. The walk is a
// single path down the tree: at most one answer branch is entered per level,
// and it stops as soon as every requested effect is found.
//
// Anomalies stay local: an oracle answer outside the enumerated options
// skips that question, and an oracle error abandons the rest of the walk,
// returning whatever was accumulated so far.
func Score(ctx context.Context, img oracle.ImageRegion, o oracle.Oracle, tree []questions.Question, effectSet []string) map[string]EffectScore {
	results := make(map[string]EffectScore, len(effectSet))
	for _, name := range effectSet {
		results[name] = EffectScore{Score: 0}
	}
	remaining := questions.NewEffectSet(effectSet)
	explore(ctx, img, o, tree, "", remaining, results)
	return results
}

func explore(ctx context.Context, img oracle.ImageRegion, o oracle.Oracle, qs []questions.Question, path string, remaining questions.EffectSet, results map[string]EffectScore) {
	for _, q := range qs {
		if remaining.Empty() {
			return
		}
		if len(q.Answers) == 0 {
			// Malformed node: nothing to match against, give up on the
			// rest of this level.
			return
		}

		prompt := fmt.Sprintf("Question: %s Answer: ", q.Text)
		choices := make([]string, len(q.Answers))
		for i, a := range q.Answers {
			choices[i] = a.Text
		}

		answer, err := o.Answer(ctx, img, prompt, choices)
		if err != nil {
			log.Printf("oracle error on %q, keeping partial scores: %v", q.Text, err)
			return
		}

		matched := match(q.Answers, answer)
		if matched == nil {
			// Hallucinated answer: this question yields nothing, try the
			// next sibling.
			log.Printf("oracle answer %q not among options for %q, skipping", answer, q.Text)
			continue
		}

		branch := path + q.Text + "/" + matched.Text + "/"
		for _, e := range matched.Effects {
			if remaining.Has(e.Name) {
				results[e.Name] = EffectScore{Score: e.Value, Path: branch + e.Name}
				remaining.Remove(e.Name)
			}
			if remaining.Empty() {
				break
			}
		}

		if !remaining.Empty() && len(matched.Subquestions) > 0 {
			explore(ctx, img, o, matched.Subquestions, branch, remaining, results)
			// One branch per level: whatever the subtree produced is the
			// final word for this walk.
			return
		}
		if remaining.Empty() {
			return
		}
	}
}

func match(answers []questions.Answer, text string) *questions.Answer {
	for i := range answers {
		if answers[i].Text == text {
			return &answers[i]
		}
	}
	return nil
}
