package scorer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/rasterflow/internal/oracle"
	"github.com/terminal-bench/rasterflow/pkg/questions"
)

func testTree() []questions.Question {
	return []questions.Question{
		{
			Text: "Is the area vegetated?",
			Answers: []questions.Answer{
				{
					Text:    "yes",
					Effects: []questions.Effect{{Name: "vegetation", Value: 1}},
					Subquestions: []questions.Question{
						{
							Text: "Is the vegetation stressed?",
							Answers: []questions.Answer{
								{Text: "yes", Effects: []questions.Effect{{Name: "stress", Value: 0.8}}},
								{Text: "no", Effects: []questions.Effect{{Name: "stress", Value: 0}}},
							},
						},
					},
				},
				{Text: "no", Effects: []questions.Effect{{Name: "vegetation", Value: 0}}},
			},
		},
		{
			Text: "Is water visible?",
			Answers: []questions.Answer{
				{Text: "yes", Effects: []questions.Effect{{Name: "water", Value: 1}}},
				{Text: "no", Effects: []questions.Effect{{Name: "water", Value: 0}}},
			},
		},
	}
}

var allEffects = []string{"stress", "vegetation", "water"}

func img() oracle.ImageRegion {
	return oracle.ImageRegion{Width: 1, Height: 1, Bands: [][]float64{{1}, {2}, {3}}}
}

func TestScore(t *testing.T) {
	t.Run("should resolve effects along the answered path", func(t *testing.T) {
		o := &oracle.Scripted{Answers: []string{"yes", "yes", "no"}}
		scores := Score(context.Background(), img(), o, testTree(), allEffects)

		require.Len(t, scores, 3)
		assert.Equal(t, 1.0, scores["vegetation"].Score)
		assert.Equal(t, 0.8, scores["stress"].Score)
		assert.Equal(t, 0.0, scores["water"].Score)
		assert.Equal(t, "Is the area vegetated?/yes/vegetation", scores["vegetation"].Path)
		assert.Equal(t, "Is the area vegetated?/yes/Is the vegetation stressed?/yes/stress", scores["stress"].Path)
	})

	t.Run("should be deterministic for a fixed script", func(t *testing.T) {
		a := Score(context.Background(), img(), &oracle.Scripted{Answers: []string{"no", "yes"}}, testTree(), allEffects)
		b := Score(context.Background(), img(), &oracle.Scripted{Answers: []string{"no", "yes"}}, testTree(), allEffects)
		assert.Equal(t, a, b)
	})

	t.Run("should default every requested effect to zero", func(t *testing.T) {
		o := &oracle.Scripted{Answers: []string{"no", "no"}}
		scores := Score(context.Background(), img(), o, testTree(), allEffects)
		// "no" at the root never reaches the stress question.
		assert.Equal(t, 0.0, scores["stress"].Score)
		assert.Empty(t, scores["stress"].Path)
		assert.Equal(t, 0.0, scores["vegetation"].Score)
		assert.Equal(t, "Is the area vegetated?/no/vegetation", scores["vegetation"].Path)
	})

	t.Run("should skip a question on a hallucinated answer", func(t *testing.T) {
		o := &oracle.Scripted{Answers: []string{"a lush forest", "yes"}}
		scores := Score(context.Background(), img(), o, testTree(), allEffects)
		// First question yields nothing, traversal moves to the sibling.
		assert.Equal(t, 0.0, scores["vegetation"].Score)
		assert.Empty(t, scores["vegetation"].Path)
		assert.Equal(t, 1.0, scores["water"].Score)
		assert.Equal(t, 2, o.Calls)
	})

	t.Run("should keep partial scores on oracle error", func(t *testing.T) {
		o := &failAfter{answers: []string{"yes"}}
		scores := Score(context.Background(), img(), o, testTree(), allEffects)
		assert.Equal(t, 1.0, scores["vegetation"].Score)
		// The stress question errored; everything after it stays at the
		// default.
		assert.Equal(t, 0.0, scores["stress"].Score)
		assert.Empty(t, scores["stress"].Path)
		assert.Equal(t, 0.0, scores["water"].Score)
	})

	t.Run("should stop asking once every effect is resolved", func(t *testing.T) {
		o := &oracle.Scripted{Answers: []string{"yes"}}
		scores := Score(context.Background(), img(), o, testTree(), []string{"vegetation"})
		assert.Equal(t, 1.0, scores["vegetation"].Score)
		assert.Equal(t, 1, o.Calls)
	})

	t.Run("should give up on a question without answers", func(t *testing.T) {
		tree := []questions.Question{{Text: "empty"}}
		o := &oracle.Scripted{Answers: []string{"yes"}}
		scores := Score(context.Background(), img(), o, tree, []string{"water"})
		assert.Equal(t, 0.0, scores["water"].Score)
		assert.Zero(t, o.Calls)
	})

	t.Run("should follow only one branch per level", func(t *testing.T) {
		// Subtree answer is off list, so stress stays unresolved; the walk
		// must not come back and try the root's other branch.
		o := &oracle.Scripted{Answers: []string{"yes", "hmm", "no"}}
		scores := Score(context.Background(), img(), o, testTree(), allEffects)
		assert.Equal(t, 1.0, scores["vegetation"].Score)
		assert.Equal(t, 0.0, scores["stress"].Score)
		assert.Empty(t, scores["stress"].Path)
	})
}

// failAfter replays answers, then errors.
type failAfter struct {
	answers []string
	calls   int
}

func (f *failAfter) Answer(ctx context.Context, img oracle.ImageRegion, prompt string, choices []string) (string, error) {
	if f.calls >= len(f.answers) {
		return "", errors.New("model unavailable")
	}
	a := f.answers[f.calls]
	f.calls++
	return a, nil
}
