// Package questions defines the branching question tree a raster is scored
// against. The tree is owned and acyclic: a question holds its answers, and
// an answer optionally holds child questions.
package questions

import (
	"fmt"
	"sort"
)

// Effect is a named anomaly signal a matched answer asserts, valued in [0,1].
type Effect struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// Answer is one enumerated response to a question.
type Answer struct {
	Text         string     `json:"text"`
	Effects      []Effect   `json:"effects"`
	Subquestions []Question `json:"subquestions"`
}

// Question is one node of the tree with its ordered candidate answers.
type Question struct {
	Text    string   `json:"text"`
	Answers []Answer `json:"answers"`
}

// EffectSet tracks which effect names a scoring pass still has to resolve.
type EffectSet map[string]struct{}

// NewEffectSet builds a set from names.
func NewEffectSet(names []string) EffectSet {
	s := make(EffectSet, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

// Has reports membership.
func (s EffectSet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Remove deletes a name from the set.
func (s EffectSet) Remove(name string) {
	delete(s, name)
}

// Empty reports whether every effect has been resolved.
func (s EffectSet) Empty() bool {
	return len(s) == 0
}

// EffectNames walks the tree and returns the sorted, de-duplicated set of
// effect names any path can assert.
func EffectNames(tree []Question) []string {
	seen := make(map[string]struct{})
	var walk func(qs []Question)
	walk = func(qs []Question) {
		for _, q := range qs {
			for _, a := range q.Answers {
				for _, e := range a.Effects {
					seen[e.Name] = struct{}{}
				}
				walk(a.Subquestions)
			}
		}
	}
	walk(tree)
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Validate checks every question has a text and answers, every answer a
// text, and every effect a name and a value in [0,1]. A tree that asserts
// no effects at all is rejected: it could never produce a score band.
func Validate(tree []Question) error {
	var walk func(qs []Question, depth int) error
	walk = func(qs []Question, depth int) error {
		for _, q := range qs {
			if q.Text == "" {
				return fmt.Errorf("question at depth %d has no text", depth)
			}
			if len(q.Answers) == 0 {
				return fmt.Errorf("question %q has no answers", q.Text)
			}
			for _, a := range q.Answers {
				if a.Text == "" {
					return fmt.Errorf("question %q has an answer with no text", q.Text)
				}
				for _, e := range a.Effects {
					if e.Name == "" {
						return fmt.Errorf("answer %q carries an unnamed effect", a.Text)
					}
					if e.Value < 0 || e.Value > 1 {
						return fmt.Errorf("effect %q value %v outside [0,1]", e.Name, e.Value)
					}
				}
				if err := walk(a.Subquestions, depth+1); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(tree, 0); err != nil {
		return err
	}
	if len(EffectNames(tree)) == 0 {
		return fmt.Errorf("questionset asserts no effects")
	}
	return nil
}
