// Package tasks builds the unit-of-work matrix for a run: every requested
// provider crossed with every question, plus loading questions from files.
package tasks

import (
	"errors"
	"fmt"

	"github.com/marcus/roundtable/internal/providers"
)

// Validation failures for matrix construction. Both abort a run before any
// task is dispatched.
var (
	ErrNoProviders = errors.New("no providers specified")
	ErrNoQuestions = errors.New("no questions specified")
)

// Task is one cell of the provider x question product. Built once per run
// and consumed exactly once by the orchestrator.
type Task struct {
	Provider providers.ID
	Question providers.Question
}

// Matrix expands providers x questions into the ordered task list,
// provider-major then question-minor. The ordering is a deterministic
// tie-break for fixtures and reports, not a scheduling guarantee.
func Matrix(ids []providers.ID, questions []providers.Question) ([]Task, error) {
	if len(ids) == 0 {
		return nil, ErrNoProviders
	}
	if len(questions) == 0 {
		return nil, ErrNoQuestions
	}

	seen := make(map[string]bool, len(questions))
	for _, q := range questions {
		if q.ID == "" {
			return nil, fmt.Errorf("question %q has no id", q.Text)
		}
		if seen[q.ID] {
			return nil, fmt.Errorf("duplicate question id %q", q.ID)
		}
		seen[q.ID] = true
	}

	matrix := make([]Task, 0, len(ids)*len(questions))
	for _, id := range ids {
		for _, q := range questions {
			matrix = append(matrix, Task{Provider: id, Question: q})
		}
	}
	return matrix, nil
}
