package tasks

import (
	"errors"
	"strings"
	"testing"

	"github.com/marcus/roundtable/internal/providers"
)

func TestMatrixOrdering(t *testing.T) {
	ids := []providers.ID{providers.IDOpenAI, providers.IDGemini}
	questions := []providers.Question{
		{ID: "q1", Text: "What is quantum computing?"},
		{ID: "q2", Text: "What is a qubit?"},
	}

	matrix, err := Matrix(ids, questions)
	if err != nil {
		t.Fatalf("Matrix() error = %v", err)
	}

	if len(matrix) != 4 {
		t.Fatalf("Expected 4 tasks, got %d", len(matrix))
	}

	// Provider-major, question-minor.
	want := []struct {
		provider providers.ID
		question string
	}{
		{providers.IDOpenAI, "q1"},
		{providers.IDOpenAI, "q2"},
		{providers.IDGemini, "q1"},
		{providers.IDGemini, "q2"},
	}
	for i, w := range want {
		if matrix[i].Provider != w.provider || matrix[i].Question.ID != w.question {
			t.Errorf("Task %d = (%s, %s), want (%s, %s)",
				i, matrix[i].Provider, matrix[i].Question.ID, w.provider, w.question)
		}
	}
}

func TestMatrixEmptyInputs(t *testing.T) {
	questions := []providers.Question{{ID: "q1", Text: "hi"}}

	_, err := Matrix(nil, questions)
	if !errors.Is(err, ErrNoProviders) {
		t.Errorf("Expected ErrNoProviders, got %v", err)
	}

	_, err = Matrix([]providers.ID{providers.IDOpenAI}, nil)
	if !errors.Is(err, ErrNoQuestions) {
		t.Errorf("Expected ErrNoQuestions, got %v", err)
	}
}

func TestMatrixDuplicateQuestionID(t *testing.T) {
	_, err := Matrix(
		[]providers.ID{providers.IDOpenAI},
		[]providers.Question{{ID: "q1", Text: "a"}, {ID: "q1", Text: "b"}},
	)
	if err == nil {
		t.Fatal("Expected error for duplicate question id, got nil")
	}
}

func TestParseQuestions(t *testing.T) {
	input := `# Research topics

- What is quantum computing?
- [ ] How do error-corrected qubits work?
3. What are the leading hardware approaches?

plain line question
rates: What does a logical qubit cost today?
`

	questions, err := ParseQuestions(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParseQuestions() error = %v", err)
	}

	if len(questions) != 5 {
		t.Fatalf("Expected 5 questions, got %d: %+v", len(questions), questions)
	}

	if questions[0].ID != "q1" || questions[0].Text != "What is quantum computing?" {
		t.Errorf("Unexpected first question: %+v", questions[0])
	}
	if questions[1].Text != "How do error-corrected qubits work?" {
		t.Errorf("Checkbox not stripped: %+v", questions[1])
	}
	if questions[3].ID != "q4" || questions[3].Text != "plain line question" {
		t.Errorf("Unexpected plain-line handling: %+v", questions[3])
	}
	if questions[4].ID != "rates" {
		t.Errorf("Expected custom id 'rates', got %q", questions[4].ID)
	}
}

func TestParseQuestionsEmpty(t *testing.T) {
	_, err := ParseQuestions(strings.NewReader("# only a heading\n\n"))
	if !errors.Is(err, ErrNoQuestions) {
		t.Errorf("Expected ErrNoQuestions, got %v", err)
	}
}

func TestParseQuestionsLeavesURLsAlone(t *testing.T) {
	questions, err := ParseQuestions(strings.NewReader("- Summarize https://example.com/paper\n"))
	if err != nil {
		t.Fatalf("ParseQuestions() error = %v", err)
	}
	if questions[0].Text != "Summarize https://example.com/paper" {
		t.Errorf("URL mangled: %q", questions[0].Text)
	}
}
