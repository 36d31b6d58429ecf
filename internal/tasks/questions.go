package tasks

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/marcus/roundtable/internal/providers"
)

// bulletPrefix strips markdown list markers: "-", "*", "1.", "2)", and
// optional checkbox brackets.
var bulletPrefix = regexp.MustCompile(`^\s*(?:[-*]|\d+[.)])\s*(?:\[[ xX]\]\s*)?`)

// LoadQuestions reads a question file: one question per line, markdown list
// markers optional, blank lines and headings skipped. IDs are assigned
// q1..qn in file order; a leading "someid:" before the text overrides the
// assigned ID.
func LoadQuestions(path string) ([]providers.Question, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open questions file: %w", err)
	}
	defer f.Close()
	return ParseQuestions(f)
}

// ParseQuestions parses questions from a reader; see LoadQuestions for the
// accepted shape.
func ParseQuestions(r io.Reader) ([]providers.Question, error) {
	var questions []providers.Question
	scanner := bufio.NewScanner(r)
	n := 0

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(bulletPrefix.ReplaceAllString(line, ""))
		if line == "" {
			continue
		}

		n++
		id := fmt.Sprintf("q%d", n)
		if custom, rest, ok := splitCustomID(line); ok {
			id = custom
			line = rest
		}
		questions = append(questions, providers.Question{ID: id, Text: line})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read questions: %w", err)
	}

	if len(questions) == 0 {
		return nil, ErrNoQuestions
	}
	return questions, nil
}

// splitCustomID recognizes a "word:" prefix as an explicit question ID.
// Prefixes with spaces or URLs ("https://...") are left alone.
func splitCustomID(line string) (id, rest string, ok bool) {
	idx := strings.Index(line, ":")
	if idx <= 0 {
		return "", "", false
	}
	candidate := line[:idx]
	if strings.ContainsAny(candidate, " \t/") {
		return "", "", false
	}
	rest = strings.TrimSpace(line[idx+1:])
	if rest == "" || strings.HasPrefix(rest, "//") {
		return "", "", false
	}
	return candidate, rest, true
}
