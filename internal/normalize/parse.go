package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrInvalidAnswer is wrapped by every ParseAnswer failure.
var ErrInvalidAnswer = errors.New("assistant answer is not a JSON object")

// answerSchema requires a non-empty JSON object.
const answerSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"minProperties": 1
}`

var compiledAnswerSchema = jsonschema.MustCompileString("assistant-answer.json", answerSchema)

// ParseAnswer decodes the assistant's text answer into a mapping. Markdown
// code fences around the JSON are tolerated.
func ParseAnswer(text string) (map[string]any, error) {
	body := stripCodeFence(text)
	if body == "" {
		return nil, fmt.Errorf("%w: empty answer", ErrInvalidAnswer)
	}

	var doc any
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return nil, fmt.Errorf("%w: %v (snippet: %s)", ErrInvalidAnswer, err, snippet(body))
	}
	if err := compiledAnswerSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAnswer, err)
	}

	return doc.(map[string]any), nil
}

func stripCodeFence(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	body := strings.TrimLeft(trimmed[3:], " \t\r\n")
	if len(body) >= 4 && strings.EqualFold(body[:4], "json") {
		body = strings.TrimLeft(body[4:], " \t\r\n")
	}
	if idx := strings.LastIndex(body, "```"); idx >= 0 {
		body = body[:idx]
	}
	return strings.TrimSpace(body)
}

func snippet(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	const limit = 120
	if r := []rune(s); len(r) > limit {
		return string(r[:limit]) + "..."
	}
	return s
}
