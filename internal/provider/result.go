package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoJSONObject is carried by Unparseable when the reply holds no JSON object.
var ErrNoJSONObject = errors.New("no JSON object in reply")

// Result is the classification of one LLM reply: Parsed or Unparseable.
type Result interface {
	// RawText returns the reply exactly as the model produced it.
	RawText() string
	isResult()
}

// Parsed holds a reply that contained a JSON object.
type Parsed struct {
	Object map[string]any
	Raw    string
}

// Unparseable holds a reply from which no JSON object could be recovered.
type Unparseable struct {
	Raw string
	Err error
}

func (p Parsed) RawText() string      { return p.Raw }
func (u Unparseable) RawText() string { return u.Raw }
func (Parsed) isResult()              {}
func (Unparseable) isResult()         {}

// String returns a string field, or "" if absent or not a string.
func (p Parsed) String(key string) string {
	s, _ := p.Object[key].(string)
	return s
}

// Bool returns a boolean field, or false.
func (p Parsed) Bool(key string) bool {
	b, _ := p.Object[key].(bool)
	return b
}

// Float returns a numeric field; numeric strings are accepted.
func (p Parsed) Float(key string) (float64, bool) {
	switch v := p.Object[key].(type) {
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		var f float64
		if _, err := fmt.Sscanf(strings.TrimSpace(v), "%g", &f); err == nil {
			return f, true
		}
	}
	return 0, false
}

// CompleteJSON sends prompt to the client and classifies the reply. A
// transport failure is returned as an error; a reply without a JSON object is
// an Unparseable result, not an error.
func CompleteJSON(ctx context.Context, client LanguageModelClient, prompt string) (Result, error) {
	text, err := client.Complete(ctx, prompt)
	if err != nil {
		return nil, err
	}
	return Classify(text), nil
}

// Classify extracts a JSON object from free text. It tries the whole text, then a
// fenced ```json block, then the span from the first '{' to the last '}'.
func Classify(text string) Result {
	trimmed := strings.TrimSpace(text)
	if obj, ok := decodeObject(trimmed); ok {
		return Parsed{Object: obj, Raw: text}
	}
	if block, ok := fencedBlock(trimmed); ok {
		if obj, ok := decodeObject(block); ok {
			return Parsed{Object: obj, Raw: text}
		}
	}
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start >= 0 && end > start {
		if obj, ok := decodeObject(trimmed[start : end+1]); ok {
			return Parsed{Object: obj, Raw: text}
		}
		return Unparseable{Raw: text, Err: fmt.Errorf("invalid JSON between braces: %w", ErrNoJSONObject)}
	}
	return Unparseable{Raw: text, Err: ErrNoJSONObject}
}

func decodeObject(s string) (map[string]any, bool) {
	if !strings.HasPrefix(s, "{") {
		return nil, false
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, false
	}
	return obj, true
}

func fencedBlock(s string) (string, bool) {
	i := strings.Index(s, "```json")
	if i < 0 {
		return "", false
	}
	rest := s[i+len("```json"):]
	j := strings.Index(rest, "```")
	if j < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:j]), true
}

// Validator is implemented by decoded replies that carry semantic checks.
type Validator interface {
	Validate() error
}

// Decode converts a Result into T. Unparseable results, decode failures and
// failed validation all return an error so callers can take their fallback.
func Decode[T any](r Result) (T, error) {
	var out T
	p, ok := r.(Parsed)
	if !ok {
		if u, ok := r.(Unparseable); ok {
			return out, u.Err
		}
		return out, ErrNoJSONObject
	}
	data, err := json.Marshal(p.Object)
	if err != nil {
		return out, fmt.Errorf("re-encode reply: %w", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("decode reply: %w", err)
	}
	if v, ok := any(&out).(Validator); ok {
		if err := v.Validate(); err != nil {
			return out, fmt.Errorf("validate reply: %w", err)
		}
	}
	return out, nil
}
