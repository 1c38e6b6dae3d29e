package evaluation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/xeipuuv/gojsonschema"
)

const (
	CompletenessName    = "completeness"
	KeywordCoverageName = "keyword_coverage"
	JSONValidityName    = "json_validity"
)

// Completeness scores 1 when the run produced any non-blank output.
func Completeness() Scorer {
	return ScorerFunc(func(_ context.Context, in ScorerInput) (Score, error) {
		if strings.TrimSpace(Text(in.Output)) == "" {
			return Score{Value: 0, Reason: "empty output"}, nil
		}
		return Score{Value: 1}, nil
	})
}

var stopwords = map[string]struct{}{
	"about": {}, "after": {}, "again": {}, "could": {}, "every": {}, "from": {},
	"have": {}, "into": {}, "just": {}, "like": {}, "make": {}, "more": {},
	"please": {}, "should": {}, "some": {}, "than": {}, "that": {}, "their": {},
	"them": {}, "then": {}, "there": {}, "these": {}, "they": {}, "this": {},
	"what": {}, "when": {}, "where": {}, "which": {}, "while": {}, "with": {},
	"would": {}, "your": {},
}

// KeywordCoverage scores the share of distinct input keywords (four or
// more letters, stopwords removed) that reappear in the output.
func KeywordCoverage() Scorer {
	return ScorerFunc(func(_ context.Context, in ScorerInput) (Score, error) {
		keywords := keywordsOf(Text(in.Input))
		if len(keywords) == 0 {
			return Score{Value: 1, Reason: "no keywords in input"}, nil
		}
		outWords := map[string]struct{}{}
		for _, w := range words(Text(in.Output)) {
			outWords[w] = struct{}{}
		}
		hit := 0
		var missed []string
		for _, k := range keywords {
			if _, ok := outWords[k]; ok {
				hit++
			} else {
				missed = append(missed, k)
			}
		}
		s := Score{Value: float64(hit) / float64(len(keywords))}
		if len(missed) > 0 {
			s.Reason = "missing: " + strings.Join(missed, ", ")
		}
		return s, nil
	})
}

func keywordsOf(text string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, w := range words(text) {
		if len([]rune(w)) < 4 {
			continue
		}
		if _, stop := stopwords[w]; stop {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}

func words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// JSONValidity scores 1 when the output, minus a surrounding markdown code
// fence, parses as JSON.
func JSONValidity() Scorer {
	return ScorerFunc(func(_ context.Context, in ScorerInput) (Score, error) {
		body := stripFence(Text(in.Output))
		if body == "" {
			return Score{Value: 0, Reason: "empty output"}, nil
		}
		if !json.Valid([]byte(body)) {
			return Score{Value: 0, Reason: "output is not valid JSON"}, nil
		}
		return Score{Value: 1}, nil
	})
}

// NewJSONSchemaScorer scores 1 when the output validates against schema,
// which may be a JSON string, raw bytes, or any Go value that marshals to a
// schema document.
func NewJSONSchemaScorer(schema any) (Scorer, error) {
	var loader gojsonschema.JSONLoader
	switch s := schema.(type) {
	case string:
		loader = gojsonschema.NewStringLoader(s)
	case []byte:
		loader = gojsonschema.NewBytesLoader(s)
	case json.RawMessage:
		loader = gojsonschema.NewBytesLoader(s)
	default:
		loader = gojsonschema.NewGoLoader(schema)
	}
	compiled, err := gojsonschema.NewSchema(loader)
	if err != nil {
		return nil, fmt.Errorf("invalid json schema: %w", err)
	}

	return ScorerFunc(func(_ context.Context, in ScorerInput) (Score, error) {
		body := stripFence(Text(in.Output))
		if body == "" || !json.Valid([]byte(body)) {
			return Score{Value: 0, Reason: "output is not valid JSON"}, nil
		}
		result, err := compiled.Validate(gojsonschema.NewStringLoader(body))
		if err != nil {
			return Score{}, fmt.Errorf("schema validation: %w", err)
		}
		if result.Valid() {
			return Score{Value: 1}, nil
		}
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return Score{Value: 0, Reason: strings.Join(msgs, "; ")}, nil
	}), nil
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
