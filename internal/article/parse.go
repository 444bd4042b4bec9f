package article

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrMissingArticle is returned when a parsed object has no rewritten_article field.
var ErrMissingArticle = errors.New("rewritten_article field missing")

// ParseResult performs the single authoritative parse of a complete generated object.
// Markdown code fences around the object are tolerated.
func ParseResult(text string) (Result, error) {
	var raw struct {
		RewrittenArticle *string    `json:"rewritten_article"`
		Insights         InsightSet `json:"insights"`
	}
	if err := json.Unmarshal([]byte(StripFences(text)), &raw); err != nil {
		return Result{}, err
	}
	if raw.RewrittenArticle == nil {
		return Result{}, ErrMissingArticle
	}
	return Result{
		RewrittenArticle: *raw.RewrittenArticle,
		Insights:         raw.Insights.Normalized(),
	}, nil
}

// StripFences removes a surrounding ```json ... ``` block, if present.
func StripFences(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(s, "json")
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
