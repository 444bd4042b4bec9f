// Package partial recovers field values from a JSON object that is still arriving.
//
// The buffer is the literal, incomplete serialization of one object of the form
//
//	{"rewritten_article": "...", "insights": {"biases_removed": [...], ...}}
//
// A field is extracted only once its own value is closed. Until then the
// previous value is kept, so displayed values never regress mid-stream.
package partial

import (
	"bytes"
	"encoding/json"
	"slices"

	"github.com/buger/jsonparser"

	"github.com/hpungsan/recast/internal/article"
)

const (
	articleKey  = "rewritten_article"
	insightsKey = "insights"
)

// Changes reports which values moved during one Update.
type Changes struct {
	Article    bool
	Categories []article.Category
}

// Any reports whether anything changed.
func (c Changes) Any() bool {
	return c.Article || len(c.Categories) > 0
}

// Extractor holds the best-known values for one session.
// It is not safe for concurrent use.
type Extractor struct {
	article    string
	articleRaw []byte
	insights   article.InsightSet
}

// New returns an empty Extractor.
func New() *Extractor {
	return &Extractor{}
}

// Update re-examines the whole buffer after a frame is appended.
func (e *Extractor) Update(buf []byte) Changes {
	var ch Changes

	// A closed value that matches the last decoded one is not decoded again.
	if raw, typ, _, err := jsonparser.Get(buf, articleKey); err == nil && typ == jsonparser.String && !bytes.Equal(raw, e.articleRaw) {
		if s, err := jsonparser.ParseString(raw); err == nil {
			e.articleRaw = append(e.articleRaw[:0], raw...)
			if s != e.article {
				e.article = s
				ch.Article = true
			}
		}
	}

	for _, c := range article.Categories {
		raw, typ, _, err := jsonparser.Get(buf, insightsKey, string(c))
		if err != nil || typ != jsonparser.Array {
			continue
		}
		var items []string
		if err := json.Unmarshal(raw, &items); err != nil {
			continue
		}
		if items == nil {
			items = []string{}
		}
		prev := e.insights.Get(c)
		if prev != nil && slices.Equal(prev, items) {
			continue
		}
		e.insights.Set(c, items)
		ch.Categories = append(ch.Categories, c)
	}

	return ch
}

// Article returns the best-known article text.
func (e *Extractor) Article() string {
	return e.article
}

// Insights returns a copy of the best-known insights. Categories not seen yet are nil.
func (e *Extractor) Insights() article.InsightSet {
	return e.insights.Clone()
}

// Final runs the one authoritative parse of the complete buffer. On success the
// parsed values replace the partial ones and ok is true; otherwise the partial
// values are returned as they stand.
func (e *Extractor) Final(buf []byte) (res article.Result, ok bool) {
	parsed, err := article.ParseResult(string(buf))
	if err != nil {
		return article.Result{RewrittenArticle: e.article, Insights: e.insights.Clone()}, false
	}
	e.article = parsed.RewrittenArticle
	e.articleRaw = nil
	e.insights = parsed.Insights.Clone()
	return parsed, true
}
