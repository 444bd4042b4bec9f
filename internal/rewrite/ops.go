package rewrite

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"strings"
	"unicode/utf8"

	"github.com/hpungsan/recast/internal/article"
	"github.com/hpungsan/recast/internal/errors"
	"github.com/hpungsan/recast/internal/partial"
	"github.com/hpungsan/recast/internal/scrape"
)

// CanonicalURL validates rawURL against the allowed domains and returns the cache key.
func (s *Service) CanonicalURL(rawURL string) (string, error) {
	return article.CanonicalURL(rawURL, s.opts.AllowedDomains)
}

// ProbeResult is the size estimate used to seed client progress.
type ProbeResult struct {
	URL           string `json:"url"`
	ExpectedChars int    `json:"expected_chars"`
	SourceChars   int    `json:"source_chars"`
	Cached        bool   `json:"cached"`
}

// Probe estimates the size of the generated object for rawURL. On a cache hit
// the stored original content is measured instead of fetching the source.
func (s *Service) Probe(ctx context.Context, rawURL string) (*ProbeResult, error) {
	url, err := article.CanonicalURL(rawURL, s.opts.AllowedDomains)
	if err != nil {
		return nil, err
	}

	if rec, found, err := s.store.Lookup(ctx, url); err == nil && found {
		source := utf8.RuneCountInString(rec.OriginalContent)
		return &ProbeResult{
			URL:           url,
			ExpectedChars: s.estimate(source),
			SourceChars:   source,
			Cached:        true,
		}, nil
	}

	doc, err := s.fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, errors.NewScrape(url, err)
	}
	return &ProbeResult{
		URL:           url,
		ExpectedChars: s.estimate(doc.Chars),
		SourceChars:   doc.Chars,
	}, nil
}

func (s *Service) estimate(sourceChars int) int {
	return scrape.EstimateChars(sourceChars, s.opts.MaxSourceChars, s.opts.ProbeMinChars, s.opts.ProbeMaxChars)
}

// FunFacts asks the fun-facts model for short facts about the source page.
func (s *Service) FunFacts(ctx context.Context, rawURL string) ([]string, error) {
	url, err := article.CanonicalURL(rawURL, s.opts.AllowedDomains)
	if err != nil {
		return nil, err
	}

	doc, err := s.fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, errors.NewScrape(url, err)
	}

	text, err := s.gen.Complete(ctx, funFactsRequest(s.opts.FunFactsModel, doc, s.opts.FunFactsSourceChars))
	if err != nil {
		return nil, errors.NewUpstream(err)
	}

	var out struct {
		FunFacts []string `json:"fun_facts"`
	}
	if err := json.Unmarshal([]byte(article.StripFences(text)), &out); err != nil {
		return nil, errors.NewUpstream(err)
	}
	if out.FunFacts == nil {
		return nil, errors.NewUpstream(stderrors.New("response has no fun_facts list"))
	}

	facts := make([]string, 0, len(out.FunFacts))
	for _, f := range out.FunFacts {
		if f = strings.TrimSpace(f); f != "" {
			facts = append(facts, f)
		}
	}
	if len(facts) > funFactsCount {
		facts = facts[:funFactsCount]
	}
	return facts, nil
}

// Output is the collected result of an in-process rewrite.
type Output struct {
	URL              string             `json:"url"`
	RewrittenArticle string             `json:"rewritten_article"`
	Insights         article.InsightSet `json:"insights"`
	Stats            article.Stats      `json:"stats"`
	Cached           bool               `json:"cached"`
	Partial          bool               `json:"partial,omitempty"`
}

// Collector is a Sink that buffers the relayed tokens.
type Collector struct {
	buf  strings.Builder
	done bool
}

func (c *Collector) Token(content string) error {
	c.buf.WriteString(content)
	return nil
}

func (c *Collector) Done() error {
	c.done = true
	return nil
}

// Text returns everything collected so far.
func (c *Collector) Text() string { return c.buf.String() }

// Rewrite runs Resolve and Relay in-process and returns the parsed result.
// A stream that ends early or does not parse yields Partial with the best
// values recovered from the incomplete object.
func (s *Service) Rewrite(ctx context.Context, rawURL string) (*Output, error) {
	res, err := s.Resolve(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	if res.Hit() {
		ins := res.Cached.Insights.Normalized()
		return &Output{
			URL:              res.URL,
			RewrittenArticle: res.Cached.RewrittenContent,
			Insights:         ins,
			Stats:            ins.Stats(),
			Cached:           true,
		}, nil
	}

	var c Collector
	if _, err := s.Relay(ctx, res, &c); err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}

	buf := []byte(c.Text())
	ex := partial.New()
	ex.Update(buf)
	result, ok := ex.Final(buf)

	out := &Output{
		URL:              res.URL,
		RewrittenArticle: result.RewrittenArticle,
		Insights:         result.Insights.Normalized(),
		Partial:          !ok || !c.done,
	}
	out.Stats = out.Insights.Stats()
	return out, nil
}
