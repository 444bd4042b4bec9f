package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hpungsan/recast/internal/article"
	"github.com/hpungsan/recast/internal/sse"
)

// DefaultBaseURL is the gateway address used when none is configured.
const DefaultBaseURL = "http://127.0.0.1:8787"

// Options configures a Client.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *slog.Logger
	// Now is the clock handed to each session's estimator.
	Now func() time.Time
	// SkipProbe starts rewrites without a size estimate.
	SkipProbe bool
}

// Client talks to a rewrite gateway.
type Client struct {
	baseURL   string
	http      *http.Client
	logger    *slog.Logger
	now       func() time.Time
	skipProbe bool
}

// New creates a Client.
func New(opts Options) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		http:      opts.HTTPClient,
		logger:    opts.Logger,
		now:       opts.Now,
		skipProbe: opts.SkipProbe,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.http == nil {
		c.http = http.DefaultClient
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// APIError is a non-200 answer from the gateway.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("gateway returned %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("gateway returned %d %s: %s", e.Status, e.Code, e.Message)
}

// ProbeResult is the gateway's size estimate for a URL.
type ProbeResult struct {
	URL           string `json:"url"`
	ExpectedChars int    `json:"expected_chars"`
	SourceChars   int    `json:"source_chars"`
	Cached        bool   `json:"cached"`
}

// Result is the outcome of one rewrite.
type Result struct {
	URL              string             `json:"url"`
	RewrittenArticle string             `json:"rewritten_article"`
	Insights         article.InsightSet `json:"insights"`
	Cached           bool               `json:"cached"`
	// Parsed is true when the complete object passed the final parse.
	Parsed bool `json:"parsed"`
	// Interrupted is true when the stream ended before its terminal frame;
	// the fields hold the last partial values.
	Interrupted bool `json:"interrupted,omitempty"`
}

// Counts returns per-category insight counts and their total.
func (r *Result) Counts() article.Stats {
	return r.Insights.Stats()
}

type cachedBody struct {
	RewrittenArticle string             `json:"rewritten_article"`
	Insights         article.InsightSet `json:"insights"`
	Cached           bool               `json:"cached"`
}

type contentEvent struct {
	Content string `json:"content"`
}

// Probe asks the gateway for the expected size of the generated object.
func (c *Client) Probe(ctx context.Context, url string) (*ProbeResult, error) {
	resp, err := c.post(ctx, "/probe", url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}
	var out ProbeResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode probe response: %w", err)
	}
	return &out, nil
}

// Rewrite runs one rewrite session. onUpdate, if non-nil, receives a snapshot
// after every state change; it runs on the calling goroutine.
//
// A stream that breaks off returns the partial result with Interrupted set and
// no error. Cancelling ctx returns ctx.Err().
func (c *Client) Rewrite(ctx context.Context, url string, onUpdate func(Snapshot)) (*Result, error) {
	s := NewSession(c.now)
	notify := func() {
		if onUpdate != nil {
			onUpdate(s.Snapshot())
		}
	}
	notify()

	if !c.skipProbe {
		c.seed(ctx, s, url)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	resp, err := c.post(ctx, "/rewrite", url)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}
	if err := s.Acknowledge(); err != nil {
		return nil, err
	}
	notify()

	if isJSON(resp.Header.Get("Content-Type")) {
		var body cachedBody
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("decode cached response: %w", err)
		}
		if err := s.CompleteCached(article.Result{RewrittenArticle: body.RewrittenArticle, Insights: body.Insights}); err != nil {
			return nil, err
		}
		notify()
		return result(url, s.Snapshot(), true, true, false), nil
	}

	done := false
	for f, err := range sse.NewDecoder(resp.Body).Frames() {
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.InfoContext(ctx, "stream interrupted", "url", url, "err", err)
			break
		}
		if f.Done {
			done = true
			break
		}
		var ev contentEvent
		if err := json.Unmarshal([]byte(f.Data), &ev); err != nil {
			c.logger.DebugContext(ctx, "skipping malformed event", "url", url, "err", err)
			continue
		}
		if _, err := s.AppendToken(ev.Content); err != nil {
			return nil, err
		}
		notify()
	}

	if !done {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return result(url, s.Snapshot(), false, false, true), nil
	}

	_, ok, err := s.Complete()
	if err != nil {
		return nil, err
	}
	if !ok {
		c.logger.InfoContext(ctx, "final parse failed, keeping partial values", "url", url, "chars", len(s.Raw()))
	}
	notify()
	return result(url, s.Snapshot(), false, ok, false), nil
}

// seed probes the gateway and hands the estimate to the session. Failures
// only cost the session its estimate.
func (c *Client) seed(ctx context.Context, s *Session, url string) {
	p, err := c.Probe(ctx, url)
	if err != nil {
		c.logger.DebugContext(ctx, "probe failed", "url", url, "err", err)
		return
	}
	if err := s.SetExpectedTotal(p.ExpectedChars); err != nil {
		c.logger.DebugContext(ctx, "probe estimate rejected", "url", url, "expected_chars", p.ExpectedChars, "err", err)
	}
}

func (c *Client) post(ctx context.Context, path, url string) (*http.Response, error) {
	body, err := json.Marshal(map[string]string{"url": url})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream, application/json")
	req.Header.Set("X-Request-ID", ulid.Make().String())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", path, err)
	}
	return resp, nil
}

func apiError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	e := &APIError{Status: resp.StatusCode}
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		e.Code = body.Code
		e.Message = body.Error
	} else {
		e.Message = strings.TrimSpace(string(data))
		if e.Message == "" {
			e.Message = http.StatusText(resp.StatusCode)
		}
	}
	return e
}

func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == "application/json"
}

func result(url string, snap Snapshot, cached, parsed, interrupted bool) *Result {
	return &Result{
		URL:              url,
		RewrittenArticle: snap.Article,
		Insights:         snap.Insights,
		Cached:           cached,
		Parsed:           parsed,
		Interrupted:      interrupted,
	}
}
