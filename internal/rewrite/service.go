// Package rewrite is the gateway core: cache check, source fetch, upstream relay
// and the best-effort cache write after a completed stream.
package rewrite

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hpungsan/recast/internal/article"
	"github.com/hpungsan/recast/internal/cache"
	"github.com/hpungsan/recast/internal/config"
	"github.com/hpungsan/recast/internal/errors"
	"github.com/hpungsan/recast/internal/scrape"
	"github.com/hpungsan/recast/internal/upstream"
)

// cacheWriteTimeout bounds the upsert after a completed stream.
const cacheWriteTimeout = 10 * time.Second

// Fetcher returns the readable text of a source page.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*scrape.Document, error)
}

// Generator is the upstream generation provider.
type Generator interface {
	Stream(ctx context.Context, req upstream.Request) (*upstream.Stream, error)
	Complete(ctx context.Context, req upstream.Request) (string, error)
}

// Options holds the gateway settings.
type Options struct {
	AllowedDomains      []string
	Model               string
	FunFactsModel       string
	MaxSourceChars      int
	FunFactsSourceChars int
	ProbeMinChars       int
	ProbeMaxChars       int
}

// OptionsFromConfig maps configuration onto service options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		AllowedDomains:      cfg.AllowedDomains,
		Model:               cfg.Model,
		FunFactsModel:       cfg.FunFactsModel,
		MaxSourceChars:      cfg.MaxSourceChars,
		FunFactsSourceChars: cfg.FunFactsSourceChars,
		ProbeMinChars:       cfg.ProbeMinChars,
		ProbeMaxChars:       cfg.ProbeMaxChars,
	}
}

// Service resolves rewrite requests. It is safe for concurrent use; the cache
// store's upsert is the only shared write.
type Service struct {
	store   cache.Store
	fetcher Fetcher
	gen     Generator
	opts    Options
	logger  *slog.Logger
}

// NewService wires the gateway. A nil logger uses slog.Default.
func NewService(store cache.Store, fetcher Fetcher, gen Generator, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, fetcher: fetcher, gen: gen, opts: opts, logger: logger}
}

// Resolution is the outcome of Resolve: either a cached record or an open
// stream whose first token has already been read.
type Resolution struct {
	URL    string
	Cached *article.Record

	doc    *scrape.Document
	stream *upstream.Stream
	first  string
}

// Hit reports whether the request is served from cache.
func (r *Resolution) Hit() bool {
	return r.Cached != nil
}

// Close releases the upstream stream, if one is open.
func (r *Resolution) Close() error {
	if r.stream == nil {
		return nil
	}
	err := r.stream.Close()
	r.stream = nil
	return err
}

// Resolve validates rawURL, checks the cache and, on a miss, opens the upstream
// stream. Every failure up to and including the first token is returned as a
// *errors.RecastError, so callers can still answer with a single JSON error.
func (s *Service) Resolve(ctx context.Context, rawURL string) (*Resolution, error) {
	url, err := article.CanonicalURL(rawURL, s.opts.AllowedDomains)
	if err != nil {
		return nil, err
	}
	log := s.logger.With("url", url)

	s.state(ctx, log, StateCacheCheck)
	rec, found, err := s.store.Lookup(ctx, url)
	if err != nil {
		// The cache is best effort; a broken read becomes a miss.
		log.WarnContext(ctx, "cache lookup failed", "err", err)
	}
	if found {
		s.state(ctx, log, StateCacheHitRespond)
		return &Resolution{URL: url, Cached: rec}, nil
	}

	doc, err := s.fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, errors.NewScrape(url, err)
	}
	if strings.TrimSpace(doc.Text) == "" {
		return nil, errors.NewScrape(url, stderrors.New("no readable text"))
	}

	s.state(ctx, log, StateStreamOpen)
	stream, err := s.gen.Stream(ctx, rewriteRequest(s.opts.Model, doc, s.opts.MaxSourceChars))
	if err != nil {
		return nil, errors.NewUpstream(err)
	}

	first, err := stream.Next()
	if err != nil {
		stream.Close()
		if err == io.EOF {
			err = upstream.ErrEmptyStream
		}
		return nil, errors.NewUpstream(err)
	}

	return &Resolution{URL: url, doc: doc, stream: stream, first: first}, nil
}

// Sink receives relayed events.
type Sink interface {
	Token(content string) error
	Done() error
}

// RelayResult summarizes one relay.
type RelayResult struct {
	Tokens    int
	Chars     int
	Completed bool
	Cached    bool
}

// Relay forwards every upstream token to sink as it arrives and keeps a copy.
// When the upstream completes it calls sink.Done, then parses the copy once and
// caches it if it carries an article. A transport error or a failed sink write
// ends the relay early with no Done and no cache write. Relay closes res.
func (s *Service) Relay(ctx context.Context, res *Resolution, sink Sink) (*RelayResult, error) {
	defer res.Close()
	if res.Hit() || res.stream == nil {
		return nil, fmt.Errorf("relay: resolution has no open stream")
	}
	log := s.logger.With("url", res.URL)
	out := &RelayResult{}

	s.state(ctx, log, StateRelayLoop)
	var acc strings.Builder
	token := res.first
	for {
		if err := sink.Token(token); err != nil {
			log.InfoContext(ctx, "client write failed, relay abandoned", "tokens", out.Tokens, "err", err)
			return out, fmt.Errorf("write token: %w", err)
		}
		acc.WriteString(token)
		out.Tokens++
		out.Chars += utf8.RuneCountInString(token)

		var err error
		token, err = res.stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.WarnContext(ctx, "upstream stream interrupted", "tokens", out.Tokens, "chars", out.Chars, "err", err)
			return out, fmt.Errorf("read upstream: %w", err)
		}
	}

	out.Completed = true
	s.state(ctx, log, StateStreamClosed)
	if err := sink.Done(); err != nil {
		log.InfoContext(ctx, "terminal event not delivered", "err", err)
	}

	out.Cached = s.cacheWrite(ctx, log, res, acc.String())
	log.InfoContext(ctx, "relay complete", "tokens", out.Tokens, "chars", out.Chars, "cached", out.Cached)
	return out, nil
}

// cacheWrite parses the accumulated text once and upserts the record.
// Every failure is logged and swallowed.
func (s *Service) cacheWrite(ctx context.Context, log *slog.Logger, res *Resolution, text string) bool {
	s.state(ctx, log, StateAttemptCacheWrite)
	result, err := article.ParseResult(text)
	if err != nil {
		log.WarnContext(ctx, "generated text did not parse, not caching", "chars", utf8.RuneCountInString(text), "err", err)
		return false
	}

	rec := &article.Record{
		URL:              res.URL,
		OriginalContent:  scrape.Truncate(res.doc.Text, s.opts.MaxSourceChars),
		RewrittenContent: result.RewrittenArticle,
		Insights:         result.Insights,
		Language:         res.doc.Language,
	}
	// The client may already be gone; the write does not depend on it.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cacheWriteTimeout)
	defer cancel()
	if err := s.store.Upsert(wctx, rec); err != nil {
		log.ErrorContext(ctx, "cache write failed", "err", err)
		return false
	}
	return true
}

func (s *Service) state(ctx context.Context, log *slog.Logger, st State) {
	log.DebugContext(ctx, "gateway state", "state", st.String())
}
