// Package scrape fetches a source page and reduces it to readable text.
package scrape

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultTimeout = 30 * time.Second
	DefaultMemoTTL = 10 * time.Minute
	userAgent      = "recast/1.0 (+https://github.com/hpungsan/recast)"
	maxPageBytes   = 8 << 20
)

// textSelector lists the block elements kept from the readable content.
const textSelector = "h1,h2,h3,h4,h5,h6,p,li,blockquote,pre,dd,dt"

// Document is the readable form of one source page.
type Document struct {
	URL      string `json:"url"`
	Title    string `json:"title,omitempty"`
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
	Chars    int    `json:"chars"`
}

// Options configures a Scraper.
type Options struct {
	Timeout    time.Duration
	MemoTTL    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
	Now        func() time.Time
}

// Scraper fetches documents. Concurrent fetches of the same URL share one request,
// and recent results are served from memory.
type Scraper struct {
	http    *http.Client
	timeout time.Duration
	group   singleflight.Group
	memo    *memo
	logger  *slog.Logger
}

// New returns a Scraper. Zero options use the package defaults; a negative
// MemoTTL disables the in-memory cache.
func New(opts Options) *Scraper {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MemoTTL == 0 {
		opts.MemoTTL = DefaultMemoTTL
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scraper{
		http:    opts.HTTPClient,
		timeout: opts.Timeout,
		memo:    newMemo(opts.MemoTTL, opts.Now),
		logger:  opts.Logger,
	}
}

// Fetch returns the readable text of the page at rawURL.
func (s *Scraper) Fetch(ctx context.Context, rawURL string) (*Document, error) {
	if doc, ok := s.memo.get(rawURL); ok {
		return doc, nil
	}

	ch := s.group.DoChan(rawURL, func() (any, error) {
		// Detached from any single caller so one cancellation does not fail the others.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		doc, err := s.fetch(fctx, rawURL)
		if err != nil {
			return nil, err
		}
		s.memo.set(rawURL, doc)
		return doc, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Document), nil
	}
}

func (s *Scraper) fetch(ctx context.Context, rawURL string) (*Document, error) {
	pageURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	start := time.Now()
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch page, status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	doc, err := Extract(string(body), pageURL)
	if err != nil {
		return nil, err
	}
	doc.URL = rawURL
	doc.Language = DetectLanguage(doc.Text)

	s.logger.Debug("source fetched",
		"url", rawURL,
		"chars", doc.Chars,
		"language", doc.Language,
		"elapsed", time.Since(start))
	return doc, nil
}

// Extract reduces an HTML page to its readable text. Readability picks the main
// content; when it fails the whole body is used.
func Extract(html string, pageURL *url.URL) (*Document, error) {
	if pageURL == nil {
		pageURL = &url.URL{}
	}
	var (
		title   string
		content = html
	)
	parser := readability.NewParser()
	if art, err := parser.Parse(strings.NewReader(html), pageURL); err == nil && art.Content != "" {
		title = art.Title
		content = art.Content
	}

	qd, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}
	qd.Find("script,style,noscript,sup.reference,.mw-editsection").Remove()
	if title == "" {
		title = normalizeText(qd.Find("title").First().Text())
	}

	var blocks []string
	qd.Find(textSelector).Each(func(_ int, sel *goquery.Selection) {
		// Nested blocks (li inside li, p inside blockquote) are covered by their parent.
		if sel.ParentsFiltered(textSelector).Length() > 0 {
			return
		}
		if text := normalizeText(sel.Text()); text != "" {
			blocks = append(blocks, text)
		}
	})
	if len(blocks) == 0 {
		if text := normalizeText(qd.Find("body").Text()); text != "" {
			blocks = append(blocks, text)
		}
	}

	text := strings.Join(blocks, "\n\n")
	return &Document{
		Title: normalizeText(title),
		Text:  text,
		Chars: utf8.RuneCountInString(text),
	}, nil
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Truncate returns at most n runes of s.
func Truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
