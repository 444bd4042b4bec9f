package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hpungsan/recast/internal/article"
	"github.com/hpungsan/recast/internal/cache"
	"github.com/hpungsan/recast/internal/db"
	"github.com/hpungsan/recast/internal/progress"
	"github.com/hpungsan/recast/internal/rewrite"
	"github.com/hpungsan/recast/internal/scrape"
	"github.com/hpungsan/recast/internal/upstream"
	"github.com/hpungsan/recast/internal/web"
)

const goURL = "https://en.wikipedia.org/wiki/Go"

var providerTokens = []string{
	`{"rewritten_article":"Go is`,
	` a language.","insights":{"biases_removed":["hype"],"context_added":[],`,
	`"corrections":["year"],"narratives_challenged":[]}}`,
}

type stubFetcher struct{}

func (stubFetcher) Fetch(ctx context.Context, u string) (*scrape.Document, error) {
	return &scrape.Document{URL: u, Text: "Go is a programming language.", Chars: 29}, nil
}

// newGateway runs the real gateway over a fake provider and a temp cache.
func newGateway(t *testing.T) *httptest.Server {
	t.Helper()

	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, tok := range providerTokens {
			b, _ := json.Marshal(map[string]any{
				"choices": []any{map[string]any{"delta": map[string]any{"content": tok}}},
			})
			fmt.Fprintf(w, "data: %s\n\n", b)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(provider.Close)

	database, err := db.Init(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	store := cache.NewSQLStore(database)

	svc := rewrite.NewService(store, stubFetcher{}, upstream.New(upstream.Options{BaseURL: provider.URL}), rewrite.Options{
		AllowedDomains: []string{"wikipedia.org"},
		Model:          "test/model",
		MaxSourceChars: 50000,
		ProbeMinChars:  1000,
		ProbeMaxChars:  200000,
	}, nil)

	srv := httptest.NewServer(web.NewHandler(web.Deps{Service: svc, Store: store, Version: "test"}))
	t.Cleanup(srv.Close)
	return srv
}

// sseEvents writes each token as a content event.
func sseEvents(w http.ResponseWriter, tokens ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, tok := range tokens {
		b, _ := json.Marshal(map[string]string{"content": tok})
		fmt.Fprintf(w, "data: %s\n\n", b)
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

type recorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *recorder) add(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *recorder) all() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Snapshot(nil), r.snaps...)
}

func phases(snaps []Snapshot) []progress.Phase {
	var out []progress.Phase
	for _, s := range snaps {
		if len(out) == 0 || out[len(out)-1] != s.Phase {
			out = append(out, s.Phase)
		}
	}
	return out
}

// --- Session ---

func TestSession_Frames(t *testing.T) {
	s := NewSession(nil)
	require.NoError(t, s.Acknowledge())

	_, err := s.AppendToken(`{"rewritten_article":"Hello`)
	require.NoError(t, err)
	snap := s.Snapshot()
	require.Equal(t, progress.Rewriting, snap.Phase)
	require.Empty(t, snap.Article)

	ch, err := s.AppendToken(` world.","insights":{"biases_removed":[]}}`)
	require.NoError(t, err)
	require.True(t, ch.Article)
	snap = s.Snapshot()
	require.Equal(t, "Hello world.", snap.Article)
	require.NotNil(t, snap.Insights.BiasesRemoved)
	require.Empty(t, snap.Insights.BiasesRemoved)
	require.Nil(t, snap.Insights.Corrections)

	res, ok, err := s.Complete()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Hello world.", res.RewrittenArticle)

	snap = s.Snapshot()
	require.Equal(t, progress.Finalizing, snap.Phase)
	require.Equal(t, 100.0, snap.Percent)
}

func TestSession_ProgressWithEstimate(t *testing.T) {
	now := time.Unix(1000, 0)
	s := NewSession(func() time.Time { return now })
	require.Equal(t, 10.0, s.Snapshot().Percent)

	require.NoError(t, s.SetExpectedTotal(4000))
	require.NoError(t, s.Acknowledge())
	require.Equal(t, 30.0, s.Snapshot().Percent)

	_, err := s.AppendToken(strings.Repeat("a", 1000))
	require.NoError(t, err)
	now = now.Add(time.Second)
	_, err = s.AppendToken(strings.Repeat("a", 1000))
	require.NoError(t, err)

	snap := s.Snapshot()
	require.InDelta(t, 62.5, snap.Percent, 1e-9)
	require.NotNil(t, snap.ETASeconds)
	require.Greater(t, *snap.ETASeconds, 0.0)
}

func TestSession_CompleteBeforeAnyToken(t *testing.T) {
	s := NewSession(nil)
	require.NoError(t, s.Acknowledge())

	_, ok, err := s.Complete()
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, progress.Finalizing, s.Snapshot().Phase)
}

func TestSession_TokenBeforeAcknowledge(t *testing.T) {
	s := NewSession(nil)
	_, err := s.AppendToken("x")
	require.Error(t, err)
	require.True(t, errors.Is(err, progress.ErrIllegalTransition))
	require.Equal(t, progress.Fetching, s.Snapshot().Phase)
	require.Empty(t, s.Raw())
	require.Empty(t, s.Snapshot().Article)
}

func TestSession_TokenAfterComplete(t *testing.T) {
	s := NewSession(nil)
	require.NoError(t, s.Acknowledge())
	buf := `{"rewritten_article":"done","insights":{}}`
	_, err := s.AppendToken(buf)
	require.NoError(t, err)
	_, ok, err := s.Complete()
	require.NoError(t, err)
	require.True(t, ok)

	_, err = s.AppendToken("junk")
	require.ErrorIs(t, err, progress.ErrIllegalTransition)
	require.Equal(t, buf, s.Raw())
	require.Equal(t, "done", s.Snapshot().Article)
}

func TestSession_CompleteCached(t *testing.T) {
	s := NewSession(nil)
	require.NoError(t, s.Acknowledge())
	require.NoError(t, s.CompleteCached(resultOf("cached text")))

	snap := s.Snapshot()
	require.Equal(t, progress.Finalizing, snap.Phase)
	require.Equal(t, "cached text", snap.Article)
	require.NotNil(t, snap.Insights.NarrativesChallenged)
}

// --- Client against the real gateway ---

func TestClient_Rewrite_StreamThenCached(t *testing.T) {
	gw := newGateway(t)
	c := New(Options{BaseURL: gw.URL})

	rec := &recorder{}
	res, err := c.Rewrite(context.Background(), goURL, rec.add)
	require.NoError(t, err)
	require.False(t, res.Cached)
	require.True(t, res.Parsed)
	require.False(t, res.Interrupted)
	require.Equal(t, "Go is a language.", res.RewrittenArticle)
	require.Equal(t, []string{"hype"}, res.Insights.BiasesRemoved)
	require.Equal(t, 2, res.Counts().Total)

	snaps := rec.all()
	require.Equal(t, []progress.Phase{progress.Fetching, progress.Analyzing, progress.Rewriting, progress.Finalizing}, phases(snaps))
	for i := 1; i < len(snaps); i++ {
		require.GreaterOrEqual(t, snaps[i].Percent, snaps[i-1].Percent, "percent regressed at update %d", i)
	}
	require.Equal(t, 100.0, snaps[len(snaps)-1].Percent)

	rec = &recorder{}
	res, err = c.Rewrite(context.Background(), goURL+"#History", rec.add)
	require.NoError(t, err)
	require.True(t, res.Cached)
	require.Equal(t, "Go is a language.", res.RewrittenArticle)
	require.Equal(t, []string{"year"}, res.Insights.Corrections)
	require.Equal(t, []progress.Phase{progress.Fetching, progress.Analyzing, progress.Finalizing}, phases(rec.all()))
}

func TestClient_Rewrite_InvalidURL(t *testing.T) {
	gw := newGateway(t)
	c := New(Options{BaseURL: gw.URL})

	_, err := c.Rewrite(context.Background(), "https://example.com/a", nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusBadRequest, apiErr.Status)
	require.Equal(t, "INVALID_URL", apiErr.Code)
	require.NotEmpty(t, apiErr.Message)
}

func TestClient_Probe(t *testing.T) {
	gw := newGateway(t)
	c := New(Options{BaseURL: gw.URL})

	p, err := c.Probe(context.Background(), goURL)
	require.NoError(t, err)
	require.Equal(t, 29, p.SourceChars)
	require.Equal(t, scrape.EstimateChars(29, 50000, 1000, 200000), p.ExpectedChars)
	require.False(t, p.Cached)
}

// --- Client against scripted gateways ---

func TestClient_Rewrite_Interrupted(t *testing.T) {
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sseEvents(w, `{"rewritten_article":"Partial text.",`, `"insights":{"corrections":["x"]`)
	}))
	defer gw.Close()

	c := New(Options{BaseURL: gw.URL, SkipProbe: true})
	res, err := c.Rewrite(context.Background(), goURL, nil)
	require.NoError(t, err)
	require.True(t, res.Interrupted)
	require.False(t, res.Parsed)
	require.Equal(t, "Partial text.", res.RewrittenArticle)
	require.Equal(t, []string{"x"}, res.Insights.Corrections)
	require.Nil(t, res.Insights.BiasesRemoved)
}

func TestClient_Rewrite_ConnectionDropped(t *testing.T) {
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sseEvents(w, `{"rewritten_article":"Kept."`)
		conn, _, err := http.NewResponseController(w).Hijack()
		if err == nil {
			conn.Close()
		}
	}))
	defer gw.Close()

	c := New(Options{BaseURL: gw.URL, SkipProbe: true})
	res, err := c.Rewrite(context.Background(), goURL, nil)
	require.NoError(t, err)
	require.True(t, res.Interrupted)
	require.Equal(t, "Kept.", res.RewrittenArticle)
}

func TestClient_Rewrite_FinalParseFails(t *testing.T) {
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sseEvents(w, `{"rewritten_article":"Almost.",`, `"insights":`)
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer gw.Close()

	rec := &recorder{}
	c := New(Options{BaseURL: gw.URL, SkipProbe: true})
	res, err := c.Rewrite(context.Background(), goURL, rec.add)
	require.NoError(t, err)
	require.False(t, res.Interrupted)
	require.False(t, res.Parsed)
	require.Equal(t, "Almost.", res.RewrittenArticle)

	snaps := rec.all()
	require.Equal(t, progress.Finalizing, snaps[len(snaps)-1].Phase)
}

func TestClient_Rewrite_SkipsMalformedEvents(t *testing.T) {
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "data: not json\n\n")
		fmt.Fprint(w, `data: {"content":"{\"rewritten_article\":\"ok\",\"insights\":{}}"}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer gw.Close()

	c := New(Options{BaseURL: gw.URL, SkipProbe: true})
	res, err := c.Rewrite(context.Background(), goURL, nil)
	require.NoError(t, err)
	require.True(t, res.Parsed)
	require.Equal(t, "ok", res.RewrittenArticle)
}

func TestClient_Rewrite_ProbeFailureIsNotFatal(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /probe", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	mux.HandleFunc("POST /rewrite", func(w http.ResponseWriter, r *http.Request) {
		sseEvents(w, `{"rewritten_article":"fine","insights":{}}`)
		fmt.Fprint(w, "data: [DONE]\n\n")
	})
	gw := httptest.NewServer(mux)
	defer gw.Close()

	c := New(Options{BaseURL: gw.URL})
	res, err := c.Rewrite(context.Background(), goURL, nil)
	require.NoError(t, err)
	require.Equal(t, "fine", res.RewrittenArticle)
}

func TestClient_Rewrite_NonJSONError(t *testing.T) {
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer gw.Close()

	c := New(Options{BaseURL: gw.URL, SkipProbe: true})
	_, err := c.Rewrite(context.Background(), goURL, nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusBadGateway, apiErr.Status)
	require.Equal(t, "bad gateway", apiErr.Message)
	require.Empty(t, apiErr.Code)
}

func TestClient_Rewrite_Cancelled(t *testing.T) {
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sseEvents(w, `{"rewritten_article":"`)
		<-r.Context().Done()
	}))
	defer gw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := New(Options{BaseURL: gw.URL, SkipProbe: true})
	_, err := c.Rewrite(ctx, goURL, func(s Snapshot) {
		if s.Phase == progress.Rewriting {
			cancel()
		}
	})
	require.ErrorIs(t, err, context.Canceled)
}

// --- Manager ---

func TestManager_StartSupersedes(t *testing.T) {
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			URL string `json:"url"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if strings.HasSuffix(body.URL, "/First") {
			sseEvents(w, `{"rewritten_article":"first",`)
			<-r.Context().Done()
			return
		}
		sseEvents(w, `{"rewritten_article":"second","insights":{}}`)
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer gw.Close()

	m := NewManager(New(Options{BaseURL: gw.URL, SkipProbe: true}))

	var (
		mu      sync.Mutex
		updates []string
	)
	started := make(chan struct{})
	var once sync.Once
	onUpdate := func(s Snapshot) {
		mu.Lock()
		updates = append(updates, s.Article)
		mu.Unlock()
		if s.Article == "first" {
			once.Do(func() { close(started) })
		}
	}

	first := m.Start(context.Background(), "https://en.wikipedia.org/wiki/First", onUpdate)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first session never produced its article")
	}

	second := m.Start(context.Background(), "https://en.wikipedia.org/wiki/Second", onUpdate)
	mu.Lock()
	mark := len(updates)
	mu.Unlock()

	_, err := first.Wait()
	require.ErrorIs(t, err, context.Canceled)

	res, err := second.Wait()
	require.NoError(t, err)
	require.Equal(t, "second", res.RewrittenArticle)

	mu.Lock()
	defer mu.Unlock()
	for _, a := range updates[mark:] {
		require.NotEqual(t, "first", a, "update from superseded session delivered")
	}
	require.Equal(t, "second", updates[len(updates)-1])
}

func TestManager_Cancel(t *testing.T) {
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sseEvents(w, `{"rewritten_article":"`)
		<-r.Context().Done()
	}))
	defer gw.Close()

	m := NewManager(New(Options{BaseURL: gw.URL, SkipProbe: true}))
	rewriting := make(chan struct{})
	var once sync.Once
	run := m.Start(context.Background(), goURL, func(s Snapshot) {
		if s.Phase == progress.Rewriting {
			once.Do(func() { close(rewriting) })
		}
	})
	<-rewriting
	m.Cancel()

	_, err := run.Wait()
	require.ErrorIs(t, err, context.Canceled)
}

func resultOf(text string) article.Result {
	return article.Result{RewrittenArticle: text}
}
