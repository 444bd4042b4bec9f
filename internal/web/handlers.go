package web

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"unicode/utf8"

	"github.com/hpungsan/recast/internal/cache"
	"github.com/hpungsan/recast/internal/errors"
	"github.com/hpungsan/recast/internal/rewrite"
	"github.com/hpungsan/recast/internal/sse"
)

// maxBodyBytes bounds request bodies; they only carry a URL.
const maxBodyBytes = 64 << 10

// Handlers contains the HTTP route handlers.
type Handlers struct {
	svc      *rewrite.Service
	store    *cache.SQLStore
	logger   *slog.Logger
	version  string
	renderer *Renderer
}

type urlRequest struct {
	URL string `json:"url"`
}

// cachedResponse is the single-response body for a cache hit.
type cachedResponse struct {
	RewrittenArticle string `json:"rewritten_article"`
	Insights         any    `json:"insights"`
	Cached           bool   `json:"cached"`
}

// sseSink relays gateway tokens as server-sent events.
type sseSink struct {
	w *sse.Writer
}

func (s sseSink) Token(content string) error { return s.w.WriteContent(content) }
func (s sseSink) Done() error                { return s.w.WriteDone() }

// HandleRewrite handles POST /rewrite. A cache hit is one JSON response; a miss
// streams tokens as events. Errors before the first token are JSON errors.
func (h *Handlers) HandleRewrite(w http.ResponseWriter, r *http.Request) {
	in, err := decodeURLRequest(r)
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	res, err := h.svc.Resolve(r.Context(), in.URL)
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	if res.Hit() {
		renderJSON(w, http.StatusOK, cachedResponse{
			RewrittenArticle: res.Cached.RewrittenContent,
			Insights:         res.Cached.Insights.Normalized(),
			Cached:           true,
		})
		return
	}

	sw := sse.NewWriter(w)
	if err := sw.Start(); err != nil {
		res.Close()
		h.logger.InfoContext(r.Context(), "stream start failed", "err", err)
		return
	}
	// Once streaming has begun there is no way to send a different status;
	// relay errors are logged by the service and end the response.
	_, _ = h.svc.Relay(r.Context(), res, sseSink{w: sw})
}

// HandleProbe handles POST /probe.
func (h *Handlers) HandleProbe(w http.ResponseWriter, r *http.Request) {
	in, err := decodeURLRequest(r)
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	out, err := h.svc.Probe(r.Context(), in.URL)
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	renderJSON(w, http.StatusOK, out)
}

// HandleFunFacts handles POST /fun-facts.
func (h *Handlers) HandleFunFacts(w http.ResponseWriter, r *http.Request) {
	in, err := decodeURLRequest(r)
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	facts, err := h.svc.FunFacts(r.Context(), in.URL)
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	renderJSON(w, http.StatusOK, map[string]any{"fun_facts": facts})
}

// HandleList handles GET /articles.
func (h *Handlers) HandleList(w http.ResponseWriter, r *http.Request) {
	items, page, err := h.store.List(r.Context(), parseIntParam(r, "limit", 20), parseIntParam(r, "offset", 0))
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	renderJSON(w, http.StatusOK, map[string]any{
		"items":      items,
		"pagination": page,
	})
}

// HandleView handles GET /articles/view. With ?url= it renders one cached
// article; without, the list of cached articles.
func (h *Handlers) HandleView(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	if raw == "" {
		items, page, err := h.store.List(r.Context(), parseIntParam(r, "limit", 20), parseIntParam(r, "offset", 0))
		if err != nil {
			h.renderer.renderError(w, r, err)
			return
		}
		h.renderer.renderPage(w, r, http.StatusOK, "list", ListPageData{
			PageData:   PageData{Title: "Cached articles", Version: h.version},
			Items:      items,
			Pagination: page,
		})
		return
	}

	url, err := h.svc.CanonicalURL(raw)
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	rec, found, err := h.store.Lookup(r.Context(), url)
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	if !found {
		h.renderer.renderError(w, r, errors.NewNotFound(url))
		return
	}

	insights := rec.Insights.Normalized()
	h.renderer.renderPage(w, r, http.StatusOK, "article", ArticlePageData{
		PageData:     PageData{Title: url, Version: h.version},
		Record:       rec,
		RenderedHTML: h.renderer.renderMarkdown(rec.RewrittenContent),
		Chars:        utf8.RuneCountInString(rec.RewrittenContent),
		Stats:        insights.Stats(),
		Sections:     insightSections(insights),
	})
}

// HandleDelete handles DELETE /articles?url=.
func (h *Handlers) HandleDelete(w http.ResponseWriter, r *http.Request) {
	url, err := h.svc.CanonicalURL(r.URL.Query().Get("url"))
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	if err := h.store.Delete(r.Context(), url); err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	renderJSON(w, http.StatusOK, map[string]any{"deleted": true, "url": url})
}

// HandleHealth handles GET /healthz.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	n, err := h.store.Count(r.Context())
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	renderJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"version":         h.version,
		"cached_articles": n,
	})
}

func decodeURLRequest(r *http.Request) (*urlRequest, error) {
	var in urlRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&in); err != nil {
		return nil, errors.NewInvalidRequest("request body must be a JSON object with a url field")
	}
	return &in, nil
}

// parseIntParam parses an integer query parameter with a default value.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
