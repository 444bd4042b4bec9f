package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/hpungsan/recast/internal/article"
	"github.com/hpungsan/recast/internal/db"
	"github.com/hpungsan/recast/internal/errors"
)

// PageData contains common fields used across all page templates.
type PageData struct {
	Title   string
	Version string
}

// InsightSection is one insight category as shown on the article page.
type InsightSection struct {
	Label string
	Items []string
}

// ArticlePageData is the template data for a cached article.
type ArticlePageData struct {
	PageData
	Record       *article.Record
	RenderedHTML template.HTML
	Chars        int
	Stats        article.Stats
	Sections     []InsightSection
}

// ListPageData is the template data for the cached article list.
type ListPageData struct {
	PageData
	Items      []article.Summary
	Pagination db.Pagination
}

// ErrorPageData is the template data for the error page.
type ErrorPageData struct {
	PageData
	StatusCode int
	Message    string
}

var categoryLabels = map[article.Category]string{
	article.BiasesRemoved:        "Biases removed",
	article.ContextAdded:         "Context added",
	article.Corrections:          "Corrections",
	article.NarrativesChallenged: "Narratives challenged",
}

// Renderer manages template parsing and rendering.
type Renderer struct {
	templates map[string]*template.Template
	version   string
	logger    *slog.Logger
	md        goldmark.Markdown
}

// NewRenderer creates a Renderer by parsing templates from the given FS.
func NewRenderer(templateFS fs.FS, version string, logger *slog.Logger) *Renderer {
	funcMap := template.FuncMap{
		"add":         func(a, b int) int { return a + b },
		"formatTime":  formatTime,
		"formatChars": formatChars,
	}

	layoutTmpl := template.Must(template.New("layout").Funcs(funcMap).ParseFS(templateFS, "layout.html"))

	pages := map[string]string{
		"article": "article.html",
		"list":    "list.html",
		"error":   "error.html",
	}

	templates := make(map[string]*template.Template, len(pages))
	for name, file := range pages {
		t := template.Must(layoutTmpl.Clone())
		template.Must(t.ParseFS(templateFS, file))
		templates[name] = t
	}

	return &Renderer{
		templates: templates,
		version:   version,
		logger:    logger,
		md:        goldmark.New(goldmark.WithExtensions(extension.GFM)),
	}
}

// renderPage renders a named page template with the given data and HTTP status code.
func (r *Renderer) renderPage(w http.ResponseWriter, req *http.Request, status int, name string, data any) {
	t, ok := r.templates[name]
	if !ok {
		r.logger.ErrorContext(req.Context(), "template not found", "template", name)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout", data); err != nil {
		r.logger.ErrorContext(req.Context(), "template execution failed", "template", name, "err", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

// renderError writes err as {"error", "code"} with the error's status, or as an
// HTML page when the client asked for HTML.
func (r *Renderer) renderError(w http.ResponseWriter, req *http.Request, err error) {
	rErr := errors.As(err)
	if rErr.Code == errors.ErrInternal {
		r.logger.ErrorContext(req.Context(), "request failed", "err", err, "details", rErr.Details)
	} else {
		r.logger.InfoContext(req.Context(), "request rejected", "code", string(rErr.Code), "err", rErr.Message)
	}

	if strings.Contains(req.Header.Get("Accept"), "text/html") {
		r.renderPage(w, req, rErr.Status, "error", ErrorPageData{
			PageData:   PageData{Title: fmt.Sprintf("Error %d", rErr.Status), Version: r.version},
			StatusCode: rErr.Status,
			Message:    rErr.Message,
		})
		return
	}

	renderJSON(w, rErr.Status, map[string]any{
		"error": rErr.Message,
		"code":  string(rErr.Code),
	})
}

// renderJSON writes a JSON response.
func renderJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(data)
}

// renderMarkdown converts markdown text to HTML using goldmark.
// Raw HTML in the source is dropped by goldmark's default renderer.
func (r *Renderer) renderMarkdown(md string) template.HTML {
	var buf bytes.Buffer
	if err := r.md.Convert([]byte(md), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(md))
	}
	return template.HTML(buf.String())
}

func insightSections(set article.InsightSet) []InsightSection {
	out := make([]InsightSection, 0, len(article.Categories))
	for _, c := range article.Categories {
		out = append(out, InsightSection{Label: categoryLabels[c], Items: set.Get(c)})
	}
	return out
}

// formatTime formats a Unix timestamp as "2006-01-02 15:04" UTC.
func formatTime(unix int64) string {
	return time.Unix(unix, 0).UTC().Format("2006-01-02 15:04")
}

// formatChars formats an integer with comma thousands separators.
func formatChars(n int) string {
	if n < 0 {
		return "-" + formatChars(-n)
	}
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}

	var result strings.Builder
	remainder := len(s) % 3
	if remainder > 0 {
		result.WriteString(s[:remainder])
	}
	for i := remainder; i < len(s); i += 3 {
		if result.Len() > 0 {
			result.WriteByte(',')
		}
		result.WriteString(s[i : i+3])
	}
	return result.String()
}
