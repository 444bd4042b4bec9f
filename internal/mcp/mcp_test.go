package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hpungsan/recast/internal/cache"
	"github.com/hpungsan/recast/internal/config"
	"github.com/hpungsan/recast/internal/db"
	"github.com/hpungsan/recast/internal/errors"
	"github.com/hpungsan/recast/internal/rewrite"
	"github.com/hpungsan/recast/internal/scrape"
	"github.com/hpungsan/recast/internal/upstream"
)

const goURL = "https://en.wikipedia.org/wiki/Go"

type stubFetcher struct{}

func (stubFetcher) Fetch(ctx context.Context, u string) (*scrape.Document, error) {
	return &scrape.Document{URL: u, Text: "Go is a programming language.", Chars: 29}, nil
}

// testSetup wires handlers over a temporary database and a fake provider.
func testSetup(t *testing.T) *Handlers {
	t.Helper()

	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Stream bool `json:"stream"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if !body.Stream {
			fmt.Fprint(w, `{"choices":[{"message":{"content":"{\"fun_facts\":[\"one\",\"two\"]}"}}]}`)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, tok := range []string{
			`{"rewritten_article":"Go is a language.",`,
			`"insights":{"biases_removed":[],"context_added":["since 2009"],"corrections":[],"narratives_challenged":[]}}`,
		} {
			b, _ := json.Marshal(map[string]any{
				"choices": []any{map[string]any{"delta": map[string]any{"content": tok}}},
			})
			fmt.Fprintf(w, "data: %s\n\n", b)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(provider.Close)

	database, err := db.Init(t.TempDir())
	if err != nil {
		t.Fatalf("failed to init db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	store := cache.NewSQLStore(database)

	svc := rewrite.NewService(store, stubFetcher{}, upstream.New(upstream.Options{BaseURL: provider.URL}), rewrite.Options{
		AllowedDomains:      []string{"wikipedia.org"},
		Model:               "test/model",
		FunFactsModel:       "test/facts",
		MaxSourceChars:      50000,
		FunFactsSourceChars: 8000,
		ProbeMinChars:       1000,
		ProbeMaxChars:       200000,
	}, nil)

	return NewHandlers(svc, store)
}

// makeRequest creates a CallToolRequest with the given arguments.
func makeRequest(args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Arguments: args,
		},
	}
}

func TestHandleRewrite(t *testing.T) {
	h := testSetup(t)
	ctx := context.Background()

	result, err := h.HandleRewrite(ctx, makeRequest(map[string]any{"url": goURL}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	output := parseOutput(t, result)
	if output["rewritten_article"] != "Go is a language." {
		t.Errorf("rewritten_article = %v", output["rewritten_article"])
	}
	if output["cached"] != false {
		t.Errorf("cached = %v, want false", output["cached"])
	}
	if _, ok := output["partial"]; ok {
		t.Errorf("partial should be omitted for a complete rewrite")
	}
	stats := output["stats"].(map[string]any)
	if stats["total"] != float64(1) {
		t.Errorf("stats.total = %v, want 1", stats["total"])
	}

	result, err = h.HandleRewrite(ctx, makeRequest(map[string]any{"url": goURL + "#Design"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	output = parseOutput(t, result)
	if output["cached"] != true {
		t.Errorf("second rewrite cached = %v, want true", output["cached"])
	}
}

func TestHandleRewrite_Errors(t *testing.T) {
	h := testSetup(t)

	tests := []struct {
		name string
		args map[string]any
		code string
	}{
		{"missing url", map[string]any{}, "INVALID_URL"},
		{"other domain", map[string]any{"url": "https://example.com/a"}, "INVALID_URL"},
		{"unknown argument", map[string]any{"url": goURL, "mode": "fast"}, "INVALID_REQUEST"},
		{"wrong type", map[string]any{"url": 42}, "INVALID_REQUEST"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := h.HandleRewrite(context.Background(), makeRequest(tt.args))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !result.IsError {
				t.Fatalf("expected error result")
			}
			assertErrorCode(t, result, tt.code)
		})
	}
}

func TestHandleLookup(t *testing.T) {
	h := testSetup(t)
	ctx := context.Background()

	result, err := h.HandleLookup(ctx, makeRequest(map[string]any{"url": goURL}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertErrorCode(t, result, string(errors.ErrNotFound))

	if _, err := h.HandleRewrite(ctx, makeRequest(map[string]any{"url": goURL})); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	result, err = h.HandleLookup(ctx, makeRequest(map[string]any{"url": goURL}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	output := parseOutput(t, result)
	if output["url"] != goURL {
		t.Errorf("url = %v", output["url"])
	}
	if output["rewritten_content"] != "Go is a language." {
		t.Errorf("rewritten_content = %v", output["rewritten_content"])
	}
	if _, ok := output["original_content"]; ok {
		t.Error("original_content should be omitted by default")
	}
	insights := output["insights"].(map[string]any)
	if ctxAdded := insights["context_added"].([]any); len(ctxAdded) != 1 {
		t.Errorf("context_added = %v", ctxAdded)
	}
	if output["stats"].(map[string]any)["context"] != float64(1) {
		t.Errorf("stats = %v", output["stats"])
	}

	result, err = h.HandleLookup(ctx, makeRequest(map[string]any{"url": goURL, "include_source": true}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	output = parseOutput(t, result)
	if output["original_content"] != "Go is a programming language." {
		t.Errorf("original_content = %v", output["original_content"])
	}
}

func TestHandleList(t *testing.T) {
	h := testSetup(t)
	ctx := context.Background()

	for _, u := range []string{goURL, "https://en.wikipedia.org/wiki/Rust"} {
		if _, err := h.HandleRewrite(ctx, makeRequest(map[string]any{"url": u})); err != nil {
			t.Fatalf("rewrite %s: %v", u, err)
		}
	}

	result, err := h.HandleList(ctx, makeRequest(map[string]any{"limit": 1}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	output := parseOutput(t, result)
	items := output["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("items = %d, want 1", len(items))
	}
	page := output["pagination"].(map[string]any)
	if page["total"] != float64(2) {
		t.Errorf("total = %v, want 2", page["total"])
	}
	if page["has_more"] != true {
		t.Errorf("has_more = %v, want true", page["has_more"])
	}
}

func TestHandleEvict(t *testing.T) {
	h := testSetup(t)
	ctx := context.Background()

	if _, err := h.HandleRewrite(ctx, makeRequest(map[string]any{"url": goURL})); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	result, err := h.HandleEvict(ctx, makeRequest(map[string]any{"url": goURL + "#top"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	output := parseOutput(t, result)
	if output["deleted"] != true || output["url"] != goURL {
		t.Errorf("output = %v", output)
	}

	result, err = h.HandleEvict(ctx, makeRequest(map[string]any{"url": goURL}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertErrorCode(t, result, string(errors.ErrNotFound))
}

func TestHandleProbe(t *testing.T) {
	h := testSetup(t)

	result, err := h.HandleProbe(context.Background(), makeRequest(map[string]any{"url": goURL}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	output := parseOutput(t, result)
	want := scrape.EstimateChars(29, 50000, 1000, 200000)
	if output["expected_chars"] != float64(want) {
		t.Errorf("expected_chars = %v, want %d", output["expected_chars"], want)
	}
}

func TestHandleFunFacts(t *testing.T) {
	h := testSetup(t)

	result, err := h.HandleFunFacts(context.Background(), makeRequest(map[string]any{"url": goURL}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	output := parseOutput(t, result)
	facts := output["fun_facts"].([]any)
	if len(facts) != 2 || facts[0] != "one" {
		t.Errorf("fun_facts = %v", facts)
	}
}

func TestValidateDisabledTools(t *testing.T) {
	tests := []struct {
		name    string
		input   []string
		wantLen int
	}{
		{
			name:    "all valid",
			input:   []string{"article_evict", "article_rewrite"},
			wantLen: 0,
		},
		{
			name:    "one unknown",
			input:   []string{"article_evict", "capsule_store"},
			wantLen: 1,
		},
		{
			name:    "empty list",
			input:   []string{},
			wantLen: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			unknown := ValidateDisabledTools(tt.input)
			if len(unknown) != tt.wantLen {
				t.Errorf("ValidateDisabledTools() returned %d unknown, want %d", len(unknown), tt.wantLen)
			}
		})
	}
}

func TestAllToolNames(t *testing.T) {
	names := AllToolNames()
	if len(names) != 6 {
		t.Errorf("AllToolNames() returned %d names, want 6", len(names))
	}
	for _, name := range names {
		if !strings.HasPrefix(name, "article_") {
			t.Errorf("tool %q lacks the article_ prefix", name)
		}
		if toolRegistry[name].def.Name != name {
			t.Errorf("tool %q registered under definition %q", name, toolRegistry[name].def.Name)
		}
	}
}

func TestNewServer(t *testing.T) {
	h := testSetup(t)
	cfg := config.DefaultConfig()
	cfg.DisabledTools = []string{"article_evict"}

	if s := NewServer(h.svc, h.store, cfg, "test"); s == nil {
		t.Fatal("NewServer returned nil")
	}
}

func TestErrorResult_InternalDoesNotExposeDetails(t *testing.T) {
	r := errorResult(fmt.Errorf("sql error: open /tmp/secret.db: permission denied"))
	if !r.IsError {
		t.Fatal("expected IsError=true")
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(r.Content[0].(mcp.TextContent).Text), &payload); err != nil {
		t.Fatalf("failed to unmarshal error payload: %v", err)
	}
	errObj := payload["error"].(map[string]any)

	if errObj["code"] != string(errors.ErrInternal) {
		t.Fatalf("code=%v, want %v", errObj["code"], errors.ErrInternal)
	}
	if _, ok := errObj["details"]; ok {
		t.Fatal("expected INTERNAL errors to omit details")
	}
	if strings.Contains(r.Content[0].(mcp.TextContent).Text, "secret.db") {
		t.Fatal("internal cause leaked into the result")
	}
}

func TestErrorResult_WrappedError(t *testing.T) {
	r := errorResult(fmt.Errorf("lookup: %w", errors.NewNotFound(goURL)))

	var payload map[string]any
	if err := json.Unmarshal([]byte(r.Content[0].(mcp.TextContent).Text), &payload); err != nil {
		t.Fatalf("failed to unmarshal error payload: %v", err)
	}
	errObj := payload["error"].(map[string]any)
	if errObj["code"] != string(errors.ErrNotFound) {
		t.Errorf("code=%v, want %v", errObj["code"], errors.ErrNotFound)
	}
	if errObj["status"] != float64(404) {
		t.Errorf("status=%v, want 404", errObj["status"])
	}
	if _, ok := errObj["details"]; !ok {
		t.Error("expected non-INTERNAL errors to include details when present")
	}
}

// Helper functions

// parseOutput extracts and unmarshals the JSON output from an MCP result.
func parseOutput(t *testing.T, result *mcp.CallToolResult) map[string]any {
	t.Helper()
	if result.IsError {
		t.Fatalf("expected success, got error: %v", extractErrorMessage(result))
	}
	var output map[string]any
	if err := json.Unmarshal([]byte(result.Content[0].(mcp.TextContent).Text), &output); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	return output
}

func assertErrorCode(t *testing.T, result *mcp.CallToolResult, expectedCode string) {
	t.Helper()

	if len(result.Content) == 0 {
		t.Errorf("no content in error result")
		return
	}
	text, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Errorf("content is not TextContent")
		return
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(text.Text), &payload); err != nil {
		t.Errorf("failed to unmarshal error payload: %v", err)
		return
	}
	errorObj, ok := payload["error"].(map[string]any)
	if !ok {
		t.Errorf("no error object in payload")
		return
	}
	if code, _ := errorObj["code"].(string); code != expectedCode {
		t.Errorf("got error code %q, want %q", code, expectedCode)
	}
}

func extractErrorMessage(result *mcp.CallToolResult) string {
	if len(result.Content) == 0 {
		return "<no content>"
	}
	text, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		return "<not text content>"
	}
	return text.Text
}
