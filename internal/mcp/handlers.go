package mcp

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hpungsan/recast/internal/article"
	"github.com/hpungsan/recast/internal/cache"
	"github.com/hpungsan/recast/internal/errors"
	"github.com/hpungsan/recast/internal/rewrite"
)

// Handlers holds dependencies for MCP tool handlers.
type Handlers struct {
	svc   *rewrite.Service
	store *cache.SQLStore
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(svc *rewrite.Service, store *cache.SQLStore) *Handlers {
	return &Handlers{svc: svc, store: store}
}

// URLRequest is the argument shape of every single-article tool.
type URLRequest struct {
	URL           string `json:"url"`
	IncludeSource bool   `json:"include_source,omitempty"`
}

// ListRequest represents the arguments for article_list.
type ListRequest struct {
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

// LookupOutput is a cached rewrite with its counts.
type LookupOutput struct {
	*article.Record
	Stats article.Stats `json:"stats"`
}

// HandleLookup handles the article_lookup tool call.
func (h *Handlers) HandleLookup(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[URLRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	url, err := h.svc.CanonicalURL(input.URL)
	if err != nil {
		return errorResult(err), nil
	}
	rec, found, err := h.store.Lookup(ctx, url)
	if err != nil {
		return errorResult(err), nil
	}
	if !found {
		return errorResult(errors.NewNotFound(url)), nil
	}
	if !input.IncludeSource {
		rec.OriginalContent = ""
	}
	rec.Insights = rec.Insights.Normalized()

	return successResult(LookupOutput{Record: rec, Stats: rec.Insights.Stats()})
}

// HandleList handles the article_list tool call.
func (h *Handlers) HandleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ListRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	items, page, err := h.store.List(ctx, input.Limit, input.Offset)
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(map[string]any{
		"items":      items,
		"pagination": page,
	})
}

// HandleRewrite handles the article_rewrite tool call. The stream is collected
// in-process; a result cut short is returned with partial set.
func (h *Handlers) HandleRewrite(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[URLRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	out, err := h.svc.Rewrite(ctx, input.URL)
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(out)
}

// HandleProbe handles the article_probe tool call.
func (h *Handlers) HandleProbe(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[URLRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	out, err := h.svc.Probe(ctx, input.URL)
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(out)
}

// HandleFunFacts handles the article_fun_facts tool call.
func (h *Handlers) HandleFunFacts(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[URLRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	facts, err := h.svc.FunFacts(ctx, input.URL)
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(map[string]any{"fun_facts": facts})
}

// HandleEvict handles the article_evict tool call.
func (h *Handlers) HandleEvict(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[URLRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	url, err := h.svc.CanonicalURL(input.URL)
	if err != nil {
		return errorResult(err), nil
	}
	if err := h.store.Delete(ctx, url); err != nil {
		return errorResult(err), nil
	}

	return successResult(map[string]any{"deleted": true, "url": url})
}

// Result helpers

// errorResult creates an MCP error result from any error.
// Internal error details are not exposed.
func errorResult(err error) *mcp.CallToolResult {
	rErr := errors.As(err)
	errorObj := map[string]any{
		"code":    rErr.Code,
		"message": rErr.Message,
		"status":  rErr.Status,
	}
	if rErr.Code != errors.ErrInternal && len(rErr.Details) > 0 {
		errorObj["details"] = rErr.Details
	}

	content, _ := json.Marshal(map[string]any{"error": errorObj})
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(content)}},
		IsError: true,
	}
}

// successResult creates an MCP success result from any data.
func successResult(data any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultJSON(data)
}
