package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hpungsan/recast/internal/cache"
	"github.com/hpungsan/recast/internal/config"
	"github.com/hpungsan/recast/internal/rewrite"
)

// toolEntry pairs a tool definition with a handler factory.
type toolEntry struct {
	def     mcp.Tool
	handler func(*Handlers) server.ToolHandlerFunc
}

// toolRegistry maps tool names to their definitions and handler factories.
var toolRegistry = map[string]toolEntry{
	"article_lookup": {
		def:     lookupToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleLookup },
	},
	"article_list": {
		def:     listToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleList },
	},
	"article_rewrite": {
		def:     rewriteToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleRewrite },
	},
	"article_probe": {
		def:     probeToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleProbe },
	},
	"article_fun_facts": {
		def:     funFactsToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleFunFacts },
	},
	"article_evict": {
		def:     evictToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleEvict },
	},
}

var (
	lookupToolDef = mcp.NewTool("article_lookup",
		mcp.WithDescription("Return the cached rewrite of a source article, if one exists. Never fetches or generates."),
		mcp.WithString("url", mcp.Required(), mcp.Description("Source article URL")),
		mcp.WithBoolean("include_source", mcp.Description("Include the scraped source text")),
		mcp.WithReadOnlyHintAnnotation(true),
	)
	listToolDef = mcp.NewTool("article_list",
		mcp.WithDescription("List cached rewrites, most recently updated first."),
		mcp.WithNumber("limit", mcp.Description("Page size (default 20, max 200)")),
		mcp.WithNumber("offset", mcp.Description("Items to skip")),
		mcp.WithReadOnlyHintAnnotation(true),
	)
	rewriteToolDef = mcp.NewTool("article_rewrite",
		mcp.WithDescription("Rewrite a source article for neutrality and return the article with its insights. Served from cache when available."),
		mcp.WithString("url", mcp.Required(), mcp.Description("Source article URL")),
	)
	probeToolDef = mcp.NewTool("article_probe",
		mcp.WithDescription("Estimate the size of the rewrite for a source article."),
		mcp.WithString("url", mcp.Required(), mcp.Description("Source article URL")),
		mcp.WithReadOnlyHintAnnotation(true),
	)
	funFactsToolDef = mcp.NewTool("article_fun_facts",
		mcp.WithDescription("Generate short fun facts about a source article."),
		mcp.WithString("url", mcp.Required(), mcp.Description("Source article URL")),
	)
	evictToolDef = mcp.NewTool("article_evict",
		mcp.WithDescription("Remove the cached rewrite of a source article."),
		mcp.WithString("url", mcp.Required(), mcp.Description("Source article URL")),
		mcp.WithDestructiveHintAnnotation(true),
	)
)

// AllToolNames returns a list of all valid tool names.
func AllToolNames() []string {
	names := make([]string, 0, len(toolRegistry))
	for name := range toolRegistry {
		names = append(names, name)
	}
	return names
}

// ValidateDisabledTools returns a list of unknown tool names from the given list.
func ValidateDisabledTools(names []string) []string {
	unknown := make([]string, 0)
	for _, name := range names {
		if _, ok := toolRegistry[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	return unknown
}

// NewServer creates a new MCP server with the article tools registered.
// Tools listed in cfg.DisabledTools are excluded from registration.
func NewServer(svc *rewrite.Service, store *cache.SQLStore, cfg *config.Config, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"recast",
		version,
		server.WithToolCapabilities(true),
	)

	h := NewHandlers(svc, store)

	disabled := make(map[string]bool, len(cfg.DisabledTools))
	for _, name := range cfg.DisabledTools {
		disabled[name] = true
	}

	for name, entry := range toolRegistry {
		if disabled[name] {
			continue
		}
		s.AddTool(entry.def, entry.handler(h))
	}

	return s
}

// Run starts the MCP server using stdio transport.
func Run(svc *rewrite.Service, store *cache.SQLStore, cfg *config.Config, version string) error {
	return server.ServeStdio(NewServer(svc, store, cfg, version))
}
