package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/insightbot/internal/history"
	"github.com/kalambet/insightbot/internal/pipeline"
)

const recentResourceSize = 10

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	History *history.Store
	Asker   *pipeline.Asker // optional; if nil, the ask tool returns an error
	Now     func() time.Time
}

// NewMCPServer creates an MCP server exposing the agent and the search
// history as tools and resources.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}

	s := server.NewMCPServer(
		"insightbot",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("insightbot answers questions about equipment quotes and keeps a searchable history of every answer."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Ask the insight agent a question about product prices, brands or vendors. The answer is recorded in the search history."),
			mcp.WithString("query", mcp.Description("The question"), mcp.Required()),
			mcp.WithString("session_id", mcp.Description("Optional conversation id for follow-up questions")),
		),
		mcpAsk(deps),
	)

	s.AddTool(
		mcp.NewTool("search_history",
			mcp.WithDescription("Search previously recorded agent answers, most recent first."),
			mcp.WithString("brand", mcp.Description("Brand substring, case-insensitive")),
			mcp.WithString("model", mcp.Description("Model substring, case-insensitive")),
			mcp.WithString("source", mcp.Description("database, web, \"database + web\" or unknown")),
			mcp.WithString("from", mcp.Description("Earliest timestamp, YYYY-MM-DD or RFC 3339")),
			mcp.WithString("to", mcp.Description("Latest timestamp, YYYY-MM-DD or RFC 3339")),
			mcp.WithString("text", mcp.Description("Substring of the query or response")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
		),
		mcpSearchHistory(deps),
	)

	s.AddTool(
		mcp.NewTool("history_analytics",
			mcp.WithDescription("Summarize the search history: top brands, models, vendors, sources and daily volume."),
			mcp.WithNumber("top", mcp.Description("Entries per ranking (default 10)")),
		),
		mcpHistoryAnalytics(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"history://recent",
			"Recent Searches",
			mcp.WithResourceDescription("Last 10 recorded searches (no raw responses)"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpAsk(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Asker == nil {
			return mcpError("agent not available: no api key configured"), nil
		}
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		res, err := deps.Asker.Ask(ctx, req.GetString("session_id", ""), query)
		if errors.Is(err, pipeline.ErrEmptyQuery) {
			return mcpError("query is required"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("agent error: %v", err)), nil
		}

		text := res.Response
		if !res.Persisted() {
			text += "\n\n(history storage unavailable; this answer is kept in memory only)"
		}
		return mcpText(text), nil
	}
}

func mcpSearchHistory(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		c := history.Criteria{
			Brand: req.GetString("brand", ""),
			Model: req.GetString("model", ""),
			Text:  req.GetString("text", ""),
		}
		if v := req.GetString("source", ""); v != "" {
			src, err := history.ParseSource(v)
			if err != nil {
				return mcpError(err.Error()), nil
			}
			c.Source = src
		}
		var err error
		if c.From, err = history.ParseDate(req.GetString("from", ""), false); err != nil {
			return mcpError(err.Error()), nil
		}
		if c.To, err = history.ParseDate(req.GetString("to", ""), true); err != nil {
			return mcpError(err.Error()), nil
		}

		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > maxPageSize {
			limit = maxPageSize
		}

		recs := history.Paginate(history.Filter(deps.History.Records(ctx), c), limit, 0)
		b, err := json.Marshal(recs)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpHistoryAnalytics(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		top := req.GetInt("top", 10)
		if top <= 0 {
			top = 10
		}

		recs := deps.History.Records(ctx)
		s := history.Aggregate(recs)
		out := struct {
			Stats   history.Stats   `json:"stats"`
			Brands  []history.Count `json:"top_brands"`
			Models  []history.Count `json:"top_models"`
			Vendors []history.Count `json:"top_vendors"`
			Sources []history.Count `json:"sources"`
			Daily   []history.Count `json:"daily"`
		}{
			Stats:   history.ComputeStats(recs, deps.Now()),
			Brands:  history.Top(s.Brands, top),
			Models:  history.Top(s.Models, top),
			Vendors: history.Top(s.Vendors, top),
			Sources: history.Top(s.Sources, 0),
			Daily:   s.Days(),
		}

		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal analytics: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		recs := history.Paginate(deps.History.Records(ctx), recentResourceSize, 0)

		type recentSearch struct {
			ID        string         `json:"record_id"`
			Timestamp string         `json:"timestamp"`
			Query     string         `json:"user_query"`
			Brand     string         `json:"product_brand,omitempty"`
			Model     string         `json:"product_model,omitempty"`
			Prices    string         `json:"price_range,omitempty"`
			Source    history.Source `json:"source"`
		}

		out := make([]recentSearch, len(recs))
		for i, r := range recs {
			out[i] = recentSearch{
				ID:        r.ID,
				Timestamp: r.Timestamp.Format(time.RFC3339),
				Query:     r.UserQuery,
				Brand:     r.Brand,
				Model:     r.Model,
				Prices:    history.PriceRange(r.PriceDetails),
				Source:    r.Source,
			}
		}

		b, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal recent searches: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
