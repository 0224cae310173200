package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/lenslog/lenslog/internal/query"
	"github.com/lenslog/lenslog/internal/vector"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Query   Querier
	Records vector.Store
}

// NewMCPServer creates an MCP server exposing the query and listing tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"lenslog",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("lenslog — per-project image history with captions, embeddings, and natural-language queries."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("query_images",
			mcp.WithDescription("Ask a natural-language question about a project's image history."),
			mcp.WithString("project_id", mcp.Description("Project identifier"), mcp.Required()),
			mcp.WithString("question", mcp.Description("The question to answer"), mcp.Required()),
			mcp.WithBoolean("use_vector_search", mcp.Description("Rank images by semantic similarity to the question (default true)")),
		),
		mcpQueryImages(deps),
	)

	s.AddTool(
		mcp.NewTool("compare_images",
			mcp.WithDescription("Describe the differences between two images of a project."),
			mcp.WithString("project_id", mcp.Description("Project identifier"), mcp.Required()),
			mcp.WithNumber("sequence_1", mcp.Description("Sequence number of the first image"), mcp.Required()),
			mcp.WithNumber("sequence_2", mcp.Description("Sequence number of the second image"), mcp.Required()),
			mcp.WithString("question", mcp.Description("Optional focus for the comparison")),
		),
		mcpCompareImages(deps),
	)

	s.AddTool(
		mcp.NewTool("list_images",
			mcp.WithDescription("List a project's images, most recent first."),
			mcp.WithString("project_id", mcp.Description("Project identifier"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of images (default 20)")),
		),
		mcpListImages(deps),
	)

	return s
}

func mcpQueryImages(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projectID, err := req.RequireString("project_id")
		if err != nil {
			return mcpError("project_id is required"), nil
		}
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}
		useVector := req.GetBool("use_vector_search", true)

		res, err := deps.Query.Query(ctx, query.Request{
			ProjectID:       projectID,
			Question:        question,
			UseVectorSearch: useVector,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("query failed: %v", err)), nil
		}

		b, err := json.Marshal(res)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpCompareImages(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projectID, err := req.RequireString("project_id")
		if err != nil {
			return mcpError("project_id is required"), nil
		}
		seq1, err := req.RequireInt("sequence_1")
		if err != nil {
			return mcpError("sequence_1 is required"), nil
		}
		seq2, err := req.RequireInt("sequence_2")
		if err != nil {
			return mcpError("sequence_2 is required"), nil
		}

		res, err := deps.Query.Query(ctx, query.Request{
			ProjectID:           projectID,
			Question:            req.GetString("question", ""),
			ComparisonSequences: []int64{int64(seq1), int64(seq2)},
		})
		if err != nil {
			return mcpError(fmt.Sprintf("comparison failed: %v", err)), nil
		}

		b, err := json.Marshal(res)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListImages(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projectID, err := req.RequireString("project_id")
		if err != nil {
			return mcpError("project_id is required"), nil
		}
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 100 {
			limit = 100
		}

		records, err := deps.Records.ListByProject(ctx, projectID, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("listing failed: %v", err)), nil
		}
		if len(records) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(records)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal records: %v", err)), nil
		}
		return mcpText(string(b)), nil
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
