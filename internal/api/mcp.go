package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/atelierhq/atelier/internal/generation"
)

// MCPDeps holds dependencies for the MCP server. The stdio transport is a
// local operator interface: tool calls run as the configured UserID rather
// than through bearer auth.
type MCPDeps struct {
	Orchestrator *generation.Orchestrator
	Store        GenerationStore
	UserID       int64
}

// NewMCPServer creates an MCP server exposing generation tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"atelier",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("atelier — idempotency-coordinated image generation service."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("generate_image",
			mcp.WithDescription("Submit an image generation. Safe to retry with the same idempotency key: repeated calls never execute twice."),
			mcp.WithString("prompt", mcp.Description("Text prompt describing the image"), mcp.Required()),
			mcp.WithString("style", mcp.Description("Rendering style"), mcp.Required()),
			mcp.WithString("idempotency_key", mcp.Description("Client-chosen key deduplicating retries; minted when omitted")),
		),
		mcpGenerateImage(deps),
	)

	s.AddTool(
		mcp.NewTool("list_generations",
			mcp.WithDescription("List the most recent completed generations, newest first."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5, max 100)")),
		),
		mcpListGenerations(deps),
	)

	return s
}

func mcpGenerateImage(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		prompt, err := req.RequireString("prompt")
		if err != nil {
			return mcpError("prompt is required"), nil
		}
		style, err := req.RequireString("style")
		if err != nil {
			return mcpError("style is required"), nil
		}
		key := req.GetString("idempotency_key", "")
		if key == "" {
			key = uuid.New().String()
		}

		out := deps.Orchestrator.Submit(ctx, deps.UserID, generation.Request{
			Prompt: prompt,
			Style:  style,
		}, key)

		body := map[string]any{
			"code":            out.Code,
			"idempotency_key": key,
		}
		if out.Generation != nil {
			body["generation"] = out.Generation
		}
		if out.Idempotent {
			body["idempotent"] = true
		}
		if out.Message != "" {
			body["message"] = out.Message
		}

		b, err := json.Marshal(body)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		if out.Code >= http.StatusInternalServerError {
			return mcpError(string(b)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListGenerations(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 5)

		rows, err := deps.Store.ListRecentGenerations(deps.UserID, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("listing generations failed: %v", err)), nil
		}
		if rows == nil {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(rows)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
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
