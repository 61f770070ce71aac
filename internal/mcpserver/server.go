// Package mcpserver exposes saved sessions and the structuring proxy as MCP
// tools so assistants can browse and organize brainstorming sessions.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"braindump/internal/domain"
	"braindump/internal/services"
	"braindump/internal/storage"
)

const (
	serverName    = "braindump"
	serverVersion = "0.1.0"
)

type Structurer interface {
	Structure(ctx context.Context, transcript string, sc domain.SessionContext) (domain.StructureOutcome, error)
}

type Tools struct {
	store      storage.SessionStore
	structurer Structurer
}

func NewTools(store storage.SessionStore, structurer Structurer) *Tools {
	return &Tools{store: store, structurer: structurer}
}

// NewServer registers every tool on a fresh MCP server.
func NewServer(tools *Tools) *server.MCPServer {
	s := server.NewMCPServer(serverName, serverVersion, server.WithToolCapabilities(false))

	s.AddTool(mcp.NewTool("list_sessions",
		mcp.WithDescription("List a user's saved brainstorming sessions, newest first"),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("Owner of the sessions")),
	), tools.ListSessions)

	s.AddTool(mcp.NewTool("get_session",
		mcp.WithDescription("Fetch one saved session with its transcript and structured insights"),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("Owner of the session")),
		mcp.WithString("id", mcp.Required(), mcp.Description("Session id")),
	), tools.GetSession)

	s.AddTool(mcp.NewTool("structure_transcript",
		mcp.WithDescription("Organize a transcript into a summary and 3-6 insight categories"),
		mcp.WithString("transcript", mcp.Required(), mcp.Description("Transcribed session text")),
		mcp.WithString("name", mcp.Required(), mcp.Description("Session name")),
		mcp.WithString("description", mcp.Required(), mcp.Description("What the session is about")),
		mcp.WithString("objective", mcp.Required(), mcp.Description("What the session should achieve")),
	), tools.StructureTranscript)

	return s
}

func Serve(tools *Tools) error {
	return server.ServeStdio(NewServer(tools))
}

func (t *Tools) ListSessions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	sessions, err := t.store.ListSessions(ctx, userID)
	if err != nil {
		return mcp.NewToolResultErrorFromErr("list sessions", err), nil
	}
	if sessions == nil {
		sessions = []domain.SavedSession{}
	}
	return jsonResult(sessions)
}

func (t *Tools) GetSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	session, err := t.store.GetSession(ctx, userID, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("session %s not found", id)), nil
		}
		return mcp.NewToolResultErrorFromErr("get session", err), nil
	}
	return jsonResult(session)
}

func (t *Tools) StructureTranscript(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sc := domain.SessionContext{
		Name:        req.GetString("name", ""),
		Description: req.GetString("description", ""),
		Objective:   req.GetString("objective", ""),
	}

	outcome, err := t.structurer.Structure(ctx, req.GetString("transcript", ""), sc)
	if err != nil {
		if errors.Is(err, services.ErrValidation) {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultErrorFromErr("structure transcript", err), nil
	}
	return jsonResult(outcome)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode tool result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
