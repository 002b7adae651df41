// Package mcp exposes the coordination ledger and the session registry to
// agents as MCP tools over stdio.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	derrors "github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/errors"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/ledger"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/merge"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/models"
	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/registry"
)

// Ledger is the coordination ledger surface the tools use.
type Ledger interface {
	Declare(ctx context.Context, req ledger.DeclareRequest) (*models.Declaration, error)
	Release(ctx context.Context, agent, session, reason string) (*models.Declaration, error)
	CheckAvailability(files []string) ([]ledger.Availability, error)
	ListActive() ([]*models.Declaration, error)
}

// Sessions lists session records.
type Sessions interface {
	ListSessions(filter registry.Filter) ([]*models.Session, error)
}

// Closer closes a session through the merge orchestrator.
type Closer interface {
	CloseSession(ctx context.Context, id string, opts merge.CloseOptions) (*merge.Result, error)
}

// Server wraps the coordination layer and exposes it as MCP tools.
type Server struct {
	ledger   Ledger
	sessions Sessions
	closer   Closer
	version  string
}

// NewServer creates the MCP server wrapper. closer may be nil, in which
// case session_close reports that closing is unavailable.
func NewServer(l Ledger, s Sessions, c Closer, version string) *Server {
	if version == "" {
		version = "dev"
	}
	return &Server{ledger: l, sessions: s, closer: c, version: version}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("devops-agent", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.declareTool())
	srv.AddTool(s.releaseTool())
	srv.AddTool(s.checkTool())
	srv.AddTool(s.statusTool())
	srv.AddTool(s.sessionListTool())
	srv.AddTool(s.sessionCloseTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	stdioServer := server.NewStdioServer(s.MCPServer())
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// coord_declare
func (s *Server) declareTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("coord_declare",
		mcp.WithDescription("Declare the files you are about to edit. Fails with the list of conflicting files and their holders when another session already declared any of them. Declarations last until your session closes; declaring again extends the set."),
		mcp.WithString("agent", mcp.Required(), mcp.Description("Your agent kind, e.g. claude")),
		mcp.WithString("session", mcp.Required(), mcp.Description("Your session ID")),
		mcp.WithArray("files", mcp.Required(), mcp.WithStringItems(), mcp.Description("Repository-relative paths")),
		mcp.WithString("operation", mcp.Description("edit (default), create or delete")),
		mcp.WithString("reason", mcp.Description("Why these files are needed")),
		mcp.WithNumber("estimated_duration", mcp.Description("Advisory estimate in seconds")),
		mcp.WithBoolean("replace", mcp.Description("Replace the declared set instead of extending it")),
	)
	return tool, s.handleDeclare
}

func (s *Server) handleDeclare(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentName, err := request.RequireString("agent")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: agent"), nil
	}
	session, err := request.RequireString("session")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session"), nil
	}
	files := request.GetStringSlice("files", nil)
	if len(files) == 0 {
		return mcp.NewToolResultError("missing required parameter: files"), nil
	}

	d, err := s.ledger.Declare(ctx, ledger.DeclareRequest{
		Agent:             agentName,
		Session:           session,
		Files:             files,
		Operation:         models.Operation(request.GetString("operation", "")),
		Reason:            request.GetString("reason", ""),
		EstimatedDuration: int(request.GetFloat("estimated_duration", 0)),
		Replace:           request.GetBool("replace", false),
	})
	var cc *derrors.CoordinationConflictError
	if errors.As(err, &cc) {
		res := jsonResult(map[string]any{"declared": false, "conflicts": cc.Conflicts})
		res.IsError = true
		return res, nil
	}
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]any{"declared": true, "declaration": d}), nil
}

// coord_release
func (s *Server) releaseTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("coord_release",
		mcp.WithDescription("Release your declaration and archive it. Only do this when your session is finished or abandoned, never right after a commit."),
		mcp.WithString("agent", mcp.Required(), mcp.Description("Your agent kind")),
		mcp.WithString("session", mcp.Required(), mcp.Description("Your session ID")),
		mcp.WithString("reason", mcp.Description("Why the files are released")),
	)
	return tool, s.handleRelease
}

func (s *Server) handleRelease(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentName, err := request.RequireString("agent")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: agent"), nil
	}
	session, err := request.RequireString("session")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session"), nil
	}
	d, err := s.ledger.Release(ctx, agentName, session, request.GetString("reason", "released by agent"))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]any{"released": true, "files": d.Files}), nil
}

// coord_check
func (s *Server) checkTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("coord_check",
		mcp.WithDescription("Check whether files are free to declare. Read-only."),
		mcp.WithArray("files", mcp.Required(), mcp.WithStringItems(), mcp.Description("Repository-relative paths")),
	)
	return tool, s.handleCheck
}

func (s *Server) handleCheck(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	files := request.GetStringSlice("files", nil)
	if len(files) == 0 {
		return mcp.NewToolResultError("missing required parameter: files"), nil
	}
	avail, err := s.ledger.CheckAvailability(files)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(avail), nil
}

// coord_status
func (s *Server) statusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("coord_status",
		mcp.WithDescription("List every active declaration: agent, session, files, operation and reason."),
	)
	return tool, s.handleStatus
}

func (s *Server) handleStatus(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	active, err := s.ledger.ListActive()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list declarations: %v", err)), nil
	}
	if active == nil {
		active = []*models.Declaration{}
	}
	return jsonResult(active), nil
}

// session_list
func (s *Server) sessionListTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("session_list",
		mcp.WithDescription("List agent sessions with their branch, worktree and status, oldest first."),
		mcp.WithString("status", mcp.Description("Filter by status: active, paused, orphaned")),
		mcp.WithString("agent", mcp.Description("Filter by agent kind")),
	)
	return tool, s.handleSessionList
}

func (s *Server) handleSessionList(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := models.SessionStatus(request.GetString("status", ""))
	if status != "" && !status.Valid() {
		return mcp.NewToolResultError(fmt.Sprintf("invalid status: %s", status)), nil
	}
	sessions, err := s.sessions.ListSessions(registry.Filter{Status: status, Agent: request.GetString("agent", "")})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list sessions: %v", err)), nil
	}
	if sessions == nil {
		sessions = []*models.Session{}
	}
	return jsonResult(sessions), nil
}

// session_close
func (s *Server) sessionCloseTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("session_close",
		mcp.WithDescription("Close a session: commit pending work, merge its branch into the daily and target branches, then release its declarations. On a merge conflict the branch is kept and the conflicting files are returned."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID to close")),
		mcp.WithString("strategy", mcp.Description("hierarchical-first, target-first or parallel")),
		mcp.WithBoolean("dry_run", mcp.Description("Only report the merge targets")),
	)
	return tool, s.handleSessionClose
}

func (s *Server) handleSessionClose(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	if s.closer == nil {
		return mcp.NewToolResultError("session close is not available"), nil
	}
	res, err := s.closer.CloseSession(ctx, strings.TrimSpace(id), merge.CloseOptions{
		Strategy: request.GetString("strategy", ""),
		DryRun:   request.GetBool("dry_run", false),
		Reason:   "session closed by agent",
	})
	if res == nil {
		if err == nil {
			err = fmt.Errorf("close session %s returned no result", id)
		}
		return mcp.NewToolResultError(err.Error()), nil
	}
	out := map[string]any{"result": res}
	if err != nil {
		out["error"] = err.Error()
		r := jsonResult(out)
		r.IsError = true
		return r, nil
	}
	return jsonResult(out), nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func jsonResult(v any) *mcp.CallToolResult {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err))
	}
	return mcp.NewToolResultText(string(data))
}
