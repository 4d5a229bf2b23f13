// Package mcpserver exposes the session tools over the Model Context Protocol.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/loykin/termsup/internal/tools"
)

const serverName = "termsup"

type Server struct {
	tools  *tools.Tools
	mcp    *server.MCPServer
	logger *slog.Logger
}

func New(t *tools.Tools, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		tools:  t,
		mcp:    server.NewMCPServer(serverName, version, server.WithToolCapabilities(false), server.WithRecovery()),
		logger: logger.With("component", "mcp"),
	}
	s.register()
	return s
}

// MCP returns the underlying protocol server.
func (s *Server) MCP() *server.MCPServer { return s.mcp }

// Serve speaks the protocol over in/out until ctx is canceled or in closes.
// Nothing else may write to out.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))
	s.logger.Info("mcp server listening on stdio")
	err := stdio.Listen(ctx, in, out)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
		return fmt.Errorf("mcp stdio: %w", err)
	}
	return nil
}

func (s *Server) register() {
	s.mcp.AddTool(mcp.NewTool(tools.NameExecute,
		mcp.WithDescription("Run a shell command and wait up to timeout seconds for it to finish. "+
			"Commands still running when the timeout fires keep running in the background; "+
			"check on them with get_terminal_status."),
		mcp.WithString("command", mcp.Required(), mcp.Description("Shell command line")),
		mcp.WithNumber("timeout", mcp.Description("Seconds to wait for completion (default 10)")),
		mcp.WithBoolean("reuse_terminal", mcp.Description("Evict one finished terminal before starting (default true)")),
		mcp.WithString("cwd", mcp.Description("Working directory for the command")),
	), s.handleExecute)

	s.mcp.AddTool(mcp.NewTool(tools.NameStatus,
		mcp.WithDescription("List every tracked terminal with its status and recent output. "+
			"With a timeout, wait up to that many seconds for a running command to change status."),
		mcp.WithNumber("timeout", mcp.Description("Seconds to wait for a change, 0 to 300 (default 0)")),
	), s.handleStatus)

	s.mcp.AddTool(mcp.NewTool(tools.NameOutput,
		mcp.WithDescription("Fetch the output of a terminal. Finished commands return everything they printed."),
		mcp.WithNumber("pid", mcp.Required(), mcp.Description("Process id returned by execute_command")),
		mcp.WithNumber("lines", mcp.Description("Trailing lines to return for running commands (default 100)")),
	), s.handleOutput)

	s.mcp.AddTool(mcp.NewTool(tools.NameStop,
		mcp.WithDescription("Stop terminals and forget them. Log files are deleted."),
		mcp.WithArray("pids", mcp.Required(), mcp.Description("Process ids to stop"),
			mcp.Items(map[string]any{"type": "number"})),
		mcp.WithNumber("lines", mcp.Description("Trailing lines of unread output to return (default 0)")),
	), s.handleStop)
}

func (s *Server) handleExecute(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	command, err := request.RequireString("command")
	if err != nil || command == "" {
		return mcp.NewToolResultError("Missing or invalid 'command' argument"), nil
	}
	args := arguments(request)
	req := tools.ExecuteRequest{Command: command, Cwd: request.GetString("cwd", "")}
	if v, ok := args["timeout"]; ok {
		secs, ok := number(v)
		if !ok {
			return mcp.NewToolResultError("Invalid 'timeout' argument"), nil
		}
		req.Timeout = executeTimeout(secs)
	}
	if _, ok := args["reuse_terminal"]; ok {
		reuse := request.GetBool("reuse_terminal", true)
		req.ReuseTerminal = &reuse
	}

	res, err := s.tools.Execute(ctx, req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(res)
}

func (s *Server) handleStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var wait time.Duration
	if v, ok := arguments(request)["timeout"]; ok {
		secs, ok := number(v)
		if !ok {
			return mcp.NewToolResultError("Invalid 'timeout' argument"), nil
		}
		wait = seconds(secs)
	}
	res, err := s.tools.Status(ctx, wait)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(res)
}

func (s *Server) handleOutput(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := arguments(request)
	pid, ok := integer(args["pid"])
	if !ok || pid <= 0 {
		return mcp.NewToolResultError("Missing or invalid 'pid' argument"), nil
	}
	lines := tools.DefaultOutputLines
	if v, present := args["lines"]; present {
		if lines, ok = integer(v); !ok {
			return mcp.NewToolResultError("Invalid 'lines' argument"), nil
		}
	}
	res, err := s.tools.Output(ctx, pid, lines)
	if err != nil {
		if errors.Is(err, tools.ErrNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("Process %d not found", pid)), nil
		}
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(res)
}

func (s *Server) handleStop(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := arguments(request)
	raw, ok := args["pids"].([]any)
	if !ok {
		return mcp.NewToolResultError("Missing or invalid 'pids' argument"), nil
	}
	pids := make([]int, 0, len(raw))
	for _, v := range raw {
		pid, ok := integer(v)
		if !ok {
			return mcp.NewToolResultError("Missing or invalid 'pids' argument"), nil
		}
		pids = append(pids, pid)
	}
	lines := 0
	if v, present := args["lines"]; present {
		if lines, ok = integer(v); !ok {
			return mcp.NewToolResultError("Invalid 'lines' argument"), nil
		}
	}
	res, err := s.tools.Stop(ctx, pids, lines)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(res)
}

func arguments(request mcp.CallToolRequest) map[string]any {
	if args, ok := request.Params.Arguments.(map[string]any); ok {
		return args
	}
	return map[string]any{}
}

// number accepts JSON numbers as decoded by encoding/json plus plain Go ints.
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n) && !math.IsInf(n, 0)
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func integer(v any) (int, bool) {
	f, ok := number(v)
	if !ok || f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return 0, false
	}
	return int(f), true
}

// executeTimeout rounds up to whole seconds. Zero or less leaves the
// configured default in place.
func executeTimeout(secs float64) time.Duration {
	if math.IsNaN(secs) || secs <= 0 {
		return 0
	}
	return seconds(math.Ceil(secs))
}

func seconds(f float64) time.Duration {
	if f >= float64(math.MaxInt64)/float64(time.Second) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(f * float64(time.Second))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(b)), nil
}
