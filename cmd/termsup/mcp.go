package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func createMCPCommand(global *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the MCP tools on stdin/stdout",
		Long: `Serve execute_command, get_terminal_status, get_terminal_output and
stop_terminal_command over MCP stdio.
Logs go to log.file when set and to stderr otherwise; stdout carries protocol
messages only.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return runMCP(ctx, global.ConfigPath)
		},
	}
}

func runMCP(ctx context.Context, configPath string) error {
	svc, closeLog, err := openService(configPath, os.Stderr)
	if err != nil {
		return err
	}
	defer func() { _ = closeLog.Close() }()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	serveErr := svc.MCPServer(version).Serve(ctx, os.Stdin, os.Stdout)

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := svc.Close(closeCtx); err != nil && serveErr == nil {
		return err
	}
	return serveErr
}
