package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/termsup"
	"github.com/loykin/termsup/internal/logger"
	"github.com/loykin/termsup/pkg/client"
)

// command runs each tool either against a daemon (--api-url) or directly on
// the local state directory.
type command struct {
	global *GlobalFlags
}

func createExecCommand(c *command) *cobra.Command {
	flags := &ExecFlags{}
	cmd := &cobra.Command{
		Use:   "exec",
		Short: "Run a shell command and wait up to --timeout for it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Exec(cmd.Context(), cmd.OutOrStdout(), *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Cmd, "cmd", "", "shell command to run")
	cmd.Flags().DurationVar(&flags.Timeout, "timeout", 0, "how long to wait before returning (0 uses the configured default)")
	cmd.Flags().BoolVar(&flags.NoReuse, "no-reuse", false, "keep every finished terminal instead of reusing one")
	cmd.Flags().StringVar(&flags.Cwd, "cwd", "", "working directory for the command")
	addAPIFlags(cmd, &flags.APIFlags)
	_ = cmd.MarkFlagRequired("cmd")
	return cmd
}

func createStatusCommand(c *command) *cobra.Command {
	flags := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "List tracked commands, optionally waiting for a status change",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd.Context(), cmd.OutOrStdout(), *flags)
		},
	}
	cmd.Flags().DurationVar(&flags.Timeout, "timeout", 0, "wait up to this long for a running command to change status")
	addAPIFlags(cmd, &flags.APIFlags)
	return cmd
}

func createOutputCommand(c *command) *cobra.Command {
	flags := &OutputFlags{}
	cmd := &cobra.Command{
		Use:   "output",
		Short: "Print the last lines of a command's output",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Output(cmd.Context(), cmd.OutOrStdout(), *flags)
		},
	}
	cmd.Flags().IntVar(&flags.PID, "pid", 0, "process id")
	cmd.Flags().IntVar(&flags.Lines, "lines", 100, "number of trailing lines (0 for everything)")
	addAPIFlags(cmd, &flags.APIFlags)
	_ = cmd.MarkFlagRequired("pid")
	return cmd
}

func createStopCommand(c *command) *cobra.Command {
	flags := &StopFlags{}
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop commands and forget them",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stop(cmd.Context(), cmd.OutOrStdout(), *flags)
		},
	}
	cmd.Flags().IntSliceVar(&flags.PIDs, "pid", nil, "process id (repeatable or comma-separated)")
	cmd.Flags().IntVar(&flags.Lines, "lines", 0, "trailing output lines to include in each result")
	addAPIFlags(cmd, &flags.APIFlags)
	_ = cmd.MarkFlagRequired("pid")
	return cmd
}

func addAPIFlags(cmd *cobra.Command, flags *APIFlags) {
	cmd.Flags().StringVar(&flags.APIUrl, "api-url", "", "daemon API URL (e.g. http://127.0.0.1:8080/api); empty runs locally")
	cmd.Flags().DurationVar(&flags.APITimeout, "api-timeout", 30*time.Second, "API request timeout")
}

func (c *command) Exec(ctx context.Context, out io.Writer, f ExecFlags) error {
	if f.Cmd == "" {
		return errors.New("--cmd is required")
	}
	if f.Timeout < 0 {
		return errors.New("--timeout must not be negative")
	}
	var reuse *bool
	if f.NoReuse {
		no := false
		reuse = &no
	}
	if f.APIUrl != "" {
		return c.execViaAPI(ctx, out, f, reuse)
	}
	return c.withService(func(svc *termsup.Service) error {
		res, err := svc.Execute(ctx, termsup.ExecuteRequest{
			Command:       f.Cmd,
			Timeout:       f.Timeout,
			ReuseTerminal: reuse,
			Cwd:           f.Cwd,
		})
		if err != nil {
			return err
		}
		return printJSON(out, res)
	})
}

func (c *command) execViaAPI(ctx context.Context, out io.Writer, f ExecFlags, reuse *bool) error {
	res, err := apiClient(f.APIFlags).Execute(ctx, client.ExecuteRequest{
		Command:       f.Cmd,
		Timeout:       f.Timeout.Seconds(),
		ReuseTerminal: reuse,
		Cwd:           f.Cwd,
	})
	if err != nil {
		return err
	}
	return printJSON(out, res)
}

func (c *command) Status(ctx context.Context, out io.Writer, f StatusFlags) error {
	if f.Timeout < 0 {
		return errors.New("--timeout must not be negative")
	}
	if f.APIUrl != "" {
		res, err := apiClient(f.APIFlags).Status(ctx, f.Timeout)
		if err != nil {
			return err
		}
		return printJSON(out, res)
	}
	return c.withService(func(svc *termsup.Service) error {
		res, err := svc.Status(ctx, f.Timeout)
		if err != nil {
			return err
		}
		return printJSON(out, res)
	})
}

func (c *command) Output(ctx context.Context, out io.Writer, f OutputFlags) error {
	if f.PID <= 0 {
		return errors.New("--pid must be a positive integer")
	}
	if f.APIUrl != "" {
		res, err := apiClient(f.APIFlags).Output(ctx, f.PID, f.Lines)
		if err != nil {
			return err
		}
		return printJSON(out, res)
	}
	return c.withService(func(svc *termsup.Service) error {
		res, err := svc.Output(ctx, f.PID, f.Lines)
		if err != nil {
			if errors.Is(err, termsup.ErrNotFound) {
				return fmt.Errorf("process %d not found", f.PID)
			}
			return err
		}
		return printJSON(out, res)
	})
}

func (c *command) Stop(ctx context.Context, out io.Writer, f StopFlags) error {
	if len(f.PIDs) == 0 {
		return errors.New("at least one --pid is required")
	}
	if f.APIUrl != "" {
		res, err := apiClient(f.APIFlags).Stop(ctx, client.StopRequest{PIDs: f.PIDs, Lines: f.Lines})
		if err != nil {
			return err
		}
		return printJSON(out, res)
	}
	return c.withService(func(svc *termsup.Service) error {
		res, err := svc.Stop(ctx, f.PIDs, f.Lines)
		if err != nil {
			return err
		}
		return printJSON(out, res)
	})
}

// withService opens the local state directory for a single call. Commands
// still running afterwards are adopted by the next invocation.
func (c *command) withService(fn func(*termsup.Service) error) error {
	svc, closeLog, err := openService(c.global.ConfigPath, os.Stderr)
	if err != nil {
		return err
	}
	defer func() { _ = closeLog.Close() }()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	}()
	return fn(svc)
}

// openService loads the config and builds a Service whose logs go to the
// configured file, or to fallback when none is set.
func openService(configPath string, fallback io.Writer) (*termsup.Service, io.Closer, error) {
	cfg, err := termsup.LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	log, closer := logger.New(cfg.Log, fallback)
	slog.SetDefault(log)
	svc, err := termsup.New(cfg, log)
	if err != nil {
		_ = closer.Close()
		return nil, nil, err
	}
	return svc, closer, nil
}

func apiClient(f APIFlags) *client.Client {
	return client.New(client.Config{BaseURL: f.APIUrl, Timeout: f.APITimeout})
}

func printJSON(out io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(b))
	return err
}
