package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

const shutdownTimeout = 5 * time.Second

func createServeCommand(global *GlobalFlags) *cobra.Command {
	flags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API daemon",
		Long: `Run the HTTP API on server.listen (default 127.0.0.1:8080) under server.base_path.
Commands keep running when the daemon stops and are adopted on the next start.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.Daemonize {
				return daemonize(flags.PIDFile, flags.LogFile)
			}
			return runServe(cmd.Context(), global.ConfigPath, *flags)
		},
	}
	cmd.Flags().BoolVar(&flags.Daemonize, "daemonize", false, "run in the background")
	cmd.Flags().StringVar(&flags.PIDFile, "pidfile", "", "write the daemon PID to this file")
	cmd.Flags().StringVar(&flags.LogFile, "logfile", "", "redirect daemon stdout and stderr to this file")
	return cmd
}

func runServe(ctx context.Context, configPath string, flags ServeFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	svc, closeLog, err := openService(configPath, os.Stderr)
	if err != nil {
		return err
	}
	defer func() { _ = closeLog.Close() }()
	if flags.PIDFile != "" {
		if err := writePidFile(flags.PIDFile, os.Getpid()); err != nil {
			slog.Warn("writing pid file failed", "path", flags.PIDFile, "error", err)
		}
		defer func() { _ = removePidFile(flags.PIDFile) }()
	}

	servers := []*http.Server{svc.NewHTTPServer()}
	if ms := svc.NewMetricsServer(); ms != nil {
		servers = append(servers, ms)
	}
	slog.Info("termsup serving",
		"listen", svc.Config().Server.Listen,
		"base_path", svc.Config().Server.BasePath,
		"state_file", svc.Config().StateFile)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var errs []error
	for _, s := range servers {
		if err := s.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, svc.Close(shutdownCtx))
	return errors.Join(errs...)
}
