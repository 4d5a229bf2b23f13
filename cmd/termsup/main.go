package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// set by the linker
var version = "dev"

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	termsupCommand := &command{global: globalFlags}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createMCPCommand(globalFlags),
		createServeCommand(globalFlags),
		createExecCommand(termsupCommand),
		createStatusCommand(termsupCommand),
		createOutputCommand(termsupCommand),
		createStopCommand(termsupCommand),
		createVersionCommand(),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "termsup",
		Short: "Background shell commands for agents",
		Long: `termsup runs shell commands in the background, keeps their output on disk
and tracks them across restarts. Agents talk to it over MCP (stdio) or HTTP.

Examples:
  termsup mcp                                   # MCP server on stdio
  termsup serve                                 # HTTP API daemon
  termsup exec --cmd "make test" --timeout 30s
  termsup status --timeout 60s
  termsup output --pid 4242 --lines 50
  termsup stop --pid 4242
  termsup status --api-url http://remote:8080/api`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to config file (TOML, YAML or JSON; optional)")
	return root
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
			return err
		},
	}
}
