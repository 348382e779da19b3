package main

import (
	"fmt"
	"os"

	"github.com/agentuity/mcp-sse/config"
	"github.com/agentuity/mcp-sse/env"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "mcp-server",
		Short: "Model Context Protocol server over Server-Sent Events",
		Long: `mcp-server serves the Model Context Protocol over Server-Sent Events.

Clients open a stream with GET /sse, receive the endpoint to POST their
JSON-RPC messages to, and get every response back over the stream.`,
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Args: cobra.NoArgs,
		RunE: runServe,
	}
	root.PersistentFlags().String("config", "", "YAML config file (env MCP_CONFIG)")
	root.PersistentFlags().String("env-file", ".env", "dotenv file read under the process environment")
	root.PersistentFlags().String("log-level", "", "trace, debug, info, warn or error")
	root.PersistentFlags().String("log-format", "", "console or json")

	root.AddCommand(newTokenCommand(), newEventsCommand())
	return root
}

// loadConfig layers defaults, the YAML file, the dotenv file, the process
// environment and finally the command line flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(env.FlagOrEnv(cmd, "config", "MCP_CONFIG", ""))
	if err != nil {
		return nil, err
	}
	envFile, _ := cmd.Flags().GetString("env-file")
	if envFile != "" {
		lines, err := env.ParseEnvFile(envFile)
		if err != nil {
			return nil, err
		}
		if err := cfg.ApplyEnv(env.Lookup(lines)); err != nil {
			return nil, errors.Wrap(err, "applying environment")
		}
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v, _ := cmd.Flags().GetString("log-format"); v != "" {
		cfg.LogFormat = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}
