package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/antoniostano/agentbridge/internal/config"
	"github.com/antoniostano/agentbridge/internal/logging"
)

// Set at build time.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	serve := newServeCmd(opts)

	root := &cobra.Command{
		Use:   "agentbridge",
		Short: "Bridge browser voice sessions to a hosted voice agent",
		Long: `agentbridge relays microphone audio from browser clients to a hosted
conversational voice agent, plays the agent's speech back, and answers the
agent's function calls against the business data and knowledge base.

Running without a subcommand starts the server.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve.RunE,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to agentbridge.yaml (default: search ., ./configs, /etc/agentbridge)")

	root.AddCommand(
		serve,
		newFunctionsCmd(opts),
		newKBCmd(opts),
		newSeedCmd(opts),
		newProbeCmd(),
	)
	return root
}

func (o *rootOptions) load() (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	return cfg, logger, nil
}
