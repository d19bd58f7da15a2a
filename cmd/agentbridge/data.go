package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/antoniostano/agentbridge/internal/app"
	"github.com/antoniostano/agentbridge/internal/business"
	"github.com/antoniostano/agentbridge/internal/knowledge"
)

func newFunctionsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "functions",
		Short: "Print the function definitions advertised to the agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			// Definitions do not depend on the data, so an empty store will do.
			svc := business.NewService(business.NewMemoryStore(business.Dataset{}, "", logger))
			kb, err := knowledge.Open(cfg.KnowledgeDir, logger)
			if err != nil {
				return err
			}
			d := app.NewDispatcher(cfg, svc, kb, logger, nil)
			return writeJSON(cmd.OutOrStdout(), map[string]any{"functions": d.Definitions()})
		},
	}
}

func newSeedCmd(opts *rootOptions) *cobra.Command {
	var (
		out   string
		seed  int64
		force bool
	)
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Generate the mock business data snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			if out == "" {
				out = cfg.MockDataPath
			}
			if _, err := os.Stat(out); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", out)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}

			now := time.Now()
			if seed == 0 {
				seed = now.UnixNano()
			}
			ds := business.GenerateDataset(app.DatasetSize(cfg), now, seed)
			if err := business.SaveDataset(out, ds); err != nil {
				return err
			}
			logger.Info().
				Str("path", out).
				Int("customers", len(ds.Customers)).
				Int("appointments", len(ds.Appointments)).
				Int("orders", len(ds.Orders)).
				Msg("mock data written")
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d customers, %d appointments, %d orders to %s\n",
				len(ds.Customers), len(ds.Appointments), len(ds.Orders), out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "snapshot path (default data.mock_path)")
	cmd.Flags().Int64Var(&seed, "seed", 0, "random seed (default: current time)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing snapshot")
	return cmd
}
