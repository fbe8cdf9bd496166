package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tomvothecoder/simboard/pkg/api/store"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Upsert configured users, role mappings and machines",
	Long: `Write the machines, basic-auth users and GitHub role mappings from the
config files into the database. Existing machines are updated by name.`,
	Args: cobra.NoArgs,
	RunE: runSeed,
}

func init() {
	rootCmd.AddCommand(seedCmd)
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	st := store.NewStore(log, &cfg.Database)
	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	defer func() {
		if err := st.Stop(); err != nil {
			log.WithError(err).Warn("Failed to close store")
		}
	}()

	if err := store.SeedConfig(ctx, st, cfg); err != nil {
		return err
	}

	log.WithField("machines", len(cfg.Machines)).Info("Seed completed")

	return nil
}
