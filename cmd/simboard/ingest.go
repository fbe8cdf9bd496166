package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tomvothecoder/simboard/pkg/api/store"
	"github.com/tomvothecoder/simboard/pkg/archivestore"
	"github.com/tomvothecoder/simboard/pkg/ingest"
)

var (
	ingestUser   string
	ingestOutput string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <archive>",
	Short: "Ingest a local case archive",
	Long: `Ingest a local E3SM case archive (.zip, .tar, .tar.gz, .tar.xz or
.tar.zst) against the configured database, exactly as an upload would,
and print the outcome. The command fails when the outcome is "failed".`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
	ingestCmd.Flags().StringVar(&ingestUser, "user", "",
		"username recorded as the simulation's creator")
	ingestCmd.Flags().StringVarP(&ingestOutput, "output", "o", "json",
		"output format (json, yaml)")

	_ = ingestCmd.MarkFlagRequired("user")
}

func runIngest(cmd *cobra.Command, args []string) error {
	if ingestOutput != "json" && ingestOutput != "yaml" {
		return fmt.Errorf("unsupported output %q (use json or yaml)", ingestOutput)
	}

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

	user, err := st.GetUserByUsername(ctx, ingestUser)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("user %q not found", ingestUser)
	}

	if err != nil {
		return err
	}

	archives, err := archivestore.New(log, &cfg.Storage.Archives)
	if err != nil {
		return fmt.Errorf("configuring archive storage: %w", err)
	}

	var retain ingest.ArchiveStore

	if archives != nil {
		if err := archives.Preflight(ctx); err != nil {
			return fmt.Errorf("archive storage preflight: %w", err)
		}

		retain = archives
	}

	opts, err := cfg.Ingest.ServiceOptions()
	if err != nil {
		return fmt.Errorf("ingest options: %w", err)
	}

	svc := ingest.NewService(log, opts, st.Ingestion(cfg.Ingest.AutoCreate()), retain)

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer func() { _ = f.Close() }()

	out, err := svc.Ingest(ctx, f, filepath.Base(args[0]), ingest.Principal{
		ID:   fmt.Sprint(user.ID),
		Name: user.Username,
	})
	if err != nil {
		return fmt.Errorf("ingesting %s: %w", args[0], err)
	}

	if err := writeOutcome(cmd.OutOrStdout(), ingestOutput, out); err != nil {
		return err
	}

	if out.Status == ingest.StatusFailed {
		return fmt.Errorf("ingestion of %s failed", args[0])
	}

	return nil
}

func writeOutcome(w io.Writer, format string, out *ingest.Outcome) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)

		if err := enc.Encode(out); err != nil {
			return fmt.Errorf("encoding outcome: %w", err)
		}

		return enc.Close()
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")

		if err := enc.Encode(out); err != nil {
			return fmt.Errorf("encoding outcome: %w", err)
		}

		return nil
	}
}
