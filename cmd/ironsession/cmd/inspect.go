package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironsession/backup"
	"github.com/jmcleod/ironsession/crypto"
	"github.com/jmcleod/ironsession/session"
	"github.com/jmcleod/ironsession/storage"
	"github.com/jmcleod/ironsession/tabsync"
	"github.com/jmcleod/ironsession/telemetry"
)

var inspectSecret string

// inspectReport is what inspect prints.
type inspectReport struct {
	Partition string          `json:"partition"`
	KeyID     string          `json:"key_id"`
	Index     *session.Index  `json:"index"`
	State     *session.State  `json:"state"`
	Backups   []backupSummary `json:"backups"`
	Restores  *session.State  `json:"restores_to,omitempty"`
}

type backupSummary struct {
	Version   uint64    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
	Checksum  string    `json:"checksum"`
}

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Decrypt and print the persisted session of a partition",
	Long: `Reads the shared origin key with the wrapping secret, then prints the
clear-text index, the current state and the backup history. Nothing is
written to storage.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		secret := cfg.Session.WrappingSecret
		if inspectSecret != "" {
			secret = inspectSecret
		}
		if secret == "" {
			return errors.New("a wrapping secret is required (--secret or session.wrapping_secret)")
		}

		ctx := context.Background()
		b := &backends{}
		defer b.Close()
		if err := b.openStorage(ctx, cfg.Storage); err != nil {
			return err
		}

		report, err := inspect(ctx, b.repo, cfg.Session.Partition, []byte(secret))
		if err != nil {
			return err
		}
		return writeReport(cmd.OutOrStdout(), report)
	},
}

func inspect(ctx context.Context, repo storage.Repository, partition string, secret []byte) (*inspectReport, error) {
	store, err := crypto.LoadKey(repo, partition, secret)
	if err != nil {
		return nil, fmt.Errorf("opening origin key: %w", err)
	}
	defer store.Destroy()

	quiet := telemetry.NewLogger(slog.New(slog.DiscardHandler))
	syncer := tabsync.New(repo, nil, store, partition, "inspect", tabsync.WithTelemetry(quiet))

	report := &inspectReport{Partition: partition, KeyID: store.KeyID(), Backups: []backupSummary{}}
	if report.Index, err = syncer.ReadIndex(); err != nil {
		return nil, err
	}
	if report.State, err = syncer.ReadPersisted(ctx); err != nil {
		return nil, err
	}

	sid := ""
	switch {
	case report.Index != nil:
		sid = report.Index.SessionID
	case report.State != nil:
		sid = report.State.SessionID
	}
	if sid == "" {
		return report, nil
	}
	vault := backup.New(store, backup.WithRepository(repo, partition), backup.WithTelemetry(quiet))
	if err := vault.Load(ctx, sid); err != nil {
		return nil, err
	}
	for _, bk := range vault.Backups(sid) {
		report.Backups = append(report.Backups, backupSummary{Version: bk.Version, Timestamp: bk.Timestamp, Checksum: bk.Checksum})
	}
	if report.Restores, err = vault.RestoreLatestValid(ctx, sid); err != nil {
		return nil, err
	}
	return report, nil
}

func writeReport(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	rootCmd.AddCommand(inspectCmd)
	inspectCmd.Flags().StringVar(&inspectSecret, "secret", "", "Wrapping secret (overrides session.wrapping_secret)")
}
