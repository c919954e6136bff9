package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/xiaohaiyan/shoebox/internal/config"
	"github.com/xiaohaiyan/shoebox/internal/sheets"
	"github.com/xiaohaiyan/shoebox/internal/storage"
)

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export committed transactions to Google Sheets",
		Long: `Write all transactions recorded since the given date to the configured
spreadsheet. Requires Google Sheets credentials under the sheets.* config
keys or GOOGLE_SHEETS_* environment variables.`,
		RunE: runExport,
	}

	cmd.Flags().String("since", "", "export transactions on or after this date (YYYY-MM-DD, default: 30 days ago)")

	return cmd
}

func runExport(cmd *cobra.Command, _ []string) error {
	since := time.Now().AddDate(0, 0, -30)
	if raw, _ := cmd.Flags().GetString("since"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return fmt.Errorf("invalid --since date %q: expected YYYY-MM-DD", raw)
		}
		since = parsed
	}

	sheetsCfg, err := config.LoadSheetsConfig()
	if err != nil {
		return fmt.Errorf("sheets configuration: %w", err)
	}

	store, err := storage.NewSQLiteStorage(config.DatabasePath())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() { _ = store.Close() }()

	ctx := cmd.Context()
	transactions, err := store.ListTransactionsSince(ctx, since)
	if err != nil {
		return fmt.Errorf("failed to load transactions: %w", err)
	}
	if len(transactions) == 0 {
		slog.Info("No transactions to export", "since", since.Format("2006-01-02"))
		return nil
	}

	writer, err := sheets.NewWriter(ctx, *sheetsCfg, slog.Default())
	if err != nil {
		return err
	}

	if err := writer.Export(ctx, transactions, since); err != nil {
		return fmt.Errorf("export failed: %w", err)
	}

	slog.Info("Export completed", "transactions", len(transactions))
	return nil
}
