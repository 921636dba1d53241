package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"themis/config"
	"themis/storage"
)

// NewReportCmd builds the `report` command: per-category audit entry
// counts over a time range, printed as plain text.
func NewReportCmd() *cobra.Command {
	var (
		configPath string
		fromStr    string
		toStr      string
		category   string
	)

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print audit entry counts per compliance category",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			to := time.Now().UTC()
			from := to.AddDate(0, 0, -7)
			if fromStr != "" {
				if from, err = time.Parse("2006-01-02", fromStr); err != nil {
					return fmt.Errorf("invalid --from date: %w", err)
				}
			}
			if toStr != "" {
				if to, err = time.Parse("2006-01-02", toStr); err != nil {
					return fmt.Errorf("invalid --to date: %w", err)
				}
			}

			store, err := storage.NewSQLite(cfg.Storage.SQLitePath, zap.NewNop().Sugar())
			if err != nil {
				return fmt.Errorf("failed to open storage: %w", err)
			}
			defer store.Close()

			categories := []string{"AML", "KYC", "GDPR", "ACCESS"}
			if category != "" {
				categories = []string{category}
			}

			bold := color.New(color.Bold)
			bold.Printf("Audit report %s to %s\n\n", from.Format("2006-01-02"), to.Format("2006-01-02"))

			ctx := context.Background()
			var total int64
			for _, cat := range categories {
				count, err := store.Count(ctx, storage.Query{From: from, To: to, Category: cat})
				if err != nil {
					return fmt.Errorf("count failed for %s: %w", cat, err)
				}
				fmt.Printf("  %-8s %d\n", cat, count)
				total += count
			}
			fmt.Println()
			bold.Printf("  Total    %d\n", total)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	cmd.Flags().StringVar(&fromStr, "from", "", "Range start (YYYY-MM-DD, default 7 days ago)")
	cmd.Flags().StringVar(&toStr, "to", "", "Range end (YYYY-MM-DD, default now)")
	cmd.Flags().StringVar(&category, "category", "", "Restrict to one category")
	return cmd
}
