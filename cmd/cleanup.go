package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"themis/config"
	"themis/normalize"
	"themis/retention"
	"themis/storage"
)

// NewCleanupCmd builds the `cleanup` command: a one-shot retention
// sweep against the configured record store.
func NewCleanupCmd() *cobra.Command {
	var (
		configPath string
		days       int
		policy     string
		fromStr    string
		toStr      string
	)

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Run a retention sweep over aged records",
		Long: `Applies the retention policy (anonymize or delete) to every record
older than the retention period, writing a GDPR audit entry per action.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if days > 0 {
				cfg.Retention.Days = days
			}
			if policy != "" {
				cfg.Retention.Policy = policy
				if err := cfg.Validate(); err != nil {
					return err
				}
			}

			logger := zap.NewNop().Sugar()

			secrets, err := config.NewSecretManager(cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize secret manager: %w", err)
			}
			salt, err := secrets.GetHashSalt()
			if err != nil {
				return fmt.Errorf("failed to load hash salt: %w", err)
			}
			masker, err := normalize.NewMasker(salt, logger)
			if err != nil {
				return err
			}

			store, err := storage.NewSQLite(cfg.Storage.SQLitePath, logger)
			if err != nil {
				return fmt.Errorf("failed to open storage: %w", err)
			}
			defer store.Close()

			enforcer := retention.NewEnforcer(
				retention.Config{
					RetentionDays: cfg.Retention.Days,
					Policy:        retention.Policy(cfg.Retention.Policy),
					PIIFields:     cfg.Retention.PIIFields,
				},
				store, store, normalize.NewNormalizer(masker, logger), logger,
			)

			cutoff := enforcer.Cutoff()
			if toStr != "" {
				cutoff, err = time.Parse("2006-01-02", toStr)
				if err != nil {
					return fmt.Errorf("invalid --to date %q: %w", toStr, err)
				}
			}
			var from time.Time
			if fromStr != "" {
				from, err = time.Parse("2006-01-02", fromStr)
				if err != nil {
					return fmt.Errorf("invalid --from date %q: %w", fromStr, err)
				}
			}

			s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
			s.Suffix = fmt.Sprintf(" Sweeping records created before %s...", cutoff.Format("2006-01-02"))
			s.Start()

			report, err := enforcer.SweepRange(context.Background(), from, cutoff)
			s.Stop()
			if err != nil {
				color.Red("✗ Sweep failed: %v", err)
				return err
			}

			color.Green("✓ Sweep complete in %s", report.Duration.Round(time.Millisecond))
			fmt.Printf("  Cutoff:     %s\n", report.Cutoff.Format("2006-01-02"))
			fmt.Printf("  Scanned:    %d\n", report.Scanned)
			fmt.Printf("  Anonymized: %d\n", report.Anonymized)
			fmt.Printf("  Deleted:    %d\n", report.Deleted)
			fmt.Printf("  Skipped:    %d\n", report.Skipped)
			if len(report.Errors) > 0 {
				color.Yellow("  Errors:     %d", len(report.Errors))
				for _, e := range report.Errors {
					fmt.Printf("    - %s\n", e)
				}
				return fmt.Errorf("sweep finished with %d errors", len(report.Errors))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	cmd.Flags().IntVar(&days, "days", 0, "Override retention period in days")
	cmd.Flags().StringVar(&policy, "policy", "", "Override retention policy (anonymize or delete)")
	cmd.Flags().StringVar(&fromStr, "from", "", "Only sweep records created on or after this date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&toStr, "to", "", "Sweep records created before this date instead of the retention cutoff (YYYY-MM-DD)")
	return cmd
}
