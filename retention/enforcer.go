package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"themis/core"
	"themis/metrics"
	"themis/normalize"
	"themis/storage"
	"themis/util/goroutine"
)

// Policy selects what happens to a record past its retention period.
type Policy string

const (
	// PolicyAnonymize replaces PII fields with one-way hashes.
	PolicyAnonymize Policy = "anonymize"
	// PolicyDelete removes the record entirely.
	PolicyDelete Policy = "delete"
)

// DefaultRetentionDays is the retention period applied when none is configured.
const DefaultRetentionDays = 365

// Config controls the retention enforcer.
type Config struct {
	RetentionDays int
	Policy        Policy
	// PIIFields are the record fields subject to anonymization.
	PIIFields []string
	// SweepInterval is how often the scheduled sweep runs.
	SweepInterval time.Duration
}

// SweepReport summarizes one retention sweep.
type SweepReport struct {
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Cutoff     time.Time     `json:"cutoff"`
	Scanned    int           `json:"scanned"`
	Anonymized int           `json:"anonymized"`
	Deleted    int           `json:"deleted"`
	Skipped    int           `json:"skipped"`
	Errors     []string      `json:"errors,omitempty"`
}

// Enforcer applies the retention policy to aged records and writes a
// GDPR audit entry for every action taken.
type Enforcer struct {
	config     Config
	records    storage.RecordStore
	audit      storage.AuditStore
	normalizer *normalize.Normalizer
	logger     *zap.SugaredLogger

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewEnforcer creates a retention enforcer. Zero config values fall
// back to a 365 day window, the anonymize policy, and a daily sweep.
func NewEnforcer(config Config, records storage.RecordStore, audit storage.AuditStore, normalizer *normalize.Normalizer, logger *zap.SugaredLogger) *Enforcer {
	if config.RetentionDays <= 0 {
		config.RetentionDays = DefaultRetentionDays
	}
	if config.Policy == "" {
		config.Policy = PolicyAnonymize
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = 24 * time.Hour
	}
	return &Enforcer{
		config:     config,
		records:    records,
		audit:      audit,
		normalizer: normalizer,
		logger:     logger,
		stopCh:     make(chan struct{}),
	}
}

// Cutoff returns the retention cutoff relative to now.
func (e *Enforcer) Cutoff() time.Time {
	return time.Now().UTC().AddDate(0, 0, -e.config.RetentionDays)
}

// Start runs scheduled sweeps until Stop is called.
func (e *Enforcer) Start(ctx context.Context) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer goroutine.Recover("retention-sweep", e.logger)

		ticker := time.NewTicker(e.config.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if _, err := e.Sweep(ctx, e.Cutoff()); err != nil {
					e.logger.Errorw("Scheduled retention sweep failed", "error", err)
				}
			case <-e.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	e.logger.Infow("Retention enforcer started",
		"retention_days", e.config.RetentionDays,
		"policy", e.config.Policy,
		"interval", e.config.SweepInterval)
}

// Stop halts scheduled sweeps. A sweep already in flight finishes.
func (e *Enforcer) Stop() {
	e.once.Do(func() { close(e.stopCh) })
	e.wg.Wait()
}

// Sweep applies the policy to every record created strictly before the
// cutoff. Failures on individual records are accumulated in the report
// and do not stop the sweep. Re-running a sweep over already-processed
// records takes no action and writes no audit entries.
func (e *Enforcer) Sweep(ctx context.Context, cutoff time.Time) (*SweepReport, error) {
	return e.SweepRange(ctx, time.Time{}, cutoff)
}

// SweepRange restricts the sweep to records created within [from,
// cutoff). A zero from leaves the old end of the range open; scheduled
// sweeps use that form, operator-triggered cleanups may narrow it.
func (e *Enforcer) SweepRange(ctx context.Context, from, cutoff time.Time) (*SweepReport, error) {
	report := &SweepReport{StartedAt: time.Now().UTC(), Cutoff: cutoff}

	records, err := e.records.ListOlderThan(ctx, cutoff)
	if err != nil {
		metrics.SweepErrors.Inc()
		return report, fmt.Errorf("failed to list aged records: %w", err)
	}

	for _, rec := range records {
		if !from.IsZero() && rec.CreatedAt.Before(from) {
			continue
		}
		report.Scanned++
		if err := e.apply(ctx, rec, report); err != nil {
			metrics.SweepErrors.Inc()
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", rec.ID, err))
			e.logger.Errorw("Retention action failed",
				"record_id", rec.ID,
				"policy", e.config.Policy,
				"error", err)
		}
	}

	report.Duration = time.Since(report.StartedAt)
	e.logger.Infow("Retention sweep completed",
		"scanned", report.Scanned,
		"anonymized", report.Anonymized,
		"deleted", report.Deleted,
		"skipped", report.Skipped,
		"errors", len(report.Errors),
		"duration", report.Duration)
	return report, nil
}

func (e *Enforcer) apply(ctx context.Context, rec *core.Record, report *SweepReport) error {
	switch e.config.Policy {
	case PolicyDelete:
		if err := e.records.Delete(ctx, rec.ID); err != nil {
			return err
		}
		report.Deleted++
		metrics.SweepActions.WithLabelValues("delete").Inc()
		return e.writeAudit(ctx, rec.ID, "record deleted by retention policy")

	default:
		updated, changed := e.normalizer.AnonymizeRecord(rec, e.config.PIIFields)
		if !changed {
			report.Skipped++
			metrics.SweepActions.WithLabelValues("skip").Inc()
			return nil
		}
		if err := e.records.Update(ctx, updated); err != nil {
			return err
		}
		report.Anonymized++
		metrics.SweepActions.WithLabelValues("anonymize").Inc()
		return e.writeAudit(ctx, rec.ID, "record anonymized by retention policy")
	}
}

// writeAudit records one retention action. Audit failures are reported
// to the caller; the data action already happened and must not be
// rolled back for a logging problem.
func (e *Enforcer) writeAudit(ctx context.Context, recordID, message string) error {
	entry := &storage.AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Category:  core.CategoryGDPR,
		Source:    "retention",
		Message:   message,
		Fields: map[string]interface{}{
			"record_id": recordID,
			"policy":    string(e.config.Policy),
		},
	}
	if err := e.audit.Index(ctx, entry); err != nil {
		return fmt.Errorf("failed to write retention audit entry: %w", err)
	}
	return nil
}
