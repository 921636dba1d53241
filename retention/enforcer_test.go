package retention

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"themis/core"
	"themis/normalize"
	"themis/storage"
)

func newTestEnforcer(t *testing.T, policy Policy) (*Enforcer, *storage.SQLite) {
	t.Helper()
	logger := zap.NewNop().Sugar()

	store, err := storage.NewSQLite(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	masker, err := normalize.NewMasker("test-salt", logger)
	require.NoError(t, err)

	enforcer := NewEnforcer(
		Config{
			RetentionDays: 365,
			Policy:        policy,
			PIIFields:     []string{"email", "name"},
		},
		store, store, normalize.NewNormalizer(masker, logger), logger,
	)
	return enforcer, store
}

func seedRecord(t *testing.T, store *storage.SQLite, id string, age time.Duration) {
	t.Helper()
	require.NoError(t, store.Put(context.Background(), &core.Record{
		ID:        id,
		CreatedAt: time.Now().UTC().Add(-age),
		Fields: map[string]string{
			"email": id + "@example.com",
			"name":  "Holder of " + id,
			"notes": "unaffected",
		},
	}))
}

func TestSweepAnonymizesAgedRecords(t *testing.T) {
	enforcer, store := newTestEnforcer(t, PolicyAnonymize)
	ctx := context.Background()

	seedRecord(t, store, "old", 400*24*time.Hour)
	seedRecord(t, store, "fresh", 10*24*time.Hour)

	report, err := enforcer.Sweep(ctx, enforcer.Cutoff())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 1, report.Anonymized)
	assert.Zero(t, report.Deleted)
	assert.Empty(t, report.Errors)

	old, err := store.Get(ctx, "old")
	require.NoError(t, err)
	assert.True(t, normalize.IsAnonymized(old.Fields["email"]))
	assert.True(t, normalize.IsAnonymized(old.Fields["name"]))
	assert.Equal(t, "unaffected", old.Fields["notes"])

	fresh, err := store.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, "fresh@example.com", fresh.Fields["email"])
}

func TestSweepCutoffBoundary(t *testing.T) {
	enforcer, store := newTestEnforcer(t, PolicyAnonymize)
	ctx := context.Background()

	seedRecord(t, store, "one-day-past", 366*24*time.Hour)
	seedRecord(t, store, "one-day-short", 364*24*time.Hour)

	report, err := enforcer.Sweep(ctx, enforcer.Cutoff())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Anonymized)

	short, err := store.Get(ctx, "one-day-short")
	require.NoError(t, err)
	assert.Equal(t, "one-day-short@example.com", short.Fields["email"])
}

func TestSweepIsIdempotent(t *testing.T) {
	enforcer, store := newTestEnforcer(t, PolicyAnonymize)
	ctx := context.Background()

	seedRecord(t, store, "old", 400*24*time.Hour)

	_, err := enforcer.Sweep(ctx, enforcer.Cutoff())
	require.NoError(t, err)

	auditCount, err := store.Count(ctx, storage.Query{Category: core.CategoryGDPR})
	require.NoError(t, err)
	assert.Equal(t, int64(1), auditCount)

	// Second sweep takes no action and writes no audit entries.
	report, err := enforcer.Sweep(ctx, enforcer.Cutoff())
	require.NoError(t, err)
	assert.Zero(t, report.Anonymized)
	assert.Equal(t, 1, report.Skipped)

	auditCount, err = store.Count(ctx, storage.Query{Category: core.CategoryGDPR})
	require.NoError(t, err)
	assert.Equal(t, int64(1), auditCount, "re-run must not duplicate audit entries")
}

func TestSweepRangeHonorsLowerBound(t *testing.T) {
	enforcer, store := newTestEnforcer(t, PolicyAnonymize)
	ctx := context.Background()

	seedRecord(t, store, "in-range", 400*24*time.Hour)
	seedRecord(t, store, "too-old", 500*24*time.Hour)

	from := time.Now().UTC().Add(-450 * 24 * time.Hour)
	report, err := enforcer.SweepRange(ctx, from, enforcer.Cutoff())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 1, report.Anonymized)

	older, err := store.Get(ctx, "too-old")
	require.NoError(t, err)
	assert.Equal(t, "too-old@example.com", older.Fields["email"],
		"records created before the lower bound are left alone")
}

func TestSweepDeletePolicy(t *testing.T) {
	enforcer, store := newTestEnforcer(t, PolicyDelete)
	ctx := context.Background()

	seedRecord(t, store, "old", 400*24*time.Hour)

	report, err := enforcer.Sweep(ctx, enforcer.Cutoff())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Deleted)

	_, err = store.Get(ctx, "old")
	assert.ErrorIs(t, err, storage.ErrRecordNotFound)

	auditCount, err := store.Count(ctx, storage.Query{Category: core.CategoryGDPR})
	require.NoError(t, err)
	assert.Equal(t, int64(1), auditCount)
}

func TestSweepWritesGDPRAuditEntries(t *testing.T) {
	enforcer, store := newTestEnforcer(t, PolicyAnonymize)
	ctx := context.Background()

	seedRecord(t, store, "old", 400*24*time.Hour)

	_, err := enforcer.Sweep(ctx, enforcer.Cutoff())
	require.NoError(t, err)

	entries, err := store.Search(ctx, storage.Query{Category: core.CategoryGDPR})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "retention", entries[0].Source)
	assert.Equal(t, "old", entries[0].Fields["record_id"])
	assert.Equal(t, "anonymize", entries[0].Fields["policy"])
}

type failingRecordStore struct {
	storage.RecordStore
	failID string
}

func (f *failingRecordStore) Update(ctx context.Context, rec *core.Record) error {
	if rec.ID == f.failID {
		return assert.AnError
	}
	return f.RecordStore.Update(ctx, rec)
}

func TestSweepAccumulatesPerRecordErrors(t *testing.T) {
	logger := zap.NewNop().Sugar()

	store, err := storage.NewSQLite(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	masker, err := normalize.NewMasker("test-salt", logger)
	require.NoError(t, err)

	enforcer := NewEnforcer(
		Config{RetentionDays: 365, Policy: PolicyAnonymize, PIIFields: []string{"email"}},
		&failingRecordStore{RecordStore: store, failID: "bad"},
		store,
		normalize.NewNormalizer(masker, logger),
		logger,
	)

	seedRecord(t, store, "bad", 400*24*time.Hour)
	seedRecord(t, store, "good", 400*24*time.Hour)

	report, err := enforcer.Sweep(context.Background(), enforcer.Cutoff())
	require.NoError(t, err, "per-record failures must not abort the sweep")

	assert.Equal(t, 2, report.Scanned)
	assert.Equal(t, 1, report.Anonymized)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], "bad")
}
