package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"themis/core"
)

func newTestStore(t *testing.T) *SQLite {
	t.Helper()
	store, err := NewSQLite(":memory:", zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestAuditIndexAndSearchRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entry := &AuditEntry{
		ID:        "e1",
		Timestamp: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Category:  "AML",
		Source:    "payments",
		Message:   "transfer processed",
		Fields: map[string]interface{}{
			"amount":    95000.0,
			"sender_id": "client-1",
		},
	}
	require.NoError(t, store.Index(ctx, entry))

	results, err := store.Search(ctx, Query{Category: "AML"})
	require.NoError(t, err)
	require.Len(t, results, 1)

	got := results[0]
	assert.Equal(t, entry.ID, got.ID)
	assert.Equal(t, entry.Timestamp, got.Timestamp)
	assert.Equal(t, entry.Source, got.Source)
	assert.Equal(t, entry.Message, got.Message)
	assert.Equal(t, 95000.0, got.Fields["amount"])
	assert.Equal(t, "client-1", got.Fields["sender_id"])
}

func TestAuditSearchTimeRange(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "mid", "new"} {
		require.NoError(t, store.Index(ctx, &AuditEntry{
			ID:        id,
			Timestamp: base.AddDate(0, 0, i*10),
			Category:  "KYC",
			Source:    "s",
		}))
	}

	results, err := store.Search(ctx, Query{
		From: base.AddDate(0, 0, 5),
		To:   base.AddDate(0, 0, 15),
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "mid", results[0].ID)
}

func TestAuditSearchFieldMatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Index(ctx, &AuditEntry{
		ID: "a", Timestamp: time.Now().UTC(), Category: "AML", Source: "s",
		Fields: map[string]interface{}{"entity_id": "client-1"},
	}))
	require.NoError(t, store.Index(ctx, &AuditEntry{
		ID: "b", Timestamp: time.Now().UTC(), Category: "AML", Source: "s",
		Fields: map[string]interface{}{"entity_id": "client-2"},
	}))

	results, err := store.Search(ctx, Query{FieldKey: "entity_id", FieldValue: "client-2"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "b", results[0].ID)
}

func TestAuditSearchFieldMatchWithLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	// The newest entry does not match the field filter; both older
	// entries do and both must survive the limit.
	require.NoError(t, store.Index(ctx, &AuditEntry{
		ID: "newest-other", Timestamp: base.Add(3 * time.Hour), Category: "AML", Source: "s",
		Fields: map[string]interface{}{"rule": "other"},
	}))
	require.NoError(t, store.Index(ctx, &AuditEntry{
		ID: "match-2", Timestamp: base.Add(2 * time.Hour), Category: "AML", Source: "s",
		Fields: map[string]interface{}{"rule": "target"},
	}))
	require.NoError(t, store.Index(ctx, &AuditEntry{
		ID: "match-1", Timestamp: base.Add(time.Hour), Category: "AML", Source: "s",
		Fields: map[string]interface{}{"rule": "target"},
	}))

	results, err := store.Search(ctx, Query{FieldKey: "rule", FieldValue: "target", Limit: 2})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "match-2", results[0].ID)
	assert.Equal(t, "match-1", results[1].ID)
}

func TestAuditCount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Index(ctx, &AuditEntry{
			ID:        string(rune('a' + i)),
			Timestamp: time.Now().UTC(),
			Category:  "GDPR",
			Source:    "retention",
		}))
	}

	count, err := store.Count(ctx, Query{Category: "GDPR"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	count, err = store.Count(ctx, Query{Category: "AML"})
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestRecordCRUD(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := &core.Record{
		ID:        "r1",
		CreatedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Fields:    map[string]string{"email": "a@example.com"},
	}
	require.NoError(t, store.Put(ctx, rec))

	got, err := store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, rec.CreatedAt, got.CreatedAt)
	assert.Equal(t, "a@example.com", got.Fields["email"])

	got.Fields["email"] = "hashed"
	require.NoError(t, store.Update(ctx, got))

	got, err = store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "hashed", got.Fields["email"])

	require.NoError(t, store.Delete(ctx, "r1"))
	_, err = store.Get(ctx, "r1")
	assert.ErrorIs(t, err, ErrRecordNotFound)

	// Idempotent delete.
	assert.NoError(t, store.Delete(ctx, "r1"))
}

func TestUpdateMissingRecord(t *testing.T) {
	store := newTestStore(t)
	err := store.Update(context.Background(), &core.Record{ID: "nope", Fields: map[string]string{}})
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestListOlderThanBoundary(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	cutoff := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	records := []*core.Record{
		{ID: "older", CreatedAt: cutoff.AddDate(0, 0, -1), Fields: map[string]string{}},
		{ID: "at-cutoff", CreatedAt: cutoff, Fields: map[string]string{}},
		{ID: "newer", CreatedAt: cutoff.AddDate(0, 0, 1), Fields: map[string]string{}},
	}
	for _, r := range records {
		require.NoError(t, store.Put(ctx, r))
	}

	aged, err := store.ListOlderThan(ctx, cutoff)
	require.NoError(t, err)
	require.Len(t, aged, 1, "cutoff comparison is strict")
	assert.Equal(t, "older", aged[0].ID)
}

func TestStoreRejectsUseAfterClose(t *testing.T) {
	store, err := NewSQLite(":memory:", zap.NewNop().Sugar())
	require.NoError(t, err)
	require.NoError(t, store.Close())

	ctx := context.Background()

	err = store.Index(ctx, &AuditEntry{ID: "x", Timestamp: time.Now().UTC(), Category: "AML", Source: "s"})
	assert.ErrorIs(t, err, ErrDatabaseClosed)

	_, err = store.Search(ctx, Query{})
	assert.ErrorIs(t, err, ErrDatabaseClosed)

	_, err = store.Get(ctx, "x")
	assert.ErrorIs(t, err, ErrDatabaseClosed)

	err = store.Put(ctx, &core.Record{ID: "x", CreatedAt: time.Now().UTC(), Fields: map[string]string{}})
	assert.ErrorIs(t, err, ErrDatabaseClosed)

	// Close is idempotent.
	assert.NoError(t, store.Close())
}
