package normalize

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"themis/core"
)

func newTestNormalizer(t *testing.T) *Normalizer {
	t.Helper()
	return NewNormalizer(newTestMasker(t, "test-salt"), zap.NewNop().Sugar())
}

func TestNormalizeBasicEvent(t *testing.T) {
	n := newTestNormalizer(t)

	event, err := n.Normalize(map[string]interface{}{
		"timestamp": "2026-08-01T10:30:00Z",
		"category":  "aml",
		"message":   "transfer processed",
		"amount":    95000.0,
		"sender_id": "client-1",
	}, "payments")
	require.NoError(t, err)

	assert.NotEmpty(t, event.ID)
	assert.Equal(t, time.Date(2026, 8, 1, 10, 30, 0, 0, time.UTC), event.Timestamp)
	assert.Equal(t, "AML", event.Category)
	assert.Equal(t, "payments", event.Source)
	assert.Equal(t, "transfer processed", event.Message)
	assert.Equal(t, 95000.0, event.Fields["amount"])
	assert.Equal(t, "client-1", event.Fields["sender_id"])
	assert.NotContains(t, event.Fields, "timestamp")
	assert.NotContains(t, event.Fields, "message")
}

func TestNormalizeMissingTimestampFallsBackToNow(t *testing.T) {
	n := newTestNormalizer(t)
	fixed := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return fixed }

	event, err := n.Normalize(map[string]interface{}{"message": "x"}, "s")
	require.NoError(t, err)
	assert.Equal(t, fixed, event.Timestamp)

	event, err = n.Normalize(map[string]interface{}{"timestamp": "  ", "message": "x"}, "s")
	require.NoError(t, err)
	assert.Equal(t, fixed, event.Timestamp)
}

func TestNormalizeBadTimestampRejected(t *testing.T) {
	n := newTestNormalizer(t)

	_, err := n.Normalize(map[string]interface{}{"timestamp": "not-a-date"}, "s")
	assert.ErrorIs(t, err, ErrBadTimestamp)

	_, err = n.Normalize(map[string]interface{}{"timestamp": 12345}, "s")
	assert.ErrorIs(t, err, ErrBadTimestamp)
}

func TestNormalizeNilPayload(t *testing.T) {
	n := newTestNormalizer(t)
	_, err := n.Normalize(nil, "s")
	assert.Error(t, err)
}

func TestNormalizeMasksPIIInFields(t *testing.T) {
	n := newTestNormalizer(t)

	event, err := n.Normalize(map[string]interface{}{
		"message": "sent to dave@example.com",
		"email":   "dave@example.com",
	}, "s")
	require.NoError(t, err)

	assert.NotContains(t, event.Message, "dave@example.com")
	assert.NotContains(t, event.Fields["email"], "dave@example.com")
}

func TestSanitizeMessage(t *testing.T) {
	assert.Equal(t, "a b c", sanitizeMessage("a\r\nb\tc"))
	assert.Equal(t, "trimmed", sanitizeMessage("\t\ntrimmed\r\n"))

	long := strings.Repeat("x", 1500)
	assert.Len(t, sanitizeMessage(long), 1000)
}

func TestSanitizeMessageTruncatesOnRuneBoundary(t *testing.T) {
	msg := strings.Repeat("x", 999) + "é" + strings.Repeat("y", 50)
	got := sanitizeMessage(msg)

	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, 1000, utf8.RuneCountInString(got))
	assert.Equal(t, 'é', []rune(got)[999], "the multi-byte character survives intact")

	// 1000 two-byte characters exceed the bound in bytes but not in
	// characters and must pass through unchanged.
	accents := strings.Repeat("é", 1000)
	assert.Equal(t, accents, sanitizeMessage(accents))
}

func TestAnonymizeRecordIdempotent(t *testing.T) {
	n := newTestNormalizer(t)

	rec := &core.Record{
		ID:        "r1",
		CreatedAt: time.Now().UTC(),
		Fields: map[string]string{
			"email": "eve@example.com",
			"name":  "Eve",
			"notes": "keep me",
		},
	}

	first, changed := n.AnonymizeRecord(rec, []string{"email", "name", "absent"})
	assert.True(t, changed)
	assert.Len(t, first.Fields["email"], 64)
	assert.Len(t, first.Fields["name"], 64)
	assert.Equal(t, "keep me", first.Fields["notes"])

	// Original record untouched.
	assert.Equal(t, "eve@example.com", rec.Fields["email"])

	second, changed := n.AnonymizeRecord(first, []string{"email", "name", "absent"})
	assert.False(t, changed, "anonymizing an anonymized record must be a no-op")
	assert.Equal(t, first.Fields, second.Fields)
}

func TestClearRecord(t *testing.T) {
	n := newTestNormalizer(t)

	rec := &core.Record{
		ID:     "r1",
		Fields: map[string]string{"email": "x@example.com", "other": "v"},
	}

	cleared, changed := n.ClearRecord(rec, []string{"email"})
	assert.True(t, changed)
	assert.Equal(t, "", cleared.Fields["email"])
	assert.Equal(t, "v", cleared.Fields["other"])

	again, changed := n.ClearRecord(cleared, []string{"email"})
	assert.False(t, changed)
	assert.Equal(t, "", again.Fields["email"])
}
