package storage

import (
	"context"
	"time"

	"themis/core"
)

// AuditEntry is one indexed audit document: a normalized compliance
// event, a detected violation, or a retention action.
type AuditEntry struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Category  string                 `json:"category"`
	Source    string                 `json:"source"`
	Message   string                 `json:"message,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Query narrows an audit search. Zero values mean "no constraint".
type Query struct {
	From     time.Time
	To       time.Time
	Category string
	// FieldKey/FieldValue match one field to an exact value.
	FieldKey   string
	FieldValue string
	Limit      int
}

// AuditStore indexes and searches audit entries.
type AuditStore interface {
	Index(ctx context.Context, entry *AuditEntry) error
	Search(ctx context.Context, q Query) ([]*AuditEntry, error)
	Count(ctx context.Context, q Query) (int64, error)
}

// RecordStore holds the data records subject to retention policy.
type RecordStore interface {
	Put(ctx context.Context, rec *core.Record) error
	Get(ctx context.Context, id string) (*core.Record, error)
	ListOlderThan(ctx context.Context, cutoff time.Time) ([]*core.Record, error)
	Update(ctx context.Context, rec *core.Record) error
	Delete(ctx context.Context, id string) error
}
