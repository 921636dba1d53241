package core

import (
	"fmt"
	"time"
)

// Event categories recognized by the compliance pipeline.
const (
	CategoryAML    = "AML"
	CategoryKYC    = "KYC"
	CategoryGDPR   = "GDPR"
	CategoryAccess = "ACCESS"
)

// Severity levels for rules and violations.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// severityOrder ranks severities for filtering. Unknown severities rank lowest.
var severityOrder = map[string]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// SeverityRank returns the numeric rank of a severity string.
func SeverityRank(severity string) int {
	if rank, ok := severityOrder[severity]; ok {
		return rank
	}
	return 1
}

// Event is a normalized compliance event. Events are immutable once
// produced by the normalizer; downstream stages only read them.
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Category  string                 `json:"category"`
	Source    string                 `json:"source"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Message   string                 `json:"message,omitempty"`
}

// Violation records a single rule breach for a single event.
type Violation struct {
	RuleName   string                 `json:"rule_name"`
	EventID    string                 `json:"event_id"`
	EntityID   string                 `json:"entity_id"`
	Category   string                 `json:"category"`
	Severity   string                 `json:"severity"`
	Detail     string                 `json:"detail,omitempty"`
	DetectedAt time.Time              `json:"detected_at"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

// Key returns the deduplication key for this violation.
func (v Violation) Key() AlertKey {
	return AlertKey{RuleName: v.RuleName, EntityID: v.EntityID}
}

// AlertKey identifies a deduplication bucket: one rule firing for one entity.
type AlertKey struct {
	RuleName string
	EntityID string
}

// String renders the key in its canonical "rule|entity" form.
func (k AlertKey) String() string {
	return fmt.Sprintf("%s|%s", k.RuleName, k.EntityID)
}

// Alert is a violation that survived deduplication and is bound for the
// notification channels.
type Alert struct {
	AlertID   string    `json:"alert_id"`
	Violation Violation `json:"violation"`
	CreatedAt time.Time `json:"created_at"`
}

// Record is a persisted data record subject to retention policy.
// PII fields live in Fields; once anonymized they hold one-way hashes.
type Record struct {
	ID        string            `json:"id"`
	CreatedAt time.Time         `json:"created_at"`
	Fields    map[string]string `json:"fields"`
}

// Clone returns a deep copy of the record so sweeps never mutate
// caller-owned state before the store write succeeds.
func (r *Record) Clone() *Record {
	fields := make(map[string]string, len(r.Fields))
	for k, v := range r.Fields {
		fields[k] = v
	}
	return &Record{ID: r.ID, CreatedAt: r.CreatedAt, Fields: fields}
}
