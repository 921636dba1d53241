package normalize

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"themis/core"
	"themis/metrics"
)

// ErrBadTimestamp is returned when an event carries a timestamp that
// cannot be parsed. An absent timestamp is not an error; it falls back
// to the current time.
var ErrBadTimestamp = errors.New("unparseable event timestamp")

// maxMessageLen bounds the sanitized message length.
const maxMessageLen = 1000

// timestampLayouts are the accepted input formats, tried in order.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Normalizer turns raw event maps into normalized, PII-masked events.
type Normalizer struct {
	masker *Masker
	logger *zap.SugaredLogger
	now    func() time.Time
}

// NewNormalizer creates a normalizer using the given masker.
func NewNormalizer(masker *Masker, logger *zap.SugaredLogger) *Normalizer {
	return &Normalizer{
		masker: masker,
		logger: logger,
		now:    time.Now,
	}
}

// Normalize validates and normalizes one raw event. The raw map is not
// modified. Events with an unparseable timestamp are rejected with
// ErrBadTimestamp and counted, never silently repaired.
func (n *Normalizer) Normalize(raw map[string]interface{}, source string) (*core.Event, error) {
	if raw == nil {
		metrics.EventsSkipped.WithLabelValues("empty").Inc()
		return nil, fmt.Errorf("event payload is empty")
	}

	ts, err := n.normalizeTimestamp(raw["timestamp"])
	if err != nil {
		metrics.EventsSkipped.WithLabelValues("bad_timestamp").Inc()
		n.logger.Warnw("Skipping event with bad timestamp",
			"source", source,
			"timestamp", raw["timestamp"])
		return nil, err
	}

	category := strings.ToUpper(strings.TrimSpace(stringField(raw, "category")))
	message := sanitizeMessage(stringField(raw, "message"))
	message = n.masker.MaskText(message)

	fields := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		switch k {
		case "timestamp", "category", "message":
			continue
		}
		fields[k] = v
	}
	fields = n.masker.MaskFields(fields)

	event := &core.Event{
		ID:        uuid.NewString(),
		Timestamp: ts,
		Category:  category,
		Source:    source,
		Fields:    fields,
		Message:   message,
	}

	metrics.EventsNormalized.WithLabelValues(source).Inc()
	return event, nil
}

// normalizeTimestamp parses the raw timestamp value. Absent or empty
// falls back to the current time in UTC.
func (n *Normalizer) normalizeTimestamp(raw interface{}) (time.Time, error) {
	switch v := raw.(type) {
	case nil:
		return n.now().UTC(), nil
	case time.Time:
		return v.UTC(), nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return n.now().UTC(), nil
		}
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("%w: %q", ErrBadTimestamp, s)
	default:
		return time.Time{}, fmt.Errorf("%w: unsupported type %T", ErrBadTimestamp, raw)
	}
}

// sanitizeMessage collapses control whitespace runs into single spaces,
// trims, and truncates to the message length bound.
func sanitizeMessage(message string) string {
	var b strings.Builder
	b.Grow(len(message))
	inRun := false
	for _, r := range message {
		if r == '\r' || r == '\n' || r == '\t' {
			if !inRun {
				b.WriteByte(' ')
				inRun = true
			}
			continue
		}
		inRun = false
		b.WriteRune(r)
	}
	cleaned := strings.TrimSpace(b.String())
	if len(cleaned) > maxMessageLen {
		// The bound counts characters; never split a multi-byte rune.
		if runes := []rune(cleaned); len(runes) > maxMessageLen {
			cleaned = string(runes[:maxMessageLen])
		}
	}
	return cleaned
}

// stringField extracts a string-valued field, tolerating absence.
func stringField(raw map[string]interface{}, key string) string {
	if v, ok := raw[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// AnonymizeRecord hashes the named PII fields of a record in place on a
// copy. Already-anonymized values are left untouched so repeat sweeps
// produce no further changes.
func (n *Normalizer) AnonymizeRecord(rec *core.Record, piiFields []string) (*core.Record, bool) {
	out := rec.Clone()
	changed := false
	for _, field := range piiFields {
		value, ok := out.Fields[field]
		if !ok || IsAnonymized(value) {
			continue
		}
		out.Fields[field] = n.masker.Anonymize(value)
		changed = true
	}
	return out, changed
}

// ClearRecord blanks the named PII fields of a record on a copy. Used by
// the deletion retention policy when anonymization is not enough.
func (n *Normalizer) ClearRecord(rec *core.Record, piiFields []string) (*core.Record, bool) {
	out := rec.Clone()
	changed := false
	for _, field := range piiFields {
		if value, ok := out.Fields[field]; ok && value != "" {
			out.Fields[field] = ""
			changed = true
		}
	}
	return out, changed
}
