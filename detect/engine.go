package detect

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"themis/core"
	"themis/metrics"
)

// entityFields are consulted in order to derive the entity an event is
// about. The event source is the fallback when none is present.
var entityFields = []string{"sender_id", "client_id", "user_id"}

// dateLayouts are the accepted formats for date-valued fields checked by
// the not_expired condition.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02",
	"2006-01-02 15:04:05",
}

// RuleEngine evaluates a fixed rule set against normalized events.
// The rule set is immutable after construction; Evaluate is safe for
// concurrent use.
type RuleEngine struct {
	rules  []core.Rule
	logger *zap.SugaredLogger
	now    func() time.Time
}

// NewRuleEngine creates an engine over a validated rule set.
func NewRuleEngine(rules []core.Rule, logger *zap.SugaredLogger) *RuleEngine {
	return &RuleEngine{rules: rules, logger: logger, now: time.Now}
}

// Rules returns the loaded rule set.
func (e *RuleEngine) Rules() []core.Rule {
	return e.rules
}

// Evaluate checks every applicable rule against the event and returns
// all violations. An event can violate any number of rules.
func (e *RuleEngine) Evaluate(event *core.Event) []core.Violation {
	var violations []core.Violation

	for _, rule := range e.rules {
		if !rule.Enabled {
			continue
		}
		if rule.Category != "" && event.Category != "" && rule.Category != event.Category {
			continue
		}

		detail, violated := e.check(rule, event)
		if !violated {
			continue
		}

		severity := rule.Severity
		if severity == "" {
			severity = core.SeverityMedium
		}

		v := core.Violation{
			RuleName:   rule.Name,
			EventID:    event.ID,
			EntityID:   deriveEntity(event),
			Category:   rule.Category,
			Severity:   severity,
			Detail:     detail,
			DetectedAt: e.now().UTC(),
			Fields:     event.Fields,
		}
		violations = append(violations, v)

		metrics.ViolationsDetected.WithLabelValues(rule.Name, severity).Inc()
		e.logger.Infow("Rule violation detected",
			"rule", rule.Name,
			"event_id", event.ID,
			"entity", v.EntityID,
			"severity", severity)
	}
	return violations
}

// check applies one rule's condition to the event. The bool result is
// whether the rule is violated.
func (e *RuleEngine) check(rule core.Rule, event *core.Event) (string, bool) {
	value, present := fieldValue(event, rule.Field)

	switch rule.Condition {
	case core.ConditionThreshold:
		if !present {
			return "", false
		}
		num, ok := numericValue(value)
		if !ok {
			// Unparseable numbers do not fire threshold rules. Data
			// quality problems surface via required rules instead.
			return "", false
		}
		if num > *rule.MaxValue {
			return fmt.Sprintf("%s %v exceeds maximum %v", rule.Field, num, *rule.MaxValue), true
		}
		return "", false

	case core.ConditionBlacklist:
		if !present {
			return "", false
		}
		s, ok := stringValue(value)
		if !ok {
			return "", false
		}
		for _, denied := range rule.Blacklist {
			if strings.EqualFold(s, denied) {
				return fmt.Sprintf("%s %q is blacklisted", rule.Field, s), true
			}
		}
		return "", false

	case core.ConditionRequired:
		if !present {
			return fmt.Sprintf("required field %s is missing", rule.Field), true
		}
		if s, ok := stringValue(value); ok && strings.TrimSpace(s) == "" {
			return fmt.Sprintf("required field %s is empty", rule.Field), true
		}
		return "", false

	case core.ConditionNotExpired:
		// Absent or unparseable dates count as expired. An expiry check
		// must fail closed; the other conditions fail open.
		if !present {
			return fmt.Sprintf("%s is missing", rule.Field), true
		}
		s, ok := stringValue(value)
		if !ok {
			return fmt.Sprintf("%s is not a date", rule.Field), true
		}
		expiry, err := parseDate(s)
		if err != nil {
			return fmt.Sprintf("%s %q is not a valid date", rule.Field, s), true
		}
		if expiry.Before(e.now().UTC().Truncate(24 * time.Hour)) {
			return fmt.Sprintf("%s expired on %s", rule.Field, expiry.Format("2006-01-02")), true
		}
		return "", false

	case core.ConditionAllowedValues:
		if !present {
			return "", false
		}
		s, ok := stringValue(value)
		if !ok {
			return "", false
		}
		for _, allowed := range rule.AllowedValues {
			if strings.EqualFold(s, allowed) {
				return "", false
			}
		}
		return fmt.Sprintf("%s %q is not an allowed value", rule.Field, s), true

	default:
		// Loader validation rejects unknown conditions; reaching this is a bug.
		e.logger.Errorw("Unknown rule condition at evaluation time",
			"rule", rule.Name,
			"condition", rule.Condition)
		return "", false
	}
}

// deriveEntity picks the entity identifier an alert is keyed on.
func deriveEntity(event *core.Event) string {
	for _, field := range entityFields {
		if v, ok := event.Fields[field]; ok {
			if s, ok := stringValue(v); ok && s != "" {
				return s
			}
		}
	}
	return event.Source
}

func fieldValue(event *core.Event, field string) (interface{}, bool) {
	v, ok := event.Fields[field]
	return v, ok
}

func stringValue(value interface{}) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, true
	case fmt.Stringer:
		return v.String(), true
	default:
		return "", false
	}
}

func numericValue(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}
