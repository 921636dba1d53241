package core

import (
	"fmt"
	"strings"
)

// ConditionType enumerates the closed set of rule condition variants.
// Unknown condition strings are rejected at load time, not at evaluation
// time, so a misconfigured rule file cannot silently evaluate to nothing.
type ConditionType string

const (
	// ConditionThreshold fires when a numeric field exceeds MaxValue.
	ConditionThreshold ConditionType = "threshold"
	// ConditionBlacklist fires when the field value is in Blacklist.
	ConditionBlacklist ConditionType = "blacklist"
	// ConditionRequired fires when the field is absent or empty.
	ConditionRequired ConditionType = "required"
	// ConditionNotExpired fires when the field is an expired or unparseable date.
	ConditionNotExpired ConditionType = "not_expired"
	// ConditionAllowedValues fires when the field value is outside AllowedValues.
	ConditionAllowedValues ConditionType = "allowed_values"
)

// Rule is a typed compliance rule definition. Rules are loaded once at
// startup and are immutable for the lifetime of the run.
type Rule struct {
	Name        string        `yaml:"name" json:"name" validate:"required"`
	Category    string        `yaml:"category" json:"category,omitempty"`
	Field       string        `yaml:"field" json:"field" validate:"required"`
	Condition   ConditionType `yaml:"condition" json:"condition" validate:"required"`
	Severity    string        `yaml:"severity" json:"severity"`
	Description string        `yaml:"description" json:"description,omitempty"`

	// Condition parameters. Only the ones matching Condition are consulted.
	MaxValue      *float64 `yaml:"max_value" json:"max_value,omitempty"`
	Blacklist     []string `yaml:"blacklist" json:"blacklist,omitempty"`
	AllowedValues []string `yaml:"allowed_values" json:"allowed_values,omitempty"`

	Enabled bool `yaml:"enabled" json:"enabled"`
}

// Validate checks that the rule names a known condition variant and
// carries the parameters that variant needs.
func (r *Rule) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("rule missing name")
	}
	if strings.TrimSpace(r.Field) == "" {
		return fmt.Errorf("rule %s: missing field", r.Name)
	}

	switch r.Condition {
	case ConditionThreshold:
		if r.MaxValue == nil {
			return fmt.Errorf("rule %s: threshold condition requires max_value", r.Name)
		}
	case ConditionBlacklist:
		if len(r.Blacklist) == 0 {
			return fmt.Errorf("rule %s: blacklist condition requires a non-empty blacklist", r.Name)
		}
	case ConditionAllowedValues:
		if len(r.AllowedValues) == 0 {
			return fmt.Errorf("rule %s: allowed_values condition requires a non-empty allow-list", r.Name)
		}
	case ConditionRequired, ConditionNotExpired:
		// No parameters beyond the field name.
	case "":
		return fmt.Errorf("rule %s: condition cannot be empty", r.Name)
	default:
		return fmt.Errorf("rule %s: unknown condition type %q (must be threshold, blacklist, required, not_expired, or allowed_values)", r.Name, r.Condition)
	}

	if r.Severity != "" {
		if _, ok := severityOrder[r.Severity]; !ok {
			return fmt.Errorf("rule %s: unknown severity %q", r.Name, r.Severity)
		}
	}
	return nil
}

// RuleSet mirrors the on-disk rule file layout: one list per category.
type RuleSet struct {
	AMLRules  []Rule `yaml:"aml_rules" json:"aml_rules,omitempty"`
	KYCRules  []Rule `yaml:"kyc_rules" json:"kyc_rules,omitempty"`
	GDPRRules []Rule `yaml:"gdpr_rules" json:"gdpr_rules,omitempty"`
}

// All flattens the set into a single slice, stamping each rule with its
// section's category when the rule does not name one itself.
func (rs *RuleSet) All() []Rule {
	var rules []Rule
	appendSection := func(section []Rule, category string) {
		for _, r := range section {
			if r.Category == "" {
				r.Category = category
			}
			rules = append(rules, r)
		}
	}
	appendSection(rs.AMLRules, CategoryAML)
	appendSection(rs.KYCRules, CategoryKYC)
	appendSection(rs.GDPRRules, CategoryGDPR)
	return rules
}
