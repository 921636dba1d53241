package detect

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"themis/core"
)

// rulesSchemaFile is the optional JSON Schema checked against JSON rule
// files when it sits next to them.
const rulesSchemaFile = "rules_schema.json"

var ruleValidator = validator.New()

// LoadRules parses and validates a rule file. YAML and JSON layouts are
// supported; any malformed rule or unknown condition is an error, and
// callers treat that error as fatal at startup. A misloaded compliance
// rule set must never run partially.
func LoadRules(path string, logger *zap.SugaredLogger) ([]core.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule file %s: %w", path, err)
	}

	var ruleSet core.RuleSet
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := validateAgainstSchema(path, data, logger); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &ruleSet); err != nil {
			return nil, fmt.Errorf("failed to parse JSON rule file %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &ruleSet); err != nil {
			return nil, fmt.Errorf("failed to parse YAML rule file %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported rule file extension %q (want .yaml, .yml, or .json)", filepath.Ext(path))
	}

	rules := ruleSet.All()
	if len(rules) == 0 {
		return nil, fmt.Errorf("rule file %s contains no rules", path)
	}

	seen := make(map[string]bool, len(rules))
	for i := range rules {
		rule := &rules[i]
		if err := ruleValidator.Struct(rule); err != nil {
			return nil, fmt.Errorf("rule file %s: rule %d failed validation: %w", path, i, err)
		}
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("rule file %s: %w", path, err)
		}
		if seen[rule.Name] {
			return nil, fmt.Errorf("rule file %s: duplicate rule name %q", path, rule.Name)
		}
		seen[rule.Name] = true
	}

	enabled := 0
	for _, r := range rules {
		if r.Enabled {
			enabled++
		}
	}
	logger.Infow("Loaded compliance rules",
		"path", path,
		"total", len(rules),
		"enabled", enabled)
	return rules, nil
}

// validateAgainstSchema checks a JSON rule document against
// rules_schema.json when that file exists alongside the rule file.
func validateAgainstSchema(path string, data []byte, logger *zap.SugaredLogger) error {
	schemaPath := filepath.Join(filepath.Dir(path), rulesSchemaFile)
	schemaData, err := os.ReadFile(schemaPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read rule schema %s: %w", schemaPath, err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schemaData),
		gojsonschema.NewBytesLoader(data),
	)
	if err != nil {
		return fmt.Errorf("rule schema validation failed for %s: %w", path, err)
	}
	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return fmt.Errorf("rule file %s violates schema: %s", path, strings.Join(problems, "; "))
	}

	logger.Debugw("Rule file validated against schema", "path", path, "schema", schemaPath)
	return nil
}
