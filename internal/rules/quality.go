package rules

import (
	"os"
	"regexp"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/reconcile/internal/model"
)

// RequiredField declares a field the schema check expects, with its type.
type RequiredField struct {
	Name     string          `yaml:"name"`
	Type     model.FieldType `yaml:"type"`
	Severity model.Severity  `yaml:"severity"`
}

// ConsistencyKind enumerates supported cross-field business rules.
type ConsistencyKind string

const (
	// ConsistencyAfter asserts Field's timestamp is not before Other's.
	ConsistencyAfter ConsistencyKind = "after"
	// ConsistencyRange asserts Field's number lies within [Min, Max].
	ConsistencyRange ConsistencyKind = "range"
)

// ConsistencyRule is one cross-field or range constraint.
type ConsistencyRule struct {
	Kind     ConsistencyKind `yaml:"kind"`
	Field    string          `yaml:"field"`
	Other    string          `yaml:"other,omitempty"`
	Min      *float64        `yaml:"min,omitempty"`
	Max      *float64        `yaml:"max,omitempty"`
	Severity model.Severity  `yaml:"severity"`
}

// ValidityRule is a per-field format constraint.
type ValidityRule struct {
	Field    string         `yaml:"field"`
	Pattern  string         `yaml:"pattern,omitempty"`
	Kind     string         `yaml:"kind,omitempty"` // "email" shortcut or "" for pattern
	Severity model.Severity `yaml:"severity"`

	re *regexp.Regexp
}

// Regexp returns the compiled pattern, set during Validate.
func (v *ValidityRule) Regexp() *regexp.Regexp { return v.re }

// emailPattern mirrors the format used by upstream source validation.
const emailPattern = `^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`

// Penalties maps issue severity to score deduction.
type Penalties struct {
	Error   float64 `yaml:"error"`
	Warning float64 `yaml:"warning"`
	Info    float64 `yaml:"info"`
}

// For returns the penalty for a severity.
func (p Penalties) For(s model.Severity) float64 {
	switch s {
	case model.SeverityError:
		return p.Error
	case model.SeverityWarning:
		return p.Warning
	default:
		return p.Info
	}
}

// VerdictThresholds derive the verdict from the numeric score. An
// error-severity issue forces quarantine regardless of these.
type VerdictThresholds struct {
	Pass float64 `yaml:"pass"` // score >= Pass → pass
	Warn float64 `yaml:"warn"` // Warn <= score < Pass → warn; below → quarantine
}

// AnomalyRules configures statistical outlier detection.
type AnomalyRules struct {
	// Method selects the detector: "zscore" or "ensemble".
	Method string `yaml:"method"`
	// Fields lists the numeric payload fields to check.
	Fields []string `yaml:"fields"`
	// WindowDays bounds the rolling baseline.
	WindowDays int `yaml:"window_days"`
	// MinSamples is the history floor below which the check is skipped and
	// flagged insufficient_data.
	MinSamples int     `yaml:"min_samples"`
	ZThreshold float64 `yaml:"z_threshold"`
	Severity   model.Severity `yaml:"severity"`
}

// QualityRuleSet configures the gate for one rule-set version.
type QualityRuleSet struct {
	Version            string            `yaml:"version"`
	Required           []RequiredField   `yaml:"required"`
	Consistency        []ConsistencyRule `yaml:"consistency"`
	Validity           []ValidityRule    `yaml:"validity"`
	DuplicateKeyFields []string          `yaml:"duplicate_key_fields"`
	Penalties          Penalties         `yaml:"penalties"`
	Thresholds         VerdictThresholds `yaml:"thresholds"`
	Anomaly            AnomalyRules      `yaml:"anomaly"`
	// CompletenessFloor is the required-field fill ratio below which an
	// incompleteness issue is raised.
	CompletenessFloor float64 `yaml:"completeness_floor"`
}

// Defaults mirror the historical quality-control behavior.
func (r *QualityRuleSet) applyDefaults() {
	if r.Penalties == (Penalties{}) {
		r.Penalties = Penalties{Error: 10, Warning: 5, Info: 2}
	}
	if r.Thresholds == (VerdictThresholds{}) {
		r.Thresholds = VerdictThresholds{Pass: 90, Warn: 70}
	}
	if r.CompletenessFloor == 0 {
		r.CompletenessFloor = 0.9
	}
	if r.Anomaly.Method == "" {
		r.Anomaly.Method = "zscore"
	}
	if r.Anomaly.WindowDays == 0 {
		r.Anomaly.WindowDays = 30
	}
	if r.Anomaly.MinSamples == 0 {
		r.Anomaly.MinSamples = 10
	}
	if r.Anomaly.ZThreshold == 0 {
		r.Anomaly.ZThreshold = 3.0
	}
	if r.Anomaly.Severity == "" {
		r.Anomaly.Severity = model.SeverityWarning
	}
}

func validSeverity(s model.Severity) bool {
	switch s {
	case model.SeverityInfo, model.SeverityWarning, model.SeverityError:
		return true
	}
	return false
}

// Validate checks the rule set eagerly and compiles validity patterns.
func (r *QualityRuleSet) Validate() error {
	if r.Version == "" {
		return eris.Wrap(ErrRuleConfig, "quality: version is required")
	}
	r.applyDefaults()

	if r.Thresholds.Warn > r.Thresholds.Pass {
		return eris.Wrapf(ErrRuleConfig, "quality: warn threshold %.0f above pass threshold %.0f", r.Thresholds.Warn, r.Thresholds.Pass)
	}
	for i := range r.Required {
		f := &r.Required[i]
		if f.Name == "" {
			return eris.Wrap(ErrRuleConfig, "quality: required field with empty name")
		}
		if !f.Type.Valid() {
			return eris.Wrapf(ErrRuleConfig, "quality: required field %q has unknown type %q", f.Name, f.Type)
		}
		if f.Severity == "" {
			f.Severity = model.SeverityError
		}
		if !validSeverity(f.Severity) {
			return eris.Wrapf(ErrRuleConfig, "quality: required field %q has unknown severity %q", f.Name, f.Severity)
		}
	}
	for i := range r.Consistency {
		c := &r.Consistency[i]
		if c.Field == "" {
			return eris.Wrap(ErrRuleConfig, "quality: consistency rule with empty field")
		}
		if c.Severity == "" {
			c.Severity = model.SeverityWarning
		}
		switch c.Kind {
		case ConsistencyAfter:
			if c.Other == "" {
				return eris.Wrapf(ErrRuleConfig, "quality: after rule on %q needs other field", c.Field)
			}
		case ConsistencyRange:
			if c.Min == nil && c.Max == nil {
				return eris.Wrapf(ErrRuleConfig, "quality: range rule on %q needs min or max", c.Field)
			}
			if c.Min != nil && c.Max != nil && *c.Min > *c.Max {
				return eris.Wrapf(ErrRuleConfig, "quality: range rule on %q has min above max", c.Field)
			}
		default:
			return eris.Wrapf(ErrRuleConfig, "quality: unknown consistency kind %q", c.Kind)
		}
	}
	for i := range r.Validity {
		v := &r.Validity[i]
		if v.Field == "" {
			return eris.Wrap(ErrRuleConfig, "quality: validity rule with empty field")
		}
		if v.Severity == "" {
			v.Severity = model.SeverityWarning
		}
		pattern := v.Pattern
		switch v.Kind {
		case "email":
			pattern = emailPattern
		case "":
			if pattern == "" {
				return eris.Wrapf(ErrRuleConfig, "quality: validity rule on %q needs a pattern or kind", v.Field)
			}
		default:
			return eris.Wrapf(ErrRuleConfig, "quality: unknown validity kind %q", v.Kind)
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return eris.Wrapf(ErrRuleConfig, "quality: validity pattern for %q: %v", v.Field, err)
		}
		v.re = re
	}
	switch r.Anomaly.Method {
	case "zscore", "ensemble":
	default:
		return eris.Wrapf(ErrRuleConfig, "quality: unknown anomaly method %q", r.Anomaly.Method)
	}
	return nil
}

// LoadQualityRules reads a quality rule set from a YAML file and validates it.
func LoadQualityRules(path string) (*QualityRuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "rules: read quality rules %s", path)
	}
	var wrapper struct {
		Quality QualityRuleSet `yaml:"quality"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(ErrRuleConfig, err.Error())
	}
	rs := &wrapper.Quality
	if err := rs.Validate(); err != nil {
		return nil, err
	}
	return rs, nil
}
