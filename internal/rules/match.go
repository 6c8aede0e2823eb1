// Package rules defines the typed match and quality rule sets. Rule sets are
// explicit configuration structures with enumerated fields, validated eagerly
// at load time: an invalid rule set fails the batch (ErrRuleConfig) before any
// record is touched, it is never interpreted leniently at use time.
package rules

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/reconcile/internal/model"
)

// ErrRuleConfig marks an invalid rule set. It halts the stage for the batch;
// it is never a per-record error.
var ErrRuleConfig = eris.New("invalid rule configuration")

// SimilarityKind tags the per-field comparison function.
type SimilarityKind string

const (
	SimExact            SimilarityKind = "exact"
	SimStringDistance   SimilarityKind = "normalized-string-distance"
	SimPhonetic         SimilarityKind = "phonetic"
	SimNumericTolerance SimilarityKind = "numeric-tolerance"
)

// Valid reports whether k names a known similarity function.
func (k SimilarityKind) Valid() bool {
	switch k {
	case SimExact, SimStringDistance, SimPhonetic, SimNumericTolerance:
		return true
	}
	return false
}

// FieldRule configures matching for one payload field.
type FieldRule struct {
	Similarity SimilarityKind `yaml:"similarity"`
	Weight     float64        `yaml:"weight"`
	// Threshold is the per-field floor: a field score below it contributes
	// zero to the aggregate.
	Threshold float64 `yaml:"threshold"`
	// Tolerance is the absolute spread for numeric-tolerance similarity.
	Tolerance float64 `yaml:"tolerance,omitempty"`
}

// MatchRuleSet configures one resolution run.
type MatchRuleSet struct {
	Version string `yaml:"version"`
	// ConfidenceThreshold is the minimum weighted aggregate to accept a pair.
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	// BlockingFields feed the cheap blocking key; records sharing a key are
	// the only ones compared pairwise.
	BlockingFields []string             `yaml:"blocking_fields"`
	SourcePriority []string             `yaml:"source_priority"`
	MergeStrategy  model.MergeStrategy  `yaml:"merge_strategy"`
	Fields         map[string]FieldRule `yaml:"fields"`
}

// DefaultConfidenceThreshold applies when the rule set omits one.
const DefaultConfidenceThreshold = 0.8

// Validate checks the rule set eagerly. All violations are ErrRuleConfig.
func (r *MatchRuleSet) Validate() error {
	if r.Version == "" {
		return eris.Wrap(ErrRuleConfig, "match: version is required")
	}
	if r.ConfidenceThreshold == 0 {
		r.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if r.ConfidenceThreshold < 0 || r.ConfidenceThreshold > 1 {
		return eris.Wrapf(ErrRuleConfig, "match: confidence_threshold %.2f outside [0,1]", r.ConfidenceThreshold)
	}
	if len(r.Fields) == 0 {
		return eris.Wrap(ErrRuleConfig, "match: at least one field rule is required")
	}
	if len(r.BlockingFields) == 0 {
		return eris.Wrap(ErrRuleConfig, "match: at least one blocking field is required")
	}
	switch r.MergeStrategy {
	case "":
		r.MergeStrategy = model.MergePriorityBased
	case model.MergePriorityBased, model.MergeMostComplete:
	default:
		return eris.Wrapf(ErrRuleConfig, "match: unknown merge strategy %q", r.MergeStrategy)
	}
	for name, fr := range r.Fields {
		if !fr.Similarity.Valid() {
			return eris.Wrapf(ErrRuleConfig, "match: field %q has unknown similarity %q", name, fr.Similarity)
		}
		if fr.Weight < 0 {
			return eris.Wrapf(ErrRuleConfig, "match: field %q has negative weight", name)
		}
		if fr.Threshold < 0 || fr.Threshold > 1 {
			return eris.Wrapf(ErrRuleConfig, "match: field %q threshold %.2f outside [0,1]", name, fr.Threshold)
		}
		if fr.Similarity == SimNumericTolerance && fr.Tolerance <= 0 {
			return eris.Wrapf(ErrRuleConfig, "match: field %q needs a positive tolerance", name)
		}
	}
	return nil
}

// LoadMatchRules reads a match rule set from a YAML file and validates it.
func LoadMatchRules(path string) (*MatchRuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "rules: read match rules %s", path)
	}
	var wrapper struct {
		Match MatchRuleSet `yaml:"match"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(ErrRuleConfig, err.Error())
	}
	rs := &wrapper.Match
	if err := rs.Validate(); err != nil {
		return nil, err
	}
	return rs, nil
}
