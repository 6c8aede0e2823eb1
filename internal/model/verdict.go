package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// Severity grades a quality issue.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// IssueKind names the check that produced an issue.
type IssueKind string

const (
	IssueMissingField     IssueKind = "missing_field"
	IssueTypeMismatch     IssueKind = "type_mismatch"
	IssueIncomplete       IssueKind = "incomplete"
	IssueInconsistent     IssueKind = "inconsistent"
	IssueInvalidFormat    IssueKind = "invalid_format"
	IssueAnomaly          IssueKind = "anomaly"
	IssueDuplicate        IssueKind = "duplicate"
	IssueInsufficientData IssueKind = "insufficient_data"
)

// Issue is a single quality defect found on a subject.
type Issue struct {
	Kind     IssueKind `json:"kind"`
	Field    string    `json:"field,omitempty"`
	Severity Severity  `json:"severity"`
	Detail   string    `json:"detail"`
	Penalty  float64   `json:"penalty"`
}

// VerdictStatus is the gate decision.
type VerdictStatus string

const (
	VerdictPass       VerdictStatus = "pass"
	VerdictWarn       VerdictStatus = "warn"
	VerdictQuarantine VerdictStatus = "quarantine"
)

// QualityVerdict is the outcome of one gate check for one subject under one
// rule-set version and run.
type QualityVerdict struct {
	SubjectID       string        `json:"subject_id"`
	SubjectKind     SubjectKind   `json:"subject_kind"`
	Score           float64       `json:"score"`
	Issues          []Issue       `json:"issues"`
	Verdict         VerdictStatus `json:"verdict"`
	Recommendations []string      `json:"recommendations,omitempty"`
	RuleSetVersion  string        `json:"rule_set_version"`
	RunID           string        `json:"run_id"`
	CheckedAt       time.Time     `json:"checked_at"`
}

// Validate enforces the score interval. Out-of-range scores are a defect to
// surface, not to clamp.
func (v QualityVerdict) Validate() error {
	if v.Score < 0 || v.Score > 100 {
		return eris.Errorf("verdict: score %.2f outside [0,100] for subject %s", v.Score, v.SubjectID)
	}
	return nil
}

// HasSeverity reports whether any issue carries the given severity.
func (v QualityVerdict) HasSeverity(s Severity) bool {
	for _, i := range v.Issues {
		if i.Severity == s {
			return true
		}
	}
	return false
}

// Anomaly is a statistical outlier observation, persisted independently of
// the verdict so anomaly density is itself a monitorable metric.
type Anomaly struct {
	SubjectID   string    `json:"subject_id"`
	Metric      string    `json:"metric"`
	Observed    float64   `json:"observed_value"`
	ExpectedLow float64   `json:"expected_low"`
	ExpectedHigh float64  `json:"expected_high"`
	Method      string    `json:"method"`
	DetectedAt  time.Time `json:"detected_at"`
}
