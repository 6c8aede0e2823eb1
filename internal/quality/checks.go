package quality

import (
	"fmt"

	"github.com/sells-group/reconcile/internal/model"
	"github.com/sells-group/reconcile/internal/rules"
)

// Subject is what the gate checks: a raw record or a resolved entity.
type Subject struct {
	ID      string
	Kind    model.SubjectKind
	Source  string
	Payload model.Payload
}

func RecordSubject(r model.Record) Subject {
	return Subject{ID: r.ID, Kind: model.SubjectRecord, Source: r.Source, Payload: r.Payload}
}

func EntitySubject(e model.Entity) Subject {
	return Subject{ID: e.EntityID, Kind: model.SubjectEntity, Payload: e.RepresentativePayload}
}

// checkSchema verifies required fields are present with their declared type.
func checkSchema(s Subject, rs *rules.QualityRuleSet) []model.Issue {
	var issues []model.Issue
	for _, req := range rs.Required {
		v, ok := s.Payload.Get(req.Name)
		if !ok || v.IsNull() {
			issues = append(issues, model.Issue{
				Kind:     model.IssueMissingField,
				Field:    req.Name,
				Severity: req.Severity,
				Detail:   fmt.Sprintf("required field %q is missing", req.Name),
				Penalty:  rs.Penalties.For(req.Severity),
			})
			continue
		}
		if v.Type != req.Type {
			issues = append(issues, model.Issue{
				Kind:     model.IssueTypeMismatch,
				Field:    req.Name,
				Severity: req.Severity,
				Detail:   fmt.Sprintf("field %q declared %s, rule expects %s", req.Name, v.Type, req.Type),
				Penalty:  rs.Penalties.For(req.Severity),
			})
		}
	}
	return issues
}

// checkCompleteness raises one issue when the required-field fill ratio
// falls below the configured floor.
func checkCompleteness(s Subject, rs *rules.QualityRuleSet) (float64, []model.Issue) {
	if len(rs.Required) == 0 {
		return 1, nil
	}
	filled := 0
	for _, req := range rs.Required {
		if v, ok := s.Payload.Get(req.Name); ok && !v.IsNull() {
			filled++
		}
	}
	ratio := float64(filled) / float64(len(rs.Required))
	if ratio >= rs.CompletenessFloor {
		return ratio, nil
	}
	return ratio, []model.Issue{{
		Kind:     model.IssueIncomplete,
		Severity: model.SeverityWarning,
		Detail:   fmt.Sprintf("completeness %.0f%% below floor %.0f%%", ratio*100, rs.CompletenessFloor*100),
		Penalty:  rs.Penalties.For(model.SeverityWarning),
	}}
}

// checkConsistency applies cross-field business rules.
func checkConsistency(s Subject, rs *rules.QualityRuleSet) []model.Issue {
	var issues []model.Issue
	for _, rule := range rs.Consistency {
		switch rule.Kind {
		case rules.ConsistencyAfter:
			a, okA := s.Payload.Get(rule.Field)
			b, okB := s.Payload.Get(rule.Other)
			if !okA || !okB {
				continue
			}
			ta, okA := a.Timestamp()
			tb, okB := b.Timestamp()
			if !okA || !okB {
				continue
			}
			if ta.Before(tb) {
				issues = append(issues, model.Issue{
					Kind:     model.IssueInconsistent,
					Field:    rule.Field,
					Severity: rule.Severity,
					Detail:   fmt.Sprintf("%q precedes %q", rule.Field, rule.Other),
					Penalty:  rs.Penalties.For(rule.Severity),
				})
			}
		case rules.ConsistencyRange:
			v, ok := s.Payload.Get(rule.Field)
			if !ok {
				continue
			}
			n, ok := v.Number()
			if !ok {
				continue
			}
			if (rule.Min != nil && n < *rule.Min) || (rule.Max != nil && n > *rule.Max) {
				issues = append(issues, model.Issue{
					Kind:     model.IssueInconsistent,
					Field:    rule.Field,
					Severity: rule.Severity,
					Detail:   fmt.Sprintf("%q value %v outside configured range", rule.Field, n),
					Penalty:  rs.Penalties.For(rule.Severity),
				})
			}
		}
	}
	return issues
}

// checkValidity applies per-field format patterns. Null values are the
// completeness check's concern, not a format violation.
func checkValidity(s Subject, rs *rules.QualityRuleSet) []model.Issue {
	var issues []model.Issue
	for i := range rs.Validity {
		rule := &rs.Validity[i]
		v, ok := s.Payload.Get(rule.Field)
		if !ok || v.IsNull() {
			continue
		}
		if rule.Regexp().MatchString(v.String()) {
			continue
		}
		issues = append(issues, model.Issue{
			Kind:     model.IssueInvalidFormat,
			Field:    rule.Field,
			Severity: rule.Severity,
			Detail:   fmt.Sprintf("field %q value does not match expected format", rule.Field),
			Penalty:  rs.Penalties.For(rule.Severity),
		})
	}
	return issues
}

// DuplicateIssues flags subjects after the first that share the same
// normalized duplicate-key values within one batch. The first occurrence in
// batch order is kept clean.
func DuplicateIssues(batch []Subject, rs *rules.QualityRuleSet) map[string][]model.Issue {
	if len(rs.DuplicateKeyFields) == 0 {
		return nil
	}
	out := make(map[string][]model.Issue)
	seen := make(map[string]string)
	for _, s := range batch {
		key := ""
		complete := true
		for _, name := range rs.DuplicateKeyFields {
			v, ok := s.Payload.Get(name)
			if !ok || v.IsNull() {
				complete = false
				break
			}
			key += v.String() + "\x1f"
		}
		if !complete {
			continue
		}
		if firstID, dup := seen[key]; dup {
			out[s.ID] = append(out[s.ID], model.Issue{
				Kind:     model.IssueDuplicate,
				Severity: model.SeverityWarning,
				Detail:   fmt.Sprintf("duplicate of subject %s on key fields", firstID),
				Penalty:  rs.Penalties.For(model.SeverityWarning),
			})
			continue
		}
		seen[key] = s.ID
	}
	return out
}
