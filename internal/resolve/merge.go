package resolve

import (
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/reconcile/internal/model"
	"github.com/sells-group/reconcile/internal/rules"
)

// mergePayload synthesizes the representative payload for a cluster. The
// strategy orders members, the winner's payload seeds the result, and nulls
// are backfilled from later members in order. Ties always break on lexical
// record id so the result never depends on map iteration.
func mergePayload(members []model.Record, rs *rules.MatchRuleSet) (model.Payload, error) {
	if len(members) == 0 {
		return model.Payload{}, eris.New("resolve: merge of empty cluster")
	}

	ordered := append([]model.Record(nil), members...)
	switch rs.MergeStrategy {
	case model.MergeMostComplete:
		sort.Slice(ordered, func(i, j int) bool {
			ci, cj := ordered[i].Payload.NonNullCount(), ordered[j].Payload.NonNullCount()
			if ci != cj {
				return ci > cj
			}
			if !ordered[i].IngestedAt.Equal(ordered[j].IngestedAt) {
				return ordered[i].IngestedAt.After(ordered[j].IngestedAt)
			}
			return ordered[i].ID < ordered[j].ID
		})
	case model.MergePriorityBased:
		rank := sourceRank(rs.SourcePriority)
		sort.Slice(ordered, func(i, j int) bool {
			ri, rj := rank(ordered[i].Source), rank(ordered[j].Source)
			if ri != rj {
				return ri < rj
			}
			if !ordered[i].IngestedAt.Equal(ordered[j].IngestedAt) {
				return ordered[i].IngestedAt.After(ordered[j].IngestedAt)
			}
			return ordered[i].ID < ordered[j].ID
		})
	default:
		return model.Payload{}, eris.Wrapf(rules.ErrRuleConfig, "resolve: unknown merge strategy %q", rs.MergeStrategy)
	}

	var merged []model.Field
	seen := make(map[string]int)
	for _, rec := range ordered {
		for _, f := range rec.Payload.Fields() {
			if i, ok := seen[f.Name]; ok {
				if merged[i].Value.IsNull() && !f.Value.IsNull() {
					merged[i].Value = f.Value
				}
				continue
			}
			seen[f.Name] = len(merged)
			merged = append(merged, f)
		}
	}
	return model.NewPayload(merged...)
}

// sourceRank maps a source name to its priority index; unlisted sources rank
// after all listed ones, ordered among themselves lexically via the stable
// id tiebreak in the caller.
func sourceRank(priority []string) func(string) int {
	index := make(map[string]int, len(priority))
	for i, src := range priority {
		index[src] = i
	}
	return func(source string) int {
		if i, ok := index[source]; ok {
			return i
		}
		return len(priority)
	}
}
