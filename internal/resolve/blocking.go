package resolve

import (
	"sort"
	"strings"

	"github.com/sells-group/reconcile/internal/model"
)

// BlockKey builds the cheap pre-clustering key from the configured blocking
// fields. It returns "" when every blocking field is absent or null; such
// records skip pairwise comparison and become singleton entities.
func BlockKey(r model.Record, blockingFields []string) string {
	parts := make([]string, 0, len(blockingFields))
	for _, name := range blockingFields {
		v, ok := r.Payload.Get(name)
		if !ok || v.IsNull() {
			continue
		}
		parts = append(parts, NormalizeValue(v.String()))
	}
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, "|")
}

// blocks groups records by blocking key. Records are sorted by id inside each
// block so pairwise comparison order is stable.
func blocks(records []model.Record, blockingFields []string) (map[string][]model.Record, []model.Record) {
	grouped := make(map[string][]model.Record)
	var unblocked []model.Record
	for _, r := range records {
		key := BlockKey(r, blockingFields)
		if key == "" {
			unblocked = append(unblocked, r)
			continue
		}
		grouped[key] = append(grouped[key], r)
	}
	for key := range grouped {
		sort.Slice(grouped[key], func(i, j int) bool { return grouped[key][i].ID < grouped[key][j].ID })
	}
	sort.Slice(unblocked, func(i, j int) bool { return unblocked[i].ID < unblocked[j].ID })
	return grouped, unblocked
}
