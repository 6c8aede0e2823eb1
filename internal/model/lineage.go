package model

import "time"

// Stage identifies which pipeline stage produced a lineage entry.
type Stage string

const (
	StageResolution Stage = "resolution"
	StageQuality    Stage = "quality"
	StageRCA        Stage = "rca"
)

// EntryStatus tracks whether the work behind an entry completed. Abandoned
// batches leave their entries pending rather than half-applied.
type EntryStatus string

const (
	EntryComplete EntryStatus = "complete"
	EntryPending  EntryStatus = "pending"
)

// LineageEntry is one append-only audit row. The trail is the union of all
// entries and is never mutated after write; replays are absorbed by
// idempotent append keyed on EntryID.
type LineageEntry struct {
	EntryID    string         `json:"entry_id"`
	Stage      Stage          `json:"stage"`
	SubjectID  string         `json:"subject_id"`
	InputRefs  []string       `json:"input_refs"`
	OutputRefs []string       `json:"output_refs"`
	Status     EntryStatus    `json:"status"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	ProducedAt time.Time      `json:"produced_at"`
}
