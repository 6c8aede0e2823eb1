package model

import "time"

// SubjectKind distinguishes what a verdict or lineage entry refers to.
type SubjectKind string

const (
	SubjectRecord SubjectKind = "record"
	SubjectEntity SubjectKind = "entity"
)

// Record is a raw ingested business record. Immutable once written: the
// pipeline never mutates a record, it only resolves it into entities.
type Record struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"`
	Payload    Payload   `json:"payload"`
	IngestedAt time.Time `json:"ingested_at"`
}
