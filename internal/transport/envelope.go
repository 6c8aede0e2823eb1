// Package transport provides the event contract between pipeline stages and
// an in-process partitioned bus implementing it. Delivery is at least once
// with FIFO ordering per partition key; consumers must treat every message
// as potentially redelivered.
package transport

import (
	"encoding/json"

	"github.com/rotisserie/eris"
)

// Topic names the streams the pipeline publishes and consumes.
type Topic string

const (
	TopicRawRecords       Topic = "raw-records"
	TopicResolvedEntities Topic = "resolved-entities"
	TopicQualityEvents    Topic = "quality-events"
	TopicRCAEvents        Topic = "rca-events"
	TopicAuditLogs        Topic = "audit-logs"
)

// Envelope is one message on the bus. Seq is a per-(topic, key) monotonic
// sequence assigned at publish time; consumers use it to verify ordering.
// Attempt counts deliveries of this envelope, starting at 1.
type Envelope struct {
	Topic     Topic  `json:"topic"`
	Key       string `json:"key"`
	Seq       uint64 `json:"seq"`
	Stage     string `json:"stage,omitempty"`
	SubjectID string `json:"subject_id"`
	Payload   []byte `json:"payload"`
	Attempt   int    `json:"attempt"`
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	return eris.Wrapf(json.Unmarshal(e.Payload, v), "transport: decode payload for %s", e.SubjectID)
}

// DeadLetter is an envelope that exhausted its delivery budget, with the
// consumer's final error attached.
type DeadLetter struct {
	Envelope Envelope `json:"envelope"`
	Reason   string   `json:"reason"`
}
