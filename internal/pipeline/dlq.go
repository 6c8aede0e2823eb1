package pipeline

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/reconcile/internal/model"
	"github.com/sells-group/reconcile/internal/resilience"
	"github.com/sells-group/reconcile/internal/transport"
)

// ErrDLQEntryNotFound is returned when retrying an unknown entry id.
var ErrDLQEntryNotFound = eris.New("pipeline: dlq entry not found")

// DLQ collects parked batches for inspection and replay. Entries arrive from
// the transport dead-letter channel and from batches the stages abandon
// directly (malformed payloads, permanent errors).
type DLQ struct {
	mu      sync.Mutex
	entries map[string]*resilience.DLQEntry
	log     *zap.Logger
	now     func() time.Time
}

func NewDLQ(log *zap.Logger) *DLQ {
	if log == nil {
		log = zap.L()
	}
	return &DLQ{
		entries: make(map[string]*resilience.DLQEntry),
		log:     log.Named("dlq"),
		now:     time.Now,
	}
}

// Park records an abandoned batch.
func (d *DLQ) Park(stage model.Stage, partitionKey string, records []model.Record, err error) *resilience.DLQEntry {
	now := d.now().UTC()
	entry := &resilience.DLQEntry{
		ID:           uuid.NewString(),
		Stage:        stage,
		PartitionKey: partitionKey,
		Records:      records,
		Error:        err.Error(),
		ErrorType:    resilience.ClassifyError(err),
		MaxRetries:   3,
		NextRetryAt:  now.Add(5 * time.Minute),
		CreatedAt:    now,
		LastFailedAt: now,
	}

	d.mu.Lock()
	d.entries[entry.ID] = entry
	depth := len(d.entries)
	d.mu.Unlock()

	d.log.Warn("batch parked in dead letter queue",
		zap.String("entry_id", entry.ID),
		zap.String("stage", string(stage)),
		zap.String("partition_key", partitionKey),
		zap.String("error_type", entry.ErrorType),
		zap.Int("records", len(records)),
		zap.Int("depth", depth),
		zap.Error(err),
	)
	return entry
}

// List returns entries matching the filter, oldest first.
func (d *DLQ) List(filter resilience.DLQFilter) []resilience.DLQEntry {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []resilience.DLQEntry
	for _, e := range d.entries {
		if filter.Stage != "" && e.Stage != filter.Stage {
			continue
		}
		if filter.ErrorType != "" && e.ErrorType != filter.ErrorType {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// Depth returns the number of parked batches.
func (d *DLQ) Depth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// Take removes and returns the entry for replay. The caller re-publishes
// the batch; if that fails the batch is parked again with the count bumped.
func (d *DLQ) Take(id string) (*resilience.DLQEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[id]
	if !ok {
		return nil, eris.Wrapf(ErrDLQEntryNotFound, "id %s", id)
	}
	delete(d.entries, id)
	return e, nil
}

// Requeue puts a taken entry back after a failed replay.
func (d *DLQ) Requeue(e *resilience.DLQEntry, err error) {
	now := d.now().UTC()
	e.RetryCount++
	e.Error = err.Error()
	e.ErrorType = resilience.ClassifyError(err)
	e.LastFailedAt = now
	e.NextRetryAt = now.Add(time.Duration(e.RetryCount+1) * 5 * time.Minute)

	d.mu.Lock()
	d.entries[e.ID] = e
	d.mu.Unlock()
}

// drainDeadLetters converts transport dead letters into DLQ entries and
// marks the affected subjects' lineage as pending so the audit trail shows
// the abandoned work.
func (p *Pipeline) drainDeadLetters(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case dl := <-p.bus.DLQ():
			p.parkDeadLetter(ctx, dl)
		}
	}
}

func (p *Pipeline) parkDeadLetter(ctx context.Context, dl transport.DeadLetter) {
	env := dl.Envelope
	stage := stageForTopic(env.Topic)

	var records []model.Record
	if env.Topic == transport.TopicRawRecords {
		var batch RawBatch
		if err := env.Decode(&batch); err == nil {
			records = batch.Records
		}
	}

	p.dlq.Park(stage, env.Key, records, eris.New(dl.Reason))

	entry := model.LineageEntry{
		EntryID:    uuid.NewString(),
		Stage:      stage,
		SubjectID:  env.SubjectID,
		InputRefs:  recordIDs(records),
		OutputRefs: []string{},
		Status:     model.EntryPending,
		Metadata: map[string]any{
			"reason":   dl.Reason,
			"attempts": env.Attempt - 1,
		},
		ProducedAt: time.Now().UTC(),
	}
	if err := p.store.AppendEntry(ctx, entry); err != nil {
		p.log.Error("recording pending lineage for dead letter", zap.Error(err))
	}
}

func stageForTopic(t transport.Topic) model.Stage {
	switch t {
	case transport.TopicRawRecords:
		return model.StageResolution
	case transport.TopicResolvedEntities:
		return model.StageQuality
	case transport.TopicRCAEvents:
		return model.StageRCA
	default:
		return model.StageQuality
	}
}

func recordIDs(rs []model.Record) []string {
	ids := make([]string, 0, len(rs))
	for _, r := range rs {
		ids = append(ids, r.ID)
	}
	return ids
}
