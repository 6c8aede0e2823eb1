package transport

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrBusClosed is returned by Publish after Close.
var ErrBusClosed = eris.New("transport: bus closed")

// Config controls bus sizing and delivery behavior.
type Config struct {
	// Partitions is the number of partitions per topic. Messages with the
	// same key always land on the same partition. Default: 4.
	Partitions int

	// QueueDepth bounds each partition queue. A full queue blocks Publish,
	// which is the backpressure signal. Default: 256.
	QueueDepth int

	// MaxAttempts is the delivery budget per envelope before it is routed
	// to the dead-letter channel. Default: 3.
	MaxAttempts int

	// BatchSize is how many envelopes a consumer takes per handler call
	// under normal load. Default: 16.
	BatchSize int

	// MaxBatch caps batch growth under sustained lag. When a partition
	// queue runs more than half full the consumer doubles its take, up to
	// this cap, and shrinks back once the queue drains. Messages are never
	// dropped. Default: 128.
	MaxBatch int
}

func (c Config) withDefaults() Config {
	if c.Partitions <= 0 {
		c.Partitions = 4
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 256
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 16
	}
	if c.MaxBatch < c.BatchSize {
		c.MaxBatch = c.BatchSize * 8
	}
	return c
}

// Handler processes one batch from a single partition. All envelopes in the
// batch share the partition, so per-key order holds within and across calls.
// A non-nil error fails the whole batch; it is redelivered in place.
type Handler func(ctx context.Context, batch []Envelope) error

type seqKey struct {
	topic Topic
	key   string
}

type topicQueues struct {
	partitions []chan Envelope
}

// Bus is an in-process partitioned event bus. One subscriber (a consumer
// group of per-partition workers) is supported per topic.
type Bus struct {
	cfg Config
	log *zap.Logger

	mu     sync.Mutex
	closed bool
	seqs   map[seqKey]uint64
	topics map[Topic]*topicQueues

	dlq chan DeadLetter

	consumers errgroup.Group
}

// New creates a bus. The dead-letter channel is buffered at QueueDepth;
// callers drain it via DLQ.
func New(cfg Config, log *zap.Logger) *Bus {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.L()
	}
	return &Bus{
		cfg:    cfg,
		log:    log.Named("transport"),
		seqs:   make(map[seqKey]uint64),
		topics: make(map[Topic]*topicQueues),
		dlq:    make(chan DeadLetter, cfg.QueueDepth),
	}
}

// Publish encodes v as JSON and enqueues it on the key's partition,
// assigning the next sequence number for (topic, key). It blocks when the
// partition queue is full until space frees or ctx is done.
func (b *Bus) Publish(ctx context.Context, topic Topic, key, subjectID string, v any) (Envelope, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, eris.Wrapf(err, "transport: encode payload for %s", subjectID)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Envelope{}, ErrBusClosed
	}
	sk := seqKey{topic: topic, key: key}
	b.seqs[sk]++
	env := Envelope{
		Topic:     topic,
		Key:       key,
		Seq:       b.seqs[sk],
		SubjectID: subjectID,
		Payload:   payload,
		Attempt:   1,
	}
	ch := b.partition(topic, key)
	b.mu.Unlock()

	select {
	case ch <- env:
		return env, nil
	case <-ctx.Done():
		return Envelope{}, eris.Wrapf(ctx.Err(), "transport: publish to %s", topic)
	}
}

// partition returns the queue for key, creating topic queues lazily.
// Callers hold b.mu.
func (b *Bus) partition(topic Topic, key string) chan Envelope {
	tq, ok := b.topics[topic]
	if !ok {
		tq = &topicQueues{partitions: make([]chan Envelope, b.cfg.Partitions)}
		for i := range tq.partitions {
			tq.partitions[i] = make(chan Envelope, b.cfg.QueueDepth)
		}
		b.topics[topic] = tq
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return tq.partitions[int(h.Sum32())%len(tq.partitions)]
}

// Subscribe starts one worker per partition running handler until ctx is
// done. Failed batches are retried in place up to MaxAttempts so per-key
// order is preserved; exhausted envelopes go to the dead-letter channel.
func (b *Bus) Subscribe(ctx context.Context, topic Topic, handler Handler) {
	b.mu.Lock()
	b.partition(topic, "") // force queue creation
	tq := b.topics[topic]
	b.mu.Unlock()

	for i, ch := range tq.partitions {
		b.consumers.Go(func() error {
			b.consume(ctx, topic, i, ch, handler)
			return nil
		})
	}
}

func (b *Bus) consume(ctx context.Context, topic Topic, partition int, ch chan Envelope, handler Handler) {
	log := b.log.With(zap.String("topic", string(topic)), zap.Int("partition", partition))
	batchSize := b.cfg.BatchSize

	for {
		batch, ok := b.take(ctx, ch, batchSize)
		if !ok {
			return
		}

		// Widen under sustained lag, shrink once the queue drains.
		if len(ch) > b.cfg.QueueDepth/2 {
			if batchSize < b.cfg.MaxBatch {
				batchSize = min(batchSize*2, b.cfg.MaxBatch)
				log.Debug("widening consumer batch", zap.Int("batch_size", batchSize), zap.Int("lag", len(ch)))
			}
		} else if batchSize > b.cfg.BatchSize {
			batchSize = b.cfg.BatchSize
		}

		b.deliver(ctx, log, batch, handler)
	}
}

// take blocks for the first envelope, then drains up to max without
// blocking. Returns ok=false when ctx is done.
func (b *Bus) take(ctx context.Context, ch chan Envelope, max int) ([]Envelope, bool) {
	var batch []Envelope
	select {
	case env := <-ch:
		batch = append(batch, env)
	case <-ctx.Done():
		return nil, false
	}
	for len(batch) < max {
		select {
		case env := <-ch:
			batch = append(batch, env)
		default:
			return batch, true
		}
	}
	return batch, true
}

// deliver runs the handler, redelivering the batch in place on failure so
// later envelopes on the same key never overtake a failed one.
func (b *Bus) deliver(ctx context.Context, log *zap.Logger, batch []Envelope, handler Handler) {
	for {
		err := handler(ctx, batch)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}

		var exhausted, retry []Envelope
		for _, env := range batch {
			env.Attempt++
			if env.Attempt > b.cfg.MaxAttempts {
				exhausted = append(exhausted, env)
			} else {
				retry = append(retry, env)
			}
		}
		for _, env := range exhausted {
			log.Warn("routing envelope to dead letter",
				zap.String("key", env.Key),
				zap.Uint64("seq", env.Seq),
				zap.Int("attempts", env.Attempt-1),
				zap.Error(err),
			)
			select {
			case b.dlq <- DeadLetter{Envelope: env, Reason: err.Error()}:
			case <-ctx.Done():
				return
			}
		}
		if len(retry) == 0 {
			return
		}
		log.Debug("redelivering batch", zap.Int("size", len(retry)), zap.Error(err))
		batch = retry
	}
}

// DLQ exposes the dead-letter channel for draining.
func (b *Bus) DLQ() <-chan DeadLetter {
	return b.dlq
}

// Close stops accepting publishes and waits for consumers to observe their
// context cancellation. Cancel the Subscribe contexts before calling Close.
func (b *Bus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return b.consumers.Wait()
}
