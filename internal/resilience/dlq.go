package resilience

import (
	"time"

	"github.com/sells-group/reconcile/internal/model"
)

// DLQEntry is a record batch whose stage processing exhausted its retry
// budget. Parked batches keep their partition key so a replay preserves
// per-key ordering.
type DLQEntry struct {
	ID           string         `json:"id"`
	Stage        model.Stage    `json:"stage"`
	PartitionKey string         `json:"partition_key"`
	Records      []model.Record `json:"records"`
	Error        string         `json:"error"`
	ErrorType    string         `json:"error_type"` // "transient" or "permanent"
	RetryCount   int            `json:"retry_count"`
	MaxRetries   int            `json:"max_retries"`
	NextRetryAt  time.Time      `json:"next_retry_at"`
	CreatedAt    time.Time      `json:"created_at"`
	LastFailedAt time.Time      `json:"last_failed_at"`
}

// DLQFilter specifies criteria for listing parked batches.
type DLQFilter struct {
	Stage     model.Stage `json:"stage,omitempty"`
	ErrorType string      `json:"error_type,omitempty"` // "transient", "permanent", or "" for all
	Limit     int         `json:"limit,omitempty"`
}

// CanRetry returns true if this entry hasn't exceeded its max retry count.
// Permanent failures never qualify regardless of count.
func (e *DLQEntry) CanRetry() bool {
	return e.ErrorType == "transient" && e.RetryCount < e.MaxRetries
}

// ClassifyError categorizes an error as "transient" or "permanent".
func ClassifyError(err error) string {
	if IsTransient(err) {
		return "transient"
	}
	return "permanent"
}
