package resilience

import (
	"time"

	"github.com/sells-group/qualify-cli/internal/model"
)

// DLQEntry is a lead whose run could not be completed or persisted and can
// be retried later.
type DLQEntry struct {
	ID           string     `json:"id"`
	Lead         model.Lead `json:"lead"`
	RunID        string     `json:"run_id,omitempty"`
	Error        string     `json:"error"`
	ErrorType    string     `json:"error_type"` // "transient" or "permanent"
	FailedPhase  string     `json:"failed_phase,omitempty"`
	RetryCount   int        `json:"retry_count"`
	MaxRetries   int        `json:"max_retries"`
	NextRetryAt  time.Time  `json:"next_retry_at"`
	CreatedAt    time.Time  `json:"created_at"`
	LastFailedAt time.Time  `json:"last_failed_at"`
}

// DLQFilter specifies criteria for querying the dead letter queue.
type DLQFilter struct {
	ErrorType string `json:"error_type,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// NewDLQEntry builds an entry for lead failing in phase with err.
func NewDLQEntry(id string, lead model.Lead, runID, phase string, err error, maxRetries int, now time.Time) DLQEntry {
	lead.Signals = model.SignalBag{}
	lead.Decision = nil
	return DLQEntry{
		ID:           id,
		Lead:         lead,
		RunID:        runID,
		Error:        err.Error(),
		ErrorType:    ClassifyError(err),
		FailedPhase:  phase,
		MaxRetries:   maxRetries,
		NextRetryAt:  now.Add(RetryDelay(0)),
		CreatedAt:    now,
		LastFailedAt: now,
	}
}

// CanRetry returns true if this entry hasn't exceeded its max retry count.
func (e *DLQEntry) CanRetry() bool {
	return e.ErrorType != "permanent" && e.RetryCount < e.MaxRetries
}

// Failed records another failed attempt at now.
func (e *DLQEntry) Failed(err error, now time.Time) {
	e.RetryCount++
	e.Error = err.Error()
	e.ErrorType = ClassifyError(err)
	e.LastFailedAt = now
	e.NextRetryAt = now.Add(RetryDelay(e.RetryCount))
}

// RetryDelay returns the wait before retry n: one minute doubling, capped at
// one hour.
func RetryDelay(n int) time.Duration {
	d := time.Minute << n
	if n > 6 || d > time.Hour {
		return time.Hour
	}
	return d
}

// ClassifyError categorizes an error as "transient" or "permanent".
func ClassifyError(err error) string {
	if IsTransient(err) {
		return "transient"
	}
	return "permanent"
}
