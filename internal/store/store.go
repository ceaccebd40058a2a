// Package store persists qualification runs, signal history, decisions, the
// adjudication cache and the dead letter queue.
package store

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/qualify-cli/internal/model"
	"github.com/sells-group/qualify-cli/internal/resilience"
)

// ErrNotFound is returned, wrapped, when a requested row does not exist.
var ErrNotFound = eris.New("store: not found")

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.LeadStatus `json:"status,omitempty"`
	LeadID string           `json:"lead_id,omitempty"`
	Limit  int              `json:"limit,omitempty"`
	Offset int              `json:"offset,omitempty"`
}

// Store defines the persistence interface for the qualification pipeline.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, lead model.Lead) (*model.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status model.LeadStatus, errMsg string) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Signals
	LoadSignals(ctx context.Context, leadID string) (model.SignalBag, error)

	// Decisions. SaveDecision replaces the lead's signal history with bag,
	// records d and marks its run decided, atomically.
	SaveDecision(ctx context.Context, d model.Decision, bag model.SignalBag) error
	GetDecision(ctx context.Context, leadID string) (*model.Decision, error)
	ListDecisions(ctx context.Context, leadID string, limit int) ([]model.Decision, error)

	// Adjudication cache
	GetAdjudication(ctx context.Context, requestHash string) (*model.Adjudication, error)
	PutAdjudication(ctx context.Context, adj model.Adjudication) error

	// Dead letter queue
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
	DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	ListDLQ(ctx context.Context, limit int) ([]resilience.DLQEntry, error)
	RemoveDLQ(ctx context.Context, id string) error
	CountDLQ(ctx context.Context) (int, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

const defaultLimit = 100

func limitOrDefault(n int) int {
	if n <= 0 {
		return defaultLimit
	}
	return n
}

// signalRows flattens a bag into (lead_id, seq, kind, source, status, record)
// rows.
func signalRows(leadID string, bag model.SignalBag) ([][]any, error) {
	recs := bag.Records()
	rows := make([][]any, 0, len(recs))
	for _, r := range recs {
		raw, err := json.Marshal(r)
		if err != nil {
			return nil, eris.Wrapf(err, "store: marshal signal %s", r.Kind)
		}
		rows = append(rows, []any{leadID, r.Seq, string(r.Kind), r.Source, string(r.Status), raw})
	}
	return rows, nil
}

var signalColumns = []string{"lead_id", "seq", "kind", "source", "status", "record"}

func restoreSignals(raws [][]byte) (model.SignalBag, error) {
	recs := make([]model.SignalRecord, 0, len(raws))
	for _, raw := range raws {
		var r model.SignalRecord
		if err := json.Unmarshal(raw, &r); err != nil {
			return model.SignalBag{}, eris.Wrap(err, "store: unmarshal signal")
		}
		recs = append(recs, r)
	}
	bag, err := model.RestoreSignalBag(recs)
	return bag, eris.Wrap(err, "store: restore signals")
}
