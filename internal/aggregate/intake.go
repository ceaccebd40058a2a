package aggregate

import (
	"time"

	"github.com/sells-group/qualify-cli/internal/model"
)

// intakeScore is the confidence given to facts the lead supplied itself.
const intakeScore = 0.6

// IntakeSignals turns the lead's own rating, review count and owner name into
// signals from the intake source.
func IntakeSignals(lead model.Lead, runID string, now time.Time) []model.Signal {
	mk := func(kind model.SignalKind, v any) model.Signal {
		return model.Signal{
			Kind:       kind,
			Value:      v,
			Source:     model.SourceIntake,
			Confidence: model.ConfidenceFromScore(intakeScore),
			Score:      intakeScore,
			ObservedAt: now,
			RunID:      runID,
		}
	}

	var sigs []model.Signal
	if lead.Rating != nil {
		sigs = append(sigs, mk(model.SignalRating, *lead.Rating))
	}
	if lead.ReviewCount != nil {
		sigs = append(sigs, mk(model.SignalReviewCount, int64(*lead.ReviewCount)))
	}
	if lead.OwnerName != "" {
		sigs = append(sigs, mk(model.SignalOwnerName, lead.OwnerName))
	}
	return sigs
}
