package ledger

import (
	"context"

	"github.com/quantumlife/spendcoach/internal/events"
)

// Recorder turns engine events into ledger entries. It is an events
// subscriber, so ledger failures never reach the decision path.
type Recorder struct {
	store *Store
}

// NewRecorder creates a recorder for the given store
func NewRecorder(store *Store) *Recorder {
	return &Recorder{store: store}
}

// Name implements events.Subscriber
func (r *Recorder) Name() string { return "ledger" }

// Handle implements events.Subscriber
func (r *Recorder) Handle(ctx context.Context, e events.Event) error {
	rec, ok := recordFor(e)
	if !ok {
		return nil
	}
	_, err := r.store.Append(ctx, rec)
	return err
}

// recordFor maps an event to its ledger record. Experiment exposures are
// not audited.
func recordFor(e events.Event) (Record, bool) {
	switch v := e.(type) {
	case events.Decision:
		action := ActionDecisionSuppressed
		if v.Decision.ShouldIntervene {
			action = ActionDecisionMade
		}
		return Record{
			Action:     action,
			Actor:      ActorEngine,
			EntityType: "transaction",
			EntityID:   v.TransactionID,
			UserID:     v.UserID,
			Details: map[string]interface{}{
				"should_intervene":  v.Decision.ShouldIntervene,
				"reason":            v.Decision.Reason,
				"blocked_by":        v.Decision.BlockedBy,
				"behavior":          v.Decision.Behavior,
				"intervention_type": v.Decision.InterventionType,
				"confidence":        v.Decision.Confidence,
				"at":                v.At,
			},
		}, true

	case events.Delivered:
		i := v.Intervention
		return Record{
			Action:     ActionInterventionDelivered,
			Actor:      ActorEngine,
			EntityType: "intervention",
			EntityID:   i.ID,
			UserID:     i.UserID,
			Details: map[string]interface{}{
				"behavior":          i.Behavior,
				"intervention_type": i.InterventionType,
				"message_key":       i.MessageKey,
				"confidence":        i.Confidence,
				"transaction_id":    i.TransactionID,
				"at":                v.At,
			},
		}, true

	case events.Response:
		return Record{
			Action:     ActionInterventionResponse,
			Actor:      ActorUser,
			EntityType: "intervention",
			EntityID:   v.InterventionID,
			UserID:     v.UserID,
			Details: map[string]interface{}{
				"response": v.Response,
				"action":   v.Action,
				"behavior": v.Behavior,
				"at":       v.At,
			},
		}, true

	case events.StateChanged:
		return Record{
			Action:     ActionStateChanged,
			Actor:      ActorEngine,
			EntityType: "profile",
			EntityID:   v.UserID,
			UserID:     v.UserID,
			Details: map[string]interface{}{
				"from":     v.From,
				"to":       v.To,
				"behavior": v.Behavior,
				"cause":    v.Cause,
				"at":       v.At,
			},
		}, true

	case events.WinDetected:
		return Record{
			Action:     ActionWinDetected,
			Actor:      ActorEngine,
			EntityType: "win",
			EntityID:   v.Win.ID,
			UserID:     v.Win.UserID,
			Details: map[string]interface{}{
				"behavior": v.Win.BehaviorType,
				"win_type": v.Win.WinType,
				"at":       v.At,
			},
		}, true

	case events.WinCelebrated:
		return Record{
			Action:     ActionWinCelebrated,
			Actor:      ActorUser,
			EntityType: "win",
			EntityID:   v.WinID,
			UserID:     v.UserID,
			Details: map[string]interface{}{
				"current_streak": v.CurrentStreak,
				"total_wins":     v.TotalWins,
				"at":             v.At,
			},
		}, true

	case events.StreakBroken:
		return Record{
			Action:     ActionStreakBroken,
			Actor:      ActorEngine,
			EntityType: "profile",
			EntityID:   v.UserID,
			UserID:     v.UserID,
			Details: map[string]interface{}{
				"reason":          v.Reason,
				"previous_streak": v.PreviousStreak,
				"at":              v.At,
			},
		}, true

	case events.ProfileReset:
		return Record{
			Action:     ActionProfileReset,
			Actor:      ActorUser,
			EntityType: "profile",
			EntityID:   v.UserID,
			UserID:     v.UserID,
			Details:    map[string]interface{}{"at": v.At},
		}, true

	case events.DetectorFailed:
		return Record{
			Action:     ActionDetectorFailed,
			Actor:      ActorSystem,
			EntityType: "profile",
			EntityID:   v.UserID,
			UserID:     v.UserID,
			Details:    map[string]interface{}{"error": v.Error, "at": v.At},
		}, true

	case events.Recalibrated:
		return Record{
			Action:     ActionRecalibrated,
			Actor:      ActorSystem,
			EntityType: "profile",
			EntityID:   v.UserID,
			UserID:     v.UserID,
			Details:    map[string]interface{}{"sample_size": v.SampleSize, "at": v.At},
		}, true
	}
	return Record{}, false
}
