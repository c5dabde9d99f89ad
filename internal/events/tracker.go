package events

import (
	"context"
	"fmt"

	"github.com/quantumlife/spendcoach/internal/logging"
)

// Tracker records experiment events. Implementations may fail; the sink
// worker swallows their errors.
type Tracker interface {
	Track(ctx context.Context, userID, experimentID, variantID string, props map[string]interface{}) error
}

// LogTracker writes experiment events to the log
type LogTracker struct {
	logger *logging.Logger
}

// NewLogTracker creates a log-backed tracker
func NewLogTracker() *LogTracker {
	return &LogTracker{logger: logging.WithField("component", "experiments")}
}

// Track implements Tracker
func (t *LogTracker) Track(_ context.Context, userID, experimentID, variantID string, props map[string]interface{}) error {
	t.logger.WithFields(props).Info("experiment %s variant %s user %s", experimentID, variantID, userID)
	return nil
}

// TrackerSubscriber forwards experiment-relevant events to a Tracker.
// Delivered interventions count as exposure to their message variant.
type TrackerSubscriber struct {
	tracker    Tracker
	experiment string
}

// NewTrackerSubscriber creates the subscriber. experiment names the
// message experiment delivered interventions are attributed to.
func NewTrackerSubscriber(t Tracker, experiment string) *TrackerSubscriber {
	if experiment == "" {
		experiment = "intervention_messages"
	}
	return &TrackerSubscriber{tracker: t, experiment: experiment}
}

// Name implements Subscriber
func (s *TrackerSubscriber) Name() string { return "tracker" }

// Handle implements Subscriber
func (s *TrackerSubscriber) Handle(ctx context.Context, e Event) error {
	switch v := e.(type) {
	case Exposure:
		return s.tracker.Track(ctx, v.UserID, v.ExperimentID, v.VariantID, nil)
	case Delivered:
		return s.tracker.Track(ctx, v.Intervention.UserID, s.experiment, v.Intervention.MessageKey, map[string]interface{}{
			"behavior":          string(v.Intervention.Behavior),
			"intervention_type": string(v.Intervention.InterventionType),
			"intervention_id":   v.Intervention.ID,
		})
	case Response:
		return s.tracker.Track(ctx, v.UserID, s.experiment, fmt.Sprintf("response:%s", v.Response), map[string]interface{}{
			"intervention_id": v.InterventionID,
		})
	}
	return nil
}
