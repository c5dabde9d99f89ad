// Package events carries engine side effects out of the decision path.
//
// The engine writes typed events to an in-memory sink synchronously; a
// worker drains the sink and fans events out to subscribers (ledger,
// metrics, live feed, experiment tracker). Subscriber failures never reach
// the engine.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/quantumlife/spendcoach/internal/core"
	"github.com/quantumlife/spendcoach/internal/gates"
)

// Type identifies an event variant
type Type string

const (
	TypeDecision       Type = "decision"
	TypeDelivered      Type = "intervention_delivered"
	TypeResponse       Type = "intervention_response"
	TypeStateChanged   Type = "state_changed"
	TypeWinDetected    Type = "win_detected"
	TypeWinCelebrated  Type = "win_celebrated"
	TypeStreakBroken   Type = "streak_broken"
	TypeProfileReset   Type = "profile_reset"
	TypeDetectorFailed Type = "detector_failed"
	TypeRecalibrated   Type = "recalibrated"
	TypeExposure       Type = "experiment_exposure"
)

// Event is an engine event. The set of variants is closed.
type Event interface {
	Type() Type
	User() string
	Time() time.Time
	isEvent()
}

// Decision records every gate pipeline outcome, suppressed ones included
type Decision struct {
	UserID        string         `json:"user_id"`
	TransactionID string         `json:"transaction_id"`
	Decision      gates.Decision `json:"decision"`
	Elapsed       time.Duration  `json:"elapsed_ns"`
	At            time.Time      `json:"at"`
}

// Delivered records an intervention handed to the caller
type Delivered struct {
	Intervention core.Intervention `json:"intervention"`
	At           time.Time         `json:"at"`
}

// Response records a user response to an intervention
type Response struct {
	UserID         string        `json:"user_id"`
	InterventionID string        `json:"intervention_id"`
	Behavior       core.Behavior `json:"behavior"`
	Response       core.Response `json:"response"`
	Action         string        `json:"action,omitempty"` // failure handler action
	At             time.Time     `json:"at"`
}

// StateChanged records a state machine or failure handler transition
type StateChanged struct {
	UserID   string         `json:"user_id"`
	From     core.UserState `json:"from"`
	To       core.UserState `json:"to"`
	Behavior core.Behavior  `json:"behavior,omitempty"`
	Cause    string         `json:"cause"`
	At       time.Time      `json:"at"`
}

// WinDetected records a new win
type WinDetected struct {
	Win core.Win  `json:"win"`
	At  time.Time `json:"at"`
}

// WinCelebrated records a celebrated win
type WinCelebrated struct {
	UserID        string    `json:"user_id"`
	WinID         string    `json:"win_id"`
	CurrentStreak int       `json:"current_streak"`
	TotalWins     int       `json:"total_wins"`
	At            time.Time `json:"at"`
}

// StreakBroken records a streak reset
type StreakBroken struct {
	UserID         string                 `json:"user_id"`
	Reason         core.StreakBreakReason `json:"reason"`
	PreviousStreak int                    `json:"previous_streak"`
	At             time.Time              `json:"at"`
}

// ProfileReset records an explicit user reset
type ProfileReset struct {
	UserID string    `json:"user_id"`
	At     time.Time `json:"at"`
}

// DetectorFailed records a skipped detection pass
type DetectorFailed struct {
	UserID string    `json:"user_id"`
	Error  string    `json:"error"`
	At     time.Time `json:"at"`
}

// Recalibrated records new seasonal factors
type Recalibrated struct {
	UserID     string    `json:"user_id"`
	SampleSize int       `json:"sample_size"`
	At         time.Time `json:"at"`
}

// Exposure records that a user saw an experiment variant
type Exposure struct {
	UserID       string    `json:"user_id"`
	ExperimentID string    `json:"experiment_id"`
	VariantID    string    `json:"variant_id"`
	At           time.Time `json:"at"`
}

func (e Decision) Type() Type       { return TypeDecision }
func (e Delivered) Type() Type      { return TypeDelivered }
func (e Response) Type() Type       { return TypeResponse }
func (e StateChanged) Type() Type   { return TypeStateChanged }
func (e WinDetected) Type() Type    { return TypeWinDetected }
func (e WinCelebrated) Type() Type  { return TypeWinCelebrated }
func (e StreakBroken) Type() Type   { return TypeStreakBroken }
func (e ProfileReset) Type() Type   { return TypeProfileReset }
func (e DetectorFailed) Type() Type { return TypeDetectorFailed }
func (e Recalibrated) Type() Type   { return TypeRecalibrated }
func (e Exposure) Type() Type       { return TypeExposure }

func (e Decision) User() string       { return e.UserID }
func (e Delivered) User() string      { return e.Intervention.UserID }
func (e Response) User() string       { return e.UserID }
func (e StateChanged) User() string   { return e.UserID }
func (e WinDetected) User() string    { return e.Win.UserID }
func (e WinCelebrated) User() string  { return e.UserID }
func (e StreakBroken) User() string   { return e.UserID }
func (e ProfileReset) User() string   { return e.UserID }
func (e DetectorFailed) User() string { return e.UserID }
func (e Recalibrated) User() string   { return e.UserID }
func (e Exposure) User() string       { return e.UserID }

func (e Decision) Time() time.Time       { return e.At }
func (e Delivered) Time() time.Time      { return e.At }
func (e Response) Time() time.Time       { return e.At }
func (e StateChanged) Time() time.Time   { return e.At }
func (e WinDetected) Time() time.Time    { return e.At }
func (e WinCelebrated) Time() time.Time  { return e.At }
func (e StreakBroken) Time() time.Time   { return e.At }
func (e ProfileReset) Time() time.Time   { return e.At }
func (e DetectorFailed) Time() time.Time { return e.At }
func (e Recalibrated) Time() time.Time   { return e.At }
func (e Exposure) Time() time.Time       { return e.At }

func (Decision) isEvent()       {}
func (Delivered) isEvent()      {}
func (Response) isEvent()       {}
func (StateChanged) isEvent()   {}
func (WinDetected) isEvent()    {}
func (WinCelebrated) isEvent()  {}
func (StreakBroken) isEvent()   {}
func (ProfileReset) isEvent()   {}
func (DetectorFailed) isEvent() {}
func (Recalibrated) isEvent()   {}
func (Exposure) isEvent()       {}

// Envelope is the wire form of an event
type Envelope struct {
	Type    Type            `json:"type"`
	UserID  string          `json:"user_id"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload"`
}

// Encode wraps an event for transport or storage
func Encode(e Event) (Envelope, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s event: %w", e.Type(), err)
	}
	return Envelope{Type: e.Type(), UserID: e.User(), At: e.Time(), Payload: payload}, nil
}

// Decode unwraps an envelope into its concrete variant
func (env Envelope) Decode() (Event, error) {
	switch env.Type {
	case TypeDecision:
		return decodeAs[Decision](env.Payload)
	case TypeDelivered:
		return decodeAs[Delivered](env.Payload)
	case TypeResponse:
		return decodeAs[Response](env.Payload)
	case TypeStateChanged:
		return decodeAs[StateChanged](env.Payload)
	case TypeWinDetected:
		return decodeAs[WinDetected](env.Payload)
	case TypeWinCelebrated:
		return decodeAs[WinCelebrated](env.Payload)
	case TypeStreakBroken:
		return decodeAs[StreakBroken](env.Payload)
	case TypeProfileReset:
		return decodeAs[ProfileReset](env.Payload)
	case TypeDetectorFailed:
		return decodeAs[DetectorFailed](env.Payload)
	case TypeRecalibrated:
		return decodeAs[Recalibrated](env.Payload)
	case TypeExposure:
		return decodeAs[Exposure](env.Payload)
	}
	return nil, fmt.Errorf("%w: event type %q", core.ErrInvalidInput, env.Type)
}

func decodeAs[T Event](raw json.RawMessage) (Event, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
