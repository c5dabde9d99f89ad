package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// InterventionType is the kind of coaching message surfaced
type InterventionType string

const (
	InterventionAwareness   InterventionType = "awareness"   // Name the pattern
	InterventionReflection  InterventionType = "reflection"  // Ask the user to reflect
	InterventionAlternative InterventionType = "alternative" // Offer a concrete alternative
)

// AllInterventionTypes returns every intervention type in escalation order
func AllInterventionTypes() []InterventionType {
	return []InterventionType{
		InterventionAwareness,
		InterventionReflection,
		InterventionAlternative,
	}
}

// Response is the user's reaction to a delivered intervention
type Response string

const (
	ResponseEngaged   Response = "engaged"
	ResponseDismissed Response = "dismissed"
	ResponseIgnored   Response = "ignored"
)

// ParseResponse converts a string to a Response
func ParseResponse(s string) (Response, error) {
	switch r := Response(s); r {
	case ResponseEngaged, ResponseDismissed, ResponseIgnored:
		return r, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidResponse, s)
}

// -----------------------------------------------------------------------------
// MOMENT - The triggering signal, one variant per behavior
// -----------------------------------------------------------------------------

// MomentKind identifies a moment variant
type MomentKind string

const (
	MomentRecurringCharge MomentKind = "recurring_charge"
	MomentStressPurchase  MomentKind = "stress_purchase"
	MomentMonthEnd        MomentKind = "month_end"
)

// Moment is a behavioral moment: the concrete signal that makes an
// intervention relevant right now. The set of variants is closed.
type Moment interface {
	Kind() MomentKind
	Behavior() Behavior
	isMoment()
}

// RecurringChargeMoment fires on a repeated small purchase at one merchant
type RecurringChargeMoment struct {
	Merchant    string  `json:"merchant"`
	Amount      float64 `json:"amount"`
	Occurrences int     `json:"occurrences"`
}

// StressPurchaseMoment fires on an impulsive or late-night purchase
type StressPurchaseMoment struct {
	Category string  `json:"category"`
	Amount   float64 `json:"amount"`
	Hour     int     `json:"hour"`
	Burst    int     `json:"burst"` // purchases in the surrounding burst window
}

// MonthEndMoment fires when spending accelerates before the month closes
type MonthEndMoment struct {
	DaysUntilMonthEnd int     `json:"days_until_month_end"`
	SpendRatio        float64 `json:"spend_ratio"`
}

func (RecurringChargeMoment) Kind() MomentKind   { return MomentRecurringCharge }
func (RecurringChargeMoment) Behavior() Behavior { return BehaviorSmallRecurring }
func (RecurringChargeMoment) isMoment()          {}

func (StressPurchaseMoment) Kind() MomentKind   { return MomentStressPurchase }
func (StressPurchaseMoment) Behavior() Behavior { return BehaviorStressSpending }
func (StressPurchaseMoment) isMoment()          {}

func (MonthEndMoment) Kind() MomentKind   { return MomentMonthEnd }
func (MonthEndMoment) Behavior() Behavior { return BehaviorEndOfMonth }
func (MonthEndMoment) isMoment()          {}

// EligibleMoments returns the moment kinds that can trigger an
// intervention for a behavior
func EligibleMoments(b Behavior) []MomentKind {
	switch b {
	case BehaviorSmallRecurring:
		return []MomentKind{MomentRecurringCharge}
	case BehaviorStressSpending:
		return []MomentKind{MomentStressPurchase}
	case BehaviorEndOfMonth:
		return []MomentKind{MomentMonthEnd}
	}
	return nil
}

// MomentEnvelope is the wire form of a Moment
type MomentEnvelope struct {
	Kind    MomentKind      `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// EncodeMoment wraps a moment for storage or transport
func EncodeMoment(m Moment) (*MomentEnvelope, error) {
	if m == nil {
		return nil, nil
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return &MomentEnvelope{Kind: m.Kind(), Payload: payload}, nil
}

// Decode unwraps the envelope into its concrete variant
func (e *MomentEnvelope) Decode() (Moment, error) {
	if e == nil {
		return nil, nil
	}
	switch e.Kind {
	case MomentRecurringCharge:
		var m RecurringChargeMoment
		err := json.Unmarshal(e.Payload, &m)
		return m, err
	case MomentStressPurchase:
		var m StressPurchaseMoment
		err := json.Unmarshal(e.Payload, &m)
		return m, err
	case MomentMonthEnd:
		var m MonthEndMoment
		err := json.Unmarshal(e.Payload, &m)
		return m, err
	}
	return nil, fmt.Errorf("%w: moment kind %q", ErrInvalidInput, e.Kind)
}

// -----------------------------------------------------------------------------
// DETECTION - What a detector reports per behavior
// -----------------------------------------------------------------------------

// Detection is the detector output for one behavior
type Detection struct {
	Confidence float64 `json:"confidence"`
	Detected   bool    `json:"detected"`
	Moment     Moment  `json:"-"`
}

// DetectionSet holds one detection per behavior
type DetectionSet struct {
	SmallRecurring Detection `json:"small_recurring"`
	StressSpending Detection `json:"stress_spending"`
	EndOfMonth     Detection `json:"end_of_month"`
}

// Get returns the detection for a behavior
func (d DetectionSet) Get(b Behavior) Detection {
	switch b {
	case BehaviorSmallRecurring:
		return d.SmallRecurring
	case BehaviorStressSpending:
		return d.StressSpending
	case BehaviorEndOfMonth:
		return d.EndOfMonth
	}
	return Detection{}
}

// Set returns a copy of d with the detection for b replaced
func (d DetectionSet) Set(b Behavior, det Detection) DetectionSet {
	switch b {
	case BehaviorSmallRecurring:
		d.SmallRecurring = det
	case BehaviorStressSpending:
		d.StressSpending = det
	case BehaviorEndOfMonth:
		d.EndOfMonth = det
	}
	return d
}

// Confidences extracts the confidence scores
func (d DetectionSet) Confidences() Scores {
	return Scores{
		SmallRecurring: d.SmallRecurring.Confidence,
		StressSpending: d.StressSpending.Confidence,
		EndOfMonth:     d.EndOfMonth.Confidence,
	}
}

// AnyDetected reports whether any behavior fired
func (d DetectionSet) AnyDetected() bool {
	return d.SmallRecurring.Detected || d.StressSpending.Detected || d.EndOfMonth.Detected
}

// -----------------------------------------------------------------------------
// INTERVENTION - Decision output and its append-only record
// -----------------------------------------------------------------------------

// Intervention is the ephemeral output of a positive decision
type Intervention struct {
	ID               string           `json:"id"`
	UserID           string           `json:"user_id"`
	Behavior         Behavior         `json:"behavior"`
	InterventionType InterventionType `json:"intervention_type"`
	MessageKey       string           `json:"message_key"`
	Template         string           `json:"template"`
	Text             string           `json:"text"`
	VariantIndex     int              `json:"variant_index"`
	Confidence       float64          `json:"confidence"`
	TransactionID    string           `json:"transaction_id"`
	Reason           string           `json:"reason"`
	Moment           *MomentEnvelope  `json:"moment,omitempty"`
}

// InterventionRecord is the persisted log entry for a delivered intervention
type InterventionRecord struct {
	ID               string           `json:"id"`
	UserID           string           `json:"user_id"`
	Behavior         Behavior         `json:"behavior"`
	InterventionType InterventionType `json:"intervention_type"`
	MessageKey       string           `json:"message_key"`
	Confidence       float64          `json:"confidence"`
	TransactionID    string           `json:"transaction_id"`
	DeliveredAt      time.Time        `json:"delivered_at"`
	UserResponse     Response         `json:"user_response,omitempty"`
	RespondedAt      *time.Time       `json:"responded_at,omitempty"`
}

// Record converts a delivered intervention into its log entry
func (i *Intervention) Record(deliveredAt time.Time) InterventionRecord {
	return InterventionRecord{
		ID:               i.ID,
		UserID:           i.UserID,
		Behavior:         i.Behavior,
		InterventionType: i.InterventionType,
		MessageKey:       i.MessageKey,
		Confidence:       i.Confidence,
		TransactionID:    i.TransactionID,
		DeliveredAt:      deliveredAt,
	}
}

// -----------------------------------------------------------------------------
// WIN - A detected improvement
// -----------------------------------------------------------------------------

// WinType classifies the kind of improvement
type WinType string

const (
	WinReducedFrequency WinType = "reduced_frequency"
	WinReducedSpend     WinType = "reduced_spend"
)

// Win is a detected behavioral improvement
type Win struct {
	ID                 string     `json:"id"`
	UserID             string     `json:"user_id"`
	BehaviorType       Behavior   `json:"behavior_type"`
	WinType            WinType    `json:"win_type"`
	Message            string     `json:"message"`
	StreakDays         *int       `json:"streak_days,omitempty"`
	ImprovementPercent *float64   `json:"improvement_percent,omitempty"`
	Celebrated         bool       `json:"celebrated"`
	CelebratedAt       *time.Time `json:"celebrated_at,omitempty"`
	DetectedAt         time.Time  `json:"detected_at"`
}
