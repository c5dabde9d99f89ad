// Package engine orchestrates one evaluation per incoming transaction:
// detection, confidence bookkeeping, state transitions, win tracking, the
// gate pipeline and message selection. It owns every profile mutation and
// serializes work per user.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quantumlife/spendcoach/internal/access"
	"github.com/quantumlife/spendcoach/internal/confidence"
	"github.com/quantumlife/spendcoach/internal/core"
	"github.com/quantumlife/spendcoach/internal/detection"
	"github.com/quantumlife/spendcoach/internal/events"
	"github.com/quantumlife/spendcoach/internal/failure"
	"github.com/quantumlife/spendcoach/internal/finance"
	"github.com/quantumlife/spendcoach/internal/gates"
	"github.com/quantumlife/spendcoach/internal/logging"
	"github.com/quantumlife/spendcoach/internal/messages"
	"github.com/quantumlife/spendcoach/internal/policy"
	"github.com/quantumlife/spendcoach/internal/statemachine"
	"github.com/quantumlife/spendcoach/internal/storage"
	"github.com/quantumlife/spendcoach/internal/wins"
)

// Suppression reported when the catalog has nothing for a passing decision
const (
	GateMessage     = "message"
	ReasonNoMessage = "no_message_variant"
)

// Skip reasons
const (
	SkipInsufficientHistory = "insufficient_history"
)

// State change causes carried on events
const (
	CauseTransaction = "transaction"
	CauseExpired     = "timer_expired"
	CauseDelivered   = "intervention_delivered"
	CauseReset       = "user_reset"
)

// Option configures an Engine
type Option func(*Engine)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDs overrides intervention id generation
func WithIDs(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

// WithSink sets the event sink
func WithSink(s events.Sink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithAccess sets the access policy. Without one every user is entitled.
func WithAccess(a access.Policy) Option {
	return func(e *Engine) { e.access = a }
}

// WithCatalog replaces the default message catalog
func WithCatalog(c messages.Catalog) Option {
	return func(e *Engine) { e.catalog = c }
}

// WithDetector replaces the heuristic detector
func WithDetector(d detection.Detector) Option {
	return func(e *Engine) { e.detector = d }
}

// WithCategorizer sets the categorizer shared by detection and win tracking
func WithCategorizer(c *finance.Categorizer) Option {
	return func(e *Engine) { e.categorizer = c }
}

// WithContextGates appends gates that run after the built-in ones
func WithContextGates(g ...gates.ContextGate) Option {
	return func(e *Engine) { e.extraGates = append(e.extraGates, g...) }
}

// Engine is the behavioral intervention engine
type Engine struct {
	policy policy.Policy
	repo   storage.ProfileRepository
	txs    storage.TransactionSource

	detector    detection.Detector
	categorizer *finance.Categorizer
	catalog     messages.Catalog
	extraGates  []gates.ContextGate
	access      access.Policy
	sink        events.Sink

	guard      *detection.Guard
	confidence *confidence.Store
	machine    *statemachine.Machine
	pipeline   *gates.Pipeline
	selector   *messages.Selector
	wins       *wins.Tracker
	failures   *failure.Handler

	locks  *keyedMutex
	now    func() time.Time
	newID  func() string
	logger *logging.Logger
}

// New creates an engine. The policy is validated up front.
func New(pol policy.Policy, repo storage.ProfileRepository, txs storage.TransactionSource, opts ...Option) (*Engine, error) {
	if err := pol.Validate(); err != nil {
		return nil, err
	}
	if repo == nil || txs == nil {
		return nil, fmt.Errorf("%w: repository and transaction source", core.ErrMissingRequired)
	}

	e := &Engine{
		policy: pol,
		repo:   repo,
		txs:    txs,
		sink:   events.Discard,
		locks:  newKeyedMutex(),
		now:    time.Now,
		newID:  uuid.NewString,
		logger: logging.WithField("component", "engine"),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.categorizer == nil {
		e.categorizer = finance.NewCategorizer()
	}
	if e.detector == nil {
		e.detector = detection.NewHeuristic(detection.DefaultHeuristicConfig(), e.categorizer)
	}
	if e.catalog == nil {
		e.catalog = messages.DefaultCatalog()
	}
	if e.sink == nil {
		e.sink = events.Discard
	}

	e.guard = detection.NewGuard(e.detector)
	e.confidence = confidence.NewStore(pol)
	e.machine = statemachine.New(pol)
	e.pipeline = gates.New(pol, e.extraGates...)
	e.selector = messages.NewSelector(e.catalog)
	e.wins = wins.NewTracker(pol, e.categorizer)
	e.failures = failure.NewHandler(pol)
	return e, nil
}

// Policy returns the policy the engine runs under
func (e *Engine) Policy() policy.Policy {
	return e.policy
}

// Result is the outcome of one evaluation
type Result struct {
	UserID        string                  `json:"user_id"`
	TransactionID string                  `json:"transaction_id"`
	Skipped       bool                    `json:"skipped"`
	SkipReason    string                  `json:"skip_reason,omitempty"`
	Decision      gates.Decision          `json:"decision"`
	Intervention  *core.Intervention      `json:"intervention,omitempty"`
	Win           *core.Win               `json:"win,omitempty"`
	StreakBreak   *wins.StreakBreak       `json:"streak_break,omitempty"`
	Transition    statemachine.Transition `json:"transition"`
	DetectorError string                  `json:"detector_error,omitempty"`
	Profile       *core.Profile           `json:"profile,omitempty"`
}

// ProcessTransaction evaluates the user's profile against a new transaction.
// The transaction is expected in the transaction source already; when it
// is not, it is added to the evaluation window for this pass only.
//
// Nothing is returned to the caller until the intervention record, any new
// win and the profile are persisted. A persistence failure aborts the pass
// with no intervention.
func (e *Engine) ProcessTransaction(ctx context.Context, tx core.Transaction) (*Result, error) {
	if tx.UserID == "" {
		return nil, fmt.Errorf("%w: user_id", core.ErrMissingRequired)
	}
	unlock := e.locks.Lock(tx.UserID)
	defer unlock()

	start := time.Now()
	now := e.now()
	userID := tx.UserID
	log := e.logger.WithFields(map[string]interface{}{"user": userID, "tx": tx.ID})

	txs, err := e.txs.RecentTransactions(ctx, userID, e.policy.TransactionWindow)
	if err != nil {
		return nil, fmt.Errorf("load transactions: %w", err)
	}
	txs = withTrigger(txs, tx)

	res := &Result{UserID: userID, TransactionID: tx.ID}
	if len(txs) < e.policy.MinTransactions {
		res.Skipped = true
		res.SkipReason = SkipInsufficientHistory
		log.Debug("skipped: %d transactions, need %d", len(txs), e.policy.MinTransactions)
		return res, nil
	}

	p, err := e.loadOrCreate(ctx, userID, now)
	if err != nil {
		return nil, err
	}

	var pending []events.Event
	emit := func(ev events.Event) { pending = append(pending, ev) }

	// Detection. A failed pass leaves confidences untouched.
	existing := p.Confidence
	if p.LastEvaluatedAt != nil {
		existing = e.confidence.Decay(p.Confidence, *p.LastEvaluatedAt, now)
	}
	detections, derr := e.guard.RunAllDetection(ctx, txs, existing, p.SeasonalFactors)
	if derr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Warn("detection skipped: %v", derr)
		res.DetectorError = derr.Error()
		detections = core.DetectionSet{}
		emit(events.DetectorFailed{UserID: userID, Error: derr.Error(), At: now})
	} else {
		e.confidence.Update(p, detections, now)
		p.TransactionsSinceCalibration++
		if e.confidence.Recalibrate(p, txs, now) {
			emit(events.Recalibrated{UserID: userID, SampleSize: len(txs), At: now})
		}
	}

	gates.RollCounters(p, now)

	transition, err := e.machine.EvaluateTransition(p, statemachine.EventTransaction, now)
	if err != nil {
		return nil, err
	}
	statemachine.Apply(p, transition, now)
	res.Transition = transition
	if transition.Changed() {
		cause := CauseTransaction
		if transition.Expired {
			cause = CauseExpired
		}
		emit(stateChanged(userID, transition.PreviousState, transition.NewState, transition.ActiveBehavior, cause, now))
	}

	winResult := e.wins.DetectWinWithStreakCheck(userID, p, txs, detections, now)
	wins.Apply(p, winResult, now)
	res.Win = winResult.Win
	res.StreakBreak = winResult.StreakBreak

	since := now.Add(-e.policy.RepeatSpacing.D())
	recent, err := e.repo.RecentInterventions(ctx, userID, since)
	if err != nil {
		return nil, fmt.Errorf("load interventions: %w", err)
	}

	moment := triggerMoment(detections, p.ActiveBehavior)
	decision := e.pipeline.MakeDecision(gates.Input{
		Profile:             p,
		Moment:              moment,
		RecentInterventions: recent,
		Entitled:            e.entitled(ctx, userID),
		Now:                 now,
	})

	var intervention *core.Intervention
	if decision.ShouldIntervene {
		intervention, err = e.deliver(p, decision, moment, tx.ID, now)
		switch {
		case errors.Is(err, core.ErrNoMessage):
			log.Warn("no message for %s/%s: %v", decision.Behavior, decision.InterventionType, err)
			decision.ShouldIntervene = false
			decision.Reason = ReasonNoMessage
			decision.BlockedBy = GateMessage
		case err != nil:
			return nil, err
		default:
			emit(stateChanged(userID, core.StateActive, core.StateCooldown, intervention.Behavior, CauseDelivered, now))
		}
	}
	res.Decision = decision
	p.UpdatedAt = now

	if intervention != nil {
		if err := e.repo.AppendIntervention(ctx, intervention.Record(now)); err != nil {
			log.Error("intervention not recorded: %v", err)
			return nil, fmt.Errorf("record intervention: %w", err)
		}
	}
	if res.Win != nil {
		if err := e.repo.AppendWin(ctx, *res.Win); err != nil {
			log.Error("win not recorded: %v", err)
			return nil, fmt.Errorf("record win: %w", err)
		}
	}
	if err := e.repo.SaveProfile(ctx, p); err != nil {
		log.Error("profile not saved: %v", err)
		return nil, fmt.Errorf("save profile: %w", err)
	}

	e.sink.Emit(events.Decision{UserID: userID, TransactionID: tx.ID, Decision: decision, Elapsed: time.Since(start), At: now})
	for _, ev := range pending {
		e.sink.Emit(ev)
	}
	if res.StreakBreak != nil {
		e.sink.Emit(events.StreakBroken{UserID: userID, Reason: res.StreakBreak.Reason, PreviousStreak: res.StreakBreak.PreviousStreak, At: now})
	}
	if res.Win != nil {
		e.sink.Emit(events.WinDetected{Win: *res.Win, At: now})
	}
	if intervention != nil {
		e.sink.Emit(events.Delivered{Intervention: *intervention, At: now})
		log.Info("delivered %s %s (%s)", intervention.Behavior, intervention.InterventionType, intervention.MessageKey)
	} else {
		log.Debug("no intervention: %s", decision.Reason)
	}

	res.Intervention = intervention
	res.Profile = p.Clone()
	return res, nil
}

// deliver builds the intervention for a passing decision and moves the
// profile into cooldown
func (e *Engine) deliver(p *core.Profile, d gates.Decision, m core.Moment, txID string, now time.Time) (*core.Intervention, error) {
	b := d.Behavior
	sel, err := e.selector.Select(b, d.InterventionType, m, p.RecentMessageKeys, messages.Cursor(p, b))
	if err != nil {
		return nil, err
	}
	env, err := core.EncodeMoment(m)
	if err != nil {
		return nil, err
	}

	t, err := e.machine.EvaluateTransition(p, statemachine.EventInterventionDelivered, now)
	if err != nil {
		return nil, err
	}
	statemachine.Apply(p, t, now)
	gates.RecordDelivery(p, now)
	if err := messages.Record(p, b, sel, e.policy.RecentMessageMemory); err != nil {
		return nil, err
	}
	p.FocusBehavior = b

	return &core.Intervention{
		ID:               e.newID(),
		UserID:           p.UserID,
		Behavior:         b,
		InterventionType: d.InterventionType,
		MessageKey:       sel.Key,
		Template:         sel.Template,
		Text:             sel.Text,
		VariantIndex:     sel.VariantIndex,
		Confidence:       d.Confidence,
		TransactionID:    txID,
		Reason:           d.Reason,
		Moment:           env,
	}, nil
}

// ResponseResult is the outcome of RecordResponse
type ResponseResult struct {
	InterventionID string            `json:"intervention_id"`
	Response       core.Response     `json:"response"`
	Failure        *failure.Response `json:"failure,omitempty"`
	Profile        *core.Profile     `json:"profile"`
}

// RecordResponse records the user's response to a delivered intervention.
// A response is accepted once per intervention.
func (e *Engine) RecordResponse(ctx context.Context, userID, interventionID string, r core.Response) (*ResponseResult, error) {
	if _, err := core.ParseResponse(string(r)); err != nil {
		return nil, err
	}
	unlock := e.locks.Lock(userID)
	defer unlock()

	rec, err := e.repo.GetIntervention(ctx, interventionID)
	if err != nil {
		return nil, err
	}
	if rec.UserID != userID {
		return nil, core.ErrInterventionNotFound
	}
	if rec.UserResponse != "" {
		return nil, core.ErrResponseAlreadyRecorded
	}
	p, err := e.profile(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	from := p.UserState
	out := &ResponseResult{InterventionID: interventionID, Response: r}

	// The profile is saved before the response is marked on the record.
	// A retry after a failed mark finds the profile already updated and
	// only completes the record.
	if p.LastRespondedID != interventionID {
		var upd failure.Update
		if kind, ok := failure.KindFor(r); ok {
			fr, err := e.failures.HandleFailure(kind, p, now)
			if err != nil {
				return nil, err
			}
			out.Failure = &fr
			upd = e.failures.CalculateNewState(p, fr)
		} else {
			upd = e.failures.Reinforce(p)
		}
		upd.Apply(p, now)
		p.LastRespondedID = interventionID
		p.UpdatedAt = now

		if err := e.repo.SaveProfile(ctx, p); err != nil {
			e.logger.WithField("user", userID).Error("profile not saved after response: %v", err)
			return nil, fmt.Errorf("save profile: %w", err)
		}
	}
	if err := e.repo.SetInterventionResponse(ctx, interventionID, r, now); err != nil {
		return nil, err
	}

	ev := events.Response{UserID: userID, InterventionID: interventionID, Behavior: rec.Behavior, Response: r, At: now}
	if out.Failure != nil {
		ev.Action = string(out.Failure.Action)
	}
	e.sink.Emit(ev)
	if from != p.UserState {
		e.sink.Emit(stateChanged(userID, from, p.UserState, core.BehaviorNone, string(r), now))
	}

	out.Profile = p.Clone()
	return out, nil
}

// CelebrateWin marks a win as celebrated and counts it toward the streak.
// Celebrating the same win again changes nothing. When the profile save
// fails after the win was marked, the increment is lost rather than
// counted twice on retry.
func (e *Engine) CelebrateWin(ctx context.Context, userID, winID string) (*core.Profile, bool, error) {
	unlock := e.locks.Lock(userID)
	defer unlock()

	w, err := e.repo.GetWin(ctx, winID)
	if err != nil {
		return nil, false, err
	}
	if w.UserID != userID {
		return nil, false, core.ErrWinNotFound
	}
	p, err := e.profile(ctx, userID)
	if err != nil {
		return nil, false, err
	}

	now := e.now()
	changed, err := e.repo.MarkWinCelebrated(ctx, winID, now)
	if err != nil {
		return nil, false, err
	}
	if !wins.Celebrate(p, changed) {
		return p, false, nil
	}
	p.UpdatedAt = now
	if err := e.repo.SaveProfile(ctx, p); err != nil {
		return nil, false, fmt.Errorf("save profile: %w", err)
	}
	e.sink.Emit(events.WinCelebrated{
		UserID:        userID,
		WinID:         winID,
		CurrentStreak: p.CurrentStreak,
		TotalWins:     p.TotalWins,
		At:            now,
	})
	return p.Clone(), true, nil
}

// DismissWin acknowledges a win. Dismissing counts as celebrating.
func (e *Engine) DismissWin(ctx context.Context, userID, winID string) (*core.Profile, bool, error) {
	return e.CelebrateWin(ctx, userID, winID)
}

// Reset returns the user to observing and zeroes the streak. Confidences
// and failure history are kept.
func (e *Engine) Reset(ctx context.Context, userID string) (*core.Profile, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id", core.ErrMissingRequired)
	}
	unlock := e.locks.Lock(userID)
	defer unlock()

	now := e.now()
	p, err := e.loadOrCreate(ctx, userID, now)
	if err != nil {
		return nil, err
	}

	from := p.UserState
	previous := p.CurrentStreak
	p.UserState = core.StateObserving
	p.ActiveBehavior = core.BehaviorNone
	p.ActiveBehaviorIntensity = 0
	p.CooldownEndsAt = nil
	p.WithdrawalEndsAt = nil
	p.FocusBehavior = core.BehaviorNone
	if from != core.StateObserving {
		p.StateChangedAt = now
	}
	wins.BreakStreak(p, core.StreakBreakUserReset, now)
	p.UpdatedAt = now

	if err := e.repo.SaveProfile(ctx, p); err != nil {
		return nil, fmt.Errorf("save profile: %w", err)
	}

	e.sink.Emit(events.ProfileReset{UserID: userID, At: now})
	if from != core.StateObserving {
		e.sink.Emit(stateChanged(userID, from, core.StateObserving, core.BehaviorNone, CauseReset, now))
	}
	if previous > 0 {
		e.sink.Emit(events.StreakBroken{UserID: userID, Reason: core.StreakBreakUserReset, PreviousStreak: previous, At: now})
	}
	e.logger.WithField("user", userID).Info("profile reset")
	return p.Clone(), nil
}

// Recalibrate recomputes seasonal factors for a user when calibration is
// due. It reports whether the factors changed.
func (e *Engine) Recalibrate(ctx context.Context, userID string) (bool, error) {
	unlock := e.locks.Lock(userID)
	defer unlock()

	p, err := e.repo.GetProfile(ctx, userID)
	if err != nil || p == nil {
		return false, err
	}
	now := e.now()
	if !e.confidence.CalibrationDue(p, now) {
		return false, nil
	}
	txs, err := e.txs.RecentTransactions(ctx, userID, e.policy.TransactionWindow)
	if err != nil {
		return false, fmt.Errorf("load transactions: %w", err)
	}
	if !e.confidence.Recalibrate(p, txs, now) {
		return false, nil
	}
	p.UpdatedAt = now
	if err := e.repo.SaveProfile(ctx, p); err != nil {
		return false, fmt.Errorf("save profile: %w", err)
	}
	e.sink.Emit(events.Recalibrated{UserID: userID, SampleSize: len(txs), At: now})
	return true, nil
}

// RecalibrateAll sweeps every known user. Per-user failures are logged and
// the sweep continues; the count of recalibrated users is returned.
func (e *Engine) RecalibrateAll(ctx context.Context) (int, error) {
	users, err := e.repo.ListUserIDs(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, u := range users {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		ok, err := e.Recalibrate(ctx, u)
		if err != nil {
			e.logger.WithField("user", u).Warn("recalibration failed: %v", err)
			continue
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// Profile returns a user's profile
func (e *Engine) Profile(ctx context.Context, userID string) (*core.Profile, error) {
	return e.profile(ctx, userID)
}

// Wins lists a user's wins, newest first
func (e *Engine) Wins(ctx context.Context, userID string) ([]core.Win, error) {
	return e.repo.ListWins(ctx, userID)
}

// Intervention returns a delivered intervention owned by the user
func (e *Engine) Intervention(ctx context.Context, userID, interventionID string) (*core.InterventionRecord, error) {
	rec, err := e.repo.GetIntervention(ctx, interventionID)
	if err != nil {
		return nil, err
	}
	if rec.UserID != userID {
		return nil, core.ErrInterventionNotFound
	}
	return rec, nil
}

func (e *Engine) profile(ctx context.Context, userID string) (*core.Profile, error) {
	p, err := e.repo.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, core.ErrProfileNotFound
	}
	return p, nil
}

func (e *Engine) loadOrCreate(ctx context.Context, userID string, now time.Time) (*core.Profile, error) {
	p, err := e.repo.GetProfile(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}
	if p == nil {
		p = core.NewProfile(userID, now)
	}
	return p, nil
}

func (e *Engine) entitled(ctx context.Context, userID string) bool {
	if e.access == nil {
		return true
	}
	return e.access.IsEntitled(ctx, userID)
}

// triggerMoment picks the moment the transaction produced. The active
// behavior's own moment wins; otherwise the first detected moment is used,
// which the moment gate then rejects as ineligible.
func triggerMoment(d core.DetectionSet, active core.Behavior) core.Moment {
	if active.Valid() {
		if m := d.Get(active).Moment; m != nil {
			return m
		}
	}
	for _, b := range core.AllBehaviors() {
		if det := d.Get(b); det.Detected && det.Moment != nil {
			return det.Moment
		}
	}
	return nil
}

// withTrigger adds tx to the window unless it is already there
func withTrigger(txs []core.Transaction, tx core.Transaction) []core.Transaction {
	if tx.ID == "" {
		return txs
	}
	for _, t := range txs {
		if t.ID == tx.ID {
			return txs
		}
	}
	out := append(make([]core.Transaction, 0, len(txs)+1), txs...)
	i := len(out)
	for i > 0 && out[i-1].OccurredAt.After(tx.OccurredAt) {
		i--
	}
	out = append(out, core.Transaction{})
	copy(out[i+1:], out[i:])
	out[i] = tx
	return out
}

func stateChanged(userID string, from, to core.UserState, b core.Behavior, cause string, at time.Time) events.StateChanged {
	return events.StateChanged{UserID: userID, From: from, To: to, Behavior: b, Cause: cause, At: at}
}
