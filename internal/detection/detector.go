// Package detection defines the detector boundary of the engine and ships a
// heuristic reference detector.
//
// A detector turns a transaction window plus the current confidences into an
// updated confidence and detection flag per behavior. Detectors must be pure
// functions of their inputs.
package detection

import (
	"context"
	"fmt"

	"github.com/quantumlife/spendcoach/internal/core"
)

// Detector runs every behavior detector over a transaction window
type Detector interface {
	RunAllDetection(ctx context.Context, txs []core.Transaction, existing core.Scores, seasonal *core.SeasonalFactors) (core.DetectionSet, error)
}

// Func adapts a function to the Detector interface
type Func func(ctx context.Context, txs []core.Transaction, existing core.Scores, seasonal *core.SeasonalFactors) (core.DetectionSet, error)

// RunAllDetection calls f
func (f Func) RunAllDetection(ctx context.Context, txs []core.Transaction, existing core.Scores, seasonal *core.SeasonalFactors) (core.DetectionSet, error) {
	return f(ctx, txs, existing, seasonal)
}

// Guard wraps a detector so that errors and panics both surface as
// ErrDetectorFailed. Callers treat that as "no detection this pass".
type Guard struct {
	inner Detector
}

// NewGuard wraps d
func NewGuard(d Detector) *Guard {
	return &Guard{inner: d}
}

// RunAllDetection implements Detector
func (g *Guard) RunAllDetection(ctx context.Context, txs []core.Transaction, existing core.Scores, seasonal *core.SeasonalFactors) (set core.DetectionSet, err error) {
	if g.inner == nil {
		return core.DetectionSet{}, fmt.Errorf("%w: no detector configured", core.ErrDetectorFailed)
	}
	if err := ctx.Err(); err != nil {
		return core.DetectionSet{}, fmt.Errorf("%w: %v", core.ErrDetectorFailed, err)
	}

	defer func() {
		if r := recover(); r != nil {
			set = core.DetectionSet{}
			err = fmt.Errorf("%w: panic: %v", core.ErrDetectorFailed, r)
		}
	}()

	set, err = g.inner.RunAllDetection(ctx, txs, existing, seasonal)
	if err != nil {
		return core.DetectionSet{}, fmt.Errorf("%w: %v", core.ErrDetectorFailed, err)
	}
	return set, nil
}
