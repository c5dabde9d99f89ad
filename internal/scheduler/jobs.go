package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/quantumlife/spendcoach/internal/logging"
)

// Task ids
const (
	TaskRecalibrate  = "recalibrate"
	TaskVerifyLedger = "verify-ledger"
)

// Recalibrator sweeps users whose seasonal factors are due
type Recalibrator interface {
	RecalibrateAll(ctx context.Context) (int, error)
}

// ChainVerifier checks the audit ledger hash chain
type ChainVerifier interface {
	VerifyChain(ctx context.Context) error
}

// JobsConfig sets when maintenance runs
type JobsConfig struct {
	RecalibrationInterval time.Duration `json:"recalibration_interval" yaml:"recalibration_interval"`
	LedgerVerifyAt        string        `json:"ledger_verify_at" yaml:"ledger_verify_at"` // "HH:MM", empty disables
}

// DefaultJobsConfig returns a six-hourly sweep and a nightly ledger check
func DefaultJobsConfig() JobsConfig {
	return JobsConfig{
		RecalibrationInterval: 6 * time.Hour,
		LedgerVerifyAt:        "03:30",
	}
}

// RecalibrationTask sweeps every known user
func RecalibrationTask(r Recalibrator, every time.Duration) *Task {
	log := logging.WithField("task", TaskRecalibrate)
	t := IntervalTask(TaskRecalibrate, "Seasonal recalibration", every, func(ctx context.Context) error {
		n, err := r.RecalibrateAll(ctx)
		if err != nil {
			return fmt.Errorf("recalibration sweep: %w", err)
		}
		if n > 0 {
			log.Info("recalibrated %d users", n)
		}
		return nil
	})
	t.Description = "Recompute weekday and month-phase factors for users due for calibration"
	t.Timeout = 30 * time.Minute
	return t
}

// LedgerVerifyTask verifies the ledger hash chain once a day
func LedgerVerifyTask(v ChainVerifier, at string) *Task {
	t := DailyTask(TaskVerifyLedger, "Ledger verification", at, func(ctx context.Context) error {
		return v.VerifyChain(ctx)
	})
	t.Description = "Walk the audit ledger and check every hash link"
	return t
}

// RegisterJobs adds the maintenance tasks. A nil verifier or an empty
// LedgerVerifyAt skips the ledger check.
func RegisterJobs(s *Scheduler, cfg JobsConfig, r Recalibrator, v ChainVerifier) error {
	if r != nil && cfg.RecalibrationInterval > 0 {
		if err := s.Register(RecalibrationTask(r, cfg.RecalibrationInterval)); err != nil {
			return err
		}
	}
	if v != nil && cfg.LedgerVerifyAt != "" {
		if err := s.Register(LedgerVerifyTask(v, cfg.LedgerVerifyAt)); err != nil {
			return err
		}
	}
	return nil
}
