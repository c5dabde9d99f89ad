package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeRecalibrator struct {
	n     int
	err   error
	calls int
}

func (f *fakeRecalibrator) RecalibrateAll(context.Context) (int, error) {
	f.calls++
	return f.n, f.err
}

type verifierFunc func(ctx context.Context) error

func (f verifierFunc) VerifyChain(ctx context.Context) error { return f(ctx) }

func TestRegisterJobs(t *testing.T) {
	s, _ := NewScheduler(Config{Timezone: "UTC"})
	r := &fakeRecalibrator{n: 2}
	broken := errors.New("hash mismatch")
	v := verifierFunc(func(context.Context) error { return broken })

	if err := RegisterJobs(s, DefaultJobsConfig(), r, v); err != nil {
		t.Fatalf("RegisterJobs: %v", err)
	}
	if len(s.ListTasks()) != 2 {
		t.Fatalf("tasks = %d, want 2", len(s.ListTasks()))
	}

	ctx := context.Background()
	if err := s.RunNow(ctx, TaskRecalibrate); err != nil {
		t.Errorf("recalibrate: %v", err)
	}
	if r.calls != 1 {
		t.Errorf("calls = %d", r.calls)
	}
	if err := s.RunNow(ctx, TaskVerifyLedger); !errors.Is(err, broken) {
		t.Errorf("verify = %v, want %v", err, broken)
	}

	task, _ := s.GetTask(TaskRecalibrate)
	if task.Timeout != 30*time.Minute {
		t.Errorf("timeout = %v", task.Timeout)
	}
}

func TestRegisterJobs_Optional(t *testing.T) {
	s, _ := NewScheduler(DefaultConfig())
	cfg := DefaultJobsConfig()
	cfg.LedgerVerifyAt = ""

	if err := RegisterJobs(s, cfg, &fakeRecalibrator{}, nil); err != nil {
		t.Fatalf("RegisterJobs: %v", err)
	}
	if tasks := s.ListTasks(); len(tasks) != 1 || tasks[0].ID != TaskRecalibrate {
		t.Errorf("tasks = %+v", tasks)
	}
}

func TestRecalibrationTask_WrapsError(t *testing.T) {
	boom := errors.New("store down")
	task := RecalibrationTask(&fakeRecalibrator{err: boom}, time.Hour)
	if err := task.Handler(context.Background()); !errors.Is(err, boom) {
		t.Errorf("err = %v", err)
	}
}
