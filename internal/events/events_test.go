package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/quantumlife/spendcoach/internal/core"
	"github.com/quantumlife/spendcoach/internal/gates"
)

var at = time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)

func TestBus_DropsWhenFull(t *testing.T) {
	b := NewBus(2)
	for i := 0; i < 5; i++ {
		b.Emit(ProfileReset{UserID: "u1", At: at})
	}
	if b.Pending() != 2 {
		t.Errorf("Pending = %d, want 2", b.Pending())
	}
	if b.Dropped() != 3 {
		t.Errorf("Dropped = %d, want 3", b.Dropped())
	}
}

func TestBus_RunFansOut(t *testing.T) {
	b := NewBus(16)

	var mu sync.Mutex
	var got []Type
	var wg sync.WaitGroup
	wg.Add(2)

	b.Subscribe(SubscriberFunc{ID: "failing", Fn: func(context.Context, Event) error {
		return errors.New("boom")
	}})
	b.Subscribe(SubscriberFunc{ID: "panicking", Fn: func(context.Context, Event) error {
		panic("subscriber bug")
	}})
	b.Subscribe(SubscriberFunc{ID: "collector", Fn: func(_ context.Context, e Event) error {
		mu.Lock()
		got = append(got, e.Type())
		mu.Unlock()
		wg.Done()
		return nil
	}})

	ctx, cancel := context.WithCancel(context.Background())
	go b.Run(ctx)

	b.Emit(ProfileReset{UserID: "u1", At: at})
	b.Emit(WinCelebrated{UserID: "u1", WinID: "w1", At: at})

	waitOrFail(t, &wg)
	cancel()
	<-b.Done()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != TypeProfileReset || got[1] != TypeWinCelebrated {
		t.Errorf("collector saw %v", got)
	}
}

func TestBus_FlushOnShutdown(t *testing.T) {
	b := NewBus(16)
	rec := &Recorder{}
	b.Subscribe(SubscriberFunc{ID: "rec", Fn: func(_ context.Context, e Event) error {
		rec.Emit(e)
		return nil
	}})

	b.Emit(ProfileReset{UserID: "u1", At: at})
	b.Emit(ProfileReset{UserID: "u2", At: at})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := len(rec.Events()); n != 2 {
		t.Errorf("flushed %d events, want 2", n)
	}
}

func waitOrFail(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscriber")
	}
}

func TestEnvelope_RoundTrip(t *testing.T) {
	evs := []Event{
		Decision{UserID: "u1", TransactionID: "t1", Decision: gates.Decision{Reason: gates.ReasonDailyCap, BlockedBy: gates.GateFrequency}, At: at},
		Delivered{Intervention: core.Intervention{ID: "i1", UserID: "u1", Behavior: core.BehaviorEndOfMonth}, At: at},
		Response{UserID: "u1", InterventionID: "i1", Response: core.ResponseIgnored, Action: "withdraw", At: at},
		StateChanged{UserID: "u1", From: core.StateActive, To: core.StateCooldown, Cause: "delivered", At: at},
		StreakBroken{UserID: "u1", Reason: core.StreakBreakRelapse, PreviousStreak: 5, At: at},
		Exposure{UserID: "u1", ExperimentID: "e", VariantID: "v", At: at},
	}

	for _, e := range evs {
		t.Run(string(e.Type()), func(t *testing.T) {
			env, err := Encode(e)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if env.UserID != "u1" || !env.At.Equal(at) {
				t.Errorf("envelope header = %+v", env)
			}
			back, err := env.Decode()
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if back.Type() != e.Type() || back.User() != e.User() {
				t.Errorf("decoded %+v, want %+v", back, e)
			}
		})
	}

	if _, err := (Envelope{Type: "bogus"}).Decode(); !errors.Is(err, core.ErrInvalidInput) {
		t.Errorf("unknown type error = %v", err)
	}
}

type fakeTracker struct {
	calls []string
	err   error
}

func (f *fakeTracker) Track(_ context.Context, userID, experimentID, variantID string, _ map[string]interface{}) error {
	f.calls = append(f.calls, userID+"/"+experimentID+"/"+variantID)
	return f.err
}

func TestTrackerSubscriber(t *testing.T) {
	ft := &fakeTracker{}
	s := NewTrackerSubscriber(ft, "")
	ctx := context.Background()

	_ = s.Handle(ctx, Delivered{Intervention: core.Intervention{UserID: "u1", MessageKey: "k.0"}, At: at})
	_ = s.Handle(ctx, Exposure{UserID: "u1", ExperimentID: "paywall", VariantID: "b", At: at})
	_ = s.Handle(ctx, ProfileReset{UserID: "u1", At: at})

	want := []string{"u1/intervention_messages/k.0", "u1/paywall/b"}
	if len(ft.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", ft.calls, want)
	}
	for i := range want {
		if ft.calls[i] != want[i] {
			t.Errorf("call %d = %s, want %s", i, ft.calls[i], want[i])
		}
	}
}
