package storage

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/quantumlife/spendcoach/internal/core"
)

// testDB creates an in-memory database for testing
func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(Config{InMemory: true})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate test database: %v", err)
	}
	return db
}

func testRedis(t *testing.T) *RedisRepository {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisRepository(rdb, "test")
}

// =============================================================================
// DB Tests
// =============================================================================

func TestDB_Open_InMemory(t *testing.T) {
	db, err := Open(Config{InMemory: true})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()

	if db.conn == nil {
		t.Error("db.conn should not be nil")
	}
	if !db.isMemory || db.Path() != "" {
		t.Errorf("in-memory database: isMemory=%v Path()=%q", db.isMemory, db.Path())
	}
}

func TestDB_Open_RequiresPath(t *testing.T) {
	if _, err := Open(Config{}); err == nil {
		t.Error("Open() without a path should fail")
	}
}

func TestDB_Open_File(t *testing.T) {
	path := t.TempDir() + "/nested/coach.db"

	db, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()

	if db.isMemory {
		t.Error("db.isMemory should be false for file database")
	}
	if db.Path() != path {
		t.Errorf("Path() = %v, want %v", db.Path(), path)
	}

	var busy int
	if err := db.conn.QueryRow("PRAGMA busy_timeout").Scan(&busy); err != nil {
		t.Fatalf("read busy_timeout: %v", err)
	}
	if busy != DefaultBusyTimeoutMS {
		t.Errorf("busy_timeout = %d, want %d", busy, DefaultBusyTimeoutMS)
	}
}

func TestDB_InMemoryIsolated(t *testing.T) {
	a := testDB(t)
	b := testDB(t)
	ctx := context.Background()

	if err := NewSQLiteRepository(a).SaveProfile(ctx, core.NewProfile("u1", time.Now())); err != nil {
		t.Fatalf("SaveProfile: %v", err)
	}
	ids, err := NewSQLiteRepository(b).ListUserIDs(ctx)
	if err != nil {
		t.Fatalf("ListUserIDs: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("second in-memory database sees %v", ids)
	}
}

func TestDB_Transaction(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	insert := func(tx *sql.Tx, id string) error {
		_, err := tx.Exec(`INSERT INTO transactions (id, user_id, merchant, amount, occurred_at) VALUES (?, 'u1', 'Cafe', 4.5, ?)`,
			id, formatTime(time.Now()))
		return err
	}

	if err := db.Transaction(ctx, func(tx *sql.Tx) error { return insert(tx, "commit") }); err != nil {
		t.Fatalf("Transaction() error = %v", err)
	}
	err := db.Transaction(ctx, func(tx *sql.Tx) error {
		insert(tx, "rollback")
		return sql.ErrNoRows // trigger rollback
	})
	if err == nil {
		t.Error("Transaction() should return error when function returns error")
	}

	func() {
		defer func() {
			if recover() == nil {
				t.Error("Transaction() swallowed a panic")
			}
		}()
		db.Transaction(ctx, func(tx *sql.Tx) error {
			insert(tx, "panic")
			panic("boom")
		})
	}()

	var count int
	db.conn.QueryRow("SELECT COUNT(*) FROM transactions").Scan(&count)
	if count != 1 {
		t.Errorf("rows = %d, want only the committed insert", count)
	}
}

func TestDB_Stats(t *testing.T) {
	db := testDB(t)
	repo := NewSQLiteRepository(db)
	ctx := context.Background()

	if err := repo.SaveProfile(ctx, core.NewProfile("u1", base)); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"a", "b"} {
		if err := repo.AppendIntervention(ctx, record(id, base)); err != nil {
			t.Fatal(err)
		}
	}
	if err := repo.SetInterventionResponse(ctx, "a", core.ResponseEngaged, base); err != nil {
		t.Fatal(err)
	}

	got, err := db.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	want := Stats{Profiles: 1, Interventions: 2, Responded: 1}
	if got != want {
		t.Errorf("Stats() = %+v, want %+v", got, want)
	}
}

func TestDB_Migrate(t *testing.T) {
	db, err := Open(Config{InMemory: true})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()
	ctx := context.Background()

	if err := db.Migrate(ctx); err != nil {
		t.Errorf("Migrate() error = %v", err)
	}
	// Running migrate again should be idempotent
	if err := db.Migrate(ctx); err != nil {
		t.Errorf("Migrate() second run error = %v", err)
	}

	tables := []string{"profiles", "interventions", "wins", "transactions", "ledger", "_migrations"}
	for _, table := range tables {
		var count int
		err := db.conn.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if err != nil {
			t.Errorf("checking table %s: %v", table, err)
		}
		if count == 0 {
			t.Errorf("table %s should exist after migration", table)
		}
	}
}

func TestParseBackend(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", BackendSQLite, false},
		{"Redis", BackendRedis, false},
		{" memory ", BackendMemory, false},
		{"postgres", "", true},
	}
	for _, tt := range tests {
		got, err := ParseBackend(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseBackend(%q) error = %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseBackend(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// =============================================================================
// Repository contract, run against every backend
// =============================================================================

func backends(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryRepository() },
		"sqlite": func(t *testing.T) Store { return NewSQLiteRepository(testDB(t)) },
		"redis":  func(t *testing.T) Store { return testRedis(t) },
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			fn(t, open(t))
		})
	}
}

var base = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func TestRepository_Profile(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		got, err := s.GetProfile(ctx, "missing")
		if err != nil || got != nil {
			t.Fatalf("GetProfile(missing) = %v, %v; want nil, nil", got, err)
		}

		p := core.NewProfile("u1", base)
		p.UserState = core.StateActive
		p.ActiveBehavior = core.BehaviorStressSpending
		p.ActiveBehaviorIntensity = 0.8
		p.Confidence = core.Scores{StressSpending: 0.8, EndOfMonth: 0.1}
		p.CooldownEndsAt = core.TimePtr(base.Add(24 * time.Hour))
		p.VariantCursor = map[core.Behavior]int{core.BehaviorStressSpending: 2}
		p.RecentMessageKeys = []string{"a", "b"}

		if err := s.SaveProfile(ctx, p); err != nil {
			t.Fatalf("SaveProfile: %v", err)
		}
		got, err = s.GetProfile(ctx, "u1")
		if err != nil {
			t.Fatalf("GetProfile: %v", err)
		}
		if got.ActiveBehavior != core.BehaviorStressSpending || got.Confidence != p.Confidence {
			t.Errorf("profile round trip lost data: %+v", got)
		}
		if got.CooldownEndsAt == nil || !got.CooldownEndsAt.Equal(*p.CooldownEndsAt) {
			t.Errorf("CooldownEndsAt = %v", got.CooldownEndsAt)
		}
		if got.VariantCursor[core.BehaviorStressSpending] != 2 {
			t.Errorf("VariantCursor = %v", got.VariantCursor)
		}

		// Returned profiles are copies
		got.TotalWins = 99
		again, _ := s.GetProfile(ctx, "u1")
		if again.TotalWins == 99 {
			t.Error("mutating a loaded profile changed the stored one")
		}

		bad := core.NewProfile("u2", base)
		bad.ActiveBehavior = core.BehaviorEndOfMonth // observing with a behavior
		if err := s.SaveProfile(ctx, bad); !errors.Is(err, core.ErrInvalidInput) {
			t.Errorf("SaveProfile(invalid) error = %v", err)
		}

		s.SaveProfile(ctx, core.NewProfile("a0", base))
		ids, err := s.ListUserIDs(ctx)
		if err != nil {
			t.Fatalf("ListUserIDs: %v", err)
		}
		if len(ids) != 2 || ids[0] != "a0" || ids[1] != "u1" {
			t.Errorf("ListUserIDs = %v", ids)
		}
	})
}

func record(id string, at time.Time) core.InterventionRecord {
	return core.InterventionRecord{
		ID:               id,
		UserID:           "u1",
		Behavior:         core.BehaviorSmallRecurring,
		InterventionType: core.InterventionAwareness,
		MessageKey:       "small_recurring.awareness.recurring_charge.0",
		Confidence:       0.7,
		TransactionID:    "tx-" + id,
		DeliveredAt:      at,
	}
}

func TestRepository_Interventions(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		for i, id := range []string{"i1", "i2", "i3"} {
			if err := s.AppendIntervention(ctx, record(id, base.Add(time.Duration(i)*time.Hour))); err != nil {
				t.Fatalf("AppendIntervention(%s): %v", id, err)
			}
		}
		// Duplicate delivery is a no-op
		dup := record("i1", base.Add(10*time.Hour))
		if err := s.AppendIntervention(ctx, dup); err != nil {
			t.Fatalf("duplicate AppendIntervention: %v", err)
		}

		recent, err := s.RecentInterventions(ctx, "u1", base.Add(time.Hour))
		if err != nil {
			t.Fatalf("RecentInterventions: %v", err)
		}
		if len(recent) != 2 || recent[0].ID != "i2" || recent[1].ID != "i3" {
			t.Errorf("RecentInterventions = %+v", recent)
		}

		got, err := s.GetIntervention(ctx, "i1")
		if err != nil {
			t.Fatalf("GetIntervention: %v", err)
		}
		if !got.DeliveredAt.Equal(base) {
			t.Errorf("duplicate append overwrote DeliveredAt: %v", got.DeliveredAt)
		}

		if err := s.SetInterventionResponse(ctx, "i1", core.ResponseIgnored, base.Add(2*time.Hour)); err != nil {
			t.Fatalf("SetInterventionResponse: %v", err)
		}
		err = s.SetInterventionResponse(ctx, "i1", core.ResponseEngaged, base.Add(3*time.Hour))
		if !errors.Is(err, core.ErrResponseAlreadyRecorded) {
			t.Errorf("second response error = %v", err)
		}
		got, _ = s.GetIntervention(ctx, "i1")
		if got.UserResponse != core.ResponseIgnored || got.RespondedAt == nil {
			t.Errorf("response = %q at %v", got.UserResponse, got.RespondedAt)
		}

		if _, err := s.GetIntervention(ctx, "nope"); !errors.Is(err, core.ErrInterventionNotFound) {
			t.Errorf("GetIntervention(missing) error = %v", err)
		}
		if err := s.SetInterventionResponse(ctx, "nope", core.ResponseEngaged, base); !errors.Is(err, core.ErrInterventionNotFound) {
			t.Errorf("SetInterventionResponse(missing) error = %v", err)
		}
	})
}

func TestRepository_ResponseRecordedOnce_Concurrent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if err := s.AppendIntervention(ctx, record("i1", base)); err != nil {
			t.Fatalf("AppendIntervention: %v", err)
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		ok := 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := s.SetInterventionResponse(ctx, "i1", core.ResponseEngaged, base); err == nil {
					mu.Lock()
					ok++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if ok != 1 {
			t.Errorf("%d responses accepted, want exactly 1", ok)
		}
	})
}

func TestRepository_Wins(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		streak := 5
		pct := 40.0

		w1 := core.Win{ID: "w1", UserID: "u1", BehaviorType: core.BehaviorStressSpending, WinType: core.WinReducedFrequency,
			Message: "fewer late-night buys", StreakDays: &streak, DetectedAt: base}
		w2 := core.Win{ID: "w2", UserID: "u1", BehaviorType: core.BehaviorEndOfMonth, WinType: core.WinReducedSpend,
			Message: "spent less", ImprovementPercent: &pct, DetectedAt: base.Add(time.Hour)}

		for _, w := range []core.Win{w2, w1, w1} {
			if err := s.AppendWin(ctx, w); err != nil {
				t.Fatalf("AppendWin(%s): %v", w.ID, err)
			}
		}

		wins, err := s.ListWins(ctx, "u1")
		if err != nil {
			t.Fatalf("ListWins: %v", err)
		}
		if len(wins) != 2 || wins[0].ID != "w1" || wins[1].ID != "w2" {
			t.Fatalf("ListWins = %+v", wins)
		}
		if wins[0].StreakDays == nil || *wins[0].StreakDays != 5 || wins[0].ImprovementPercent != nil {
			t.Errorf("w1 optional fields = %v / %v", wins[0].StreakDays, wins[0].ImprovementPercent)
		}
		if wins[1].ImprovementPercent == nil || *wins[1].ImprovementPercent != 40 {
			t.Errorf("w2 ImprovementPercent = %v", wins[1].ImprovementPercent)
		}

		changed, err := s.MarkWinCelebrated(ctx, "w1", base.Add(2*time.Hour))
		if err != nil || !changed {
			t.Fatalf("first MarkWinCelebrated = %v, %v", changed, err)
		}
		changed, err = s.MarkWinCelebrated(ctx, "w1", base.Add(3*time.Hour))
		if err != nil || changed {
			t.Errorf("second MarkWinCelebrated = %v, %v; want false, nil", changed, err)
		}
		got, _ := s.GetWin(ctx, "w1")
		if !got.Celebrated || got.CelebratedAt == nil || !got.CelebratedAt.Equal(base.Add(2*time.Hour)) {
			t.Errorf("celebrated win = %+v", got)
		}

		if _, err := s.MarkWinCelebrated(ctx, "nope", base); !errors.Is(err, core.ErrWinNotFound) {
			t.Errorf("MarkWinCelebrated(missing) error = %v", err)
		}
		if _, err := s.GetWin(ctx, "nope"); !errors.Is(err, core.ErrWinNotFound) {
			t.Errorf("GetWin(missing) error = %v", err)
		}
	})
}

func TestRepository_Transactions(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		// Appended out of order on purpose
		for _, i := range []int{3, 0, 4, 1, 2} {
			tx := core.Transaction{
				ID:         "t" + string(rune('0'+i)),
				UserID:     "u1",
				Merchant:   "Corner Cafe",
				Category:   "dining",
				Amount:     float64(i + 1),
				OccurredAt: base.Add(time.Duration(i) * time.Hour),
			}
			if err := s.AppendTransaction(ctx, tx); err != nil {
				t.Fatalf("AppendTransaction: %v", err)
			}
			if err := s.AppendTransaction(ctx, tx); err != nil {
				t.Fatalf("duplicate AppendTransaction: %v", err)
			}
		}
		s.AppendTransaction(ctx, core.Transaction{ID: "other", UserID: "u2", Merchant: "x", Amount: 1, OccurredAt: base})

		txs, err := s.RecentTransactions(ctx, "u1", 3)
		if err != nil {
			t.Fatalf("RecentTransactions: %v", err)
		}
		if len(txs) != 3 {
			t.Fatalf("got %d transactions, want 3", len(txs))
		}
		for i, want := range []string{"t2", "t3", "t4"} {
			if txs[i].ID != want {
				t.Errorf("txs[%d] = %s, want %s", i, txs[i].ID, want)
			}
		}
		if !txs[0].OccurredAt.Equal(base.Add(2*time.Hour)) || txs[0].Category != "dining" {
			t.Errorf("transaction round trip = %+v", txs[0])
		}

		all, _ := s.RecentTransactions(ctx, "u1", 0)
		if len(all) != 5 {
			t.Errorf("unlimited RecentTransactions = %d, want 5", len(all))
		}

		if err := s.AppendTransaction(ctx, core.Transaction{UserID: "u1"}); !errors.Is(err, core.ErrMissingRequired) {
			t.Errorf("AppendTransaction(no id) error = %v", err)
		}
	})
}

func TestOpenBackend_Memory(t *testing.T) {
	s, err := OpenBackend(context.Background(), BackendConfig{Backend: "memory"})
	if err != nil {
		t.Fatalf("OpenBackend: %v", err)
	}
	defer s.Close()
	if _, ok := s.(*MemoryRepository); !ok {
		t.Errorf("OpenBackend(memory) = %T", s)
	}
}

func TestOpenBackend_SQLiteFile(t *testing.T) {
	path := t.TempDir() + "/coach.db"
	s, err := OpenBackend(context.Background(), BackendConfig{Backend: "sqlite", SQLite: Config{Path: path}})
	if err != nil {
		t.Fatalf("OpenBackend: %v", err)
	}
	defer s.Close()
	if err := s.SaveProfile(context.Background(), core.NewProfile("u1", base)); err != nil {
		t.Errorf("SaveProfile: %v", err)
	}
}

func TestOpenRedis_RequiresAddr(t *testing.T) {
	if _, err := OpenRedis(context.Background(), RedisConfig{}); !errors.Is(err, core.ErrMissingRequired) {
		t.Errorf("OpenRedis() error = %v", err)
	}
}
