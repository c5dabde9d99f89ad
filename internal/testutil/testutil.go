// Package testutil provides shared testing utilities for spendcoach.
package testutil

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/quantumlife/spendcoach/internal/storage"
)

// TestDB creates a migrated in-memory SQLite database, closed when the
// test completes.
func TestDB(t *testing.T) *storage.DB {
	t.Helper()

	db, err := storage.Open(storage.Config{InMemory: true})
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

// TestRepository returns a SQLite repository backed by TestDB.
func TestRepository(t *testing.T) *storage.SQLiteRepository {
	t.Helper()
	return storage.NewSQLiteRepository(TestDB(t))
}

// TestRedis returns a Redis repository on a throwaway miniredis server.
func TestRedis(t *testing.T) *storage.RedisRepository {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return storage.NewRedisRepository(rdb, "test")
}

// ForEachStore runs fn against a fresh store of every backend.
func ForEachStore(t *testing.T, fn func(t *testing.T, s storage.Store)) {
	t.Helper()
	stores := map[string]func(*testing.T) storage.Store{
		storage.BackendMemory: func(*testing.T) storage.Store { return storage.NewMemoryRepository() },
		storage.BackendSQLite: func(t *testing.T) storage.Store { return TestRepository(t) },
		storage.BackendRedis:  func(t *testing.T) storage.Store { return TestRedis(t) },
	}
	names := make([]string, 0, len(stores))
	for name := range stores {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		open := stores[name]
		t.Run(name, func(t *testing.T) {
			fn(t, open(t))
		})
	}
}

// TestContext returns a context that times out after 30s and is cancelled
// when the test completes.
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}
