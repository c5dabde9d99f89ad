package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quantumlife/spendcoach/internal/core"
)

// RedisConfig configures the remote backend
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	DB       int    `json:"db" yaml:"db"`
	Prefix   string `json:"prefix" yaml:"prefix"` // key prefix, default "bie"
}

// RedisRepository implements Store on Redis.
//
// Key layout, with prefix p:
//
//	p:profile:{user}        profile JSON
//	p:users                 set of user ids with a profile
//	p:intervention:{id}     intervention record JSON
//	p:interventions:{user}  zset of intervention ids by delivery time
//	p:win:{id}              win JSON
//	p:wins:{user}           zset of win ids by detection time
//	p:tx:{user}             zset of transaction JSON by occurrence time
//	p:txids:{user}          set of seen transaction ids
type RedisRepository struct {
	rdb    redis.UniversalClient
	prefix string
}

// OpenRedis connects to Redis and verifies the connection
func OpenRedis(ctx context.Context, cfg RedisConfig) (*RedisRepository, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, fmt.Errorf("%w: redis addr", core.ErrMissingRequired)
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisRepository(rdb, cfg.Prefix), nil
}

// NewRedisRepository wraps an existing client
func NewRedisRepository(rdb redis.UniversalClient, prefix string) *RedisRepository {
	if prefix == "" {
		prefix = "bie"
	}
	return &RedisRepository{rdb: rdb, prefix: prefix}
}

func (r *RedisRepository) key(parts ...string) string {
	return r.prefix + ":" + strings.Join(parts, ":")
}

func score(t time.Time) float64 {
	return float64(t.UnixMicro())
}

// GetProfile implements ProfileRepository
func (r *RedisRepository) GetProfile(ctx context.Context, userID string) (*core.Profile, error) {
	raw, err := r.rdb.Get(ctx, r.key("profile", userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	var p core.Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode profile %s: %w", userID, err)
	}
	return &p, nil
}

// SaveProfile implements ProfileRepository
func (r *RedisRepository) SaveProfile(ctx context.Context, p *core.Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.key("profile", p.UserID), data, 0)
		pipe.SAdd(ctx, r.key("users"), p.UserID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	return nil
}

// AppendIntervention implements ProfileRepository
func (r *RedisRepository) AppendIntervention(ctx context.Context, rec core.InterventionRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("%w: intervention id", core.ErrMissingRequired)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode intervention: %w", err)
	}
	created, err := r.rdb.SetNX(ctx, r.key("intervention", rec.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("append intervention: %w", err)
	}
	if !created {
		return nil
	}
	err = r.rdb.ZAdd(ctx, r.key("interventions", rec.UserID), redis.Z{
		Score:  score(rec.DeliveredAt),
		Member: rec.ID,
	}).Err()
	if err != nil {
		return fmt.Errorf("index intervention: %w", err)
	}
	return nil
}

// GetIntervention implements ProfileRepository
func (r *RedisRepository) GetIntervention(ctx context.Context, id string) (*core.InterventionRecord, error) {
	raw, err := r.rdb.Get(ctx, r.key("intervention", id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, core.ErrInterventionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get intervention: %w", err)
	}
	var rec core.InterventionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode intervention %s: %w", id, err)
	}
	return &rec, nil
}

// RecentInterventions implements ProfileRepository
func (r *RedisRepository) RecentInterventions(ctx context.Context, userID string, since time.Time) ([]core.InterventionRecord, error) {
	ids, err := r.rdb.ZRangeByScore(ctx, r.key("interventions", userID), &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMicro(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("query interventions: %w", err)
	}

	out := make([]core.InterventionRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := r.GetIntervention(ctx, id)
		if errors.Is(err, core.ErrInterventionNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, nil
}

// SetInterventionResponse implements ProfileRepository. The check and the
// write run under WATCH so the response is recorded at most once.
func (r *RedisRepository) SetInterventionResponse(ctx context.Context, id string, resp core.Response, at time.Time) error {
	key := r.key("intervention", id)
	err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return core.ErrInterventionNotFound
		}
		if err != nil {
			return err
		}
		var rec core.InterventionRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		if rec.UserResponse != "" {
			return core.ErrResponseAlreadyRecorded
		}
		rec.UserResponse = resp
		rec.RespondedAt = core.TimePtr(at)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		// A concurrent writer got there first
		return core.ErrResponseAlreadyRecorded
	}
	return err
}

// AppendWin implements ProfileRepository
func (r *RedisRepository) AppendWin(ctx context.Context, w core.Win) error {
	if w.ID == "" {
		return fmt.Errorf("%w: win id", core.ErrMissingRequired)
	}
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("encode win: %w", err)
	}
	created, err := r.rdb.SetNX(ctx, r.key("win", w.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("append win: %w", err)
	}
	if !created {
		return nil
	}
	err = r.rdb.ZAdd(ctx, r.key("wins", w.UserID), redis.Z{Score: score(w.DetectedAt), Member: w.ID}).Err()
	if err != nil {
		return fmt.Errorf("index win: %w", err)
	}
	return nil
}

// GetWin implements ProfileRepository
func (r *RedisRepository) GetWin(ctx context.Context, id string) (*core.Win, error) {
	raw, err := r.rdb.Get(ctx, r.key("win", id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, core.ErrWinNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get win: %w", err)
	}
	var w core.Win
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decode win %s: %w", id, err)
	}
	return &w, nil
}

// ListWins implements ProfileRepository
func (r *RedisRepository) ListWins(ctx context.Context, userID string) ([]core.Win, error) {
	ids, err := r.rdb.ZRange(ctx, r.key("wins", userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("query wins: %w", err)
	}
	out := make([]core.Win, 0, len(ids))
	for _, id := range ids {
		w, err := r.GetWin(ctx, id)
		if errors.Is(err, core.ErrWinNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, nil
}

// MarkWinCelebrated implements ProfileRepository
func (r *RedisRepository) MarkWinCelebrated(ctx context.Context, winID string, at time.Time) (bool, error) {
	key := r.key("win", winID)
	changed := false
	err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return core.ErrWinNotFound
		}
		if err != nil {
			return err
		}
		var w core.Win
		if err := json.Unmarshal(raw, &w); err != nil {
			return err
		}
		if w.Celebrated {
			return nil
		}
		w.Celebrated = true
		w.CelebratedAt = core.TimePtr(at)
		data, err := json.Marshal(w)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		if err == nil {
			changed = true
		}
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return changed, nil
}

// ListUserIDs implements ProfileRepository
func (r *RedisRepository) ListUserIDs(ctx context.Context) ([]string, error) {
	ids, err := r.rdb.SMembers(ctx, r.key("users")).Result()
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// AppendTransaction implements TransactionStore
func (r *RedisRepository) AppendTransaction(ctx context.Context, tx core.Transaction) error {
	if err := validateTransaction(tx); err != nil {
		return err
	}
	added, err := r.rdb.SAdd(ctx, r.key("txids", tx.UserID), tx.ID).Result()
	if err != nil {
		return fmt.Errorf("append transaction: %w", err)
	}
	if added == 0 {
		return nil
	}
	data, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("encode transaction: %w", err)
	}
	err = r.rdb.ZAdd(ctx, r.key("tx", tx.UserID), redis.Z{Score: score(tx.OccurredAt), Member: string(data)}).Err()
	if err != nil {
		return fmt.Errorf("append transaction: %w", err)
	}
	return nil
}

// RecentTransactions implements TransactionSource
func (r *RedisRepository) RecentTransactions(ctx context.Context, userID string, limit int) ([]core.Transaction, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	members, err := r.rdb.ZRevRange(ctx, r.key("tx", userID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}

	out := make([]core.Transaction, len(members))
	for i, m := range members {
		var tx core.Transaction
		if err := json.Unmarshal([]byte(m), &tx); err != nil {
			return nil, fmt.Errorf("decode transaction: %w", err)
		}
		// Newest first from Redis, oldest first for callers
		out[len(members)-1-i] = tx
	}
	return out, nil
}

// Close closes the client
func (r *RedisRepository) Close() error {
	return r.rdb.Close()
}

var _ Store = (*RedisRepository)(nil)
