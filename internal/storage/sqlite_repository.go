package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/quantumlife/spendcoach/internal/core"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// SQLiteRepository implements Store on the local SQLite database
type SQLiteRepository struct {
	db *DB
}

// NewSQLiteRepository wraps a migrated database
func NewSQLiteRepository(db *DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// DB returns the underlying database
func (r *SQLiteRepository) DB() *DB {
	return r.db
}

// GetProfile implements ProfileRepository
func (r *SQLiteRepository) GetProfile(ctx context.Context, userID string) (*core.Profile, error) {
	var data string
	err := r.db.conn.QueryRowContext(ctx, `SELECT data FROM profiles WHERE user_id = ?`, userID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}

	var p core.Profile
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("decode profile %s: %w", userID, err)
	}
	return &p, nil
}

// SaveProfile implements ProfileRepository
func (r *SQLiteRepository) SaveProfile(ctx context.Context, p *core.Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}

	_, err = r.db.conn.ExecContext(ctx, `
		INSERT INTO profiles (user_id, user_state, data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			user_state = excluded.user_state,
			data = excluded.data,
			updated_at = excluded.updated_at
	`, p.UserID, string(p.UserState), string(data), formatTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	return nil
}

// AppendIntervention implements ProfileRepository
func (r *SQLiteRepository) AppendIntervention(ctx context.Context, rec core.InterventionRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("%w: intervention id", core.ErrMissingRequired)
	}
	_, err := r.db.conn.ExecContext(ctx, `
		INSERT OR IGNORE INTO interventions
			(id, user_id, behavior, intervention_type, message_key, confidence, transaction_id, delivered_at, user_response, responded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.UserID, string(rec.Behavior), string(rec.InterventionType), rec.MessageKey,
		rec.Confidence, rec.TransactionID, formatTime(rec.DeliveredAt),
		sql.NullString{String: string(rec.UserResponse), Valid: rec.UserResponse != ""}, nullTime(rec.RespondedAt))
	if err != nil {
		return fmt.Errorf("append intervention: %w", err)
	}
	return nil
}

const interventionColumns = `id, user_id, behavior, intervention_type, message_key, confidence, transaction_id, delivered_at, user_response, responded_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanIntervention(row rowScanner) (*core.InterventionRecord, error) {
	var rec core.InterventionRecord
	var behavior, itype, deliveredAt string
	var txID, response, respondedAt sql.NullString

	err := row.Scan(&rec.ID, &rec.UserID, &behavior, &itype, &rec.MessageKey, &rec.Confidence,
		&txID, &deliveredAt, &response, &respondedAt)
	if err != nil {
		return nil, err
	}

	rec.Behavior = core.Behavior(behavior)
	rec.InterventionType = core.InterventionType(itype)
	rec.TransactionID = txID.String
	rec.UserResponse = core.Response(response.String)
	if rec.DeliveredAt, err = parseTime(deliveredAt); err != nil {
		return nil, err
	}
	if rec.RespondedAt, err = parseNullTime(respondedAt); err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetIntervention implements ProfileRepository
func (r *SQLiteRepository) GetIntervention(ctx context.Context, id string) (*core.InterventionRecord, error) {
	row := r.db.conn.QueryRowContext(ctx, `SELECT `+interventionColumns+` FROM interventions WHERE id = ?`, id)
	rec, err := scanIntervention(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrInterventionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get intervention: %w", err)
	}
	return rec, nil
}

// RecentInterventions implements ProfileRepository
func (r *SQLiteRepository) RecentInterventions(ctx context.Context, userID string, since time.Time) ([]core.InterventionRecord, error) {
	rows, err := r.db.conn.QueryContext(ctx, `
		SELECT `+interventionColumns+` FROM interventions
		WHERE user_id = ? AND delivered_at >= ?
		ORDER BY delivered_at ASC, id ASC
	`, userID, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("query interventions: %w", err)
	}
	defer rows.Close()

	var out []core.InterventionRecord
	for rows.Next() {
		rec, err := scanIntervention(rows)
		if err != nil {
			return nil, fmt.Errorf("scan intervention: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// SetInterventionResponse implements ProfileRepository
func (r *SQLiteRepository) SetInterventionResponse(ctx context.Context, id string, resp core.Response, at time.Time) error {
	res, err := r.db.conn.ExecContext(ctx, `
		UPDATE interventions SET user_response = ?, responded_at = ?
		WHERE id = ? AND (user_response IS NULL OR user_response = '')
	`, string(resp), formatTime(at), id)
	if err != nil {
		return fmt.Errorf("set intervention response: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	// Nothing updated: either missing or already answered
	if _, err := r.GetIntervention(ctx, id); err != nil {
		return err
	}
	return core.ErrResponseAlreadyRecorded
}

// AppendWin implements ProfileRepository
func (r *SQLiteRepository) AppendWin(ctx context.Context, w core.Win) error {
	if w.ID == "" {
		return fmt.Errorf("%w: win id", core.ErrMissingRequired)
	}
	var streak sql.NullInt64
	if w.StreakDays != nil {
		streak = sql.NullInt64{Int64: int64(*w.StreakDays), Valid: true}
	}
	var pct sql.NullFloat64
	if w.ImprovementPercent != nil {
		pct = sql.NullFloat64{Float64: *w.ImprovementPercent, Valid: true}
	}

	_, err := r.db.conn.ExecContext(ctx, `
		INSERT OR IGNORE INTO wins
			(id, user_id, behavior_type, win_type, message, streak_days, improvement_percent, celebrated, celebrated_at, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, w.ID, w.UserID, string(w.BehaviorType), string(w.WinType), w.Message, streak, pct,
		w.Celebrated, nullTime(w.CelebratedAt), formatTime(w.DetectedAt))
	if err != nil {
		return fmt.Errorf("append win: %w", err)
	}
	return nil
}

const winColumns = `id, user_id, behavior_type, win_type, message, streak_days, improvement_percent, celebrated, celebrated_at, detected_at`

func scanWin(row rowScanner) (*core.Win, error) {
	var w core.Win
	var behavior, winType, detectedAt string
	var streak sql.NullInt64
	var pct sql.NullFloat64
	var celebratedAt sql.NullString

	err := row.Scan(&w.ID, &w.UserID, &behavior, &winType, &w.Message, &streak, &pct,
		&w.Celebrated, &celebratedAt, &detectedAt)
	if err != nil {
		return nil, err
	}

	w.BehaviorType = core.Behavior(behavior)
	w.WinType = core.WinType(winType)
	if streak.Valid {
		v := int(streak.Int64)
		w.StreakDays = &v
	}
	if pct.Valid {
		v := pct.Float64
		w.ImprovementPercent = &v
	}
	if w.CelebratedAt, err = parseNullTime(celebratedAt); err != nil {
		return nil, err
	}
	if w.DetectedAt, err = parseTime(detectedAt); err != nil {
		return nil, err
	}
	return &w, nil
}

// GetWin implements ProfileRepository
func (r *SQLiteRepository) GetWin(ctx context.Context, id string) (*core.Win, error) {
	w, err := scanWin(r.db.conn.QueryRowContext(ctx, `SELECT `+winColumns+` FROM wins WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrWinNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get win: %w", err)
	}
	return w, nil
}

// ListWins implements ProfileRepository
func (r *SQLiteRepository) ListWins(ctx context.Context, userID string) ([]core.Win, error) {
	rows, err := r.db.conn.QueryContext(ctx, `
		SELECT `+winColumns+` FROM wins WHERE user_id = ?
		ORDER BY detected_at ASC, id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query wins: %w", err)
	}
	defer rows.Close()

	var out []core.Win
	for rows.Next() {
		w, err := scanWin(rows)
		if err != nil {
			return nil, fmt.Errorf("scan win: %w", err)
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

// MarkWinCelebrated implements ProfileRepository
func (r *SQLiteRepository) MarkWinCelebrated(ctx context.Context, winID string, at time.Time) (bool, error) {
	res, err := r.db.conn.ExecContext(ctx, `
		UPDATE wins SET celebrated = 1, celebrated_at = ?
		WHERE id = ? AND celebrated = 0
	`, formatTime(at), winID)
	if err != nil {
		return false, fmt.Errorf("mark win celebrated: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}
	if _, err := r.GetWin(ctx, winID); err != nil {
		return false, err
	}
	return false, nil
}

// ListUserIDs implements ProfileRepository
func (r *SQLiteRepository) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.conn.QueryContext(ctx, `SELECT user_id FROM profiles ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AppendTransaction implements TransactionStore
func (r *SQLiteRepository) AppendTransaction(ctx context.Context, tx core.Transaction) error {
	if err := validateTransaction(tx); err != nil {
		return err
	}
	_, err := r.db.conn.ExecContext(ctx, `
		INSERT OR IGNORE INTO transactions (id, user_id, merchant, category, amount, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, tx.ID, tx.UserID, tx.Merchant, tx.Category, tx.Amount, formatTime(tx.OccurredAt))
	if err != nil {
		return fmt.Errorf("append transaction: %w", err)
	}
	return nil
}

// RecentTransactions implements TransactionSource
func (r *SQLiteRepository) RecentTransactions(ctx context.Context, userID string, limit int) ([]core.Transaction, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.conn.QueryContext(ctx, `
		SELECT id, user_id, merchant, category, amount, occurred_at FROM (
			SELECT * FROM transactions WHERE user_id = ?
			ORDER BY occurred_at DESC, id DESC LIMIT ?
		) ORDER BY occurred_at ASC, id ASC
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []core.Transaction
	for rows.Next() {
		var tx core.Transaction
		var category sql.NullString
		var occurredAt string
		if err := rows.Scan(&tx.ID, &tx.UserID, &tx.Merchant, &category, &tx.Amount, &occurredAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		tx.Category = category.String
		if tx.OccurredAt, err = parseTime(occurredAt); err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// Close closes the underlying database
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

var _ Store = (*SQLiteRepository)(nil)
