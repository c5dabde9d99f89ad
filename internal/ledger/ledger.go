// Package ledger provides a verifiable, append-only audit ledger of engine
// decisions. Every entry is hash-chained to the previous entry, making any
// tampering detectable.
package ledger

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Genesis is the prev_hash of the first entry
const Genesis = "GENESIS:0000000000000000000000000000000000000000000000000000000000000000"

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Schema creates the ledger table. The storage migrations carry the same
// definition; this copy lets the ledger run on a bare database.
const Schema = `
	CREATE TABLE IF NOT EXISTS ledger (
		id          TEXT PRIMARY KEY,
		seq         INTEGER NOT NULL UNIQUE,
		timestamp   TEXT NOT NULL,
		action      TEXT NOT NULL,
		actor       TEXT NOT NULL,
		entity_type TEXT,
		entity_id   TEXT,
		user_id     TEXT,
		details     TEXT,
		prev_hash   TEXT,
		hash        TEXT NOT NULL
	)
`

// Store manages the append-only audit ledger
type Store struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

// NewStore creates a new ledger store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Entry represents an immutable audit log entry
type Entry struct {
	ID         string    `json:"id"`
	Seq        int64     `json:"seq"`
	Timestamp  time.Time `json:"timestamp"`
	Action     string    `json:"action"`      // "decision.suppressed", "intervention.delivered", ...
	Actor      string    `json:"actor"`       // "engine", "user" or "system"
	EntityType string    `json:"entity_type"` // "transaction", "intervention", "win", "profile"
	EntityID   string    `json:"entity_id"`
	UserID     string    `json:"user_id"`
	Details    string    `json:"details"`   // JSON blob
	PrevHash   string    `json:"prev_hash"` // Hash of previous entry (chain)
	Hash       string    `json:"hash"`      // Hash of this entry
}

// Action constants
const (
	ActionDecisionMade          = "decision.made"
	ActionDecisionSuppressed    = "decision.suppressed"
	ActionInterventionDelivered = "intervention.delivered"
	ActionInterventionResponse  = "intervention.response"
	ActionStateChanged          = "state.changed"
	ActionWinDetected           = "win.detected"
	ActionWinCelebrated         = "win.celebrated"
	ActionStreakBroken          = "streak.broken"
	ActionProfileReset          = "profile.reset"
	ActionDetectorFailed        = "detector.failed"
	ActionRecalibrated          = "profile.recalibrated"
)

// ActorType constants
const (
	ActorUser   = "user"
	ActorEngine = "engine"
	ActorSystem = "system"
)

// Record is what callers append; the store fills in the chain fields
type Record struct {
	Action     string
	Actor      string
	EntityType string
	EntityID   string
	UserID     string
	Details    interface{}
}

// Append adds a new entry to the ledger with hash chaining.
// This is the ONLY way to add entries.
func (s *Store) Append(ctx context.Context, rec Record) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var detailsJSON string
	if rec.Details != nil {
		data, err := json.Marshal(rec.Details)
		if err != nil {
			return nil, fmt.Errorf("marshal details: %w", err)
		}
		detailsJSON = string(data)
	}

	prevSeq, prevHash, err := s.last(ctx)
	if err != nil {
		return nil, fmt.Errorf("get last hash: %w", err)
	}

	entry := &Entry{
		ID:         uuid.New().String(),
		Seq:        prevSeq + 1,
		Timestamp:  s.now().UTC(),
		Action:     rec.Action,
		Actor:      rec.Actor,
		EntityType: rec.EntityType,
		EntityID:   rec.EntityID,
		UserID:     rec.UserID,
		Details:    detailsJSON,
		PrevHash:   prevHash,
	}
	entry.Hash = computeHash(entry)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ledger (id, seq, timestamp, action, actor, entity_type, entity_id, user_id, details, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.Seq, entry.Timestamp.Format(timeLayout), entry.Action, entry.Actor,
		entry.EntityType, entry.EntityID, entry.UserID, entry.Details, entry.PrevHash, entry.Hash)
	if err != nil {
		return nil, fmt.Errorf("insert ledger entry: %w", err)
	}

	return entry, nil
}

// last returns the sequence number and hash of the most recent entry
func (s *Store) last(ctx context.Context) (int64, string, error) {
	var seq int64
	var hash sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT seq, hash FROM ledger ORDER BY seq DESC LIMIT 1`).Scan(&seq, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, Genesis, nil
	}
	if err != nil {
		return 0, "", err
	}
	return seq, hash.String, nil
}

// computeHash creates the SHA-256 hash of an entry's canonical representation
func computeHash(entry *Entry) string {
	canonical := struct {
		ID         string `json:"id"`
		Seq        int64  `json:"seq"`
		Timestamp  string `json:"timestamp"`
		Action     string `json:"action"`
		Actor      string `json:"actor"`
		EntityType string `json:"entity_type"`
		EntityID   string `json:"entity_id"`
		UserID     string `json:"user_id"`
		Details    string `json:"details"`
		PrevHash   string `json:"prev_hash"`
	}{
		ID:         entry.ID,
		Seq:        entry.Seq,
		Timestamp:  entry.Timestamp.UTC().Format(timeLayout),
		Action:     entry.Action,
		Actor:      entry.Actor,
		EntityType: entry.EntityType,
		EntityID:   entry.EntityID,
		UserID:     entry.UserID,
		Details:    entry.Details,
		PrevHash:   entry.PrevHash,
	}

	data, _ := json.Marshal(canonical)
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

const selectColumns = `SELECT id, seq, timestamp, action, actor, entity_type, entity_id, user_id, details, prev_hash, hash FROM ledger`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row scanner) (*Entry, error) {
	var entry Entry
	var ts string
	var entityType, entityID, userID, details, prevHash sql.NullString

	err := row.Scan(&entry.ID, &entry.Seq, &ts, &entry.Action, &entry.Actor,
		&entityType, &entityID, &userID, &details, &prevHash, &entry.Hash)
	if err != nil {
		return nil, err
	}
	if entry.Timestamp, err = time.Parse(timeLayout, ts); err != nil {
		return nil, fmt.Errorf("parse timestamp of %s: %w", entry.ID, err)
	}
	entry.EntityType = entityType.String
	entry.EntityID = entityID.String
	entry.UserID = userID.String
	entry.Details = details.String
	entry.PrevHash = prevHash.String
	return &entry, nil
}

// VerifyChain verifies the integrity of the entire ledger chain.
// Returns nil if valid, or a *ChainError describing the first broken link.
func (s *Store) VerifyChain(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY seq ASC`)
	if err != nil {
		return fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	expectedPrevHash := Genesis
	entryNum := 0

	for rows.Next() {
		entryNum++
		entry, err := scanEntry(rows)
		if err != nil {
			return fmt.Errorf("scan entry %d: %w", entryNum, err)
		}

		if entry.PrevHash != expectedPrevHash {
			return &ChainError{
				EntryNum:     entryNum,
				EntryID:      entry.ID,
				ExpectedHash: expectedPrevHash,
				ActualHash:   entry.PrevHash,
				Type:         ChainBroken,
			}
		}

		expectedHash := computeHash(entry)
		if entry.Hash != expectedHash {
			return &ChainError{
				EntryNum:     entryNum,
				EntryID:      entry.ID,
				ExpectedHash: expectedHash,
				ActualHash:   entry.Hash,
				Type:         HashMismatch,
			}
		}

		expectedPrevHash = entry.Hash
	}

	return rows.Err()
}

// ChainError types
const (
	ChainBroken  = "chain_broken"
	HashMismatch = "hash_mismatch"
)

// ChainError represents a broken chain error
type ChainError struct {
	EntryNum     int
	EntryID      string
	ExpectedHash string
	ActualHash   string
	Type         string // ChainBroken or HashMismatch
}

func (e *ChainError) Error() string {
	if e.Type == ChainBroken {
		return fmt.Sprintf("chain broken at entry %d (ID: %s): expected prev_hash %s, got %s",
			e.EntryNum, e.EntryID, short(e.ExpectedHash), short(e.ActualHash))
	}
	return fmt.Sprintf("hash mismatch at entry %d (ID: %s): expected %s, got %s",
		e.EntryNum, e.EntryID, short(e.ExpectedHash), short(e.ActualHash))
}

func short(h string) string {
	if len(h) <= 16 {
		return h
	}
	return h[:16] + "..."
}

// QueryOptions filter ledger listings
type QueryOptions struct {
	Action     string    // Filter by action type
	Actor      string    // Filter by actor
	EntityType string    // Filter by entity type
	EntityID   string    // Filter by entity ID
	UserID     string    // Filter by user
	Since      time.Time // Entries at or after this time
	Until      time.Time // Entries at or before this time
	Limit      int       // Maximum entries to return
	Offset     int       // Skip first N entries
}

// Query returns entries matching the given criteria, newest first
func (s *Store) Query(ctx context.Context, opts QueryOptions) ([]*Entry, error) {
	query := selectColumns + ` WHERE 1=1`
	var args []interface{}

	if opts.Action != "" {
		query += " AND action = ?"
		args = append(args, opts.Action)
	}
	if opts.Actor != "" {
		query += " AND actor = ?"
		args = append(args, opts.Actor)
	}
	if opts.EntityType != "" {
		query += " AND entity_type = ?"
		args = append(args, opts.EntityType)
	}
	if opts.EntityID != "" {
		query += " AND entity_id = ?"
		args = append(args, opts.EntityID)
	}
	if opts.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, opts.UserID)
	}
	if !opts.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, opts.Since.UTC().Format(timeLayout))
	}
	if !opts.Until.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, opts.Until.UTC().Format(timeLayout))
	}

	query += " ORDER BY seq DESC"

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
		if opts.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, opts.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// GetByID returns a single entry by ID, or nil if there is none
func (s *Store) GetByID(ctx context.Context, id string) (*Entry, error) {
	entry, err := scanEntry(s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query entry: %w", err)
	}
	return entry, nil
}

// GetRecent returns the most recent entries
func (s *Store) GetRecent(ctx context.Context, limit int) ([]*Entry, error) {
	return s.Query(ctx, QueryOptions{Limit: limit})
}

// Count returns the total number of entries in the ledger
func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM ledger").Scan(&count)
	return count, err
}

// GetEntityHistory returns all entries for a specific entity
func (s *Store) GetEntityHistory(ctx context.Context, entityType, entityID string) ([]*Entry, error) {
	return s.Query(ctx, QueryOptions{
		EntityType: entityType,
		EntityID:   entityID,
	})
}

// Summary statistics
type Summary struct {
	TotalEntries int            `json:"total_entries"`
	FirstEntry   *time.Time     `json:"first_entry,omitempty"`
	LastEntry    *time.Time     `json:"last_entry,omitempty"`
	ByAction     map[string]int `json:"by_action"`
	ByActor      map[string]int `json:"by_actor"`
	ChainValid   bool           `json:"chain_valid"`
	ChainError   string         `json:"chain_error,omitempty"`
}

// GetSummary returns statistics about the ledger
func (s *Store) GetSummary(ctx context.Context) (*Summary, error) {
	summary := &Summary{
		ByAction: make(map[string]int),
		ByActor:  make(map[string]int),
	}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM ledger").Scan(&summary.TotalEntries); err != nil {
		return nil, err
	}

	var first, last sql.NullString
	if err := s.db.QueryRowContext(ctx, "SELECT MIN(timestamp), MAX(timestamp) FROM ledger").Scan(&first, &last); err != nil {
		return nil, err
	}
	if t, err := time.Parse(timeLayout, first.String); first.Valid && err == nil {
		summary.FirstEntry = &t
	}
	if t, err := time.Parse(timeLayout, last.String); last.Valid && err == nil {
		summary.LastEntry = &t
	}

	if err := s.countBy(ctx, "action", summary.ByAction); err != nil {
		return nil, err
	}
	if err := s.countBy(ctx, "actor", summary.ByActor); err != nil {
		return nil, err
	}

	if err := s.VerifyChain(ctx); err != nil {
		summary.ChainValid = false
		summary.ChainError = err.Error()
	} else {
		summary.ChainValid = true
	}

	return summary, nil
}

// countBy groups entries by a fixed column name
func (s *Store) countBy(ctx context.Context, column string, into map[string]int) error {
	rows, err := s.db.QueryContext(ctx, "SELECT "+column+", COUNT(*) FROM ledger GROUP BY "+column)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return err
		}
		into[key] = count
	}
	return rows.Err()
}
