package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"concierge/internal/model"
	"concierge/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// thresholdEventID builds the synthetic event id under which a threshold
// crossing is stored in action_history.
func thresholdEventID(entityID, threshold string) string {
	return "threshold:" + entityID + ":" + threshold
}

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
// The database file, if any, is restricted to the owning user.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=OFF"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("disable foreign keys: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	if dsn != ":memory:" {
		if err := os.Chmod(dsn, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
			_ = db.Close()
			return nil, fmt.Errorf("restrict database permissions: %w", err)
		}
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// IsProcessed checks whether an event was already handled in a past cycle.
func (s *SQLite) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM processed_events WHERE event_id = ?`, eventID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check processed: %w", err)
	}
	return count > 0, nil
}

// GetActionRecord returns the action record for an (event, rule) pair, or
// nil when the action never ran.
func (s *SQLite) GetActionRecord(ctx context.Context, eventID, ruleID string) (*model.ActionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT event_id, rule_id, action_type, outcome, message, executed_at
		 FROM action_history WHERE event_id = ? AND rule_id = ?`,
		eventID, ruleID,
	)
	var rec model.ActionRecord
	var actionType, outcome, executedAt string
	err := row.Scan(&rec.EventID, &rec.RuleID, &actionType, &outcome, &rec.Message, &executedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan action record: %w", err)
	}
	rec.ActionType = model.ActionType(actionType)
	rec.Outcome = model.ActionOutcome(outcome)
	rec.ExecutedAt, _ = time.Parse(timeLayout, executedAt)
	return &rec, nil
}

// HasThresholdFired checks whether a time-based rule already fired for an
// entity at the given threshold.
func (s *SQLite) HasThresholdFired(ctx context.Context, entityID, ruleID, threshold string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM action_history WHERE event_id = ? AND rule_id = ?`,
		thresholdEventID(entityID, threshold), ruleID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check threshold: %w", err)
	}
	return count > 0, nil
}

// LoadCheckpoint returns the checkpoint with the given id. A checkpoint
// that was never saved comes back empty rather than as an error.
func (s *SQLite) LoadCheckpoint(ctx context.Context, id string) (model.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, last_event_at, last_poll_at, updated_at FROM checkpoints WHERE id = ?`, id,
	)
	cp := model.Checkpoint{ID: id}
	var lastEvent, lastPoll sql.NullString
	var updatedAt string
	err := row.Scan(&cp.ID, &lastEvent, &lastPoll, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return cp, nil
	}
	if err != nil {
		return cp, fmt.Errorf("scan checkpoint: %w", err)
	}
	if lastEvent.Valid {
		t, _ := time.Parse(timeLayout, lastEvent.String)
		cp.LastEvent = &t
	}
	if lastPoll.Valid {
		t, _ := time.Parse(timeLayout, lastPoll.String)
		cp.LastPoll = &t
	}
	cp.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return cp, nil
}

// SaveCheckpoint upserts a checkpoint.
func (s *SQLite) SaveCheckpoint(ctx context.Context, cp model.Checkpoint) error {
	return s.saveCheckpoint(ctx, s.db, cp)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLite) saveCheckpoint(ctx context.Context, db execer, cp model.Checkpoint) error {
	var lastEvent, lastPoll *string
	if cp.LastEvent != nil {
		v := cp.LastEvent.UTC().Format(timeLayout)
		lastEvent = &v
	}
	if cp.LastPoll != nil {
		v := cp.LastPoll.UTC().Format(timeLayout)
		lastPoll = &v
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO checkpoints (id, last_event_at, last_poll_at, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   last_event_at = excluded.last_event_at,
		   last_poll_at = excluded.last_poll_at,
		   updated_at = excluded.updated_at`,
		cp.ID, lastEvent, lastPoll, cp.UpdatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// AppendAudit appends one entry to the audit log and populates its ID.
func (s *SQLite) AppendAudit(ctx context.Context, entry *model.AuditEntry) error {
	return s.appendAudit(ctx, s.db, entry)
}

func (s *SQLite) appendAudit(ctx context.Context, db execer, entry *model.AuditEntry) error {
	rules, err := json.Marshal(entry.Rules)
	if err != nil {
		return fmt.Errorf("encode audit rules: %w", err)
	}
	actions, err := json.Marshal(entry.Actions)
	if err != nil {
		return fmt.Errorf("encode audit actions: %w", err)
	}
	res, err := db.ExecContext(ctx,
		`INSERT INTO audit_log (ts, event_id, event_type, event_source, rules, actions, disposition, message)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Timestamp.UTC().Format(timeLayout), entry.EventID, string(entry.EventType),
		entry.EventSource, string(rules), string(actions), string(entry.Disposition), entry.Message,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	entry.ID = id
	return nil
}

// QueryAudit returns audit entries newest first, narrowed by the filter.
func (s *SQLite) QueryAudit(ctx context.Context, filter model.AuditFilter) ([]model.AuditEntry, error) {
	query := `SELECT id, ts, event_id, event_type, event_source, rules, actions, disposition, message
	          FROM audit_log`
	var args []any
	if filter.Since != nil {
		query += ` WHERE ts >= ?`
		args = append(args, filter.Since.UTC().Format(timeLayout))
	}
	query += ` ORDER BY id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []model.AuditEntry
	for rows.Next() {
		entry, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		if filter.RuleID != "" && !auditMentionsRule(entry, filter.RuleID) {
			continue
		}
		entries = append(entries, entry)
		if filter.Limit > 0 && len(entries) >= filter.Limit {
			break
		}
	}
	return entries, rows.Err()
}

func auditMentionsRule(entry model.AuditEntry, ruleID string) bool {
	for _, r := range entry.Rules {
		if r.RuleID == ruleID {
			return true
		}
	}
	return false
}

// ProcessedCount returns the number of dedup records currently retained.
func (s *SQLite) ProcessedCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM processed_events`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count processed: %w", err)
	}
	return count, nil
}

// AuditCount returns the number of audit log entries.
func (s *SQLite) AuditCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count audit: %w", err)
	}
	return count, nil
}

// CommitEvent applies everything one event produced in a single transaction,
// so a crash never leaves an action recorded without its audit trail or a
// dedup row without its actions.
func (s *SQLite) CommitEvent(ctx context.Context, commit EventCommit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if p := commit.Processed; p != nil {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO processed_events (event_id, event_type, disposition, processed_at, expires_at)
			 VALUES (?, ?, ?, ?, ?)`,
			p.EventID, string(p.EventType), string(p.Disposition),
			p.ProcessedAt.UTC().Format(timeLayout), p.ExpiresAt.UTC().Format(timeLayout),
		)
		if err != nil {
			return fmt.Errorf("insert processed event: %w", err)
		}
	}

	for _, a := range commit.Actions {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO action_history (event_id, rule_id, action_type, outcome, message, executed_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			a.EventID, a.RuleID, string(a.ActionType), string(a.Outcome), a.Message,
			a.ExecutedAt.UTC().Format(timeLayout),
		)
		if err != nil {
			return fmt.Errorf("insert action record: %w", err)
		}
	}

	for _, m := range commit.Thresholds {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO action_history (event_id, rule_id, action_type, outcome, message, executed_at)
			 VALUES (?, ?, 'threshold', 'success', ?, ?)`,
			thresholdEventID(m.EntityID, m.Threshold), m.RuleID, m.Threshold,
			m.FiredAt.UTC().Format(timeLayout),
		)
		if err != nil {
			return fmt.Errorf("insert threshold mark: %w", err)
		}
	}

	if commit.Audit != nil {
		if err := s.appendAudit(ctx, tx, commit.Audit); err != nil {
			return err
		}
	}
	if commit.Checkpoint != nil {
		if err := s.saveCheckpoint(ctx, tx, *commit.Checkpoint); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// CleanupExpired removes dedup records whose TTL has passed.
func (s *SQLite) CleanupExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM processed_events WHERE expires_at <= ?`,
		now.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup processed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// PruneAudit removes audit entries older than the given cutoff.
func (s *SQLite) PruneAudit(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM audit_log WHERE ts < ?`,
		before.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("prune audit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanAuditEntry(row scannable) (model.AuditEntry, error) {
	var entry model.AuditEntry
	var ts, eventType, disposition, rules, actions string
	err := row.Scan(&entry.ID, &ts, &entry.EventID, &eventType, &entry.EventSource,
		&rules, &actions, &disposition, &entry.Message)
	if err != nil {
		return entry, fmt.Errorf("scan audit entry: %w", err)
	}
	entry.Timestamp, _ = time.Parse(timeLayout, ts)
	entry.EventType = model.EventType(eventType)
	entry.Disposition = model.Disposition(disposition)
	if err := json.Unmarshal([]byte(rules), &entry.Rules); err != nil {
		return entry, fmt.Errorf("decode audit rules: %w", err)
	}
	if err := json.Unmarshal([]byte(actions), &entry.Actions); err != nil {
		return entry, fmt.Errorf("decode audit actions: %w", err)
	}
	return entry, nil
}
