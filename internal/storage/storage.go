// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"time"

	"concierge/internal/model"
)

// EventCommit bundles everything one processed event writes, applied in a
// single transaction. A nil Processed leaves the dedup table untouched so a
// deferred event can be retried next cycle.
type EventCommit struct {
	Processed  *model.ProcessedEvent
	Actions    []model.ActionRecord
	Thresholds []ThresholdMark
	Audit      *model.AuditEntry
	Checkpoint *model.Checkpoint
}

// ThresholdMark records that a time-based rule fired for an entity at a
// threshold, so the same crossing never fires twice.
type ThresholdMark struct {
	EntityID  string
	RuleID    string
	Threshold string
	FiredAt   time.Time
}

// Storage is the interface for all persistence operations.
type Storage interface {
	IsProcessed(ctx context.Context, eventID string) (bool, error)
	GetActionRecord(ctx context.Context, eventID, ruleID string) (*model.ActionRecord, error)
	HasThresholdFired(ctx context.Context, entityID, ruleID, threshold string) (bool, error)

	LoadCheckpoint(ctx context.Context, id string) (model.Checkpoint, error)
	SaveCheckpoint(ctx context.Context, cp model.Checkpoint) error

	AppendAudit(ctx context.Context, entry *model.AuditEntry) error
	QueryAudit(ctx context.Context, filter model.AuditFilter) ([]model.AuditEntry, error)

	ProcessedCount(ctx context.Context) (int, error)
	AuditCount(ctx context.Context) (int, error)

	CommitEvent(ctx context.Context, commit EventCommit) error

	CleanupExpired(ctx context.Context, now time.Time) (int64, error)
	PruneAudit(ctx context.Context, before time.Time) (int64, error)

	Close() error
}
