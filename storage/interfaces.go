package storage

import (
	"context"

	"github.com/yairfalse/cureiam/types"
)

// RecordWriter stores audit records
type RecordWriter interface {
	PutRecord(rec *types.Record) (revision int64, err error)
	PutRecords(recs []*types.Record) (revision int64, err error)
}

// RecordReader queries stored recommendation state
type RecordReader interface {
	GetState(recommendationID string) (*RecommendationState, error)
	States(project string) []RecommendationState
	History(recommendationID string) ([]*types.Record, error)
}

// EnforcementStorage stores enforcement decisions
type EnforcementStorage interface {
	StoreEnforcement(ctx context.Context, event types.EnforcementEvent) error
	QueryEnforcements(ctx context.Context, filter EnforcementFilter) ([]types.EnforcementEvent, error)
}

// Compactor handles storage compaction
type Compactor interface {
	Compact(keepRevisions int64) error
}

// StorageStats provides operational metrics
type StorageStats interface {
	Stats() (recommendations int, currentRev int64, dbSizeBytes int64)
}

// Lifecycle manages storage lifecycle
type Lifecycle interface {
	Close() error
}

// Storage is the complete storage interface combining all capabilities
type Storage interface {
	RecordWriter
	RecordReader
	EnforcementStorage
	Compactor
	StorageStats
	Lifecycle
	CurrentRevision() int64
}
