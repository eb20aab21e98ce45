// Package bolt keeps recommendation history and enforcement decisions in a
// local bbolt database.
package bolt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yairfalse/cureiam/internal/plugin"
	"github.com/yairfalse/cureiam/storage"
	"github.com/yairfalse/cureiam/telemetry"
	"github.com/yairfalse/cureiam/types"
)

// StoreClass is the registered class path
const StoreClass = "bolt.store"

// DefaultBatchSize is the number of records written per revision
const DefaultBatchSize = 100

// Params are the bolt.store parameters. keep_revisions > 0 compacts older
// revisions on shutdown.
type Params struct {
	Path          string `mapstructure:"path"`
	BatchSize     int    `mapstructure:"batch_size"`
	KeepRevisions int64  `mapstructure:"keep_revisions"`
}

// Store writes processed records in batches, one revision per batch, and
// the enforcement decision each record carries
type Store struct {
	db            storage.Storage
	batch         []*types.Record
	batchSize     int
	keepRevisions int64
	written       int
	enforcements  int
	now           func() time.Time
	logger        *telemetry.Logger
}

// New creates a store over db. The store owns db and closes it on shutdown.
func New(db storage.Storage, params Params, logger *telemetry.Logger) *Store {
	if params.BatchSize <= 0 {
		params.BatchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = telemetry.NewLogger("bolt-store")
	}
	return &Store{
		db:            db,
		batchSize:     params.BatchSize,
		keepRevisions: params.KeepRevisions,
		now:           time.Now,
		logger:        logger,
	}
}

func newStorePlugin(env plugin.Env, raw map[string]any) (plugin.Plugin, error) {
	var params Params
	if err := plugin.DecodeParams(raw, &params); err != nil {
		return nil, err
	}
	if params.Path == "" {
		return nil, errors.New("path is required")
	}
	db, err := storage.NewMVCCStorage(params.Path)
	if err != nil {
		return nil, err
	}
	return New(db, params, env.Logger), nil
}

// Register adds the store to r
func Register(r *plugin.Registry) {
	r.MustRegister(StoreClass, plugin.CapabilitySink, newStorePlugin)
}

// Write buffers processed records. Raw records and markers are skipped.
func (s *Store) Write(ctx context.Context, rec *types.Record) error {
	if rec.IsMarker() || rec.Processor == nil {
		return nil
	}

	if event, ok := rec.Enforcement(s.now().UTC()); ok && event.Outcome != types.OutcomeSkipped {
		if err := s.db.StoreEnforcement(ctx, event); err != nil {
			return fmt.Errorf("store enforcement: %w", err)
		}
		s.enforcements++
	}

	s.batch = append(s.batch, rec)
	if len(s.batch) >= s.batchSize {
		return s.flush(ctx)
	}
	return nil
}

func (s *Store) flush(ctx context.Context) error {
	if len(s.batch) == 0 {
		return nil
	}
	batch := s.batch
	s.batch = nil

	rev, err := s.db.PutRecords(batch)
	if err != nil {
		s.logger.LogStorageError(ctx, "put_records", err)
		return err
	}
	s.written += len(batch)
	s.logger.WithContext(ctx).Debug().
		Int64("revision", rev).
		Int("records", len(batch)).
		Msg("stored records")
	return nil
}

// Written returns the number of records stored
func (s *Store) Written() int { return s.written }

// Shutdown flushes, compacts when configured, and closes the database
func (s *Store) Shutdown(ctx context.Context) error {
	err := s.flush(ctx)
	if err == nil && s.keepRevisions > 0 {
		err = s.db.Compact(s.keepRevisions)
	}

	recs, rev, size := s.db.Stats()
	s.logger.WithContext(ctx).Info().
		Int("written", s.written).
		Int("enforcements", s.enforcements).
		Int("recommendations", recs).
		Int64("revision", rev).
		Int64("db_size_bytes", size).
		Msg("bolt store closed")

	return errors.Join(err, s.db.Close())
}
