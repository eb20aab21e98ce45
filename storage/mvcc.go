// Package storage keeps a revisioned history of audit records in bbolt, with
// an in-memory btree index of the latest state of every recommendation.
package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/btree"
	"go.etcd.io/bbolt"

	"github.com/yairfalse/cureiam/types"
)

// Bucket names in bbolt
var (
	bucketRecords      = []byte("records")
	bucketEnforcements = []byte("enforcements")
	bucketMeta         = []byte("meta")
)

var keyCurrentRevision = []byte("current_revision")

// ErrNotFound is returned for unknown recommendation ids
var ErrNotFound = errors.New("recommendation not found")

// MVCCStorage stores every record written under a new revision
type MVCCStorage struct {
	mu sync.RWMutex

	// latest state per recommendation
	index *btree.BTreeG[*RecommendationState]

	db         *bbolt.DB
	currentRev int64
	path       string
	readOnly   bool
}

// RecommendationState is the latest known state of a recommendation
type RecommendationState struct {
	RecommendationID   string     `json:"recommendation_id"`
	Project            string     `json:"project"`
	AccountType        string     `json:"account_type,omitempty"`
	AccountID          string     `json:"account_id,omitempty"`
	RecommenderSubtype string     `json:"recommender_subtype,omitempty"`
	State              string     `json:"state"`
	SafeToApplyScore   int        `json:"safe_to_apply_score"`
	RiskScore          int        `json:"risk_score"`
	AuditVersion       string     `json:"audit_version,omitempty"`
	AppliedAt          *time.Time `json:"applied_at,omitempty"`
	FirstSeenRev       int64      `json:"first_seen_rev"`
	LastSeenRev        int64      `json:"last_seen_rev"`
}

func lessState(a, b *RecommendationState) bool {
	return a.RecommendationID < b.RecommendationID
}

// Option configures how the database is opened
type Option func(*bbolt.Options)

// ReadOnly opens the database without a write lock, for inspection while a
// daemon holds it
func ReadOnly() Option {
	return func(o *bbolt.Options) { o.ReadOnly = true }
}

// NewMVCCStorage opens or creates the database file at path
func NewMVCCStorage(path string, opts ...Option) (*MVCCStorage, error) {
	boltOpts := &bbolt.Options{Timeout: 5 * time.Second}
	for _, opt := range opts {
		opt(boltOpts)
	}

	if !boltOpts.ReadOnly {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
	}

	db, err := bbolt.Open(path, 0o600, boltOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if !boltOpts.ReadOnly {
		err = db.Update(func(tx *bbolt.Tx) error {
			for _, bucket := range [][]byte{bucketRecords, bucketEnforcements, bucketMeta} {
				if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	s := &MVCCStorage{
		index:    btree.NewG(32, lessState),
		db:       db,
		path:     path,
		readOnly: boltOpts.ReadOnly,
	}

	if err := s.loadRevision(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.rebuildIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database
func (s *MVCCStorage) Close() error {
	return s.db.Close()
}

// Path returns the database file path
func (s *MVCCStorage) Path() string { return s.path }

// PutRecord stores rec under a new revision
func (s *MVCCStorage) PutRecord(rec *types.Record) (int64, error) {
	return s.PutRecords([]*types.Record{rec})
}

// PutRecords stores all records atomically under one new revision. Markers
// and records without an identifier are rejected.
func (s *MVCCStorage) PutRecords(recs []*types.Record) (int64, error) {
	for _, rec := range recs {
		if rec == nil || rec.IsMarker() || rec.Key() == "" {
			return 0, errors.New("record has no recommendation id")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rev := s.currentRev + 1
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketRecords)
		for _, rec := range recs {
			value, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := bucket.Put(makeRecordKey(rev, rec.Key()), value); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketMeta).Put(keyCurrentRevision, int64ToBytes(rev))
	})
	if err != nil {
		return 0, fmt.Errorf("failed to store records: %w", err)
	}

	s.currentRev = rev
	for _, rec := range recs {
		s.updateIndex(rec, rev)
	}
	return rev, nil
}

// GetState returns the latest state of a recommendation
func (s *MVCCStorage) GetState(recommendationID string) (*RecommendationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, found := s.index.Get(&RecommendationState{RecommendationID: recommendationID})
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, recommendationID)
	}
	out := *state
	return &out, nil
}

// States returns the latest state of every recommendation ordered by id.
// A non-empty project restricts the result to that project.
func (s *MVCCStorage) States(project string) []RecommendationState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []RecommendationState
	s.index.Ascend(func(state *RecommendationState) bool {
		if project == "" || state.Project == project {
			out = append(out, *state)
		}
		return true
	})
	return out
}

// History returns every stored version of a recommendation, oldest first
func (s *MVCCStorage) History(recommendationID string) ([]*types.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketRecords)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			_, id, ok := parseRecordKey(k)
			if !ok || id != recommendationID {
				return nil
			}
			var rec types.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("corrupt record at %s: %w", k, err)
			}
			out = append(out, &rec)
			return nil
		})
	})
	return out, err
}

// CurrentRevision returns the revision of the last write
func (s *MVCCStorage) CurrentRevision() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentRev
}

// Stats returns the number of tracked recommendations, the current revision
// and the database size
func (s *MVCCStorage) Stats() (recommendations int, currentRev int64, dbSizeBytes int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_ = s.db.View(func(tx *bbolt.Tx) error {
		dbSizeBytes = tx.Size()
		return nil
	})
	return s.index.Len(), s.currentRev, dbSizeBytes
}

// Compact removes record versions older than the last keepRevisions
// revisions. The index is unaffected.
func (s *MVCCStorage) Compact(keepRevisions int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.currentRev - keepRevisions
	if cutoff <= 0 {
		return nil
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketRecords)
		c := bucket.Cursor()

		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			rev, _, ok := parseRecordKey(k)
			if !ok || rev > cutoff {
				break
			}
			toDelete = append(toDelete, bytes.Clone(k))
		}

		for _, key := range toDelete {
			if err := bucket.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *MVCCStorage) updateIndex(rec *types.Record, rev int64) {
	id := rec.Key()
	state, found := s.index.Get(&RecommendationState{RecommendationID: id})
	if !found {
		state = &RecommendationState{RecommendationID: id, FirstSeenRev: rev}
	}
	state.LastSeenRev = rev
	state.AuditVersion = rec.Com["audit_version"]

	if rec.Raw != nil {
		state.Project = rec.Raw.Project
		state.State = rec.Raw.StateInfo.State
		state.RecommenderSubtype = rec.Raw.RecommenderSubtype
	}
	if p := rec.Processor; p != nil {
		state.Project = p.Project
		state.AccountType = p.AccountType
		state.AccountID = p.AccountID
		state.RecommenderSubtype = p.RecommenderSubtype
	}
	if rec.Score != nil {
		state.SafeToApplyScore = rec.Score.SafeToApplyScore
		state.RiskScore = rec.Score.RiskScore
	}
	if a := rec.ApplyRecommendation; a != nil && a.RecommendationAppliedTime != nil {
		applied := *a.RecommendationAppliedTime
		state.AppliedAt = &applied
	}

	s.index.ReplaceOrInsert(state)
}

func (s *MVCCStorage) loadRevision() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketMeta)
		if bucket == nil {
			return nil
		}
		if data := bucket.Get(keyCurrentRevision); data != nil {
			n, err := strconv.ParseInt(string(data), 10, 64)
			if err != nil {
				return fmt.Errorf("corrupt revision %q: %w", data, err)
			}
			s.currentRev = n
		}
		return nil
	})
}

// rebuildIndex replays stored records in revision order
func (s *MVCCStorage) rebuildIndex() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketRecords)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			rev, _, ok := parseRecordKey(k)
			if !ok {
				return nil
			}
			var rec types.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			s.updateIndex(&rec, rev)
			return nil
		})
	})
}

func makeRecordKey(rev int64, id string) []byte {
	return []byte(fmt.Sprintf("%016d:%s", rev, id))
}

func parseRecordKey(key []byte) (int64, string, bool) {
	revPart, id, found := bytes.Cut(key, []byte(":"))
	if !found {
		return 0, "", false
	}
	rev, err := strconv.ParseInt(string(revPart), 10, 64)
	if err != nil {
		return 0, "", false
	}
	return rev, string(id), true
}

func int64ToBytes(n int64) []byte {
	return []byte(strconv.FormatInt(n, 10))
}
