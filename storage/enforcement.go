package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"go.etcd.io/bbolt"

	"github.com/yairfalse/cureiam/types"
)

// EnforcementFilter selects enforcement events. Zero fields match everything.
type EnforcementFilter struct {
	RecommendationIDs []string
	Outcome           types.EnforcementOutcome
	Since             time.Time
}

// StoreEnforcement stores an enforcement event keyed by its timestamp
func (s *MVCCStorage) StoreEnforcement(ctx context.Context, event types.EnforcementEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	key := fmt.Sprintf("%020d:%s", event.Timestamp.UnixNano(), event.RecommendationID)
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal enforcement event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEnforcements).Put([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("failed to store enforcement event: %w", err)
	}
	return nil
}

// QueryEnforcements returns matching events, oldest first
func (s *MVCCStorage) QueryEnforcements(ctx context.Context, filter EnforcementFilter) ([]types.EnforcementEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var events []types.EnforcementEvent
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEnforcements)
		if bucket == nil {
			return nil
		}

		c := bucket.Cursor()
		start := []byte(nil)
		if !filter.Since.IsZero() {
			start = []byte(fmt.Sprintf("%020d", filter.Since.UnixNano()))
		}

		k, v := c.First()
		if start != nil {
			k, v = c.Seek(start)
		}
		for ; k != nil; k, v = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var event types.EnforcementEvent
			if err := json.Unmarshal(v, &event); err != nil {
				continue
			}
			if matchesFilter(event, filter) {
				events = append(events, event)
			}
		}
		return nil
	})
	return events, err
}

func matchesFilter(event types.EnforcementEvent, filter EnforcementFilter) bool {
	if len(filter.RecommendationIDs) > 0 && !slices.Contains(filter.RecommendationIDs, event.RecommendationID) {
		return false
	}
	if filter.Outcome != "" && event.Outcome != filter.Outcome {
		return false
	}
	if !filter.Since.IsZero() && event.Timestamp.Before(filter.Since) {
		return false
	}
	return true
}
