// Package memory is an in-process RecordStore for local runs and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-marketplace-notifications/pkg/notification"
)

// RecordStore keeps records per user in memory.
type RecordStore struct {
	mu      sync.RWMutex
	records map[string]map[string]notification.Record
	now     func() time.Time
}

func NewRecordStore() *RecordStore {
	return &RecordStore{
		records: make(map[string]map[string]notification.Record),
		now:     time.Now,
	}
}

func (s *RecordStore) Create(_ context.Context, record notification.Record) (notification.Record, error) {
	record.ID = uuid.NewString()
	record.CreatedAt = s.now().UTC()
	record.Read = false

	s.mu.Lock()
	defer s.mu.Unlock()
	key := record.UserID.String()
	if s.records[key] == nil {
		s.records[key] = make(map[string]notification.Record)
	}
	s.records[key][record.ID] = record
	return record, nil
}

func (s *RecordStore) Get(_ context.Context, user urn.URN, id string) (notification.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[user.String()][id]
	if !ok {
		return notification.Record{}, fmt.Errorf("%w: %s", notification.ErrRecordNotFound, id)
	}
	return record, nil
}

func (s *RecordStore) List(_ context.Context, user urn.URN, limit int) ([]notification.Record, error) {
	s.mu.RLock()
	out := make([]notification.Record, 0, len(s.records[user.String()]))
	for _, r := range s.records[user.String()] {
		out = append(out, r)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *RecordStore) MarkRead(_ context.Context, user urn.URN, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[user.String()][id]
	if !ok {
		return fmt.Errorf("%w: %s", notification.ErrRecordNotFound, id)
	}
	record.Read = true
	s.records[user.String()][id] = record
	return nil
}

func (s *RecordStore) MarkAllRead(_ context.Context, user urn.URN) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := 0
	for id, record := range s.records[user.String()] {
		if record.Read {
			continue
		}
		record.Read = true
		s.records[user.String()][id] = record
		changed++
	}
	return changed, nil
}

func (s *RecordStore) Delete(_ context.Context, user urn.URN, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[user.String()][id]; !ok {
		return fmt.Errorf("%w: %s", notification.ErrRecordNotFound, id)
	}
	delete(s.records[user.String()], id)
	return nil
}

func (s *RecordStore) DeleteAll(_ context.Context, user urn.URN) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.records[user.String()])
	delete(s.records, user.String())
	return n, nil
}

func (s *RecordStore) UnreadCount(_ context.Context, user urn.URN) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, record := range s.records[user.String()] {
		if !record.Read {
			count++
		}
	}
	return count, nil
}
