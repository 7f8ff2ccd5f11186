package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"gamehub/internal/usersync/replica"
	"gamehub/pkg/domain"
)

// InMemoryStore is a replica.Store guarded by a single mutex. The unique
// indexes are plain maps checked inside the critical section, which gives
// the same one-winner behaviour as a database constraint.
type InMemoryStore struct {
	mu        sync.RWMutex
	nextID    domain.LocalID
	records   map[domain.LocalID]*replica.Record
	byKey     map[string]domain.LocalID
	bySubject map[domain.SubjectID]domain.LocalID
	now       func() time.Time
}

var _ replica.Store = (*InMemoryStore)(nil)

// New creates an empty store.
func New() *InMemoryStore {
	return &InMemoryStore{
		records:   make(map[domain.LocalID]*replica.Record),
		byKey:     make(map[string]domain.LocalID),
		bySubject: make(map[domain.SubjectID]domain.LocalID),
		now:       time.Now,
	}
}

func (s *InMemoryStore) FindByNaturalKey(_ context.Context, key string) (*replica.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[key]
	if !ok {
		return nil, fmt.Errorf("replica with natural key %q: %w", key, replica.ErrNotFound)
	}
	return s.records[id].Clone(), nil
}

func (s *InMemoryStore) FindBySubject(_ context.Context, subjectID domain.SubjectID) (*replica.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.bySubject[subjectID]
	if !ok {
		return nil, fmt.Errorf("replica for subject %s: %w", subjectID, replica.ErrNotFound)
	}
	return s.records[id].Clone(), nil
}

func (s *InMemoryStore) FindByLocalID(_ context.Context, localID domain.LocalID) (*replica.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[localID]
	if !ok {
		return nil, fmt.Errorf("replica %d: %w", localID, replica.ErrNotFound)
	}
	return rec.Clone(), nil
}

func (s *InMemoryStore) List(_ context.Context, limit int) ([]*replica.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*replica.Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LocalID < out[j].LocalID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) Insert(_ context.Context, record replica.Record) (*replica.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.byKey[record.NaturalKey]; taken {
		return nil, fmt.Errorf("insert replica %q: natural key: %w", record.NaturalKey, replica.ErrConflict)
	}
	if record.SubjectID != nil {
		if _, taken := s.bySubject[*record.SubjectID]; taken {
			return nil, fmt.Errorf("insert replica %q: subject %s: %w", record.NaturalKey, *record.SubjectID, replica.ErrConflict)
		}
	}

	s.nextID++
	now := s.now()
	rec := record.Clone()
	rec.LocalID = s.nextID
	rec.CreatedAt = now
	rec.UpdatedAt = now

	s.records[rec.LocalID] = rec
	s.byKey[rec.NaturalKey] = rec.LocalID
	if rec.SubjectID != nil {
		s.bySubject[*rec.SubjectID] = rec.LocalID
	}
	return rec.Clone(), nil
}

func (s *InMemoryStore) Update(_ context.Context, record replica.Record) (*replica.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[record.LocalID]
	if !ok {
		return nil, fmt.Errorf("update replica %d: %w", record.LocalID, replica.ErrNotFound)
	}
	if record.Version != 0 && current.Version >= record.Version {
		return nil, fmt.Errorf("update replica %d: version %d <= %d: %w", record.LocalID, record.Version, current.Version, replica.ErrStale)
	}
	if record.NaturalKey != current.NaturalKey {
		if owner, taken := s.byKey[record.NaturalKey]; taken && owner != current.LocalID {
			return nil, fmt.Errorf("update replica %d: natural key %q: %w", record.LocalID, record.NaturalKey, replica.ErrConflict)
		}
		delete(s.byKey, current.NaturalKey)
		s.byKey[record.NaturalKey] = current.LocalID
	}

	next := current.Clone()
	next.NaturalKey = record.NaturalKey
	next.DisplayName = record.DisplayName
	next.AvatarURL = record.Clone().AvatarURL
	next.Deleted = record.Deleted
	if record.Version != 0 {
		next.Version = record.Version
	}
	next.UpdatedAt = s.now()
	s.records[next.LocalID] = next
	return next.Clone(), nil
}

func (s *InMemoryStore) Link(_ context.Context, subjectID domain.SubjectID, localID domain.LocalID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[localID]
	if !ok {
		return fmt.Errorf("link subject %s: replica %d: %w", subjectID, localID, replica.ErrNotFound)
	}
	if owner, taken := s.bySubject[subjectID]; taken {
		if owner == localID {
			return nil
		}
		return fmt.Errorf("link subject %s: already linked to %d: %w", subjectID, owner, replica.ErrConflict)
	}
	if rec.SubjectID != nil {
		return fmt.Errorf("link subject %s: replica %d linked to %s: %w", subjectID, localID, *rec.SubjectID, replica.ErrConflict)
	}

	linked := rec.Clone()
	linked.SubjectID = &subjectID
	linked.UpdatedAt = s.now()
	s.records[localID] = linked
	s.bySubject[subjectID] = localID
	return nil
}
