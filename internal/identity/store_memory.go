package identity

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"gamehub/pkg/domain"
)

// InMemoryUserStore assigns decimal sequence ids, like an auto-increment column.
type InMemoryUserStore struct {
	mu         sync.RWMutex
	seq        int64
	users      map[domain.SubjectID]User
	byUsername map[string]domain.SubjectID
	now        func() time.Time
}

func NewInMemoryUserStore() *InMemoryUserStore {
	return &InMemoryUserStore{
		users:      make(map[domain.SubjectID]User),
		byUsername: make(map[string]domain.SubjectID),
		now:        time.Now,
	}
}

func (s *InMemoryUserStore) Create(_ context.Context, user User) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.byUsername[user.Username]; taken {
		return nil, fmt.Errorf("create user %q: %w", user.Username, ErrUsernameTaken)
	}
	s.seq++
	user.ID = domain.SubjectID(strconv.FormatInt(s.seq, 10))
	now := s.now().UTC()
	user.CreatedAt, user.UpdatedAt = now, now
	s.users[user.ID] = user
	s.byUsername[user.Username] = user.ID
	return &user, nil
}

func (s *InMemoryUserStore) FindByID(_ context.Context, id domain.SubjectID) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if user, ok := s.users[id]; ok {
		return &user, nil
	}
	return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
}

func (s *InMemoryUserStore) FindByUsername(ctx context.Context, username string) (*User, error) {
	s.mu.RLock()
	id, ok := s.byUsername[username]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("user %q: %w", username, ErrNotFound)
	}
	return s.FindByID(ctx, id)
}

// Save replaces an existing user, moving the username index on rename.
func (s *InMemoryUserStore) Save(_ context.Context, user User) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.users[user.ID]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", user.ID, ErrNotFound)
	}
	if user.Username != current.Username {
		if _, taken := s.byUsername[user.Username]; taken {
			return nil, fmt.Errorf("rename user %s to %q: %w", user.ID, user.Username, ErrUsernameTaken)
		}
		delete(s.byUsername, current.Username)
		s.byUsername[user.Username] = user.ID
	}
	user.CreatedAt = current.CreatedAt
	user.UpdatedAt = s.now().UTC()
	s.users[user.ID] = user
	return &user, nil
}

func (s *InMemoryUserStore) Delete(_ context.Context, id domain.SubjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	if !ok {
		return fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	delete(s.users, id)
	delete(s.byUsername, user.Username)
	return nil
}
