// Package identity is the owning side of user state: it registers and
// mutates users in its own store and announces every committed change.
package identity

import (
	"context"
	"errors"
	"time"

	"gamehub/internal/usersync/event"
	"gamehub/pkg/domain"
	"gamehub/pkg/platform/sentinel"
)

var (
	ErrNotFound        = sentinel.ErrNotFound
	ErrUsernameTaken   = errors.New("username already exists")
	ErrInvalidUsername = errors.New("username must not be blank")
)

// User is the owning service's record.
type User struct {
	ID        domain.SubjectID
	Username  string
	Email     string
	AvatarURL *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store persists users. Usernames are unique.
type Store interface {
	Create(ctx context.Context, user User) (*User, error)
	FindByID(ctx context.Context, id domain.SubjectID) (*User, error)
	FindByUsername(ctx context.Context, username string) (*User, error)
	Save(ctx context.Context, user User) (*User, error)
	Delete(ctx context.Context, id domain.SubjectID) error
}

// Notifier announces a committed user change. *publisher.Publisher
// implements it.
type Notifier interface {
	NotifyUserChanged(ctx context.Context, subjectID domain.SubjectID, displayName string, avatarURL *string, action event.Action)
}
