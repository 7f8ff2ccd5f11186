package identity

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"gamehub/internal/usersync/event"
	"gamehub/pkg/domain"
)

// Service owns user mutations. Each mutation commits locally first and is
// then announced; a failed announcement never fails the mutation.
type Service struct {
	users    Store
	notifier Notifier
	logger   *slog.Logger
}

func NewService(users Store, notifier Notifier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{users: users, notifier: notifier, logger: logger}
}

// RegisterRequest carries registration input.
type RegisterRequest struct {
	Username  string
	Email     string
	AvatarURL *string
}

// ProfileUpdate replaces the replicated profile fields.
type ProfileUpdate struct {
	Username  string
	AvatarURL *string
}

func (s *Service) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	username, err := normalizeUsername(req.Username)
	if err != nil {
		return nil, err
	}
	user, err := s.users.Create(ctx, User{
		Username:  username,
		Email:     strings.TrimSpace(req.Email),
		AvatarURL: req.AvatarURL,
	})
	if err != nil {
		return nil, fmt.Errorf("register user: %w", err)
	}
	s.logger.InfoContext(ctx, "user registered", "subject_id", user.ID)
	s.notify(ctx, user, event.ActionCreate)
	return user, nil
}

func (s *Service) UpdateProfile(ctx context.Context, id domain.SubjectID, update ProfileUpdate) (*User, error) {
	username, err := normalizeUsername(update.Username)
	if err != nil {
		return nil, err
	}
	user, err := s.users.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("update profile: %w", err)
	}
	user.Username = username
	user.AvatarURL = update.AvatarURL
	saved, err := s.users.Save(ctx, *user)
	if err != nil {
		return nil, fmt.Errorf("update profile: %w", err)
	}
	s.notify(ctx, saved, event.ActionUpdate)
	return saved, nil
}

func (s *Service) DeleteUser(ctx context.Context, id domain.SubjectID) error {
	// Capture the user before deletion so the event carries its last name.
	user, err := s.users.FindByID(ctx, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if err := s.users.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	s.logger.InfoContext(ctx, "user deleted", "subject_id", id)
	s.notify(ctx, user, event.ActionDelete)
	return nil
}

func (s *Service) GetByUsername(ctx context.Context, username string) (*User, error) {
	return s.users.FindByUsername(ctx, strings.TrimSpace(username))
}

func (s *Service) notify(ctx context.Context, user *User, action event.Action) {
	if s.notifier == nil {
		return
	}
	s.notifier.NotifyUserChanged(ctx, user.ID, user.Username, user.AvatarURL, action)
}

// normalizeUsername trims the name and rejects blanks and control characters.
func normalizeUsername(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.IndexFunc(s, unicode.IsControl) >= 0 {
		return "", ErrInvalidUsername
	}
	return s, nil
}
