package identity

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gamehub/internal/usersync/event"
	"gamehub/pkg/domain"
)

type notification struct {
	subject domain.SubjectID
	name    string
	avatar  *string
	action  event.Action
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (n *recordingNotifier) NotifyUserChanged(_ context.Context, id domain.SubjectID, name string, avatar *string, action event.Action) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification{id, name, avatar, action})
}

func newService(t *testing.T) (*Service, *recordingNotifier) {
	t.Helper()
	n := &recordingNotifier{}
	return NewService(NewInMemoryUserStore(), n, slog.New(slog.NewTextHandler(io.Discard, nil))), n
}

func TestRegister(t *testing.T) {
	ctx := context.Background()

	t.Run("assigns sequence ids and announces CREATE", func(t *testing.T) {
		svc, n := newService(t)
		first, err := svc.Register(ctx, RegisterRequest{Username: " Alice ", AvatarURL: event.StringPtr("/a.png")})
		require.NoError(t, err)
		second, err := svc.Register(ctx, RegisterRequest{Username: "Bob"})
		require.NoError(t, err)

		assert.Equal(t, domain.SubjectID("1"), first.ID)
		assert.Equal(t, domain.SubjectID("2"), second.ID)
		assert.Equal(t, "Alice", first.Username)
		require.Len(t, n.sent, 2)
		assert.Equal(t, notification{"1", "Alice", first.AvatarURL, event.ActionCreate}, n.sent[0])
	})

	t.Run("duplicate username is rejected without an event", func(t *testing.T) {
		svc, n := newService(t)
		_, err := svc.Register(ctx, RegisterRequest{Username: "Alice"})
		require.NoError(t, err)
		_, err = svc.Register(ctx, RegisterRequest{Username: "Alice"})
		assert.ErrorIs(t, err, ErrUsernameTaken)
		assert.Len(t, n.sent, 1)
	})

	t.Run("blank username", func(t *testing.T) {
		svc, n := newService(t)
		_, err := svc.Register(ctx, RegisterRequest{Username: "  "})
		assert.ErrorIs(t, err, ErrInvalidUsername)
		assert.Empty(t, n.sent)
	})

	t.Run("control characters are rejected", func(t *testing.T) {
		svc, n := newService(t)
		_, err := svc.Register(ctx, RegisterRequest{Username: "\x1fdeleted:1"})
		assert.ErrorIs(t, err, ErrInvalidUsername)
		assert.Empty(t, n.sent)
	})
}

func TestUpdateProfile(t *testing.T) {
	ctx := context.Background()
	svc, n := newService(t)
	alice, err := svc.Register(ctx, RegisterRequest{Username: "Alice", AvatarURL: event.StringPtr("/a.png")})
	require.NoError(t, err)
	_, err = svc.Register(ctx, RegisterRequest{Username: "Bob"})
	require.NoError(t, err)

	updated, err := svc.UpdateProfile(ctx, alice.ID, ProfileUpdate{Username: "Alicia"})
	require.NoError(t, err)
	assert.Nil(t, updated.AvatarURL)
	assert.Equal(t, event.ActionUpdate, n.sent[len(n.sent)-1].action)
	assert.Equal(t, "Alicia", n.sent[len(n.sent)-1].name)

	_, err = svc.GetByUsername(ctx, "Alice")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.UpdateProfile(ctx, alice.ID, ProfileUpdate{Username: "Bob"})
	assert.ErrorIs(t, err, ErrUsernameTaken)

	_, err = svc.UpdateProfile(ctx, "404", ProfileUpdate{Username: "Zed"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteUser(t *testing.T) {
	ctx := context.Background()
	svc, n := newService(t)
	alice, err := svc.Register(ctx, RegisterRequest{Username: "Alice"})
	require.NoError(t, err)

	require.NoError(t, svc.DeleteUser(ctx, alice.ID))
	last := n.sent[len(n.sent)-1]
	assert.Equal(t, event.ActionDelete, last.action)
	assert.Equal(t, "Alice", last.name)

	err = svc.DeleteUser(ctx, alice.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Len(t, n.sent, 2)
}

func TestNilNotifierIsAllowed(t *testing.T) {
	svc := NewService(NewInMemoryUserStore(), nil, nil)
	_, err := svc.Register(context.Background(), RegisterRequest{Username: "Alice"})
	assert.NoError(t, err)
}
