package identity_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gamehub/internal/identity"
	"gamehub/internal/usersync/broker/memory"
	"gamehub/internal/usersync/dispatcher"
	"gamehub/internal/usersync/event"
	"gamehub/internal/usersync/publisher"
	"gamehub/internal/usersync/reconcile"
	"gamehub/internal/usersync/replica"
	storememory "gamehub/internal/usersync/replica/store/memory"
	"gamehub/pkg/domain"
	"gamehub/pkg/testutil"
)

// The owning service's mutations converge on the consuming side's replica.
func TestReplication_OwningMutationsConverge(t *testing.T) {
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	b := memory.New(4)
	svc := identity.NewService(identity.NewInMemoryUserStore(), publisher.New(b, publisher.WithLogger(quiet)), quiet)

	replicas := storememory.New()
	d := dispatcher.New(reconcile.New(replicas, reconcile.WithLogger(quiet)), dispatcher.WithLogger(quiet))
	pump := dispatcher.NewPump(b.Subscribe(publisher.DefaultTopic, "community-group", 8), d, dispatcher.WithPumpLogger(quiet))
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- pump.Run(runCtx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	eventually := func(t *testing.T, cond func(*replica.Record) bool, id string) {
		t.Helper()
		require.Eventually(t, func() bool {
			rec, err := replicas.FindBySubject(ctx, domain.SubjectID(id))
			return err == nil && cond(rec)
		}, 2*time.Second, 5*time.Millisecond)
	}

	alice, err := svc.Register(ctx, identity.RegisterRequest{Username: "Alice", AvatarURL: event.StringPtr("/a.png")})
	require.NoError(t, err)

	testutil.Then(t, "the replica is created and linked to the subject", func(t *testing.T) {
		eventually(t, func(r *replica.Record) bool { return r.DisplayName == "Alice" }, alice.ID.String())
	})

	testutil.When(t, "the user renames and drops the avatar", func(t *testing.T) {
		_, err := svc.UpdateProfile(ctx, alice.ID, identity.ProfileUpdate{Username: "Alicia"})
		require.NoError(t, err)
		eventually(t, func(r *replica.Record) bool { return r.DisplayName == "Alicia" && r.AvatarURL == nil }, alice.ID.String())

		all, err := replicas.List(ctx, 0)
		require.NoError(t, err)
		assert.Len(t, all, 1, "rename updates in place")
	})

	testutil.When(t, "the user is deleted", func(t *testing.T) {
		require.NoError(t, svc.DeleteUser(ctx, alice.ID))
		eventually(t, func(r *replica.Record) bool { return r.Deleted }, alice.ID.String())
	})

	testutil.When(t, "a new user registers the freed name", func(t *testing.T) {
		again, err := svc.Register(ctx, identity.RegisterRequest{Username: "Alicia"})
		require.NoError(t, err)
		require.NotEqual(t, alice.ID, again.ID)
		eventually(t, func(r *replica.Record) bool { return r.DisplayName == "Alicia" && !r.Deleted }, again.ID.String())

		testutil.Then(t, "the new subject gets its own live replica", func(t *testing.T) {
			old, err := replicas.FindBySubject(ctx, alice.ID)
			require.NoError(t, err)
			assert.True(t, old.Deleted, "the deleted subject keeps its tombstone")
		})
	})
}
