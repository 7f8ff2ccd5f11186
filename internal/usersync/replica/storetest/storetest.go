// Package storetest is a conformance suite for replica.Store implementations.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gamehub/internal/usersync/replica"
	"gamehub/pkg/domain"
)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) replica.Store

func subject(s string) *domain.SubjectID {
	id := domain.SubjectID(s)
	return &id
}

func avatar(s string) *string { return &s }

// Run executes every conformance check against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("insert applies defaults and assigns ids", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		rec, err := s.Insert(ctx, replica.NewRecord(nil, "Alice", avatar("/a.png"), 0))
		require.NoError(t, err)
		assert.NotZero(t, rec.LocalID)
		assert.Equal(t, "Alice", rec.NaturalKey)
		assert.Equal(t, "Alice", rec.DisplayName)
		assert.Equal(t, "/a.png", *rec.AvatarURL)
		assert.Equal(t, replica.LevelUser, rec.Level)
		assert.False(t, rec.CanSell)
		assert.False(t, rec.Deleted)
		assert.Nil(t, rec.SubjectID)
		assert.False(t, rec.CreatedAt.IsZero())

		second, err := s.Insert(ctx, replica.NewRecord(nil, "Bob", nil, 0))
		require.NoError(t, err)
		assert.NotEqual(t, rec.LocalID, second.LocalID)
		assert.Nil(t, second.AvatarURL)
	})

	t.Run("find by each key", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		rec, err := s.Insert(ctx, replica.NewRecord(subject("42"), "Alice", nil, 10))
		require.NoError(t, err)

		byKey, err := s.FindByNaturalKey(ctx, "Alice")
		require.NoError(t, err)
		assert.Equal(t, rec.LocalID, byKey.LocalID)
		assert.Equal(t, domain.SubjectID("42"), byKey.Subject())
		assert.Equal(t, int64(10), byKey.Version)

		bySubject, err := s.FindBySubject(ctx, "42")
		require.NoError(t, err)
		assert.Equal(t, rec.LocalID, bySubject.LocalID)

		byID, err := s.FindByLocalID(ctx, rec.LocalID)
		require.NoError(t, err)
		assert.Equal(t, "Alice", byID.DisplayName)
	})

	t.Run("missing records return ErrNotFound", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		_, err := s.FindByNaturalKey(ctx, "nobody")
		assert.ErrorIs(t, err, replica.ErrNotFound)
		_, err = s.FindBySubject(ctx, "404")
		assert.ErrorIs(t, err, replica.ErrNotFound)
		_, err = s.FindByLocalID(ctx, 9999)
		assert.ErrorIs(t, err, replica.ErrNotFound)
	})

	t.Run("duplicate natural key is a conflict", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		_, err := s.Insert(ctx, replica.NewRecord(nil, "Alice", nil, 0))
		require.NoError(t, err)
		_, err = s.Insert(ctx, replica.NewRecord(nil, "Alice", avatar("/other.png"), 0))
		assert.ErrorIs(t, err, replica.ErrConflict)

		all, err := s.List(ctx, 0)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("duplicate subject is a conflict", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		_, err := s.Insert(ctx, replica.NewRecord(subject("7"), "Alice", nil, 0))
		require.NoError(t, err)
		_, err = s.Insert(ctx, replica.NewRecord(subject("7"), "Alicia", nil, 0))
		assert.ErrorIs(t, err, replica.ErrConflict)

		_, err = s.FindByNaturalKey(ctx, "Alicia")
		assert.ErrorIs(t, err, replica.ErrNotFound, "failed insert leaves no partial row")
	})

	t.Run("concurrent inserts of one key have a single winner", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		const workers = 16
		var wg sync.WaitGroup
		var wins, conflicts atomic.Int32
		for i := range workers {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.Insert(ctx, replica.NewRecord(nil, "Racer", avatar(fmt.Sprintf("/%d.png", i)), 0))
				switch {
				case err == nil:
					wins.Add(1)
				case errors.Is(err, replica.ErrConflict):
					conflicts.Add(1)
				default:
					t.Errorf("unexpected insert error: %v", err)
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, int32(1), wins.Load())
		assert.Equal(t, int32(workers-1), conflicts.Load())
	})

	t.Run("update replaces fields and renames", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		rec, err := s.Insert(ctx, replica.NewRecord(subject("42"), "Alice", nil, 10))
		require.NoError(t, err)

		next := *rec
		next.NaturalKey = "Alicia"
		next.DisplayName = "Alicia"
		next.AvatarURL = avatar("/new.png")
		next.Version = 20
		updated, err := s.Update(ctx, next)
		require.NoError(t, err)
		assert.Equal(t, "Alicia", updated.DisplayName)
		assert.Equal(t, int64(20), updated.Version)
		assert.Equal(t, replica.LevelUser, updated.Level, "update keeps local-only fields")

		_, err = s.FindByNaturalKey(ctx, "Alice")
		assert.ErrorIs(t, err, replica.ErrNotFound, "old name is released")
		renamed, err := s.FindByNaturalKey(ctx, "Alicia")
		require.NoError(t, err)
		assert.Equal(t, rec.LocalID, renamed.LocalID)
		assert.Equal(t, "/new.png", *renamed.AvatarURL)
	})

	t.Run("update rejects stale versions", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		rec, err := s.Insert(ctx, replica.NewRecord(subject("42"), "Alice", nil, 10))
		require.NoError(t, err)

		stale := *rec
		stale.AvatarURL = avatar("/old.png")
		stale.Version = 10
		_, err = s.Update(ctx, stale)
		assert.ErrorIs(t, err, replica.ErrStale)

		unversioned := *rec
		unversioned.AvatarURL = avatar("/any.png")
		unversioned.Version = 0
		updated, err := s.Update(ctx, unversioned)
		require.NoError(t, err)
		assert.Equal(t, int64(10), updated.Version, "unversioned writes keep the stored version")
	})

	t.Run("update onto a taken name is a conflict", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		_, err := s.Insert(ctx, replica.NewRecord(nil, "Alice", nil, 0))
		require.NoError(t, err)
		bob, err := s.Insert(ctx, replica.NewRecord(nil, "Bob", nil, 0))
		require.NoError(t, err)

		next := *bob
		next.NaturalKey = "Alice"
		next.DisplayName = "Alice"
		_, err = s.Update(ctx, next)
		assert.ErrorIs(t, err, replica.ErrConflict)
	})

	t.Run("update of a missing record is not found", func(t *testing.T) {
		s := newStore(t)
		rec := replica.NewRecord(nil, "Ghost", nil, 1)
		rec.LocalID = 9999
		_, err := s.Update(context.Background(), rec)
		assert.ErrorIs(t, err, replica.ErrNotFound)
	})

	t.Run("tombstone keeps the row", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		rec, err := s.Insert(ctx, replica.NewRecord(subject("42"), "Alice", nil, 1))
		require.NoError(t, err)
		dead := *rec
		dead.Deleted = true
		dead.Version = 2
		_, err = s.Update(ctx, dead)
		require.NoError(t, err)

		got, err := s.FindBySubject(ctx, "42")
		require.NoError(t, err)
		assert.True(t, got.Deleted)
	})

	t.Run("tombstone key frees the name for a new record", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		rec, err := s.Insert(ctx, replica.NewRecord(subject("42"), "Alice", nil, 1))
		require.NoError(t, err)
		dead := *rec
		dead.Deleted = true
		dead.NaturalKey = replica.TombstoneKey(rec.LocalID)
		dead.Version = 2
		_, err = s.Update(ctx, dead)
		require.NoError(t, err)

		_, err = s.FindByNaturalKey(ctx, "Alice")
		assert.ErrorIs(t, err, replica.ErrNotFound)

		reborn, err := s.Insert(ctx, replica.NewRecord(subject("43"), "Alice", nil, 3))
		require.NoError(t, err)
		assert.NotEqual(t, rec.LocalID, reborn.LocalID)

		old, err := s.FindBySubject(ctx, "42")
		require.NoError(t, err)
		assert.True(t, old.Deleted)
		assert.Equal(t, "Alice", old.DisplayName, "display name stays for attribution")
		assert.True(t, replica.IsTombstoneKey(old.NaturalKey))

		byName, err := s.FindByNaturalKey(ctx, "Alice")
		require.NoError(t, err)
		assert.Equal(t, domain.SubjectID("43"), byName.Subject())
	})

	t.Run("tombstones of different records coexist", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		for _, name := range []string{"Alice", "Bob"} {
			rec, err := s.Insert(ctx, replica.NewRecord(nil, name, nil, 1))
			require.NoError(t, err)
			dead := *rec
			dead.Deleted = true
			dead.NaturalKey = replica.TombstoneKey(rec.LocalID)
			dead.Version = 2
			_, err = s.Update(ctx, dead)
			require.NoError(t, err)
		}
	})

	t.Run("link adopts an unlinked record", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		rec, err := s.Insert(ctx, replica.NewRecord(nil, "Alice", nil, 0))
		require.NoError(t, err)

		require.NoError(t, s.Link(ctx, "42", rec.LocalID))
		require.NoError(t, s.Link(ctx, "42", rec.LocalID), "relinking the same pair is a no-op")

		got, err := s.FindBySubject(ctx, "42")
		require.NoError(t, err)
		assert.Equal(t, rec.LocalID, got.LocalID)
		assert.Equal(t, domain.SubjectID("42"), got.Subject())

		other, err := s.Insert(ctx, replica.NewRecord(nil, "Bob", nil, 0))
		require.NoError(t, err)
		assert.ErrorIs(t, s.Link(ctx, "42", other.LocalID), replica.ErrConflict, "subject already linked")
		assert.ErrorIs(t, s.Link(ctx, "43", rec.LocalID), replica.ErrConflict, "record already linked")
		assert.ErrorIs(t, s.Link(ctx, "44", 9999), replica.ErrNotFound)
	})

	t.Run("list orders by local id and honours limit", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		for _, name := range []string{"A", "B", "C"} {
			_, err := s.Insert(ctx, replica.NewRecord(nil, name, nil, 0))
			require.NoError(t, err)
		}
		all, err := s.List(ctx, 0)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "A", all[0].DisplayName)
		assert.Less(t, all[0].LocalID, all[1].LocalID)

		two, err := s.List(ctx, 2)
		require.NoError(t, err)
		assert.Len(t, two, 2)
	})
}
