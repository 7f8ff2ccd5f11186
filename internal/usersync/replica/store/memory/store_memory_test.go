package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gamehub/internal/usersync/replica"
	"gamehub/internal/usersync/replica/storetest"
)

func TestInMemoryStore_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) replica.Store { return New() })
}

func TestInMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := New()
	avatar := "/a.png"
	rec, err := s.Insert(ctx, replica.NewRecord(nil, "Alice", &avatar, 0))
	require.NoError(t, err)

	*rec.AvatarURL = "/mutated.png"
	rec.DisplayName = "Mallory"

	got, err := s.FindByLocalID(ctx, rec.LocalID)
	require.NoError(t, err)
	assert.Equal(t, "Alice", got.DisplayName)
	assert.Equal(t, "/a.png", *got.AvatarURL)
}
