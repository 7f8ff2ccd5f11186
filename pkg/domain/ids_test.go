package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSubjectID(t *testing.T) {
	t.Run("rejects empty and blank", func(t *testing.T) {
		for _, in := range []string{"", "   ", "\t"} {
			_, err := ParseSubjectID(in)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidSubjectID)
		}
	})

	t.Run("rejects control characters", func(t *testing.T) {
		_, err := ParseSubjectID("42\n43")
		assert.ErrorIs(t, err, ErrInvalidSubjectID)
	})

	t.Run("rejects oversized ids", func(t *testing.T) {
		_, err := ParseSubjectID(strings.Repeat("a", 129))
		assert.ErrorIs(t, err, ErrInvalidSubjectID)
	})

	t.Run("trims surrounding whitespace", func(t *testing.T) {
		id, err := ParseSubjectID("  42 ")
		require.NoError(t, err)
		assert.Equal(t, SubjectID("42"), id)
		assert.True(t, id.IsNumeric())
	})

	t.Run("accepts opaque ids", func(t *testing.T) {
		id, err := ParseSubjectID("usr_9f3a")
		require.NoError(t, err)
		assert.False(t, id.IsNumeric())
	})
}

func TestParseLocalID(t *testing.T) {
	id, err := ParseLocalID("17")
	require.NoError(t, err)
	assert.Equal(t, LocalID(17), id)
	assert.Equal(t, "17", id.String())

	for _, in := range []string{"", "0", "-3", "abc", "1.5"} {
		_, err := ParseLocalID(in)
		assert.ErrorIs(t, err, ErrInvalidLocalID, "input %q", in)
	}
}
