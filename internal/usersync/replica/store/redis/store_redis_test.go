package redis

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gamehub/internal/usersync/replica"
	"gamehub/pkg/domain"
)

func TestDecodeRecord(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Format(time.RFC3339Nano)
	rec, err := decodeRecord(7, map[string]string{
		"natural_key":  "Alice",
		"subject_id":   "42",
		"display_name": "Alice",
		"avatar_url":   "",
		"has_avatar":   "1",
		"level":        "USER",
		"can_sell":     "0",
		"deleted":      "1",
		"version":      "1700000000000",
		"created_at":   ts,
		"updated_at":   ts,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.LocalID(7), rec.LocalID)
	assert.Equal(t, domain.SubjectID("42"), rec.Subject())
	require.NotNil(t, rec.AvatarURL, "empty avatar is distinct from null")
	assert.Equal(t, "", *rec.AvatarURL)
	assert.True(t, rec.Deleted)
	assert.Equal(t, int64(1700000000000), rec.Version)
}

func TestDecodeRecord_NullAvatarAndUnlinked(t *testing.T) {
	ts := time.Now().UTC().Format(time.RFC3339Nano)
	rec, err := decodeRecord(1, map[string]string{
		"natural_key": "Bob", "display_name": "Bob", "has_avatar": "0",
		"level": "USER", "version": "0", "created_at": ts, "updated_at": ts,
	})
	require.NoError(t, err)
	assert.Nil(t, rec.AvatarURL)
	assert.Nil(t, rec.SubjectID)
}

func TestDecodeRecord_CorruptVersion(t *testing.T) {
	_, err := decodeRecord(1, map[string]string{"version": "x"})
	require.Error(t, err)
}

func TestTranslate(t *testing.T) {
	assert.ErrorIs(t, translate(errors.New("CONFLICT natural key"), "insert"), replica.ErrConflict)
	assert.ErrorIs(t, translate(errors.New("NOTFOUND"), "update"), replica.ErrNotFound)
	assert.ErrorIs(t, translate(errors.New("STALE 20"), "update"), replica.ErrStale)

	other := translate(errors.New("i/o timeout"), "update")
	assert.NotErrorIs(t, other, replica.ErrConflict)
	assert.Contains(t, other.Error(), "i/o timeout")
}

func TestKeyLayout_SharesHashTag(t *testing.T) {
	s := New(nil)
	keys := []string{
		s.recordKey(7),
		s.naturalKey("Alice"),
		s.naturalKey("\x1fdeleted:7"),
		s.subjectKey("42"),
		s.prefix + "ids",
		s.prefix + "seq",
	}
	for _, k := range keys {
		assert.True(t, strings.HasPrefix(k, "{replica}:"), k)
	}
	assert.Equal(t, "{replica}:rec:7", s.recordKey(7))
	assert.Equal(t, "{replica}:key:Alice", s.naturalKey("Alice"))
	assert.Equal(t, "{replica}:subject:42", s.subjectKey("42"))

	custom := New(nil, WithPrefix("{tenant-a}:"))
	assert.Equal(t, "{tenant-a}:rec:7", custom.recordKey(7))
}

func TestScripts_TouchOnlyDeclaredKeys(t *testing.T) {
	for name, script := range map[string]string{
		"insert": insertLua,
		"update": updateLua,
		"link":   linkLua,
	} {
		for _, line := range strings.Split(script, "\n") {
			if strings.Contains(line, "redis.call(") {
				assert.Contains(t, line, "KEYS[", "%s: %s", name, line)
			}
		}
	}
}
