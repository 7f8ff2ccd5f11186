// Package redis stores replicas in Redis hashes. Writes run as Lua scripts so
// the unique key claims (SETNX) and the record update are atomic. Every key a
// script touches is passed through KEYS.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"gamehub/internal/usersync/replica"
	"gamehub/pkg/domain"
)

// DefaultPrefix namespaces every key the store writes. The braces are a
// cluster hash tag: every key one script touches must live in one slot.
const DefaultPrefix = "{replica}:"

const (
	errConflict = "CONFLICT"
	errNotFound = "NOTFOUND"
	errStale    = "STALE"
	errMoved    = "MOVED_KEY"
)

// updateAttempts bounds the re-reads when the natural key changes between
// reading it and running the update script.
const updateAttempts = 3

// KEYS: natural key index, subject index, record hash, id set.
const insertLua = `
local subject, id = ARGV[1], ARGV[2]
if subject ~= '' and redis.call('EXISTS', KEYS[2]) == 1 then
  return redis.error_reply('CONFLICT subject')
end
if redis.call('SETNX', KEYS[1], id) == 0 then
  return redis.error_reply('CONFLICT natural key')
end
if subject ~= '' then
  redis.call('SET', KEYS[2], id)
end
redis.call('HSET', KEYS[3],
  'natural_key', ARGV[3], 'subject_id', subject, 'display_name', ARGV[4],
  'avatar_url', ARGV[5], 'has_avatar', ARGV[6], 'level', ARGV[7],
  'can_sell', ARGV[8], 'deleted', ARGV[9], 'version', ARGV[10],
  'created_at', ARGV[11], 'updated_at', ARGV[11])
redis.call('ZADD', KEYS[4], id, id)
return id
`

var insertScript = redis.NewScript(insertLua)

// KEYS: record hash, current natural key index, new natural key index.
// ARGV[2] is the natural key the caller read; a mismatch means a concurrent
// rename and the caller retries with fresh keys.
const updateLua = `
local id = ARGV[1]
if redis.call('EXISTS', KEYS[1]) == 0 then
  return redis.error_reply('NOTFOUND')
end
local oldKey, newKey = redis.call('HGET', KEYS[1], 'natural_key'), ARGV[3]
if oldKey ~= ARGV[2] then
  return redis.error_reply('MOVED_KEY')
end
local version = tonumber(ARGV[4])
local stored = tonumber(redis.call('HGET', KEYS[1], 'version'))
if version ~= 0 and stored >= version then
  return redis.error_reply('STALE ' .. stored)
end
if newKey ~= oldKey then
  if redis.call('SETNX', KEYS[3], id) == 0 then
    return redis.error_reply('CONFLICT natural key')
  end
  redis.call('DEL', KEYS[2])
end
redis.call('HSET', KEYS[1], 'natural_key', newKey, 'display_name', ARGV[5],
  'avatar_url', ARGV[6], 'has_avatar', ARGV[7], 'deleted', ARGV[8], 'updated_at', ARGV[9])
if version ~= 0 then
  redis.call('HSET', KEYS[1], 'version', ARGV[4])
end
return 1
`

var updateScript = redis.NewScript(updateLua)

// KEYS: record hash, subject index.
const linkLua = `
local subject, id = ARGV[1], ARGV[2]
if redis.call('EXISTS', KEYS[1]) == 0 then
  return redis.error_reply('NOTFOUND')
end
local current = redis.call('HGET', KEYS[1], 'subject_id')
if current == subject then
  return 1
end
if current and current ~= '' then
  return redis.error_reply('CONFLICT record linked')
end
if redis.call('SETNX', KEYS[2], id) == 0 then
  return redis.error_reply('CONFLICT subject')
end
redis.call('HSET', KEYS[1], 'subject_id', subject, 'updated_at', ARGV[3])
return 1
`

var linkScript = redis.NewScript(linkLua)

// RedisStore is a replica.Store for deployments that already run Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

var _ replica.Store = (*RedisStore)(nil)

// Option configures a RedisStore.
type Option func(*RedisStore)

// WithPrefix overrides DefaultPrefix.
func WithPrefix(prefix string) Option {
	return func(s *RedisStore) { s.prefix = prefix }
}

// New constructs a store; the client lifecycle stays with the caller.
func New(client *redis.Client, opts ...Option) *RedisStore {
	s := &RedisStore{client: client, prefix: DefaultPrefix, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *RedisStore) FindByNaturalKey(ctx context.Context, key string) (*replica.Record, error) {
	return s.findVia(ctx, s.naturalKey(key), fmt.Sprintf("with natural key %q", key))
}

func (s *RedisStore) FindBySubject(ctx context.Context, subjectID domain.SubjectID) (*replica.Record, error) {
	return s.findVia(ctx, s.subjectKey(subjectID), "for subject "+subjectID.String())
}

func (s *RedisStore) FindByLocalID(ctx context.Context, localID domain.LocalID) (*replica.Record, error) {
	return s.load(ctx, localID)
}

func (s *RedisStore) findVia(ctx context.Context, indexKey, what string) (*replica.Record, error) {
	raw, err := s.client.Get(ctx, indexKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("replica %s: %w", what, replica.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find replica %s: %w", what, err)
	}
	id, err := domain.ParseLocalID(raw)
	if err != nil {
		return nil, fmt.Errorf("find replica %s: corrupt index: %w", what, err)
	}
	return s.load(ctx, id)
}

func (s *RedisStore) load(ctx context.Context, localID domain.LocalID) (*replica.Record, error) {
	fields, err := s.client.HGetAll(ctx, s.recordKey(localID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load replica %d: %w", localID, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("replica %d: %w", localID, replica.ErrNotFound)
	}
	return decodeRecord(localID, fields)
}

func (s *RedisStore) List(ctx context.Context, limit int) ([]*replica.Record, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := s.client.ZRange(ctx, s.prefix+"ids", 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list replicas: %w", err)
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, raw := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.prefix+"rec:"+raw)
	}
	if len(ids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("list replicas: %w", err)
		}
	}

	out := make([]*replica.Record, 0, len(ids))
	for i, raw := range ids {
		id, err := domain.ParseLocalID(raw)
		if err != nil {
			return nil, fmt.Errorf("list replicas: corrupt id %q: %w", raw, err)
		}
		rec, err := decodeRecord(id, cmds[i].Val())
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *RedisStore) Insert(ctx context.Context, record replica.Record) (*replica.Record, error) {
	// The id is allocated before the script so the record key can be declared.
	// A conflicting insert leaves a gap in the sequence.
	next, err := s.client.Incr(ctx, s.prefix+"seq").Result()
	if err != nil {
		return nil, fmt.Errorf("insert replica %q: allocate id: %w", record.NaturalKey, err)
	}
	id := domain.LocalID(next)
	now := s.now().UTC()
	avatar, hasAvatar := avatarArgs(record.AvatarURL)
	subject := record.Subject()
	err = insertScript.Run(ctx, s.client,
		[]string{s.naturalKey(record.NaturalKey), s.subjectKey(subject), s.recordKey(id), s.prefix + "ids"},
		subject.String(), id.String(), record.NaturalKey, record.DisplayName,
		avatar, hasAvatar, string(record.Level), flag(record.CanSell), flag(record.Deleted),
		record.Version, now.Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return nil, translate(err, fmt.Sprintf("insert replica %q", record.NaturalKey))
	}
	rec := record.Clone()
	rec.LocalID = id
	rec.CreatedAt = now
	rec.UpdatedAt = now
	return rec, nil
}

func (s *RedisStore) Update(ctx context.Context, record replica.Record) (*replica.Record, error) {
	op := fmt.Sprintf("update replica %d (version %d)", record.LocalID, record.Version)
	avatar, hasAvatar := avatarArgs(record.AvatarURL)
	rk := s.recordKey(record.LocalID)
	for range updateAttempts {
		current, err := s.client.HGet(ctx, rk, "natural_key").Result()
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%s: %w", op, replica.ErrNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		err = updateScript.Run(ctx, s.client,
			[]string{rk, s.naturalKey(current), s.naturalKey(record.NaturalKey)},
			record.LocalID.String(), current, record.NaturalKey, record.Version, record.DisplayName,
			avatar, hasAvatar, flag(record.Deleted), s.now().UTC().Format(time.RFC3339Nano),
		).Err()
		if err != nil && strings.HasPrefix(err.Error(), errMoved) {
			continue
		}
		if err != nil {
			return nil, translate(err, op)
		}
		return s.load(ctx, record.LocalID)
	}
	return nil, fmt.Errorf("%s: natural key kept changing", op)
}

func (s *RedisStore) Link(ctx context.Context, subjectID domain.SubjectID, localID domain.LocalID) error {
	err := linkScript.Run(ctx, s.client,
		[]string{s.recordKey(localID), s.subjectKey(subjectID)},
		subjectID.String(), localID.String(), s.now().UTC().Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return translate(err, fmt.Sprintf("link subject %s to replica %d", subjectID, localID))
	}
	return nil
}

func (s *RedisStore) recordKey(id domain.LocalID) string {
	return s.prefix + "rec:" + id.String()
}

func (s *RedisStore) naturalKey(key string) string {
	return s.prefix + "key:" + key
}

func (s *RedisStore) subjectKey(id domain.SubjectID) string {
	return s.prefix + "subject:" + id.String()
}

func translate(err error, op string) error {
	msg := err.Error()
	switch {
	case strings.HasPrefix(msg, errConflict):
		return fmt.Errorf("%s: %s: %w", op, msg, replica.ErrConflict)
	case strings.HasPrefix(msg, errNotFound):
		return fmt.Errorf("%s: %w", op, replica.ErrNotFound)
	case strings.HasPrefix(msg, errStale):
		return fmt.Errorf("%s: stored %s: %w", op, strings.TrimPrefix(msg, errStale+" "), replica.ErrStale)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func decodeRecord(id domain.LocalID, f map[string]string) (*replica.Record, error) {
	version, err := strconv.ParseInt(f["version"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("replica %d: version %q: %w", id, f["version"], err)
	}
	created, err := time.Parse(time.RFC3339Nano, f["created_at"])
	if err != nil {
		return nil, fmt.Errorf("replica %d: created_at: %w", id, err)
	}
	updated, err := time.Parse(time.RFC3339Nano, f["updated_at"])
	if err != nil {
		return nil, fmt.Errorf("replica %d: updated_at: %w", id, err)
	}
	rec := &replica.Record{
		LocalID:     id,
		NaturalKey:  f["natural_key"],
		DisplayName: f["display_name"],
		Level:       replica.Level(f["level"]),
		CanSell:     f["can_sell"] == "1",
		Deleted:     f["deleted"] == "1",
		Version:     version,
		CreatedAt:   created,
		UpdatedAt:   updated,
	}
	if subject := f["subject_id"]; subject != "" {
		sid := domain.SubjectID(subject)
		rec.SubjectID = &sid
	}
	if f["has_avatar"] == "1" {
		avatar := f["avatar_url"]
		rec.AvatarURL = &avatar
	}
	return rec, nil
}

func avatarArgs(avatar *string) (string, string) {
	if avatar == nil {
		return "", "0"
	}
	return *avatar, "1"
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
