// Package sqlstore persists replicas in PostgreSQL or SQLite. Natural key and
// subject uniqueness are enforced by the schema; the store only translates
// violations into replica.ErrConflict.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gamehub/internal/usersync/replica"
	"gamehub/pkg/domain"
	"gamehub/pkg/platform/tx"
)

const selectColumns = `SELECT r.local_id, l.subject_id, r.natural_key, r.display_name, r.avatar_url,
	r.level, r.can_sell, r.deleted, r.version, r.created_at, r.updated_at
	FROM replicas r LEFT JOIN subject_links l ON l.local_id = r.local_id`

// Store is a replica.Store backed by database/sql.
type Store struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

var _ replica.Store = (*Store)(nil)

// New constructs a store. The schema must already exist, see Migrate.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect, now: time.Now}
}

// Migrate creates the replica tables if they do not exist.
func Migrate(ctx context.Context, db *sql.DB, dialect Dialect) error {
	for _, stmt := range dialect.Schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s schema: %w", dialect.Name, err)
		}
	}
	return nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) conn(ctx context.Context) querier {
	if sqlTx, ok := tx.From(ctx); ok {
		return sqlTx
	}
	return s.db
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*replica.Record, error) {
	var (
		rec       replica.Record
		localID   int64
		subjectID sql.NullString
		avatarURL sql.NullString
		level     string
	)
	if err := row.Scan(&localID, &subjectID, &rec.NaturalKey, &rec.DisplayName, &avatarURL,
		&level, &rec.CanSell, &rec.Deleted, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.LocalID = domain.LocalID(localID)
	rec.Level = replica.Level(level)
	if subjectID.Valid {
		id := domain.SubjectID(subjectID.String)
		rec.SubjectID = &id
	}
	if avatarURL.Valid {
		a := avatarURL.String
		rec.AvatarURL = &a
	}
	return &rec, nil
}

func (s *Store) findOne(ctx context.Context, where string, arg any, what string) (*replica.Record, error) {
	row := s.conn(ctx).QueryRowContext(ctx, s.dialect.Rebind(selectColumns+" WHERE "+where), arg)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("replica %s: %w", what, replica.ErrNotFound)
		}
		return nil, fmt.Errorf("find replica %s: %w", what, err)
	}
	return rec, nil
}

func (s *Store) FindByNaturalKey(ctx context.Context, key string) (*replica.Record, error) {
	return s.findOne(ctx, "r.natural_key = ?", key, fmt.Sprintf("with natural key %q", key))
}

func (s *Store) FindBySubject(ctx context.Context, subjectID domain.SubjectID) (*replica.Record, error) {
	return s.findOne(ctx, "l.subject_id = ?", subjectID.String(), "for subject "+subjectID.String())
}

func (s *Store) FindByLocalID(ctx context.Context, localID domain.LocalID) (*replica.Record, error) {
	return s.findOne(ctx, "r.local_id = ?", int64(localID), localID.String())
}

func (s *Store) List(ctx context.Context, limit int) ([]*replica.Record, error) {
	query := selectColumns + " ORDER BY r.local_id"
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.conn(ctx).QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list replicas: %w", err)
	}
	defer rows.Close()

	var out []*replica.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan replica: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list replicas: %w", err)
	}
	return out, nil
}

func (s *Store) Insert(ctx context.Context, record replica.Record) (*replica.Record, error) {
	now := s.now().UTC()
	var inserted *replica.Record
	err := tx.Run(ctx, s.db, func(ctx context.Context) error {
		q := s.conn(ctx)
		var localID int64
		err := q.QueryRowContext(ctx, s.dialect.Rebind(`INSERT INTO replicas
			(natural_key, display_name, avatar_url, level, can_sell, deleted, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING local_id`),
			record.NaturalKey, record.DisplayName, nullString(record.AvatarURL), string(record.Level),
			record.CanSell, record.Deleted, record.Version, now, now,
		).Scan(&localID)
		if err != nil {
			return s.translate(err, fmt.Sprintf("insert replica %q", record.NaturalKey))
		}
		if record.SubjectID != nil {
			if err := s.insertLink(ctx, q, *record.SubjectID, domain.LocalID(localID), now); err != nil {
				return err
			}
		}
		inserted = record.Clone()
		inserted.LocalID = domain.LocalID(localID)
		inserted.CreatedAt = now
		inserted.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

func (s *Store) Update(ctx context.Context, record replica.Record) (*replica.Record, error) {
	var updated *replica.Record
	err := tx.Run(ctx, s.db, func(ctx context.Context) error {
		res, err := s.conn(ctx).ExecContext(ctx, s.dialect.Rebind(`UPDATE replicas SET
			natural_key = ?, display_name = ?, avatar_url = ?, deleted = ?,
			version = CASE WHEN CAST(? AS BIGINT) = 0 THEN version ELSE ? END, updated_at = ?
			WHERE local_id = ? AND (CAST(? AS BIGINT) = 0 OR version < ?)`),
			record.NaturalKey, record.DisplayName, nullString(record.AvatarURL), record.Deleted,
			record.Version, record.Version, s.now().UTC(),
			int64(record.LocalID), record.Version, record.Version,
		)
		if err != nil {
			return s.translate(err, fmt.Sprintf("update replica %d", record.LocalID))
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update replica %d: %w", record.LocalID, err)
		}
		current, err := s.FindByLocalID(ctx, record.LocalID)
		if err != nil {
			return fmt.Errorf("update replica: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("update replica %d: version %d <= %d: %w", record.LocalID, record.Version, current.Version, replica.ErrStale)
		}
		updated = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Store) Link(ctx context.Context, subjectID domain.SubjectID, localID domain.LocalID) error {
	return tx.Run(ctx, s.db, func(ctx context.Context) error {
		current, err := s.FindByLocalID(ctx, localID)
		if err != nil {
			return fmt.Errorf("link subject %s: %w", subjectID, err)
		}
		if current.SubjectID != nil {
			if *current.SubjectID == subjectID {
				return nil
			}
			return fmt.Errorf("link subject %s: replica %d linked to %s: %w", subjectID, localID, *current.SubjectID, replica.ErrConflict)
		}
		return s.insertLink(ctx, s.conn(ctx), subjectID, localID, s.now().UTC())
	})
}

func (s *Store) insertLink(ctx context.Context, q querier, subjectID domain.SubjectID, localID domain.LocalID, at time.Time) error {
	_, err := q.ExecContext(ctx, s.dialect.Rebind(`INSERT INTO subject_links (subject_id, local_id, linked_at) VALUES (?, ?, ?)`),
		subjectID.String(), int64(localID), at)
	if err != nil {
		return s.translate(err, fmt.Sprintf("link subject %s to replica %d", subjectID, localID))
	}
	return nil
}

func (s *Store) translate(err error, op string) error {
	if s.dialect.IsUniqueViolation(err) {
		return fmt.Errorf("%s: %w", op, replica.ErrConflict)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
