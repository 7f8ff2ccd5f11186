// Package replica holds the consumer-side projection of a user and the narrow
// persistence contract the reconciliation engine depends on.
package replica

//go:generate mockgen -source=replica.go -destination=mocks/mocks.go -package=mocks Reader,Store

import (
	"context"
	"strings"
	"time"

	"gamehub/pkg/domain"
	"gamehub/pkg/platform/sentinel"
)

// Level mirrors the consuming service's user tier.
type Level string

const (
	LevelUser   Level = "USER"
	LevelSeller Level = "SELLER"
	LevelAdmin  Level = "ADMIN"
)

// Store errors. Implementations wrap these so callers can use errors.Is.
var (
	ErrNotFound = sentinel.ErrNotFound
	ErrConflict = sentinel.ErrConflict
	ErrStale    = sentinel.ErrStale
)

// TombstonePrefix starts the natural key of every deleted record. A deleted
// user's name is free for the owning service to hand out again, so the
// tombstone gives it up. The leading unit separator never appears in a
// username the engine accepts.
const TombstonePrefix = "\x1fdeleted:"

// TombstoneKey is the natural key a deleted record is moved to. It is unique
// per record so any number of tombstones can coexist.
func TombstoneKey(id domain.LocalID) string {
	return TombstonePrefix + id.String()
}

// IsTombstoneKey reports whether key belongs to a deleted record.
func IsTombstoneKey(key string) bool {
	return strings.HasPrefix(key, TombstonePrefix)
}

// Record is the local copy of a remote user.
type Record struct {
	LocalID domain.LocalID
	// SubjectID links the record to the owning service's id. Nil for
	// records created from subjectless events that were never linked.
	SubjectID   *domain.SubjectID
	NaturalKey  string
	DisplayName string
	AvatarURL   *string
	Level       Level
	CanSell     bool
	Deleted     bool
	// Version is the EmittedAt of the last event applied to the record.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Subject returns the linked subject id, or "" when unlinked.
func (r *Record) Subject() domain.SubjectID {
	if r.SubjectID == nil {
		return ""
	}
	return *r.SubjectID
}

// Clone returns a deep copy so stores never hand out shared pointers.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.SubjectID != nil {
		s := *r.SubjectID
		c.SubjectID = &s
	}
	if r.AvatarURL != nil {
		a := *r.AvatarURL
		c.AvatarURL = &a
	}
	return &c
}

// Reader is the read model exposed to the consuming service's own API.
type Reader interface {
	FindByNaturalKey(ctx context.Context, key string) (*Record, error)
	FindBySubject(ctx context.Context, subjectID domain.SubjectID) (*Record, error)
	FindByLocalID(ctx context.Context, localID domain.LocalID) (*Record, error)
	List(ctx context.Context, limit int) ([]*Record, error)
}

// Store is the persistence contract of the reconciliation engine. It must be
// safe for concurrent use; uniqueness of NaturalKey and SubjectID is enforced
// by the storage itself and surfaces as ErrConflict.
type Store interface {
	Reader
	// Insert assigns LocalID and timestamps and persists the record. A set
	// SubjectID is linked atomically with the insert.
	Insert(ctx context.Context, record Record) (*Record, error)
	// Update replaces the mutable fields of the record identified by
	// LocalID. It returns ErrStale when the stored Version is greater than
	// or equal to record.Version and record.Version is non-zero.
	Update(ctx context.Context, record Record) (*Record, error)
	// Link maps subjectID to an existing unlinked record.
	Link(ctx context.Context, subjectID domain.SubjectID, localID domain.LocalID) error
}

// NewRecord applies the consuming service's defaults for a fresh replica.
func NewRecord(subjectID *domain.SubjectID, displayName string, avatarURL *string, version int64) Record {
	return Record{
		SubjectID:   subjectID,
		NaturalKey:  displayName,
		DisplayName: displayName,
		AvatarURL:   avatarURL,
		Level:       LevelUser,
		CanSell:     false,
		Version:     version,
	}
}
