package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrInvalidSubjectID is returned when a subject identifier fails parsing.
	ErrInvalidSubjectID = errors.New("invalid subject id")
	// ErrInvalidLocalID is returned when a local replica identifier fails parsing.
	ErrInvalidLocalID = errors.New("invalid local id")
)

// SubjectID identifies a user in the owning service's namespace. It is opaque
// to the consuming side: the owning service currently emits decimal sequence
// numbers, but nothing here depends on that.
type SubjectID string

// LocalID identifies a replica row in the consuming service's datastore.
type LocalID int64

// ParseSubjectID trims and validates a subject identifier.
func ParseSubjectID(s string) (SubjectID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidSubjectID)
	}
	if len(s) > 128 {
		return "", fmt.Errorf("%w: longer than 128 bytes", ErrInvalidSubjectID)
	}
	if strings.ContainsAny(s, "\x00\r\n") {
		return "", fmt.Errorf("%w: contains control characters", ErrInvalidSubjectID)
	}
	return SubjectID(s), nil
}

func (id SubjectID) String() string { return string(id) }

// IsNumeric reports whether the subject id is a canonical decimal int64, which
// is how the owning service's sequence ids look on the wire.
func (id SubjectID) IsNumeric() bool {
	n, err := strconv.ParseInt(string(id), 10, 64)
	return err == nil && strconv.FormatInt(n, 10) == string(id)
}

// ParseLocalID parses a positive decimal local id.
func ParseLocalID(s string) (LocalID, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidLocalID, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%w: must be positive", ErrInvalidLocalID)
	}
	return LocalID(n), nil
}

func (id LocalID) String() string { return strconv.FormatInt(int64(id), 10) }
