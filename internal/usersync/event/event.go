// Package event defines the user change event replicated between the owning
// identity service and its consumers, and its JSON wire codec.
package event

import (
	"fmt"
	"strings"

	"gamehub/pkg/domain"
)

// Action is the kind of mutation an event describes.
type Action string

const (
	ActionCreate Action = "CREATE"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

// ParseAction accepts the canonical upper-case names and tolerates case
// differences from hand-built producers.
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToUpper(strings.TrimSpace(s)))
	if !a.IsValid() {
		return "", fmt.Errorf("unknown action %q", s)
	}
	return a, nil
}

func (a Action) IsValid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

func (a Action) String() string { return string(a) }

// UserChangeEvent is the unit of replication.
type UserChangeEvent struct {
	// SubjectID is nil when the producer did not know the owning id.
	SubjectID *domain.SubjectID
	Username  string
	AvatarURL *string
	Action    Action
	// EmittedAt is the publisher's logical timestamp in unix milliseconds.
	// Zero means the producer did not stamp the event.
	EmittedAt int64
	EventID   string
}

// OrderingKey is the broker partition key. Every event of one subject maps to
// the same key: the subject id when known, the username otherwise.
func (e UserChangeEvent) OrderingKey() string {
	if e.SubjectID != nil && *e.SubjectID != "" {
		return e.SubjectID.String()
	}
	return e.Username
}

// NaturalKey is the consumer-side match key for subjectless events.
func (e UserChangeEvent) NaturalKey() string {
	return strings.TrimSpace(e.Username)
}

// HasSubject reports whether the event carries an owning-side id.
func (e UserChangeEvent) HasSubject() bool {
	return e.SubjectID != nil && *e.SubjectID != ""
}

// Subject returns the subject id, or "" when absent.
func (e UserChangeEvent) Subject() domain.SubjectID {
	if e.SubjectID == nil {
		return ""
	}
	return *e.SubjectID
}

// Avatar returns the avatar URL, or "" when absent.
func (e UserChangeEvent) Avatar() string {
	if e.AvatarURL == nil {
		return ""
	}
	return *e.AvatarURL
}

// StringPtr is a convenience for building events with optional fields.
func StringPtr(s string) *string { return &s }

// SubjectPtr is a convenience for building events with a subject id.
func SubjectPtr(id domain.SubjectID) *domain.SubjectID { return &id }
