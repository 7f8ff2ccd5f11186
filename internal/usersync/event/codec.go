package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"gamehub/pkg/domain"
)

// DecodeError marks a payload that can never be processed. Consumers treat it
// as permanent and skip the message instead of retrying.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode user change event: %s: %v", e.Reason, e.Err)
	}
	return "decode user change event: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsDecodeError reports whether err (or anything it wraps) is a DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// wireEvent is the JSON shape shared with the owning service. userId stays raw
// so both numeric and string ids decode.
type wireEvent struct {
	UserID    json.RawMessage `json:"userId"`
	Username  string          `json:"username"`
	AvatarURL *string         `json:"avatarUrl"`
	Action    string          `json:"action"`
	EmittedAt int64           `json:"emittedAt,omitempty"`
	EventID   string          `json:"eventId,omitempty"`
}

var jsonNull = []byte("null")

// Encode serializes an event to its wire form.
func Encode(e UserChangeEvent) ([]byte, error) {
	if !e.Action.IsValid() {
		return nil, fmt.Errorf("encode user change event: unknown action %q", e.Action)
	}
	w := wireEvent{
		UserID:    jsonNull,
		Username:  e.Username,
		AvatarURL: e.AvatarURL,
		Action:    string(e.Action),
		EmittedAt: e.EmittedAt,
		EventID:   e.EventID,
	}
	if e.SubjectID != nil {
		raw, err := encodeSubject(*e.SubjectID)
		if err != nil {
			return nil, err
		}
		w.UserID = raw
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode user change event: %w", err)
	}
	return data, nil
}

// Decode parses a wire payload. Any failure is returned as *DecodeError.
func Decode(data []byte) (UserChangeEvent, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return UserChangeEvent{}, &DecodeError{Reason: "empty payload"}
	}

	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return UserChangeEvent{}, &DecodeError{Reason: "malformed json", Err: err}
	}

	action, err := ParseAction(w.Action)
	if err != nil {
		return UserChangeEvent{}, &DecodeError{Reason: "invalid action", Err: err}
	}

	e := UserChangeEvent{
		Username:  w.Username,
		AvatarURL: w.AvatarURL,
		Action:    action,
		EmittedAt: w.EmittedAt,
		EventID:   w.EventID,
	}
	if e.NaturalKey() == "" {
		return UserChangeEvent{}, &DecodeError{Reason: "missing username"}
	}
	if e.EmittedAt < 0 {
		return UserChangeEvent{}, &DecodeError{Reason: "negative emittedAt"}
	}

	subject, err := decodeSubject(w.UserID)
	if err != nil {
		return UserChangeEvent{}, &DecodeError{Reason: "invalid userId", Err: err}
	}
	e.SubjectID = subject
	return e, nil
}

func encodeSubject(id domain.SubjectID) (json.RawMessage, error) {
	if id.IsNumeric() {
		return json.RawMessage(id.String()), nil
	}
	raw, err := json.Marshal(id.String())
	if err != nil {
		return nil, fmt.Errorf("encode user change event: userId: %w", err)
	}
	return raw, nil
}

func decodeSubject(raw json.RawMessage) (*domain.SubjectID, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, jsonNull) {
		return nil, nil
	}

	var s string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
	} else {
		n, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("expected integer or string, got %s", raw)
		}
		s = strconv.FormatInt(n, 10)
	}

	id, err := domain.ParseSubjectID(s)
	if err != nil {
		return nil, err
	}
	return &id, nil
}
