// Package event provides validation for submitted events.
package event

import (
	"errors"
	"fmt"
)

const maxIdentifierLength = 255

// Sentinel errors for validation failures.
var (
	ErrNilEvent         = errors.New("event cannot be nil")
	ErrMissingTopic     = errors.New("topic is required")
	ErrTopicTooLong     = errors.New("topic cannot exceed 255 characters")
	ErrMissingEventID   = errors.New("event_id is required")
	ErrEventIDTooLong   = errors.New("event_id cannot exceed 255 characters")
	ErrMissingTimestamp = errors.New("timestamp is required")
	ErrMissingSource    = errors.New("source is required")
)

// Validator performs semantic validation of submitted events.
//
// Validation is total: an event either passes all checks and flows inward
// unchanged, or is rejected at the boundary. No partially valid values
// propagate into the queue or the store.
type Validator struct{}

// NewValidator creates a new Validator instance.
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateEvent checks that an Event carries all required fields.
//
// Required fields:
//   - topic: non-empty, at most 255 characters
//   - event_id: non-empty, at most 255 characters
//   - timestamp: must not be the zero value (parse failures surface earlier,
//     at JSON decoding)
//   - source: non-empty
//
// Payload is optional and opaque; no structural checks are applied to it.
//
// Returns nil if valid, a sentinel-wrapped error if validation fails.
func (v *Validator) ValidateEvent(event *Event) error {
	if event == nil {
		return ErrNilEvent
	}

	if event.Topic == "" {
		return ErrMissingTopic
	}

	if len(event.Topic) > maxIdentifierLength {
		return fmt.Errorf("%w: got %d characters", ErrTopicTooLong, len(event.Topic))
	}

	if event.EventID == "" {
		return ErrMissingEventID
	}

	if len(event.EventID) > maxIdentifierLength {
		return fmt.Errorf("%w: got %d characters", ErrEventIDTooLong, len(event.EventID))
	}

	if event.Timestamp.IsZero() {
		return ErrMissingTimestamp
	}

	if event.Source == "" {
		return ErrMissingSource
	}

	return nil
}

// ValidateBatch validates every event of a batch in order.
//
// The whole batch is rejected on the first failure: ingestion promises that a
// batch with any invalid member causes zero state mutation, so there is no
// value in collecting further errors.
func (v *Validator) ValidateBatch(events []*Event) error {
	for i, e := range events {
		if err := v.ValidateEvent(e); err != nil {
			return fmt.Errorf("event %d: %w", i, err)
		}
	}

	return nil
}
