package triggerbus

import (
	"fmt"
	"time"

	"github.com/casualjim/triggerbus/pkg/uuidx"
	"github.com/go-openapi/strfmt"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const contentType = "application/json"

var eventJSON = []byte(`{"type":"event"}`)

// Event is a payload delivered to a subscription.
type Event struct {
	ID        uuid.UUID       `json:"id"`
	Trigger   string          `json:"trigger"`
	Timestamp strfmt.DateTime `json:"timestamp"`
	// Payload is the generic JSON decoding of the published value.
	Payload any `json:"payload"`

	raw []byte
}

// Raw returns the payload as JSON.
func (e Event) Raw() []byte {
	return e.raw
}

// Bind decodes the payload into v.
func (e Event) Bind(v any) error {
	if len(e.raw) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidEvent)
	}
	return json.Unmarshal(e.raw, v)
}

// Get looks up a gjson path in the payload.
func (e Event) Get(path string) gjson.Result {
	return gjson.GetBytes(e.raw, path)
}

// newEvent captures payload as JSON, stamping it with a fresh id and the current time.
func newEvent(trigger string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("%w: encode payload: %w", ErrInvalidEvent, err)
	}
	return Event{
		ID:        uuidx.New(),
		Trigger:   trigger,
		Timestamp: strfmt.DateTime(time.Now().UTC()),
		Payload:   payload,
		raw:       raw,
	}, nil
}

// MarshalJSON writes the wire envelope for the event.
func (e Event) MarshalJSON() ([]byte, error) {
	result := eventJSON

	var err error
	result, err = sjson.SetBytes(result, "id", e.ID.String())
	if err != nil {
		return nil, err
	}

	result, err = sjson.SetBytes(result, "trigger", e.Trigger)
	if err != nil {
		return nil, err
	}

	result, err = sjson.SetBytes(result, "timestamp", e.Timestamp.String())
	if err != nil {
		return nil, err
	}

	raw := e.raw
	if raw == nil {
		if raw, err = json.Marshal(e.Payload); err != nil {
			return nil, err
		}
	}
	return sjson.SetRawBytes(result, "payload", raw)
}

// UnmarshalJSON reads a wire envelope.
func (e *Event) UnmarshalJSON(data []byte) error {
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("%w: invalid json: %s", ErrInvalidEvent, data)
	}

	msgType := gjson.GetBytes(data, "type")
	if !msgType.Exists() || msgType.String() != "event" {
		return fmt.Errorf("%w: missing or invalid type, expected 'event'", ErrInvalidEvent)
	}

	id := gjson.GetBytes(data, "id")
	if !id.Exists() {
		return fmt.Errorf("%w: missing required field 'id'", ErrInvalidEvent)
	}
	if err := e.ID.UnmarshalText([]byte(id.String())); err != nil {
		return fmt.Errorf("%w: invalid id: %w", ErrInvalidEvent, err)
	}

	trigger := gjson.GetBytes(data, "trigger")
	if !trigger.Exists() {
		return fmt.Errorf("%w: missing required field 'trigger'", ErrInvalidEvent)
	}
	e.Trigger = trigger.String()

	if timestamp := gjson.GetBytes(data, "timestamp"); timestamp.Exists() {
		if err := e.Timestamp.UnmarshalText([]byte(timestamp.String())); err != nil {
			return fmt.Errorf("%w: invalid timestamp: %w", ErrInvalidEvent, err)
		}
	}

	payload := gjson.GetBytes(data, "payload")
	if !payload.Exists() {
		return fmt.Errorf("%w: missing required field 'payload'", ErrInvalidEvent)
	}
	e.raw = []byte(payload.Raw)
	e.Payload = nil
	if err := json.Unmarshal(e.raw, &e.Payload); err != nil {
		return fmt.Errorf("%w: invalid payload: %w", ErrInvalidEvent, err)
	}
	return nil
}

func decodeEvent(body []byte) (Event, error) {
	var e Event
	if err := e.UnmarshalJSON(body); err != nil {
		return Event{}, err
	}
	return e, nil
}
