package triggerbus

import (
	"testing"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type order struct {
	ID    int      `json:"id"`
	Items []string `json:"items"`
}

func TestEvent_RoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		payload any
		want    any
	}{
		{"empty object", map[string]any{}, map[string]any{}},
		{"string", "hello", "hello"},
		{"number", 42, float64(42)},
		{"bool", true, true},
		{"null", nil, nil},
		{"array", []any{"a", 1.5}, []any{"a", 1.5}},
		{"struct", order{ID: 7, Items: []string{"x"}}, map[string]any{"id": float64(7), "items": []any{"x"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, err := newEvent("FIRST_EVENT", tt.payload)
			require.NoError(t, err)

			body, err := event.MarshalJSON()
			require.NoError(t, err)

			decoded, err := decodeEvent(body)
			require.NoError(t, err)
			assert.Equal(t, event.ID, decoded.ID)
			assert.Equal(t, "FIRST_EVENT", decoded.Trigger)
			assert.Equal(t, tt.want, decoded.Payload)
			assert.JSONEq(t, string(event.Raw()), string(decoded.Raw()))
		})
	}
}

func TestEvent_Envelope(t *testing.T) {
	event, err := newEvent("orders.created", order{ID: 1})
	require.NoError(t, err)

	body, err := event.MarshalJSON()
	require.NoError(t, err)

	assert.Equal(t, "event", gjson.GetBytes(body, "type").String())
	assert.Equal(t, event.ID.String(), gjson.GetBytes(body, "id").String())
	assert.Equal(t, "orders.created", gjson.GetBytes(body, "trigger").String())
	assert.True(t, gjson.GetBytes(body, "timestamp").Exists())
	assert.Equal(t, int64(1), gjson.GetBytes(body, "payload.id").Int())
	assert.Equal(t, uuid.Version(7), event.ID.Version())
}

func TestEvent_BindAndGet(t *testing.T) {
	event, err := newEvent("orders.created", order{ID: 3, Items: []string{"a", "b"}})
	require.NoError(t, err)
	body, err := event.MarshalJSON()
	require.NoError(t, err)
	decoded, err := decodeEvent(body)
	require.NoError(t, err)

	var got order
	require.NoError(t, decoded.Bind(&got))
	assert.Equal(t, order{ID: 3, Items: []string{"a", "b"}}, got)
	assert.Equal(t, "b", decoded.Get("items.1").String())
	assert.False(t, decoded.Get("missing").Exists())

	assert.ErrorIs(t, Event{}.Bind(&got), ErrInvalidEvent)
}

func TestEvent_Timestamp(t *testing.T) {
	ts := strfmt.DateTime(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	event := Event{ID: uuid.New(), Trigger: "a", Timestamp: ts, Payload: map[string]any{}}

	body, err := event.MarshalJSON()
	require.NoError(t, err)
	decoded, err := decodeEvent(body)
	require.NoError(t, err)
	assert.True(t, time.Time(ts).Equal(time.Time(decoded.Timestamp)))
}

func TestDecodeEvent_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{nope`},
		{"missing type", `{"id":"0191e5a0-0000-7000-8000-000000000000","trigger":"a","payload":{}}`},
		{"wrong type", `{"type":"delim","id":"0191e5a0-0000-7000-8000-000000000000","trigger":"a","payload":{}}`},
		{"missing id", `{"type":"event","trigger":"a","payload":{}}`},
		{"bad id", `{"type":"event","id":"nope","trigger":"a","payload":{}}`},
		{"missing trigger", `{"type":"event","id":"0191e5a0-0000-7000-8000-000000000000","payload":{}}`},
		{"bad timestamp", `{"type":"event","id":"0191e5a0-0000-7000-8000-000000000000","trigger":"a","timestamp":"yesterday","payload":{}}`},
		{"missing payload", `{"type":"event","id":"0191e5a0-0000-7000-8000-000000000000","trigger":"a"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeEvent([]byte(tt.body))
			assert.ErrorIs(t, err, ErrInvalidEvent)
		})
	}
}

func TestNewEvent_Unencodable(t *testing.T) {
	_, err := newEvent("a", make(chan int))
	assert.ErrorIs(t, err, ErrInvalidEvent)
}
