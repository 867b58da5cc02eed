package chat

import (
	"testing"
	"time"
)

func TestDecodeRowText(t *testing.T) {
	data := []byte(`{
		"id": "m1",
		"conversation_id": "c1",
		"sender_id": "u2",
		"sender_name": "Ana",
		"type": "text",
		"text": "morning run done",
		"created_at": "2026-03-01T07:30:00.123456+00:00",
		"reactions": [{"emoji": "🔥", "user_ids": ["u1", "u1"], "count": 2}],
		"unknown_field": 42
	}`)
	row, err := DecodeRow(data)
	if err != nil {
		t.Fatal(err)
	}
	m := row.Message()
	if m.ID != "m1" || m.ConversationID != "c1" || m.SenderName != "Ana" {
		t.Errorf("identity fields = %+v", m)
	}
	if m.Type != TypeText || m.Payload.Text != "morning run done" {
		t.Errorf("payload = %+v", m.Payload)
	}
	if m.Status != StatusSent {
		t.Errorf("status = %s, want sent (default)", m.Status)
	}
	if len(m.Reactions) != 1 || m.Reactions[0].Count() != 1 {
		t.Errorf("reactions = %+v, want one deduped 🔥", m.Reactions)
	}
	if m.CreatedAt.IsZero() {
		t.Error("created_at not parsed")
	}
}

func TestDecodeRowRequiresIDs(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"missing id", `{"conversation_id":"c1"}`},
		{"missing conversation", `{"id":"m1"}`},
		{"not json", `nope`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeRow([]byte(tt.data)); err == nil {
				t.Error("DecodeRow() expected error")
			}
		})
	}
}

func TestRowStatusFromTimestamps(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		row  WireRow
		want DeliveryStatus
		ok   bool
	}{
		{"none", WireRow{}, "", false},
		{"delivered", WireRow{DeliveredAt: &now}, StatusDelivered, true},
		{"read only", WireRow{ReadAt: &now}, StatusRead, true},
		{"both", WireRow{DeliveredAt: &now, ReadAt: &now}, StatusRead, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.row.TimestampStatus()
			if got != tt.want || ok != tt.ok {
				t.Errorf("TimestampStatus() = %s,%v want %s,%v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestRowCardVariants(t *testing.T) {
	row, err := DecodeRow([]byte(`{"id":"m2","conversation_id":"c1","type":"habitCard",
		"habit_card":{"habit_id":"h1","title":"Read 10 pages","emoji":"📚","streak":12},
		"delivered_at":"2026-03-01T08:00:00Z"}`))
	if err != nil {
		t.Fatal(err)
	}
	m := row.Message()
	if m.Type != TypeHabitCard || m.Payload.Habit == nil || m.Payload.Habit.Streak != 12 {
		t.Errorf("habit card not mapped: %+v", m.Payload)
	}
	if m.Status != StatusDelivered {
		t.Errorf("status = %s, want delivered", m.Status)
	}
	if m.Payload.Preview() != "📚 Read 10 pages" {
		t.Errorf("preview = %q", m.Payload.Preview())
	}
}

func TestRowOfRoundTripsPayload(t *testing.T) {
	m := Message{
		ID: "m3", ConversationID: "c1", SenderID: "u1",
		Payload:   Payload{Badge: &BadgeCard{BadgeID: "b1", Name: "Early Bird"}},
		CreatedAt: time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC),
		Status:    StatusSending,
	}
	data, err := RowOf(m).Encode()
	if err != nil {
		t.Fatal(err)
	}
	row, err := DecodeRow(data)
	if err != nil {
		t.Fatal(err)
	}
	got := row.Message()
	if got.Type != TypeBadgeCard || got.Payload.Badge.Name != "Early Bird" {
		t.Errorf("badge lost: %+v", got.Payload)
	}
	if got.Status != StatusSent {
		t.Errorf("status = %s, want sent", got.Status)
	}
}

func TestPayloadValidate(t *testing.T) {
	if err := (Payload{Text: "  "}).Validate(); err != ErrEmptyPayload {
		t.Errorf("blank text error = %v, want ErrEmptyPayload", err)
	}
	two := Payload{Habit: &HabitCard{}, Nudge: &NudgeCard{}}
	if err := two.Validate(); err == nil {
		t.Error("two cards should fail validation")
	}
	if err := (Payload{Nudge: &NudgeCard{HabitName: "Meditate"}}).Validate(); err != nil {
		t.Errorf("nudge card error = %v", err)
	}
}
