package protocol

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"
)

func TestIdentifierRoundTrip(t *testing.T) {
	encoded, err := NewIdentifier(42).Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	id, err := ParseIdentifier(encoded)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if id.Channel != ChannelName {
		t.Errorf("expected channel %q, got %q", ChannelName, id.Channel)
	}
	if id.BookingID != 42 {
		t.Errorf("expected booking 42, got %d", id.BookingID)
	}
}

func TestParseIdentifierRejectsMissingBooking(t *testing.T) {
	if _, err := ParseIdentifier(`{"channel":"ChatChannel"}`); err == nil {
		t.Error("identifier without booking_id should fail")
	}
	if _, err := ParseIdentifier("not json"); err == nil {
		t.Error("malformed identifier should fail")
	}
}

func TestSubscribeCommand(t *testing.T) {
	raw, err := SubscribeCommand(7)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	var cmd struct {
		Command    string `json:"command"`
		Identifier string `json:"identifier"`
	}
	if err := json.Unmarshal(raw, &cmd); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if cmd.Command != CommandSubscribe {
		t.Errorf("expected command %q, got %q", CommandSubscribe, cmd.Command)
	}

	// The identifier is a JSON string, not a nested object.
	id, err := ParseIdentifier(cmd.Identifier)
	if err != nil {
		t.Fatalf("identifier should parse: %v", err)
	}
	if id.BookingID != 7 {
		t.Errorf("expected booking 7, got %d", id.BookingID)
	}
}

func TestPublishCommand(t *testing.T) {
	raw, err := PublishCommand(7, "on my way")
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	var cmd struct {
		Command    string `json:"command"`
		Identifier string `json:"identifier"`
		Data       string `json:"data"`
	}
	if err := json.Unmarshal(raw, &cmd); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if cmd.Command != CommandMessage {
		t.Errorf("expected command %q, got %q", CommandMessage, cmd.Command)
	}

	var data struct {
		Action  string `json:"action"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal([]byte(cmd.Data), &data); err != nil {
		t.Fatalf("data should be a JSON string: %v", err)
	}
	if data.Action != "receive" || data.Content != "on my way" {
		t.Errorf("unexpected data payload: %+v", data)
	}
}

func TestPingCommand(t *testing.T) {
	raw, err := PingCommand()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	var cmd struct {
		Command    string `json:"command"`
		Identifier string `json:"identifier"`
	}
	if err := json.Unmarshal(raw, &cmd); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if cmd.Command != CommandPing || cmd.Identifier != "ping" {
		t.Errorf("unexpected ping frame: %+v", cmd)
	}
}

func TestParseFrameWelcomeAndPing(t *testing.T) {
	f, err := ParseFrame([]byte(`{"type":"welcome"}`))
	if err != nil || f.Kind != FrameWelcome {
		t.Errorf("welcome: kind=%v err=%v", f.Kind, err)
	}

	f, err = ParseFrame([]byte(`{"type":"ping","message":1757500000}`))
	if err != nil || f.Kind != FrameKeepalive {
		t.Errorf("ping: kind=%v err=%v", f.Kind, err)
	}
}

func ident(t *testing.T, booking int64) string {
	t.Helper()
	s, err := NewIdentifier(booking).Encode()
	if err != nil {
		t.Fatalf("encode identifier: %v", err)
	}
	return s
}

func TestParseFrameConfirmSubscription(t *testing.T) {
	raw := fmt.Sprintf(`{"type":"confirm_subscription","identifier":%q}`, ident(t, 42))

	f, err := ParseFrame([]byte(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if f.Kind != FrameConfirmSubscription || f.BookingID != 42 {
		t.Errorf("unexpected frame: %+v", f)
	}
}

func TestParseFrameRejectSubscription(t *testing.T) {
	raw := fmt.Sprintf(`{"type":"reject_subscription","identifier":%q}`, ident(t, 9))

	f, err := ParseFrame([]byte(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if f.Kind != FrameRejectSubscription || f.BookingID != 9 {
		t.Errorf("unexpected frame: %+v", f)
	}
}

const wireTime = `"2026-03-14T09:30:00Z"`

func TestParseFrameMessageDirect(t *testing.T) {
	raw := fmt.Sprintf(`{"identifier":%q,"message":{"id":5,"content":"hi","sender_type":"customer","sender_id":3,"sender_name":"Ana","created_at":%s,"booking_id":42}}`,
		ident(t, 42), wireTime)

	f, err := ParseFrame([]byte(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if f.Kind != FrameMessage {
		t.Fatalf("expected message frame, got %v", f.Kind)
	}
	if f.Message.ID != 5 || f.Message.Content != "hi" || f.BookingID != 42 {
		t.Errorf("unexpected message: %+v", f.Message)
	}
	want := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	if !f.Message.CreatedAt.Equal(want) {
		t.Errorf("expected created_at %v, got %v", want, f.Message.CreatedAt)
	}
}

// The broker sometimes wraps the payload one level deeper: message.message.
func TestParseFrameMessageDoublyNested(t *testing.T) {
	raw := fmt.Sprintf(`{"identifier":%q,"message":{"message":{"id":9,"content":"hi","sender_type":"repairer","sender_id":4,"created_at":%s,"booking_id":42}}}`,
		ident(t, 42), wireTime)

	f, err := ParseFrame([]byte(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if f.Message == nil || f.Message.ID != 9 {
		t.Fatalf("expected id-9 message, got %+v", f.Message)
	}
	if f.BookingID != 42 {
		t.Errorf("expected booking 42, got %d", f.BookingID)
	}
}

// Payload missing booking_id: recovered from the identifier envelope.
func TestParseFrameMessageBookingFromIdentifier(t *testing.T) {
	raw := fmt.Sprintf(`{"identifier":%q,"message":{"id":6,"content":"done","sender_type":"repairer","sender_id":4,"created_at":%s}}`,
		ident(t, 77), wireTime)

	f, err := ParseFrame([]byte(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if f.BookingID != 77 || f.Message.BookingID != 77 {
		t.Errorf("booking should be recovered from identifier, got frame=%d msg=%d",
			f.BookingID, f.Message.BookingID)
	}
}

// Doubly nested AND missing booking_id: both fallbacks compose.
func TestParseFrameMessageNestedWithoutBooking(t *testing.T) {
	raw := fmt.Sprintf(`{"identifier":%q,"message":{"message":{"id":11,"content":"ok","sender_type":"customer","sender_id":2,"created_at":%s}}}`,
		ident(t, 13), wireTime)

	f, err := ParseFrame([]byte(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if f.Message.ID != 11 || f.BookingID != 13 {
		t.Errorf("unexpected frame: id=%d booking=%d", f.Message.ID, f.BookingID)
	}
}

func TestParseFrameUnrecognized(t *testing.T) {
	cases := []string{
		`{"type":"disconnect"}`,
		`{}`,
		`{"identifier":"x","message":{"foo":"bar"}}`,
		`not json at all`,
	}
	for _, raw := range cases {
		if _, err := ParseFrame([]byte(raw)); err == nil {
			t.Errorf("frame %q should not parse", raw)
		}
	}
}
