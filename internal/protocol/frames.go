// Package protocol implements the wire format spoken with the Fixmate cable
// broker: JSON command frames going out (subscribe, publish, keepalive) and
// JSON envelope frames coming in (subscription confirmation, keepalive echo,
// message push). Subscriptions are addressed by an identifier envelope, the
// JSON-serialized {channel, booking_id} pair, which is echoed back inside
// every inbound frame and is how a frame is correlated to its booking.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/fixmate/chat-client/internal/chat"
)

// ChannelName is the broker-side channel class all chat subscriptions target.
const ChannelName = "ChatChannel"

// Outbound command verbs.
const (
	CommandSubscribe = "subscribe"
	CommandMessage   = "message"
	CommandPing      = "ping"
)

// Inbound frame type discriminators. Message pushes carry no type field;
// they are recognized by the presence of a message payload.
const (
	TypeWelcome             = "welcome"
	TypePing                = "ping"
	TypeConfirmSubscription = "confirm_subscription"
	TypeRejectSubscription  = "reject_subscription"
)

// ---------------------------------------------------------------------------
// Identifier envelope
// ---------------------------------------------------------------------------

// Identifier is the subscription address for one booking's chat.
type Identifier struct {
	Channel   string `json:"channel"`
	BookingID int64  `json:"booking_id"`
}

// NewIdentifier builds the identifier envelope for a booking.
func NewIdentifier(bookingID int64) Identifier {
	return Identifier{Channel: ChannelName, BookingID: bookingID}
}

// Encode serializes the identifier to the opaque string form used in
// commands and echoed in inbound frames.
func (id Identifier) Encode() (string, error) {
	raw, err := json.Marshal(id)
	if err != nil {
		return "", fmt.Errorf("protocol: encode identifier: %w", err)
	}
	return string(raw), nil
}

// ParseIdentifier decodes the string form of an identifier envelope.
func ParseIdentifier(s string) (Identifier, error) {
	var id Identifier
	if err := json.Unmarshal([]byte(s), &id); err != nil {
		return Identifier{}, fmt.Errorf("protocol: parse identifier: %w", err)
	}
	if id.BookingID == 0 {
		return Identifier{}, fmt.Errorf("protocol: identifier missing booking_id")
	}
	return id, nil
}

// ---------------------------------------------------------------------------
// Outbound commands
// ---------------------------------------------------------------------------

type command struct {
	Command    string `json:"command"`
	Identifier string `json:"identifier"`
	Data       string `json:"data,omitempty"`
}

// SubscribeCommand builds the frame that opens a subscription for a booking.
func SubscribeCommand(bookingID int64) ([]byte, error) {
	ident, err := NewIdentifier(bookingID).Encode()
	if err != nil {
		return nil, err
	}
	return marshalCommand(command{Command: CommandSubscribe, Identifier: ident})
}

// PublishCommand builds the frame that publishes a chat message to a
// booking's channel. The payload is double-encoded: data is itself a JSON
// string, mirroring the identifier convention.
func PublishCommand(bookingID int64, content string) ([]byte, error) {
	ident, err := NewIdentifier(bookingID).Encode()
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(struct {
		Action  string `json:"action"`
		Content string `json:"content"`
	}{Action: "receive", Content: content})
	if err != nil {
		return nil, fmt.Errorf("protocol: encode publish data: %w", err)
	}
	return marshalCommand(command{Command: CommandMessage, Identifier: ident, Data: string(data)})
}

// PingCommand builds the client-initiated keepalive frame.
func PingCommand() ([]byte, error) {
	return marshalCommand(command{Command: CommandPing, Identifier: "ping"})
}

func marshalCommand(c command) ([]byte, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s command: %w", c.Command, err)
	}
	return raw, nil
}

// ---------------------------------------------------------------------------
// Inbound frames
// ---------------------------------------------------------------------------

// FrameKind classifies a parsed inbound frame.
type FrameKind int

const (
	FrameUnknown FrameKind = iota
	FrameWelcome
	FrameKeepalive
	FrameConfirmSubscription
	FrameRejectSubscription
	FrameMessage
)

// String returns a short name for logging.
func (k FrameKind) String() string {
	switch k {
	case FrameWelcome:
		return "welcome"
	case FrameKeepalive:
		return "keepalive"
	case FrameConfirmSubscription:
		return "confirm_subscription"
	case FrameRejectSubscription:
		return "reject_subscription"
	case FrameMessage:
		return "message"
	default:
		return "unknown"
	}
}

// Frame is a parsed inbound frame. BookingID is set for subscription
// confirmations, rejections and message pushes; Message only for pushes.
type Frame struct {
	Kind      FrameKind
	BookingID int64
	Message   *chat.Message
}

// envelope captures the outer shape of every inbound frame. The message
// payload is deferred for shape matching.
type envelope struct {
	Type       string          `json:"type"`
	Identifier string          `json:"identifier"`
	Message    json.RawMessage `json:"message"`
}

// ParseFrame decodes raw bytes into a typed Frame. Frames the client does
// not understand come back as an error; the caller logs and drops them, the
// pipeline never stops on a strange frame.
func ParseFrame(data []byte) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Frame{}, fmt.Errorf("protocol: parse frame: %w", err)
	}

	switch env.Type {
	case TypeWelcome:
		return Frame{Kind: FrameWelcome}, nil
	case TypePing:
		return Frame{Kind: FrameKeepalive}, nil
	case TypeConfirmSubscription, TypeRejectSubscription:
		id, err := ParseIdentifier(env.Identifier)
		if err != nil {
			return Frame{}, fmt.Errorf("protocol: %s: %w", env.Type, err)
		}
		kind := FrameConfirmSubscription
		if env.Type == TypeRejectSubscription {
			kind = FrameRejectSubscription
		}
		return Frame{Kind: kind, BookingID: id.BookingID}, nil
	}

	if len(env.Message) > 0 {
		msg, err := matchMessagePayload(env.Message, env.Identifier)
		if err != nil {
			return Frame{}, err
		}
		return Frame{Kind: FrameMessage, BookingID: msg.BookingID, Message: msg}, nil
	}

	return Frame{}, fmt.Errorf("protocol: unrecognized frame type=%q", env.Type)
}

// ---------------------------------------------------------------------------
// Message payload shape matching
// ---------------------------------------------------------------------------

// The broker does not pin down the push payload's nesting, so the payload is
// matched against an ordered list of known shapes. Each matcher is
// independently testable; the chain exists because booking_id logically
// lives in the identifier and is not guaranteed to be duplicated into the
// payload itself.
type payloadMatcher func(raw json.RawMessage, identifier string) (*chat.Message, bool)

var payloadMatchers = []payloadMatcher{
	matchDirect,
	matchNested,
	matchIdentifierFallback,
}

func matchMessagePayload(raw json.RawMessage, identifier string) (*chat.Message, error) {
	for _, match := range payloadMatchers {
		if msg, ok := match(raw, identifier); ok {
			return msg, nil
		}
	}
	return nil, fmt.Errorf("protocol: message payload matches no known shape: %s", truncate(raw, 128))
}

// matchDirect: the payload object itself is the message.
func matchDirect(raw json.RawMessage, _ string) (*chat.Message, bool) {
	var m chat.Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, false
	}
	if m.ID == 0 || m.BookingID == 0 {
		return nil, false
	}
	return &m, true
}

// matchNested: the message is wrapped one level deeper under a message key.
func matchNested(raw json.RawMessage, identifier string) (*chat.Message, bool) {
	var outer struct {
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(raw, &outer); err != nil || len(outer.Message) == 0 {
		return nil, false
	}
	if m, ok := matchDirect(outer.Message, identifier); ok {
		return m, true
	}
	// Inner payload without a booking_id: recover it below.
	return matchIdentifierFallback(outer.Message, identifier)
}

// matchIdentifierFallback: the payload carries the message fields but no
// booking_id; recover it by parsing the sibling identifier envelope.
func matchIdentifierFallback(raw json.RawMessage, identifier string) (*chat.Message, bool) {
	var m chat.Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, false
	}
	if m.ID == 0 {
		return nil, false
	}
	if m.BookingID == 0 {
		id, err := ParseIdentifier(identifier)
		if err != nil {
			return nil, false
		}
		m.BookingID = id.BookingID
	}
	return &m, true
}

func truncate(raw []byte, n int) string {
	if len(raw) <= n {
		return string(raw)
	}
	return string(raw[:n]) + "..."
}
