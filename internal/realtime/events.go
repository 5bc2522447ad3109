package realtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/go-playground/validator/v10"

	"realtime-chat/internal/apperr"
	"realtime-chat/internal/chat"
)

// EventName is the "event" field of a websocket envelope.
type EventName string

// Client -> server.
const (
	EventSetup           EventName = "setup"
	EventJoinChat        EventName = "join_chat"
	EventLeaveChat       EventName = "leave_chat"
	EventSendMessage     EventName = "send_message"
	EventTyping          EventName = "typing"
	EventStopTyping      EventName = "stop_typing"
	EventMessageReaction EventName = "message_reaction"
	EventDisconnectUser  EventName = "disconnect_user"
)

// Server -> client. typing and stop_typing are shared with the inbound set.
const (
	EventConnected      EventName = "connected"
	EventUserOnline     EventName = "user_online"
	EventUserOffline    EventName = "user_offline"
	EventOnlineUsers    EventName = "online_users"
	EventReceiveMessage EventName = "receive_message"
	EventNotification   EventName = "notification"
	EventNewReaction    EventName = "new_reaction"
	EventNewChatCreated EventName = "new_chat_created"
	EventError          EventName = "error"
)

// Envelope is the frame exchanged in both directions.
type Envelope struct {
	Event EventName       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ID decodes from a bare number, a numeric string or {"<field>": n}, which
// covers what browser clients send for single-id events.
type ID int

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("id %q is not a number", s)
		}
		*id = ID(n)
		return nil
	}
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = ID(n)
	return nil
}

// Inbound is the closed set of events a client may send.
type Inbound interface {
	Name() EventName
}

type Setup struct {
	UserID ID `json:"userId" validate:"gt=0"`
}

type JoinChat struct {
	ChatID ID `json:"chatId" validate:"gt=0"`
}

type LeaveChat struct{}

type SendMessage struct {
	SenderID ID        `json:"senderId" validate:"gt=0"`
	ChatID   ID        `json:"chatId" validate:"gt=0"`
	Content  string    `json:"content,omitempty" validate:"max=4000"`
	Kind     chat.Kind `json:"kind" validate:"required,oneof=text image"`
	ImageRef string    `json:"imageRef,omitempty" validate:"omitempty,max=2048"`
}

type Typing struct {
	ChatID ID `json:"chatId" validate:"gt=0"`
}

type StopTyping struct {
	ChatID ID `json:"chatId" validate:"gt=0"`
}

type MessageReaction struct {
	MessageID ID     `json:"messageId" validate:"gt=0"`
	ReactorID ID     `json:"reactorId" validate:"gt=0"`
	Emoji     string `json:"emoji" validate:"required,max=16"`
}

type DisconnectUser struct {
	UserID ID `json:"userId" validate:"gt=0"`
}

func (Setup) Name() EventName           { return EventSetup }
func (JoinChat) Name() EventName        { return EventJoinChat }
func (LeaveChat) Name() EventName       { return EventLeaveChat }
func (SendMessage) Name() EventName     { return EventSendMessage }
func (Typing) Name() EventName          { return EventTyping }
func (StopTyping) Name() EventName      { return EventStopTyping }
func (MessageReaction) Name() EventName { return EventMessageReaction }
func (DisconnectUser) Name() EventName  { return EventDisconnectUser }

var validate = validator.New()

// ParseInbound decodes and validates one client frame. Unknown events and
// ill-formed payloads come back as validation errors; the returned name is
// set whenever the envelope itself could be read.
func ParseInbound(frame []byte) (Inbound, EventName, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, "", apperr.Validation("malformed envelope: %v", err)
	}

	var in Inbound
	var err error
	switch env.Event {
	case EventSetup:
		in, err = decodeIDPayload[Setup](env.Data, func(id ID) Setup { return Setup{UserID: id} })
	case EventJoinChat:
		in, err = decodeIDPayload[JoinChat](env.Data, func(id ID) JoinChat { return JoinChat{ChatID: id} })
	case EventLeaveChat:
		in = LeaveChat{}
	case EventSendMessage:
		in, err = decodeObject[SendMessage](env.Data)
	case EventTyping:
		in, err = decodeIDPayload[Typing](env.Data, func(id ID) Typing { return Typing{ChatID: id} })
	case EventStopTyping:
		in, err = decodeIDPayload[StopTyping](env.Data, func(id ID) StopTyping { return StopTyping{ChatID: id} })
	case EventMessageReaction:
		in, err = decodeObject[MessageReaction](env.Data)
	case EventDisconnectUser:
		in, err = decodeIDPayload[DisconnectUser](env.Data, func(id ID) DisconnectUser { return DisconnectUser{UserID: id} })
	default:
		return nil, env.Event, apperr.Validation("unknown event %q", env.Event)
	}
	if err != nil {
		return nil, env.Event, apperr.Validation("invalid %s payload: %v", env.Event, err)
	}
	if err := validate.Struct(in); err != nil {
		return nil, env.Event, apperr.Validation("invalid %s payload: %v", env.Event, err)
	}
	return in, env.Event, nil
}

func decodeObject[T Inbound](data json.RawMessage) (T, error) {
	var v T
	if len(data) == 0 {
		return v, fmt.Errorf("missing data")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	err := dec.Decode(&v)
	return v, err
}

// decodeIDPayload accepts either the bare id or the full object form.
func decodeIDPayload[T Inbound](data json.RawMessage, wrap func(ID) T) (T, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return decodeObject[T](trimmed)
	}
	var id ID
	if len(trimmed) == 0 {
		var zero T
		return zero, fmt.Errorf("missing data")
	}
	if err := json.Unmarshal(trimmed, &id); err != nil {
		var zero T
		return zero, err
	}
	return wrap(id), nil
}

// Outbound payloads.

type NewReaction struct {
	MessageID int    `json:"messageId"`
	ChatID    int    `json:"chatId"`
	ReactorID int    `json:"reactorId"`
	Emoji     string `json:"emoji"`
}

type ErrorEvent struct {
	Event   EventName   `json:"event,omitempty"`
	Code    apperr.Kind `json:"code"`
	Message string      `json:"message"`
}

type ConnectedEvent struct {
	ConnectionID string `json:"connectionId"`
	UserID       int    `json:"userId"`
}

// Encode builds an outbound frame.
func Encode(event EventName, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}
