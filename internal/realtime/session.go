package realtime

import (
	"context"
	"log/slog"
	"time"

	"realtime-chat/internal/apperr"
)

// PresenceRegistry is what the session needs from presence tracking.
type PresenceRegistry interface {
	Presence
	Register(ctx context.Context, userID int, connID string) bool
	Deregister(ctx context.Context, connID string) (int, bool)
	Snapshot() map[int]bool
}

// RoomRegistry is what the session needs from room membership.
type RoomRegistry interface {
	Rooms
	Join(connID string, chatID int)
	Leave(connID string)
}

// Session runs the per-connection state machine:
// Connected (presence registered) -> Joined(chat) -> ... -> Disconnected.
type Session struct {
	hub       *Hub
	presence  PresenceRegistry
	rooms     RoomRegistry
	dir       Directory
	router    *Router
	reactions *ReactionSynchronizer
	typing    *TypingCoordinator
	timeout   time.Duration
	log       *slog.Logger
}

type SessionDeps struct {
	Hub       *Hub
	Presence  PresenceRegistry
	Rooms     RoomRegistry
	Directory Directory
	Router    *Router
	Reactions *ReactionSynchronizer
	Typing    *TypingCoordinator
	Timeout   time.Duration
	Log       *slog.Logger
}

func NewSession(d SessionDeps) *Session {
	if d.Timeout <= 0 {
		d.Timeout = 5 * time.Second
	}
	return &Session{
		hub:       d.Hub,
		presence:  d.Presence,
		rooms:     d.Rooms,
		dir:       d.Directory,
		router:    d.Router,
		reactions: d.Reactions,
		typing:    d.Typing,
		timeout:   d.Timeout,
		log:       d.Log,
	}
}

// Open registers presence for a freshly authenticated connection.
func (s *Session) Open(ctx context.Context, c *Client) {
	s.presence.Register(ctx, c.UserID, c.ID)
}

// Close clears room membership and presence once per connection, whether it
// is reached through logout or transport close.
func (s *Session) Close(c *Client) {
	c.cleanupOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		s.rooms.Leave(c.ID)
		s.presence.Deregister(ctx, c.ID)
	})
}

// Handle processes one inbound frame and reports whether reading should go
// on. A failing or panicking handler only affects its own event.
func (s *Session) Handle(c *Client, frame []byte) (keepReading bool) {
	keepReading = true
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("event handler panicked", "conn_id", c.ID, "panic", r)
		}
	}()

	in, name, err := ParseInbound(frame)
	if err != nil {
		s.reject(c, name, err)
		return true
	}

	ctx, cancel := context.WithTimeout(s.hub.ctx, s.timeout)
	defer cancel()

	if err := s.dispatch(ctx, c, in); err != nil {
		s.reject(c, in.Name(), err)
		return true
	}
	_, loggedOut := in.(DisconnectUser)
	return !loggedOut
}

func (s *Session) dispatch(ctx context.Context, c *Client, in Inbound) error {
	switch ev := in.(type) {
	case Setup:
		if int(ev.UserID) != c.UserID {
			return apperr.Unauthorized("setup user %d does not match the authenticated user", ev.UserID)
		}
		s.presence.Register(ctx, c.UserID, c.ID)
		if err := s.hub.Emit(ctx, []string{c.ID}, EventConnected, ConnectedEvent{ConnectionID: c.ID, UserID: c.UserID}); err != nil {
			return err
		}
		return s.hub.Emit(ctx, []string{c.ID}, EventOnlineUsers, s.presence.Snapshot())

	case JoinChat:
		chat, err := s.dir.GetChat(ctx, int(ev.ChatID))
		if err != nil {
			return err
		}
		if !chat.HasParticipant(c.UserID) {
			return apperr.Validation("user %d is not a participant of chat %d", c.UserID, chat.ID)
		}
		s.rooms.Join(c.ID, chat.ID)
		return nil

	case LeaveChat:
		s.rooms.Leave(c.ID)
		return nil

	case SendMessage:
		if int(ev.SenderID) != c.UserID {
			return apperr.Unauthorized("sender %d does not match the authenticated user", ev.SenderID)
		}
		_, err := s.router.CreateMessage(ctx, c.ID, ev)
		return err

	case Typing:
		return s.typing.Typing(ctx, int(ev.ChatID), c.ID, c.UserID)

	case StopTyping:
		return s.typing.StopTyping(ctx, int(ev.ChatID), c.ID, c.UserID)

	case MessageReaction:
		if int(ev.ReactorID) != c.UserID {
			return apperr.Unauthorized("reactor %d does not match the authenticated user", ev.ReactorID)
		}
		_, err := s.reactions.React(ctx, ev)
		return err

	case DisconnectUser:
		if int(ev.UserID) != c.UserID {
			return apperr.Unauthorized("logout user %d does not match the authenticated user", ev.UserID)
		}
		s.Close(c)
		c.closeGracefully("logout")
		return nil
	}
	return apperr.Validation("unhandled event %q", in.Name())
}

// reject reports a failure to the origin connection only.
func (s *Session) reject(c *Client, event EventName, err error) {
	kind := apperr.KindOf(err)
	attrs := []any{"conn_id", c.ID, "user_id", c.UserID, "event", event, "err", err}
	switch kind {
	case apperr.KindValidation, apperr.KindNotFound, apperr.KindUnauthorized:
		s.log.Info("event rejected", attrs...)
	default:
		s.log.Error("event failed", attrs...)
	}

	msg := err.Error()
	if kind == apperr.KindPersistence || kind == apperr.KindUnknown {
		msg = "internal error"
	}
	ctx, cancel := context.WithTimeout(s.hub.ctx, s.timeout)
	defer cancel()
	if err := s.hub.Emit(ctx, []string{c.ID}, EventError, ErrorEvent{Event: event, Code: kind, Message: msg}); err != nil {
		s.log.Warn("emit error event failed", "conn_id", c.ID, "err", err)
	}
}
