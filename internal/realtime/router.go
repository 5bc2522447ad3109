package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"realtime-chat/internal/apperr"
	"realtime-chat/internal/chat"
	"realtime-chat/internal/config"
)

// Directory is the slice of the chat store the realtime services use.
type Directory interface {
	GetChat(ctx context.Context, chatID int) (*chat.Chat, error)
	CreateMessage(ctx context.Context, nm chat.NewMessage) (*chat.Message, error)
	GetMessage(ctx context.Context, messageID int) (*chat.Message, error)
	UpsertReaction(ctx context.Context, messageID, reactorID int, emoji string) ([]chat.Reaction, error)
}

// Presence answers which connections a user currently has.
type Presence interface {
	Connections(userID int) []string
}

// Rooms answers which chat a connection is viewing.
type Rooms interface {
	IsActiveIn(connID string, chatID int) bool
	Members(chatID int) []string
}

// Emitter publishes an event for a set of connections. *Hub implements it.
type Emitter interface {
	Emit(ctx context.Context, conns []string, event EventName, data any) error
}

// Router creates messages and decides who receives them.
//
// Creation is two explicit steps held under the chat's lock: persist, then
// deliver. Delivery targets are read from the registries after persistence
// returns, never from state captured before it.
type Router struct {
	dir      Directory
	presence Presence
	rooms    Rooms
	emit     Emitter
	echo     config.SenderEcho
	chats    *ChatLocks
	log      *slog.Logger
}

func NewRouter(dir Directory, presence Presence, rooms Rooms, emit Emitter, echo config.SenderEcho, locks *ChatLocks, log *slog.Logger) *Router {
	if echo == "" {
		echo = config.EchoAll
	}
	return &Router{
		dir:      dir,
		presence: presence,
		rooms:    rooms,
		emit:     emit,
		echo:     echo,
		chats:    locks,
		log:      log,
	}
}

// CreateMessage validates, persists and delivers one message. originConn is
// the connection it arrived on.
func (r *Router) CreateMessage(ctx context.Context, originConn string, req SendMessage) (*chat.Message, error) {
	c, nm, err := r.validate(ctx, req)
	if err != nil {
		return nil, err
	}

	unlock := r.chats.Lock(c.ID)
	defer unlock()

	msg, err := r.persist(ctx, nm)
	if err != nil {
		return nil, err
	}
	if err := r.deliver(ctx, c.Participants, originConn, msg); err != nil {
		// The message is stored; clients catch up from history.
		r.log.Error("deliver message failed", "chat_id", msg.ChatID, "message_id", msg.ID, "err", err)
	}
	return msg, nil
}

// PostMessage sends on behalf of a caller that has no connection, such as
// the REST endpoint. Every live connection of the sender counts as "other".
func (r *Router) PostMessage(ctx context.Context, nm chat.NewMessage) (*chat.Message, error) {
	return r.CreateMessage(ctx, "", SendMessage{
		SenderID: ID(nm.SenderID),
		ChatID:   ID(nm.ChatID),
		Content:  nm.Content,
		Kind:     nm.Kind,
		ImageRef: nm.ImageRef,
	})
}

func (r *Router) validate(ctx context.Context, req SendMessage) (*chat.Chat, chat.NewMessage, error) {
	var nm chat.NewMessage
	c, err := r.dir.GetChat(ctx, int(req.ChatID))
	if err != nil {
		if apperr.IsNotFound(err) {
			return nil, nm, apperr.Validation("chat %d does not exist", req.ChatID)
		}
		return nil, nm, err
	}
	if !c.HasParticipant(int(req.SenderID)) {
		return nil, nm, apperr.Validation("user %d is not a participant of chat %d", req.SenderID, req.ChatID)
	}

	nm = chat.NewMessage{
		ChatID:   c.ID,
		SenderID: int(req.SenderID),
		Content:  req.Content,
		Kind:     req.Kind,
		ImageRef: req.ImageRef,
	}
	// Bodies are stored as sent; whitespace only counts as empty.
	switch nm.Kind {
	case chat.KindText:
		if strings.TrimSpace(nm.Content) == "" {
			return nil, nm, apperr.Validation("text message requires content")
		}
	case chat.KindImage:
		if strings.TrimSpace(nm.ImageRef) == "" {
			return nil, nm, apperr.Validation("image message requires imageRef")
		}
	default:
		return nil, nm, apperr.Validation("unknown message kind %q", nm.Kind)
	}
	return c, nm, nil
}

func (r *Router) persist(ctx context.Context, nm chat.NewMessage) (*chat.Message, error) {
	msg, err := r.dir.CreateMessage(ctx, nm)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindUnknown {
			err = apperr.Persistence(err, "create message")
		}
		return nil, err
	}
	return msg, nil
}

// Targets is the delivery set computed for one message.
type Targets struct {
	Receive []string // receive_message
	Notify  []string // notification, on top of receive_message
}

// DeliverySet splits every live connection of the participants into those
// viewing the chat and those that also need a notification.
func (r *Router) DeliverySet(participants []int, senderID int, originConn string, chatID int) Targets {
	var t Targets
	for _, p := range participants {
		if p == senderID && r.echo == config.EchoOthers {
			continue
		}
		for _, conn := range r.presence.Connections(p) {
			if conn == originConn && r.echo == config.EchoOtherConnections {
				continue
			}
			t.Receive = append(t.Receive, conn)
			if !r.rooms.IsActiveIn(conn, chatID) {
				t.Notify = append(t.Notify, conn)
			}
		}
	}
	return t
}

func (r *Router) deliver(ctx context.Context, participants []int, originConn string, msg *chat.Message) error {
	t := r.DeliverySet(participants, msg.SenderID, originConn, msg.ChatID)
	if err := r.emit.Emit(ctx, t.Receive, EventReceiveMessage, msg); err != nil {
		return fmt.Errorf("emit receive_message: %w", err)
	}
	if err := r.emit.Emit(ctx, t.Notify, EventNotification, msg); err != nil {
		return fmt.Errorf("emit notification: %w", err)
	}
	r.log.Debug("message delivered", "chat_id", msg.ChatID, "message_id", msg.ID,
		"receivers", len(t.Receive), "notified", len(t.Notify))
	return nil
}

// ChatLocks hands out one mutex per chat and forgets it once unused.
type ChatLocks struct {
	mu    sync.Mutex
	locks map[int]*chatLock
}

type chatLock struct {
	sync.Mutex
	refs int
}

func NewChatLocks() *ChatLocks {
	return &ChatLocks{locks: make(map[int]*chatLock)}
}

func (c *ChatLocks) Lock(chatID int) (unlock func()) {
	c.mu.Lock()
	l, ok := c.locks[chatID]
	if !ok {
		l = &chatLock{}
		c.locks[chatID] = l
	}
	l.refs++
	c.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, chatID)
		}
		c.mu.Unlock()
	}
}
