package realtime

import (
	"context"

	"github.com/samber/lo"

	"realtime-chat/internal/apperr"
)

// TypingCoordinator relays typing signals to the other connections viewing
// a chat. Only a connection viewing the chat may signal into it. Nothing is
// stored and nothing is retried.
type TypingCoordinator struct {
	rooms Rooms
	emit  Emitter
}

func NewTypingCoordinator(rooms Rooms, emit Emitter) *TypingCoordinator {
	return &TypingCoordinator{rooms: rooms, emit: emit}
}

func (t *TypingCoordinator) Typing(ctx context.Context, chatID int, originConn string, originUser int) error {
	return t.relay(ctx, EventTyping, chatID, originConn, originUser)
}

func (t *TypingCoordinator) StopTyping(ctx context.Context, chatID int, originConn string, originUser int) error {
	return t.relay(ctx, EventStopTyping, chatID, originConn, originUser)
}

func (t *TypingCoordinator) relay(ctx context.Context, event EventName, chatID int, originConn string, originUser int) error {
	if !t.rooms.IsActiveIn(originConn, chatID) {
		return apperr.Validation("connection is not viewing chat %d", chatID)
	}
	others := lo.Without(t.rooms.Members(chatID), originConn)
	return t.emit.Emit(ctx, others, event, originUser)
}
