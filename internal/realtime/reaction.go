package realtime

import (
	"context"
	"log/slog"
	"strings"

	"realtime-chat/internal/apperr"
	"realtime-chat/internal/chat"
)

// ReactionSynchronizer upserts reactions and pushes them to every live
// connection of the chat's participants, joined to the chat or not.
type ReactionSynchronizer struct {
	dir      Directory
	presence Presence
	emit     Emitter
	chats    *ChatLocks
	log      *slog.Logger
}

func NewReactionSynchronizer(dir Directory, presence Presence, emit Emitter, locks *ChatLocks, log *slog.Logger) *ReactionSynchronizer {
	return &ReactionSynchronizer{dir: dir, presence: presence, emit: emit, chats: locks, log: log}
}

func (s *ReactionSynchronizer) React(ctx context.Context, req MessageReaction) (*NewReaction, error) {
	emoji := strings.TrimSpace(req.Emoji)
	if emoji == "" {
		return nil, apperr.Validation("emoji is required")
	}

	msg, err := s.dir.GetMessage(ctx, int(req.MessageID))
	if err != nil {
		return nil, err
	}
	c, err := s.dir.GetChat(ctx, msg.ChatID)
	if err != nil {
		return nil, err
	}
	if !c.HasParticipant(int(req.ReactorID)) {
		return nil, apperr.Validation("user %d is not a participant of chat %d", req.ReactorID, c.ID)
	}

	unlock := s.chats.Lock(c.ID)
	defer unlock()

	if _, err := s.dir.UpsertReaction(ctx, msg.ID, int(req.ReactorID), emoji); err != nil {
		if apperr.KindOf(err) == apperr.KindUnknown {
			err = apperr.Persistence(err, "save reaction")
		}
		return nil, err
	}

	ev := &NewReaction{MessageID: msg.ID, ChatID: c.ID, ReactorID: int(req.ReactorID), Emoji: emoji}
	if err := s.emit.Emit(ctx, s.participantConns(c), EventNewReaction, ev); err != nil {
		s.log.Error("deliver reaction failed", "chat_id", c.ID, "message_id", msg.ID, "err", err)
	}
	return ev, nil
}

func (s *ReactionSynchronizer) participantConns(c *chat.Chat) []string {
	var conns []string
	for _, p := range c.Participants {
		conns = append(conns, s.presence.Connections(p)...)
	}
	return conns
}
