package chat

import (
	"context"
	"database/sql"
	"errors"

	"realtime-chat/internal/apperr"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const messageColumns = `m.id, m.chat_id, m.sender_id, u.username, m.content, m.kind, COALESCE(m.image_ref, ''), m.created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	m := &Message{Reactions: []Reaction{}}
	err := row.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.SenderName, &m.Content, &m.Kind, &m.ImageRef, &m.CreatedAt)
	return m, err
}

func (r *Repository) GetChat(ctx context.Context, chatID int) (*Chat, error) {
	c := &Chat{}
	var last sql.NullInt64
	err := r.db.QueryRowContext(ctx,
		`SELECT id, is_group_chat, last_message_id, created_at, updated_at FROM chats WHERE id = $1`,
		chatID).Scan(&c.ID, &c.IsGroupChat, &last, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("chat %d not found", chatID)
		}
		return nil, apperr.Persistence(err, "get chat")
	}
	if last.Valid {
		id := int(last.Int64)
		c.LastMessageID = &id
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id FROM chat_participants WHERE chat_id = $1 ORDER BY joined_at, user_id`, chatID)
	if err != nil {
		return nil, apperr.Persistence(err, "get participants")
	}
	defer rows.Close()
	for rows.Next() {
		var userID int
		if err := rows.Scan(&userID); err != nil {
			return nil, apperr.Persistence(err, "scan participant")
		}
		c.Participants = append(c.Participants, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence(err, "get participants")
	}
	return c, nil
}

// CreateMessage writes the message and moves the chat's last-message pointer
// in one transaction. The pointer only moves forward in (created_at, id) order.
func (r *Repository) CreateMessage(ctx context.Context, nm NewMessage) (*Message, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Persistence(err, "begin message tx")
	}
	defer tx.Rollback()

	var imageRef sql.NullString
	if nm.ImageRef != "" {
		imageRef = sql.NullString{String: nm.ImageRef, Valid: true}
	}

	m := &Message{
		ChatID:    nm.ChatID,
		SenderID:  nm.SenderID,
		Content:   nm.Content,
		Kind:      nm.Kind,
		ImageRef:  nm.ImageRef,
		Reactions: []Reaction{},
	}
	err = tx.QueryRowContext(ctx,
		`INSERT INTO messages (chat_id, sender_id, content, kind, image_ref)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		nm.ChatID, nm.SenderID, nm.Content, nm.Kind, imageRef).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return nil, apperr.Persistence(err, "insert message")
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE chats SET last_message_id = $2, updated_at = $3
		 WHERE id = $1 AND NOT EXISTS (
			SELECT 1 FROM messages prev
			WHERE prev.id = chats.last_message_id AND (prev.created_at, prev.id) > ($3, $2)
		 )`,
		nm.ChatID, m.ID, m.CreatedAt)
	if err != nil {
		return nil, apperr.Persistence(err, "update last message")
	}

	if err := tx.QueryRowContext(ctx, `SELECT username FROM users WHERE id = $1`, nm.SenderID).Scan(&m.SenderName); err != nil {
		return nil, apperr.Persistence(err, "load sender")
	}

	if err := tx.Commit(); err != nil {
		return nil, apperr.Persistence(err, "commit message")
	}
	return m, nil
}

func (r *Repository) GetMessage(ctx context.Context, messageID int) (*Message, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages m JOIN users u ON u.id = m.sender_id WHERE m.id = $1`,
		messageID)
	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("message %d not found", messageID)
		}
		return nil, apperr.Persistence(err, "get message")
	}

	reactions, err := r.ListReactions(ctx, messageID)
	if err != nil {
		return nil, err
	}
	m.Reactions = reactions
	return m, nil
}

// UpsertReaction sets reactorID's emoji on the message, replacing an earlier
// one in place, and returns the resulting reaction list.
func (r *Repository) UpsertReaction(ctx context.Context, messageID, reactorID int, emoji string) ([]Reaction, error) {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO message_reactions (message_id, reactor_id, emoji) VALUES ($1, $2, $3)
		 ON CONFLICT (message_id, reactor_id) DO UPDATE SET emoji = EXCLUDED.emoji`,
		messageID, reactorID, emoji)
	if err != nil {
		return nil, apperr.Persistence(err, "upsert reaction")
	}
	return r.ListReactions(ctx, messageID)
}

func (r *Repository) ListReactions(ctx context.Context, messageID int) ([]Reaction, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT reactor_id, emoji FROM message_reactions WHERE message_id = $1 ORDER BY created_at, reactor_id`,
		messageID)
	if err != nil {
		return nil, apperr.Persistence(err, "list reactions")
	}
	defer rows.Close()

	reactions := []Reaction{}
	for rows.Next() {
		var re Reaction
		if err := rows.Scan(&re.ReactorID, &re.Emoji); err != nil {
			return nil, apperr.Persistence(err, "scan reaction")
		}
		reactions = append(reactions, re)
	}
	return reactions, apperr.Persistence(rows.Err(), "list reactions")
}

// FindOrCreateDirectChat returns the one-to-one chat between a and b,
// creating it when missing. created reports whether a new chat was made.
func (r *Repository) FindOrCreateDirectChat(ctx context.Context, a, b int) (c *Chat, created bool, err error) {
	if a == b {
		return nil, false, apperr.Validation("cannot open a chat with yourself")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, apperr.Persistence(err, "begin chat tx")
	}
	defer tx.Rollback()

	// Serialize concurrent creates for the same pair.
	lo, hi := min(a, b), max(a, b)
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1, $2)`, lo, hi); err != nil {
		return nil, false, apperr.Persistence(err, "lock chat pair")
	}

	var other int
	err = tx.QueryRowContext(ctx, `SELECT id FROM users WHERE id = $1`, b).Scan(&other)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, apperr.NotFound("user %d not found", b)
	}
	if err != nil {
		return nil, false, apperr.Persistence(err, "check user")
	}

	var chatID int
	err = tx.QueryRowContext(ctx,
		`SELECT c.id FROM chats c
		 JOIN chat_participants pa ON pa.chat_id = c.id AND pa.user_id = $1
		 JOIN chat_participants pb ON pb.chat_id = c.id AND pb.user_id = $2
		 WHERE NOT c.is_group_chat
		 LIMIT 1`, a, b).Scan(&chatID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if err := tx.QueryRowContext(ctx, `INSERT INTO chats (is_group_chat) VALUES (FALSE) RETURNING id`).Scan(&chatID); err != nil {
			return nil, false, apperr.Persistence(err, "insert chat")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chat_participants (chat_id, user_id) VALUES ($1, $2), ($1, $3)`, chatID, a, b); err != nil {
			return nil, false, apperr.Persistence(err, "insert participants")
		}
		created = true
	case err != nil:
		return nil, false, apperr.Persistence(err, "find chat")
	}

	if err := tx.Commit(); err != nil {
		return nil, false, apperr.Persistence(err, "commit chat")
	}

	c, err = r.GetChat(ctx, chatID)
	if err != nil {
		return nil, false, err
	}
	if c.LastMessageID != nil {
		if c.LastMessage, err = r.GetMessage(ctx, *c.LastMessageID); err != nil {
			return nil, false, err
		}
	}
	return c, created, nil
}

// ListChats returns the user's chats, most recently active first.
func (r *Repository) ListChats(ctx context.Context, userID int) ([]Chat, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT c.id, c.is_group_chat, c.created_at, c.updated_at,
		        lm.id, lm.sender_id, lu.username, lm.content, lm.kind, COALESCE(lm.image_ref, ''), lm.created_at
		 FROM chats c
		 JOIN chat_participants me ON me.chat_id = c.id AND me.user_id = $1
		 LEFT JOIN messages lm ON lm.id = c.last_message_id
		 LEFT JOIN users lu ON lu.id = lm.sender_id
		 ORDER BY c.updated_at DESC, c.id DESC`, userID)
	if err != nil {
		return nil, apperr.Persistence(err, "list chats")
	}
	defer rows.Close()

	chats := []Chat{}
	index := map[int]int{}
	for rows.Next() {
		var c Chat
		var (
			lmID, lmSender    sql.NullInt64
			lmName, lmContent sql.NullString
			lmKind, lmImage   sql.NullString
			lmCreated         sql.NullTime
		)
		if err := rows.Scan(&c.ID, &c.IsGroupChat, &c.CreatedAt, &c.UpdatedAt,
			&lmID, &lmSender, &lmName, &lmContent, &lmKind, &lmImage, &lmCreated); err != nil {
			return nil, apperr.Persistence(err, "scan chat")
		}
		if lmID.Valid {
			id := int(lmID.Int64)
			c.LastMessageID = &id
			c.LastMessage = &Message{
				ID:         id,
				ChatID:     c.ID,
				SenderID:   int(lmSender.Int64),
				SenderName: lmName.String,
				Content:    lmContent.String,
				Kind:       Kind(lmKind.String),
				ImageRef:   lmImage.String,
				Reactions:  []Reaction{},
				CreatedAt:  lmCreated.Time,
			}
		}
		index[c.ID] = len(chats)
		chats = append(chats, c)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence(err, "list chats")
	}

	prows, err := r.db.QueryContext(ctx,
		`SELECT cp.chat_id, cp.user_id FROM chat_participants cp
		 WHERE cp.chat_id IN (SELECT chat_id FROM chat_participants WHERE user_id = $1)
		 ORDER BY cp.joined_at, cp.user_id`, userID)
	if err != nil {
		return nil, apperr.Persistence(err, "list participants")
	}
	defer prows.Close()
	for prows.Next() {
		var chatID, member int
		if err := prows.Scan(&chatID, &member); err != nil {
			return nil, apperr.Persistence(err, "scan participant")
		}
		if i, ok := index[chatID]; ok {
			chats[i].Participants = append(chats[i].Participants, member)
		}
	}
	return chats, apperr.Persistence(prows.Err(), "list participants")
}

// ListMessages returns a chat's messages oldest first, reactions included.
func (r *Repository) ListMessages(ctx context.Context, chatID int) ([]Message, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages m JOIN users u ON u.id = m.sender_id
		 WHERE m.chat_id = $1 ORDER BY m.created_at, m.id`, chatID)
	if err != nil {
		return nil, apperr.Persistence(err, "list messages")
	}
	defer rows.Close()

	messages := []Message{}
	index := map[int]int{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, apperr.Persistence(err, "scan message")
		}
		index[m.ID] = len(messages)
		messages = append(messages, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence(err, "list messages")
	}

	rrows, err := r.db.QueryContext(ctx,
		`SELECT mr.message_id, mr.reactor_id, mr.emoji FROM message_reactions mr
		 JOIN messages m ON m.id = mr.message_id
		 WHERE m.chat_id = $1 ORDER BY mr.created_at, mr.reactor_id`, chatID)
	if err != nil {
		return nil, apperr.Persistence(err, "list chat reactions")
	}
	defer rrows.Close()
	for rrows.Next() {
		var messageID int
		var re Reaction
		if err := rrows.Scan(&messageID, &re.ReactorID, &re.Emoji); err != nil {
			return nil, apperr.Persistence(err, "scan reaction")
		}
		if i, ok := index[messageID]; ok {
			messages[i].Reactions = append(messages[i].Reactions, re)
		}
	}
	if err := rrows.Err(); err != nil {
		return nil, apperr.Persistence(err, "list chat reactions")
	}
	return messages, nil
}
