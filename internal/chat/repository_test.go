package chat

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"realtime-chat/internal/apperr"
	"realtime-chat/internal/db"
)

// newTestRepository runs against the database in TEST_DB_DSN and skips
// when it is unset. Every test works on freshly created users.
func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		t.Skip("TEST_DB_DSN not set")
	}
	ctx := context.Background()
	database, err := db.NewDatabase(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.AutoMigrate(ctx))
	return NewRepository(database.Conn)
}

func createUser(t *testing.T, r *Repository) int {
	t.Helper()
	var id int
	err := r.db.QueryRowContext(context.Background(),
		`INSERT INTO users (username, password) VALUES ($1, 'x') RETURNING id`,
		"u-"+uuid.NewString()[:12]).Scan(&id)
	require.NoError(t, err)
	return id
}

func newDirectChat(t *testing.T, r *Repository) (c *Chat, a, b int) {
	t.Helper()
	a, b = createUser(t, r), createUser(t, r)
	c, created, err := r.FindOrCreateDirectChat(context.Background(), a, b)
	require.NoError(t, err)
	require.True(t, created)
	return c, a, b
}

func TestRepository_LastMessageOnlyMovesForward(t *testing.T) {
	req := require.New(t)
	r := newTestRepository(t)
	ctx := context.Background()
	c, a, b := newDirectChat(t, r)

	// Given two messages, the chat points at the newer one
	_, err := r.CreateMessage(ctx, NewMessage{ChatID: c.ID, SenderID: a, Content: "one", Kind: KindText})
	req.NoError(err)
	m2, err := r.CreateMessage(ctx, NewMessage{ChatID: c.ID, SenderID: b, Content: "two", Kind: KindText})
	req.NoError(err)
	got, err := r.GetChat(ctx, c.ID)
	req.NoError(err)
	req.Equal(m2.ID, *got.LastMessageID)

	// When m2 carries a later timestamp than the next write
	_, err = r.db.ExecContext(ctx, `UPDATE messages SET created_at = now() + interval '1 hour' WHERE id = $1`, m2.ID)
	req.NoError(err)
	m3, err := r.CreateMessage(ctx, NewMessage{ChatID: c.ID, SenderID: a, Content: "three", Kind: KindText})
	req.NoError(err)

	// Then the pointer stays on m2 and m3 is still stored
	got, err = r.GetChat(ctx, c.ID)
	req.NoError(err)
	req.Equal(m2.ID, *got.LastMessageID)
	stored, err := r.GetMessage(ctx, m3.ID)
	req.NoError(err)
	req.Equal("three", stored.Content)
}

func TestRepository_ReactionUpsertKeepsPosition(t *testing.T) {
	req := require.New(t)
	r := newTestRepository(t)
	ctx := context.Background()
	c, a, b := newDirectChat(t, r)
	m, err := r.CreateMessage(ctx, NewMessage{ChatID: c.ID, SenderID: a, Content: "react to me", Kind: KindText})
	req.NoError(err)

	// Given b reacted before a
	_, err = r.UpsertReaction(ctx, m.ID, b, "👍")
	req.NoError(err)
	reactions, err := r.UpsertReaction(ctx, m.ID, a, "🎉")
	req.NoError(err)
	req.Equal([]Reaction{{ReactorID: b, Emoji: "👍"}, {ReactorID: a, Emoji: "🎉"}}, reactions)

	// When b changes their emoji
	reactions, err = r.UpsertReaction(ctx, m.ID, b, "❤️")
	req.NoError(err)

	// Then b keeps the first slot with the new emoji
	req.Equal([]Reaction{{ReactorID: b, Emoji: "❤️"}, {ReactorID: a, Emoji: "🎉"}}, reactions)

	history, err := r.ListMessages(ctx, c.ID)
	req.NoError(err)
	req.Len(history, 1)
	req.Equal(reactions, history[0].Reactions)
}

func TestRepository_FindOrCreateDirectChatIsIdempotent(t *testing.T) {
	req := require.New(t)
	r := newTestRepository(t)
	ctx := context.Background()
	a, b := createUser(t, r), createUser(t, r)

	// When both users open the chat at the same time, from either side
	type result struct {
		id      int
		created bool
	}
	results := make(chan result, 8)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			x, y := a, b
			if i%2 == 1 {
				x, y = b, a
			}
			c, created, err := r.FindOrCreateDirectChat(ctx, x, y)
			if assert.NoError(t, err) {
				results <- result{c.ID, created}
			}
		}()
	}
	wg.Wait()
	close(results)

	// Then exactly one call created it and all agree on the id
	ids := map[int]bool{}
	created := 0
	for res := range results {
		ids[res.id] = true
		if res.created {
			created++
		}
	}
	req.Len(ids, 1)
	req.Equal(1, created)

	var count int
	req.NoError(r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM chat_participants pa
		 JOIN chat_participants pb ON pb.chat_id = pa.chat_id AND pb.user_id = $2
		 WHERE pa.user_id = $1`, a, b).Scan(&count))
	req.Equal(1, count)
}

func TestRepository_FindOrCreateDirectChatRejects(t *testing.T) {
	req := require.New(t)
	r := newTestRepository(t)
	ctx := context.Background()
	a := createUser(t, r)

	_, _, err := r.FindOrCreateDirectChat(ctx, a, a)
	req.True(apperr.IsValidation(err), "got %v", err)

	_, _, err = r.FindOrCreateDirectChat(ctx, a, -1)
	req.True(apperr.IsNotFound(err), "got %v", err)
}
