package realtime

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"realtime-chat/internal/apperr"
	"realtime-chat/internal/chat"
)

type fakeDirectory struct {
	mu        sync.Mutex
	chats     map[int]*chat.Chat
	messages  map[int]*chat.Message
	nextID    int
	createErr error
	created   []int
}

func newFakeDirectory(chats ...*chat.Chat) *fakeDirectory {
	d := &fakeDirectory{
		chats:    make(map[int]*chat.Chat),
		messages: make(map[int]*chat.Message),
	}
	for _, c := range chats {
		d.chats[c.ID] = c
	}
	return d
}

func (d *fakeDirectory) GetChat(_ context.Context, chatID int) (*chat.Chat, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.chats[chatID]
	if !ok {
		return nil, apperr.NotFound("chat %d not found", chatID)
	}
	cp := *c
	cp.Participants = slices.Clone(c.Participants)
	return &cp, nil
}

func (d *fakeDirectory) CreateMessage(_ context.Context, nm chat.NewMessage) (*chat.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.createErr != nil {
		return nil, d.createErr
	}
	d.nextID++
	m := &chat.Message{
		ID:         d.nextID,
		ChatID:     nm.ChatID,
		SenderID:   nm.SenderID,
		SenderName: fmt.Sprintf("user%d", nm.SenderID),
		Content:    nm.Content,
		Kind:       nm.Kind,
		ImageRef:   nm.ImageRef,
		Reactions:  []chat.Reaction{},
		CreatedAt:  time.Now(),
	}
	d.messages[m.ID] = m
	id := m.ID
	d.chats[nm.ChatID].LastMessageID = &id
	d.created = append(d.created, m.ID)
	return m, nil
}

func (d *fakeDirectory) GetMessage(_ context.Context, messageID int) (*chat.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.messages[messageID]
	if !ok {
		return nil, apperr.NotFound("message %d not found", messageID)
	}
	cp := *m
	cp.Reactions = slices.Clone(m.Reactions)
	return &cp, nil
}

func (d *fakeDirectory) UpsertReaction(_ context.Context, messageID, reactorID int, emoji string) ([]chat.Reaction, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.messages[messageID]
	if !ok {
		return nil, apperr.NotFound("message %d not found", messageID)
	}
	i := slices.IndexFunc(m.Reactions, func(r chat.Reaction) bool { return r.ReactorID == reactorID })
	if i >= 0 {
		m.Reactions[i].Emoji = emoji
	} else {
		m.Reactions = append(m.Reactions, chat.Reaction{ReactorID: reactorID, Emoji: emoji})
	}
	return slices.Clone(m.Reactions), nil
}

func (d *fakeDirectory) reactions(messageID int) []chat.Reaction {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.messages[messageID].Reactions)
}

func (d *fakeDirectory) lastMessageID(chatID int) *int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.chats[chatID].LastMessageID
}

func (d *fakeDirectory) createdIDs() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.created)
}

type emitted struct {
	conns []string
	event EventName
	data  any
}

// recordingEmitter stands in for the hub. Like the hub it ignores events
// addressed to nobody.
type recordingEmitter struct {
	mu     sync.Mutex
	events []emitted
}

func (e *recordingEmitter) Emit(_ context.Context, conns []string, event EventName, data any) error {
	if len(conns) == 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, emitted{conns: slices.Clone(conns), event: event, data: data})
	return nil
}

// to lists the events conn received, in order.
func (e *recordingEmitter) to(conn string) []EventName {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []EventName
	for _, ev := range e.events {
		if slices.Contains(ev.conns, conn) {
			out = append(out, ev.event)
		}
	}
	return out
}

func (e *recordingEmitter) all() []emitted {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.events)
}

type fakePresence map[int][]string

func (p fakePresence) Connections(userID int) []string {
	return slices.Clone(p[userID])
}

type nopRecorder struct{}

func (nopRecorder) RecordOnline(context.Context, int, time.Time) error  { return nil }
func (nopRecorder) RecordOffline(context.Context, int, time.Time) error { return nil }
