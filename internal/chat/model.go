package chat

import (
	"slices"
	"time"
)

// Kind is the message body type.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
)

type Chat struct {
	ID            int       `json:"id"`
	Participants  []int     `json:"participants"`
	IsGroupChat   bool      `json:"isGroupChat"`
	LastMessageID *int      `json:"lastMessageId"`
	LastMessage   *Message  `json:"lastMessage,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

func (c *Chat) HasParticipant(userID int) bool {
	return slices.Contains(c.Participants, userID)
}

// Other returns the first participant that is not userID.
func (c *Chat) Other(userID int) (int, bool) {
	for _, p := range c.Participants {
		if p != userID {
			return p, true
		}
	}
	return 0, false
}

type Reaction struct {
	ReactorID int    `json:"reactorId"`
	Emoji     string `json:"emoji"`
}

type Message struct {
	ID         int        `json:"id"`
	ChatID     int        `json:"chatId"`
	SenderID   int        `json:"senderId"`
	SenderName string     `json:"senderName,omitempty"`
	Content    string     `json:"content,omitempty"`
	Kind       Kind       `json:"kind"`
	ImageRef   string     `json:"imageRef,omitempty"`
	Reactions  []Reaction `json:"reactions"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// NewMessage is a validated message waiting to be written.
type NewMessage struct {
	ChatID   int
	SenderID int
	Content  string
	Kind     Kind
	ImageRef string
}

// AccessChatRequest asks for the one-to-one chat with another user.
type AccessChatRequest struct {
	UserID int `json:"userId" validate:"required,gt=0"`
}

// PostMessageRequest is the REST body for sending into a chat. Kind
// defaults to text.
type PostMessageRequest struct {
	Content  string `json:"content" validate:"max=4000"`
	Kind     Kind   `json:"kind" validate:"omitempty,oneof=text image"`
	ImageRef string `json:"imageRef" validate:"omitempty,max=2048"`
}
