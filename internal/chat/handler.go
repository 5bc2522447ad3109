package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"realtime-chat/internal/apperr"
	myMiddleware "realtime-chat/internal/middleware"
)

// Store is the part of the repository the REST handlers read and write.
type Store interface {
	GetChat(ctx context.Context, chatID int) (*Chat, error)
	FindOrCreateDirectChat(ctx context.Context, a, b int) (*Chat, bool, error)
	ListChats(ctx context.Context, userID int) ([]Chat, error)
	ListMessages(ctx context.Context, chatID int) ([]Message, error)
}

// Notifier is told when a chat is created on behalf of another user.
type Notifier interface {
	ChatCreated(ctx context.Context, c *Chat, userID int) error
}

// MessageSender creates a message and delivers it live, the same way a
// websocket send does.
type MessageSender interface {
	PostMessage(ctx context.Context, nm NewMessage) (*Message, error)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

type Handler struct {
	store    Store
	notifier Notifier
	sender   MessageSender
	log      *slog.Logger
}

func NewHandler(store Store, notifier Notifier, sender MessageSender, log *slog.Logger) *Handler {
	return &Handler{
		store:    store,
		notifier: notifier,
		sender:   sender,
		log:      log,
	}
}

// AccessChat opens (or returns) the one-to-one chat with the requested user.
func (h *Handler) AccessChat(w http.ResponseWriter, r *http.Request) {
	callerID, _, ok := myMiddleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req AccessChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := validate.Struct(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	c, created, err := h.store.FindOrCreateDirectChat(r.Context(), callerID, req.UserID)
	if err != nil {
		h.fail(w, "access chat", err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		if err := h.notifier.ChatCreated(r.Context(), c, req.UserID); err != nil {
			h.log.Warn("announce new chat failed", "chat_id", c.ID, "user_id", req.UserID, "err", err)
		}
	}
	writeJSON(w, status, c)
}

func (h *Handler) ListChats(w http.ResponseWriter, r *http.Request) {
	callerID, _, ok := myMiddleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	chats, err := h.store.ListChats(r.Context(), callerID)
	if err != nil {
		h.fail(w, "list chats", err)
		return
	}
	writeJSON(w, http.StatusOK, chats)
}

// GetChatHistory returns every message of a chat the caller belongs to,
// oldest first.
func (h *Handler) GetChatHistory(w http.ResponseWriter, r *http.Request) {
	callerID, _, ok := myMiddleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	chatID, err := strconv.Atoi(chi.URLParam(r, "chatId"))
	if err != nil || chatID <= 0 {
		http.Error(w, "invalid chat id", http.StatusBadRequest)
		return
	}

	c, err := h.store.GetChat(r.Context(), chatID)
	if err != nil {
		h.fail(w, "get chat", err)
		return
	}
	if !c.HasParticipant(callerID) {
		// Same answer as a missing chat.
		http.Error(w, "chat not found", http.StatusNotFound)
		return
	}

	messages, err := h.store.ListMessages(r.Context(), chatID)
	if err != nil {
		h.fail(w, "list messages", err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

// PostMessage sends a message as the caller without a websocket.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	callerID, _, ok := myMiddleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	chatID, err := strconv.Atoi(chi.URLParam(r, "chatId"))
	if err != nil || chatID <= 0 {
		http.Error(w, "invalid chat id", http.StatusBadRequest)
		return
	}

	var req PostMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := validate.Struct(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Kind == "" {
		req.Kind = KindText
	}

	msg, err := h.sender.PostMessage(r.Context(), NewMessage{
		ChatID:   chatID,
		SenderID: callerID,
		Content:  req.Content,
		Kind:     req.Kind,
		ImageRef: req.ImageRef,
	})
	if err != nil {
		h.fail(w, "post message", err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error(op+" failed", "err", err)
		http.Error(w, "internal error", status)
		return
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
