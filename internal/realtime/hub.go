// Package realtime delivers chat events to live websocket connections.
//
// The Hub owns every connection and is the only goroutine that writes to a
// connection's send buffer. Services decide who receives an event and hand
// an addressed Delivery to the broadcast bus; the bus feeds the hub in
// publish order.
package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"realtime-chat/internal/broadcast"
	"realtime-chat/internal/chat"
)

type Hub struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	deliver    chan broadcast.Delivery
	bus        broadcast.Bus
	log        *slog.Logger

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewHub(bus broadcast.Bus, log *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		deliver:    make(chan broadcast.Delivery),
		bus:        bus,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Run is the event loop. It is the only place that touches h.clients.
func (h *Hub) Run() {
	defer close(h.done)

	go func() {
		if err := h.bus.Run(h.ctx, h.enqueue); err != nil && h.ctx.Err() == nil {
			h.log.Error("broadcast bus stopped", "err", err)
		}
	}()

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			h.clients[client.ID] = client
			h.log.Debug("client registered", "conn_id", client.ID, "user_id", client.UserID, "clients", len(h.clients))

			h.wg.Add(2)
			go func() {
				defer h.wg.Done()
				client.writePump()
			}()
			go func() {
				defer h.wg.Done()
				client.readPump()
			}()

		case client := <-h.unregister:
			// Always check they exist: a slow client may already be gone.
			if current, ok := h.clients[client.ID]; ok && current == client {
				delete(h.clients, client.ID)
				close(client.send)
			}
			h.log.Debug("client unregistered", "conn_id", client.ID, "clients", len(h.clients))

		case d := <-h.deliver:
			h.fanOut(d)
		}
	}
}

func (h *Hub) enqueue(d broadcast.Delivery) {
	select {
	case h.deliver <- d:
	case <-h.ctx.Done():
	}
}

func (h *Hub) fanOut(d broadcast.Delivery) {
	if d.All {
		for _, client := range h.clients {
			h.push(client, d.Payload)
		}
		return
	}
	for _, id := range d.Conns {
		if client, ok := h.clients[id]; ok {
			h.push(client, d.Payload)
		}
	}
}

// push never blocks the loop; a client whose buffer is full is dropped and
// its writePump closes the socket.
func (h *Hub) push(client *Client, payload []byte) {
	select {
	case client.send <- payload:
	default:
		h.log.Warn("dropping slow client", "conn_id", client.ID, "user_id", client.UserID)
		delete(h.clients, client.ID)
		close(client.send)
	}
}

// Emit publishes an encoded event for the given connections.
func (h *Hub) Emit(ctx context.Context, conns []string, event EventName, data any) error {
	if len(conns) == 0 {
		return nil
	}
	payload, err := Encode(event, data)
	if err != nil {
		return err
	}
	return h.bus.Publish(ctx, broadcast.Delivery{Conns: conns, Payload: payload})
}

// EmitAll publishes an event for every live connection.
func (h *Hub) EmitAll(ctx context.Context, event EventName, data any) error {
	payload, err := Encode(event, data)
	if err != nil {
		return err
	}
	return h.bus.Publish(ctx, broadcast.Delivery{All: true, Payload: payload})
}

// UserOnline and UserOffline announce presence edges to everybody.

func (h *Hub) UserOnline(userID int) {
	if err := h.EmitAll(h.ctx, EventUserOnline, userID); err != nil {
		h.log.Error("emit user_online failed", "user_id", userID, "err", err)
	}
}

func (h *Hub) UserOffline(userID int) {
	if err := h.EmitAll(h.ctx, EventUserOffline, userID); err != nil {
		h.log.Error("emit user_offline failed", "user_id", userID, "err", err)
	}
}

// ChatAnnouncer tells a user's connections about a chat someone else opened.
type ChatAnnouncer struct {
	hub      *Hub
	presence Presence
}

func NewChatAnnouncer(hub *Hub, presence Presence) *ChatAnnouncer {
	return &ChatAnnouncer{hub: hub, presence: presence}
}

func (a *ChatAnnouncer) ChatCreated(ctx context.Context, c *chat.Chat, userID int) error {
	return a.hub.Emit(ctx, a.presence.Connections(userID), EventNewChatCreated, c)
}

func (h *Hub) shutdownClients() {
	for id, client := range h.clients {
		if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
			h.log.Warn("close client", "conn_id", id, "err", err)
		}
	}
	h.log.Info("closed client connections", "count", len(h.clients))
}

// Shutdown stops the loop and waits for every pump to exit or the timeout.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.cancel()
	<-h.done

	finished := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-time.After(timeout):
		return context.DeadlineExceeded
	}
}
