package websocket

import (
	"context"
	"encoding/json"
	"fmt"

	"gozon/fulfillment/pkg/contracts"
)

type Client struct {
	hub     *Hub
	conn    *Conn
	send    chan []byte
	orderID string
}

// Hub fans live order updates out to every socket watching that order.
type Hub struct {
	register   chan *Client
	unregister chan *Client
	broadcast  chan contracts.LiveUpdate
	done       chan struct{}
	clients    map[string]map[*Client]bool
}

func NewHub() *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan contracts.LiveUpdate, 64),
		done:       make(chan struct{}),
		clients:    make(map[string]map[*Client]bool),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case c := <-h.register:
			set, ok := h.clients[c.orderID]
			if !ok {
				set = make(map[*Client]bool)
				h.clients[c.orderID] = set
			}
			set[c] = true
		case c := <-h.unregister:
			h.drop(c)
		case upd := <-h.broadcast:
			msg, err := json.Marshal(upd)
			if err != nil {
				continue
			}
			for c := range h.clients[upd.OrderID] {
				select {
				case c.send <- msg:
				default:
					h.drop(c)
				}
			}
		case <-ctx.Done():
			for _, set := range h.clients {
				for c := range set {
					close(c.send)
				}
			}
			h.clients = map[string]map[*Client]bool{}
			return
		}
	}
}

func (h *Hub) drop(c *Client) {
	set, ok := h.clients[c.orderID]
	if !ok {
		return
	}
	if _, exists := set[c]; exists {
		delete(set, c)
		close(c.send)
	}
	if len(set) == 0 {
		delete(h.clients, c.orderID)
	}
}

// Broadcast queues u for delivery. It never blocks once the hub has stopped.
func (h *Hub) Broadcast(u contracts.LiveUpdate) {
	select {
	case h.broadcast <- u:
	case <-h.done:
	}
}

func (h *Hub) join(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// HandleEvent turns a domain event into a live update for the order it
// concerns. Events buyers do not watch are ignored.
func (h *Hub) HandleEvent(env contracts.Envelope) error {
	upd, ok, err := LiveUpdateFrom(env)
	if err != nil || !ok {
		return err
	}
	h.Broadcast(upd)
	return nil
}

func LiveUpdateFrom(env contracts.Envelope) (contracts.LiveUpdate, bool, error) {
	switch env.Type {
	case contracts.EventOrderPaid:
		var e contracts.OrderPaidEvent
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return contracts.LiveUpdate{}, false, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return contracts.LiveUpdate{OrderID: e.OrderID, Status: e.Status, IsPaid: true}, true, nil
	case contracts.EventOrderStatusChanged:
		var e contracts.OrderStatusChangedEvent
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return contracts.LiveUpdate{}, false, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return contracts.LiveUpdate{OrderID: e.OrderID, Status: e.To, IsPaid: e.IsPaid}, true, nil
	}
	return contracts.LiveUpdate{}, false, nil
}
