package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"gozon/fulfillment/internal/auth"
	"gozon/fulfillment/internal/order"
	"gozon/fulfillment/pkg/contracts"

	gw "github.com/gorilla/websocket"
)

type Conn = gw.Conn

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = gw.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type OrderReader interface {
	Get(ctx context.Context, id string) (*order.Order, error)
}

type Handler struct {
	hub    *Hub
	orders OrderReader
	auth   *auth.Verifier
	logger *slog.Logger
}

func NewHandler(hub *Hub, orders OrderReader, verifier *auth.Verifier, logger *slog.Logger) *Handler {
	return &Handler{hub: hub, orders: orders, auth: verifier, logger: logger}
}

// ServeWS streams status updates for one order. The caller authenticates
// with ?token= since browsers cannot set headers on upgrade.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	principal, err := h.auth.FromRequest(r)
	if err != nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	orderID := r.PathValue("orderID")
	o, err := h.orders.Get(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			http.Error(w, `{"error":"order not found"}`, http.StatusNotFound)
			return
		}
		h.logger.Error("ws order lookup failed", "order_id", orderID, "err", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if !principal.CanAccess(o.UserID) {
		http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
		return
	}

	snapshot, err := json.Marshal(contracts.LiveUpdate{OrderID: o.ID, Status: string(o.Status), IsPaid: o.IsPaid})
	if err != nil {
		h.logger.Error("ws snapshot encode failed", "order_id", orderID, "err", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	// The snapshot is queued before the client joins, so it reaches only
	// this socket and precedes any update the hub fans out.
	client := &Client{
		hub:     h.hub,
		conn:    conn,
		send:    make(chan []byte, 16),
		orderID: orderID,
	}
	client.send <- snapshot
	if !h.hub.join(client) {
		_ = conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.leave(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(gw.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(gw.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(gw.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
