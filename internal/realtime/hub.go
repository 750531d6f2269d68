// Package realtime pushes order updates to WebSocket subscribers.
package realtime

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Simplici0/printworks/internal/domain"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Snapshot is the first message on every stream.
type Snapshot struct {
	Kind  string       `json:"type"`
	Order domain.Order `json:"order"`
}

type subscriber struct {
	ch     chan domain.OrderUpdate
	closed bool
}

// Hub fans order updates out to subscribers of that order. A subscriber
// that falls behind is disconnected instead of silently missing updates.
type Hub struct {
	log      zerolog.Logger
	buffer   int
	upgrader websocket.Upgrader

	mu      sync.Mutex
	subs    map[string]map[*subscriber]struct{}
	closing bool
}

func NewHub(logger zerolog.Logger, buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		log:    logger.With().Str("component", "realtime").Logger(),
		buffer: buffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		subs: make(map[string]map[*subscriber]struct{}),
	}
}

// Publish never blocks.
func (h *Hub) Publish(u domain.OrderUpdate) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[u.OrderID] {
		select {
		case sub.ch <- u:
		default:
			h.log.Warn().Str("order_id", u.OrderID).Msg("subscriber too slow, disconnecting")
			h.drop(u.OrderID, sub)
		}
	}
}

// Subscribe registers interest in an order. The channel is closed when the
// subscriber is cancelled or disconnected for falling behind.
func (h *Hub) Subscribe(orderID string) (<-chan domain.OrderUpdate, func()) {
	sub := &subscriber{ch: make(chan domain.OrderUpdate, h.buffer)}

	h.mu.Lock()
	if h.closing {
		sub.closed = true
		close(sub.ch)
		h.mu.Unlock()
		return sub.ch, func() {}
	}
	if h.subs[orderID] == nil {
		h.subs[orderID] = make(map[*subscriber]struct{})
	}
	h.subs[orderID][sub] = struct{}{}
	h.mu.Unlock()

	return sub.ch, func() {
		h.mu.Lock()
		h.drop(orderID, sub)
		h.mu.Unlock()
	}
}

// Subscribers returns the number of live subscribers of an order.
func (h *Hub) Subscribers(orderID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[orderID])
}

// Close disconnects every subscriber. Streams end with a going-away close
// frame and new subscriptions are closed immediately.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closing = true
	for orderID, subs := range h.subs {
		for sub := range subs {
			h.drop(orderID, sub)
		}
	}
}

func (h *Hub) shuttingDown() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closing
}

// drop removes sub. Callers hold h.mu.
func (h *Hub) drop(orderID string, sub *subscriber) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
	delete(h.subs[orderID], sub)
	if len(h.subs[orderID]) == 0 {
		delete(h.subs, orderID)
	}
}

// Serve upgrades the request and streams the order: first the snapshot,
// then every update in publish order until either side goes away.
// snapshot is called after the subscription is in place so no update
// between the two is lost. A snapshot error is returned before anything is
// written, so the caller still owns w; once upgraded, Serve returns nil.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, orderID string, snapshot func() (domain.Order, error)) error {
	updates, cancel := h.Subscribe(orderID)
	defer cancel()

	order, err := snapshot()
	if err != nil {
		return err
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("order_id", orderID).Msg("websocket upgrade failed")
		return nil
	}
	defer conn.Close()

	done := make(chan struct{})
	go h.readPump(conn, done)

	if err := writeJSON(conn, Snapshot{Kind: "snapshot", Order: order}); err != nil {
		return nil
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return nil
		case <-r.Context().Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscriber fell behind")
				if h.shuttingDown() {
					msg = websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
				}
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
				return nil
			}
			if err := writeJSON(conn, u); err != nil {
				h.log.Debug().Err(err).Str("order_id", orderID).Msg("websocket write failed")
				return nil
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return nil
			}
		}
	}
}

// readPump discards client messages and notices when the peer leaves.
func (h *Hub) readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}
