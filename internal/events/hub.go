// Package events fans status changes out to websocket subscribers of a
// channel.
package events

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/LeventeLantos/scheduled-dispatch/internal/logging"
	"github.com/LeventeLantos/scheduled-dispatch/internal/model"
)

const (
	writeWait  = 10 * time.Second
	sendBuffer = 32
)

type subscriber struct {
	id   string
	send chan model.StatusEvent
}

type Hub struct {
	log      *logging.Logger
	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[model.Channel]map[string]*subscriber
}

func NewHub(log *logging.Logger) *Hub {
	return &Hub{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		subs: make(map[model.Channel]map[string]*subscriber),
	}
}

// Publish never blocks. A subscriber whose buffer is full is disconnected;
// it reconciles by listing again.
func (h *Hub) Publish(ev model.StatusEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, sub := range h.subs[ev.Channel] {
		select {
		case sub.send <- ev:
		default:
			h.log.Warn().Str("subscriber", id).Str("channel", string(ev.Channel)).Msg("dropping slow subscriber")
			delete(h.subs[ev.Channel], id)
			close(sub.send)
		}
	}
}

// Count returns the number of live subscribers of ch.
func (h *Hub) Count(ch model.Channel) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[ch])
}

func (h *Hub) register(ch model.Channel) *subscriber {
	sub := &subscriber{id: uuid.NewString(), send: make(chan model.StatusEvent, sendBuffer)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[ch] == nil {
		h.subs[ch] = make(map[string]*subscriber)
	}
	h.subs[ch][sub.id] = sub
	return sub
}

func (h *Hub) unregister(ch model.Channel, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[ch][sub.id]; ok {
		delete(h.subs[ch], sub.id)
		close(sub.send)
	}
}

// Serve upgrades the request and streams events of ch until the peer goes
// away. Incoming frames are ignored.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, ch model.Channel) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()
	conn.SetReadLimit(4096)

	sub := h.register(ch)
	defer h.unregister(ch, sub)
	h.log.Debug().Str("subscriber", sub.id).Str("channel", string(ch)).Msg("subscriber connected")

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case ev, ok := <-sub.send:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too slow"),
					time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				h.log.Debug().Err(err).Str("subscriber", sub.id).Msg("write failed")
				return
			}
		}
	}
}
