package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/websocket"

	"github.com/graphnote/graphnote/internal/remote"
	"github.com/graphnote/graphnote/internal/schema"
)

// hub fans change notifications out to the websocket subscribers of each
// space.
type hub struct {
	subs   map[string]map[*websocket.Conn]bool
	subsMu sync.RWMutex

	broadcast    chan remote.Event
	pingInterval time.Duration
	logger       *log.Logger
}

func newHub(pingInterval time.Duration, logger *log.Logger) *hub {
	return &hub{
		subs:         make(map[string]map[*websocket.Conn]bool),
		broadcast:    make(chan remote.Event, 100),
		pingInterval: pingInterval,
		logger:       logger,
	}
}

// Publish queues an event. It never blocks; a full queue drops the event.
func (h *hub) Publish(ev remote.Event) {
	if ev.Timestamp == 0 {
		ev.Timestamp = schema.Millis(schema.Now())
	}
	select {
	case h.broadcast <- ev:
	default:
		h.logger.Warn("broadcast queue full, dropping event", "space", ev.SpaceID, "type", ev.Type)
	}
}

func (h *hub) run(ctx context.Context) {
	var tick <-chan time.Time
	if h.pingInterval > 0 {
		ticker := time.NewTicker(h.pingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case ev := <-h.broadcast:
			h.send(ev.SpaceID, ev)

		case <-tick:
			for _, spaceID := range h.spaces() {
				h.send(spaceID, remote.Event{Type: remote.EventPing, SpaceID: spaceID, Timestamp: schema.Millis(schema.Now())})
			}
		}
	}
}

func (h *hub) send(spaceID string, ev remote.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to marshal event", "err", err)
		return
	}

	h.subsMu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.subs[spaceID]))
	for conn := range h.subs[spaceID] {
		conns = append(conns, conn)
	}
	h.subsMu.RUnlock()

	for _, conn := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := conn.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			h.logger.Debug("dropping subscriber", "space", spaceID, "err", err)
			h.remove(spaceID, conn)
		}
	}
}

func (h *hub) add(spaceID string, conn *websocket.Conn) int {
	h.subsMu.Lock()
	defer h.subsMu.Unlock()
	if h.subs[spaceID] == nil {
		h.subs[spaceID] = make(map[*websocket.Conn]bool)
	}
	h.subs[spaceID][conn] = true
	return len(h.subs[spaceID])
}

func (h *hub) remove(spaceID string, conn *websocket.Conn) {
	h.subsMu.Lock()
	_, ok := h.subs[spaceID][conn]
	if ok {
		delete(h.subs[spaceID], conn)
		if len(h.subs[spaceID]) == 0 {
			delete(h.subs, spaceID)
		}
	}
	h.subsMu.Unlock()

	if ok {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
}

func (h *hub) spaces() []string {
	h.subsMu.RLock()
	defer h.subsMu.RUnlock()
	ids := make([]string, 0, len(h.subs))
	for id := range h.subs {
		ids = append(ids, id)
	}
	return ids
}

// Subscribers returns the number of open subscriptions across all spaces.
func (h *hub) Subscribers() int {
	h.subsMu.RLock()
	defer h.subsMu.RUnlock()
	n := 0
	for _, conns := range h.subs {
		n += len(conns)
	}
	return n
}

func (h *hub) closeAll() {
	h.subsMu.Lock()
	defer h.subsMu.Unlock()
	for spaceID, conns := range h.subs {
		for conn := range conns {
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		}
		delete(h.subs, spaceID)
	}
}
