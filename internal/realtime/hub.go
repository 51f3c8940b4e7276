// Package realtime is the websocket gateway: it authenticates connections,
// enforces the single-broadcaster slot, relays media-plane operations and
// feeds listener facts into analytics.
package realtime

import (
	"sync"

	"go.uber.org/zap"
)

// Hub tracks connected clients grouped into per-session rooms.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[*Client]struct{}
	byID   map[string]*Client
	logger *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		rooms:  make(map[string]map[*Client]struct{}),
		byID:   make(map[string]*Client),
		logger: logger,
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[c.sessionID]
	if room == nil {
		room = make(map[*Client]struct{})
		h.rooms[c.sessionID] = room
	}
	room[c] = struct{}{}
	h.byID[c.id] = c
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room := h.rooms[c.sessionID]; room != nil {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, c.sessionID)
		}
	}
	delete(h.byID, c.id)
}

// Broadcast queues an event for every client in a session's room. Clients
// with a full send buffer are skipped; a stalled consumer must not block
// the room.
func (h *Hub) Broadcast(sessionID, event string, data any) {
	msg, err := encodeEvent(event, data)
	if err != nil {
		h.logger.Error("event encode failed", zap.String("event", event), zap.Error(err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[sessionID] {
		c.trySend(msg)
	}
}

// ForceDisconnect closes the named connections (takeover).
func (h *Hub) ForceDisconnect(connIDs []string) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(connIDs))
	for _, id := range connIDs {
		if c := h.byID[id]; c != nil {
			clients = append(clients, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range clients {
		c.close()
	}
}

// NotifyLiveModeChanged pushes a live-mode change to the session's room.
func (h *Hub) NotifyLiveModeChanged(sessionID, mode string) {
	h.Broadcast(sessionID, EventLiveModeChanged, liveModePayload{Mode: mode})
}

// NotifyChannelsUpdated tells the room to refetch the channel list.
func (h *Hub) NotifyChannelsUpdated(sessionID string) {
	h.Broadcast(sessionID, EventChannelsUpdated, struct{}{})
}

// NotifyTakeoverRequested warns the room that a takeover is in progress.
func (h *Hub) NotifyTakeoverRequested(sessionID, byName string) {
	h.Broadcast(sessionID, EventTakeoverRequired, takeoverPayload{OwnerName: byName})
}

// NotifyOwnershipChanged announces the new slot holder.
func (h *Hub) NotifyOwnershipChanged(sessionID, ownerName string, takeover bool) {
	h.Broadcast(sessionID, EventOwnershipChanged, ownershipPayload{OwnerName: ownerName, Takeover: takeover})
}
