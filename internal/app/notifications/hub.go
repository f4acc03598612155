package notifications

import (
	"sync"
	"time"

	"github.com/ckuessner/vivacoronia-backend-sub000/internal/platform/metrics"
)

// Conn is a live bidirectional channel to one user. The websocket adapter
// implements it; tests supply fakes.
type Conn interface {
	WriteMessage(data []byte) error
}

type envelope struct {
	payload    []byte
	bufferedAt time.Time
}

// Hub is the process-wide registry of live per-user connections. Delivery is
// best-effort: a failed or impossible send lands in the user's FIFO buffer
// and is flushed on the next (re)connect.
type Hub struct {
	mu          sync.Mutex
	connections map[string]Conn
	buffers     map[string][]envelope

	// BufferCap bounds each user's buffer; the oldest envelope is dropped
	// when exceeded. Zero means unbounded.
	BufferCap int
	Now       func() time.Time
}

func NewHub(bufferCap int) *Hub {
	return &Hub{
		connections: make(map[string]Conn),
		buffers:     make(map[string][]envelope),
		BufferCap:   bufferCap,
		Now:         func() time.Time { return time.Now().UTC() },
	}
}

// Register stores the connection for userID, replacing any prior mapping
// without closing the old handle, then flushes buffered payloads in FIFO
// order. A failed flush re-buffers the payload at the head and stops.
func (h *Hub) Register(userID string, conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, had := h.connections[userID]; !had {
		metrics.ConnectedUsers.Inc()
	}
	h.connections[userID] = conn

	pending := h.buffers[userID]
	delete(h.buffers, userID)
	for i, env := range pending {
		if err := conn.WriteMessage(env.payload); err != nil {
			h.buffers[userID] = pending[i:]
			return
		}
		metrics.NotificationsDeliveredTotal.Inc()
	}
}

// Unregister removes every mapping whose handle equals conn. Calling it for
// an already-removed connection is a no-op.
func (h *Hub) Unregister(conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for userID, current := range h.connections {
		if current == conn {
			delete(h.connections, userID)
			metrics.ConnectedUsers.Dec()
		}
	}
}

// Send attempts synchronous delivery to userID and buffers the payload when
// the user is offline or the write fails. Transport failures are never
// surfaced to the caller.
func (h *Hub) Send(userID string, p Payload) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sendLocked(userID, p)
}

func (h *Hub) sendLocked(userID string, p Payload) {
	data, err := Encode(p, h.Now())
	if err != nil {
		return
	}

	if conn, ok := h.connections[userID]; ok {
		if err := conn.WriteMessage(data); err == nil {
			metrics.NotificationsDeliveredTotal.Inc()
			return
		}
	}

	buf := append(h.buffers[userID], envelope{payload: data, bufferedAt: h.Now()})
	if h.BufferCap > 0 && len(buf) > h.BufferCap {
		buf = buf[len(buf)-h.BufferCap:]
	}
	h.buffers[userID] = buf
	metrics.NotificationsBufferedTotal.Inc()
}

// BroadcastContactNotice notifies each distinct user exactly once per call.
func (h *Hub) BroadcastContactNotice(userIDs []string) {
	notice := NewContactNotice()

	h.mu.Lock()
	defer h.mu.Unlock()

	seen := make(map[string]struct{}, len(userIDs))
	for _, userID := range userIDs {
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}
		h.sendLocked(userID, notice)
	}
}

// NotifyAchievementTierUp routes a tier-up alert through the same send path.
func (h *Hub) NotifyAchievementTierUp(userID, kind, badge string) {
	h.Send(userID, AchievementTierUp{AchievementKind: kind, Badge: badge})
}

// NotifyQuizEvent routes a quiz event through the same send path.
func (h *Hub) NotifyQuizEvent(userID, matchID, event, detail string) {
	h.Send(userID, QuizEvent{MatchID: matchID, Event: event, Detail: detail})
}

// ConnectedCount reports the number of users with a live connection.
func (h *Hub) ConnectedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connections)
}

// BufferedCount reports the number of payloads waiting for userID.
func (h *Hub) BufferedCount(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.buffers[userID])
}
