package notifications

import (
	"encoding/json"
	"errors"
	"testing"
)

type fakeConn struct {
	messages [][]byte
	failures int
}

func (c *fakeConn) WriteMessage(data []byte) error {
	if c.failures > 0 {
		c.failures--
		return errors.New("write failed")
	}
	copied := make([]byte, len(data))
	copy(copied, data)
	c.messages = append(c.messages, copied)
	return nil
}

func decodeKind(t *testing.T, data []byte) Kind {
	t.Helper()
	var msg struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("wire message invalid JSON: %v", err)
	}
	return msg.Type
}

func TestSend_DeliversWhenConnected(t *testing.T) {
	hub := NewHub(0)
	conn := &fakeConn{}
	hub.Register("u1", conn)

	hub.Send("u1", NewContactNotice())

	if len(conn.messages) != 1 {
		t.Fatalf("expected 1 delivered message, got %d", len(conn.messages))
	}
	if kind := decodeKind(t, conn.messages[0]); kind != KindContactNotice {
		t.Fatalf("unexpected kind: %q", kind)
	}
	if hub.BufferedCount("u1") != 0 {
		t.Fatalf("nothing should be buffered after successful delivery")
	}
}

func TestSend_BuffersWhenOffline_FlushesOnRegister(t *testing.T) {
	hub := NewHub(0)

	hub.Send("u1", NewContactNotice())
	if hub.BufferedCount("u1") != 1 {
		t.Fatalf("expected 1 buffered payload, got %d", hub.BufferedCount("u1"))
	}

	conn := &fakeConn{}
	hub.Register("u1", conn)

	if len(conn.messages) != 1 {
		t.Fatalf("expected exactly one delivery on flush, got %d", len(conn.messages))
	}
	if hub.BufferedCount("u1") != 0 {
		t.Fatalf("buffer must be empty after flush, got %d", hub.BufferedCount("u1"))
	}
}

func TestSend_BuffersOnWriteFailure(t *testing.T) {
	hub := NewHub(0)
	conn := &fakeConn{failures: 1}
	hub.Register("u1", conn)

	hub.Send("u1", NewContactNotice())

	if len(conn.messages) != 0 {
		t.Fatalf("expected no delivery, got %d", len(conn.messages))
	}
	if hub.BufferedCount("u1") != 1 {
		t.Fatalf("failed send must be buffered, got %d", hub.BufferedCount("u1"))
	}
}

func TestRegister_FlushStopsOnFailurePreservingOrder(t *testing.T) {
	hub := NewHub(0)
	hub.Send("u1", AchievementTierUp{AchievementKind: "zombie", Badge: "bronze"})
	hub.Send("u1", AchievementTierUp{AchievementKind: "zombie", Badge: "silver"})
	hub.Send("u1", AchievementTierUp{AchievementKind: "zombie", Badge: "gold"})

	// First flush attempt fails on the second payload.
	conn := &fakeConn{failures: 0}
	first := true
	failing := connFunc(func(data []byte) error {
		if first {
			first = false
			return conn.WriteMessage(data)
		}
		return errors.New("broken pipe")
	})
	hub.Register("u1", failing)

	if len(conn.messages) != 1 {
		t.Fatalf("expected 1 delivery before failure, got %d", len(conn.messages))
	}
	if hub.BufferedCount("u1") != 2 {
		t.Fatalf("expected 2 re-buffered payloads, got %d", hub.BufferedCount("u1"))
	}

	// A healthy reconnect drains the remainder in order.
	healthy := &fakeConn{}
	hub.Register("u1", healthy)
	if len(healthy.messages) != 2 {
		t.Fatalf("expected remaining 2 deliveries, got %d", len(healthy.messages))
	}
	var second struct {
		Data AchievementTierUp `json:"data"`
	}
	if err := json.Unmarshal(healthy.messages[0], &second); err != nil {
		t.Fatalf("invalid wire message: %v", err)
	}
	if second.Data.Badge != "silver" {
		t.Fatalf("flush order violated, first re-delivered badge: %q", second.Data.Badge)
	}
}

type connFunc func(data []byte) error

func (f connFunc) WriteMessage(data []byte) error { return f(data) }

func TestBroadcastContactNotice_DeduplicatesUsers(t *testing.T) {
	hub := NewHub(0)
	conn := &fakeConn{}
	hub.Register("u1", conn)

	hub.BroadcastContactNotice([]string{"u1", "u1", "u1", "u2"})

	if len(conn.messages) != 1 {
		t.Fatalf("u1 must be notified exactly once, got %d", len(conn.messages))
	}
	if hub.BufferedCount("u2") != 1 {
		t.Fatalf("offline u2 must have exactly one buffered notice, got %d", hub.BufferedCount("u2"))
	}
}

func TestRegister_ReplacesExistingConnection(t *testing.T) {
	hub := NewHub(0)
	old := &fakeConn{}
	hub.Register("u1", old)
	fresh := &fakeConn{}
	hub.Register("u1", fresh)

	hub.Send("u1", NewContactNotice())

	if len(old.messages) != 0 {
		t.Fatalf("replaced connection must not receive messages, got %d", len(old.messages))
	}
	if len(fresh.messages) != 1 {
		t.Fatalf("expected delivery on the new connection, got %d", len(fresh.messages))
	}
	if hub.ConnectedCount() != 1 {
		t.Fatalf("expected one live connection, got %d", hub.ConnectedCount())
	}
}

func TestUnregister_RemovesOnlyMatchingHandle(t *testing.T) {
	hub := NewHub(0)
	old := &fakeConn{}
	hub.Register("u1", old)
	fresh := &fakeConn{}
	hub.Register("u1", fresh)

	// The stale connection's deferred unregister must not evict the new one.
	hub.Unregister(old)
	if hub.ConnectedCount() != 1 {
		t.Fatalf("new connection must survive stale unregister, got %d live", hub.ConnectedCount())
	}

	hub.Unregister(fresh)
	hub.Unregister(fresh) // idempotent
	if hub.ConnectedCount() != 0 {
		t.Fatalf("expected no live connections, got %d", hub.ConnectedCount())
	}
}

func TestBufferCap_DropsOldest(t *testing.T) {
	hub := NewHub(2)
	hub.Send("u1", QuizEvent{MatchID: "m1", Event: "round"})
	hub.Send("u1", QuizEvent{MatchID: "m2", Event: "round"})
	hub.Send("u1", QuizEvent{MatchID: "m3", Event: "round"})

	if hub.BufferedCount("u1") != 2 {
		t.Fatalf("cap of 2 exceeded: %d", hub.BufferedCount("u1"))
	}

	conn := &fakeConn{}
	hub.Register("u1", conn)
	var firstFlushed struct {
		Data QuizEvent `json:"data"`
	}
	if err := json.Unmarshal(conn.messages[0], &firstFlushed); err != nil {
		t.Fatalf("invalid wire message: %v", err)
	}
	if firstFlushed.Data.MatchID != "m2" {
		t.Fatalf("expected oldest payload m1 to be dropped, first flushed: %q", firstFlushed.Data.MatchID)
	}
}
