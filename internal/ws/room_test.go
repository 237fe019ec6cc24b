package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worksheetroomgo/internal/services/followup"
)

const waitFor = 2 * time.Second

// ─────────────────────────── test doubles ────────────────────────────────────

type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (c *fakeConn) WriteMessage(mt int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("use of closed connection")
	}
	if mt == websocket.TextMessage {
		cp := make([]byte, len(data))
		copy(cp, data)
		c.frames = append(c.frames, cp)
	}
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// events decodes every recorded frame.
func (c *fakeConn) events() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.frames))
	for _, f := range c.frames {
		var m map[string]any
		if json.Unmarshal(f, &m) == nil {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeConn) eventsOfType(typ string) []map[string]any {
	var out []map[string]any
	for _, e := range c.events() {
		if e["type"] == typ {
			out = append(out, e)
		}
	}
	return out
}

func (c *fakeConn) hasEvent(typ string) bool { return len(c.eventsOfType(typ)) > 0 }

// stubGateway implements followup.IFollowUpService in memory. When blockOn is
// set, writes for that follow-up id park on the gate channel until it closes.
type stubGateway struct {
	mu      sync.Mutex
	calls   []string
	failAll bool

	blockOn string
	gate    chan struct{}
}

func (g *stubGateway) record(op string) {
	g.mu.Lock()
	g.calls = append(g.calls, op)
	g.mu.Unlock()
}

func (g *stubGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func (g *stubGateway) maybeBlock(followUpID string) {
	if g.blockOn != "" && g.blockOn == followUpID {
		<-g.gate
	}
}

func (g *stubGateway) maybeFail() error {
	if g.failAll {
		return errors.New("db unavailable")
	}
	return nil
}

func (g *stubGateway) ApplyFieldUpdates(_ context.Context, followUpID string, _ map[string]any) error {
	g.record("apply:" + followUpID)
	g.maybeBlock(followUpID)
	return g.maybeFail()
}

func (g *stubGateway) AppendActivity(_ context.Context, followUpID, _, _, _ string, _ map[string]any) (int64, error) {
	g.record("append:" + followUpID)
	g.maybeBlock(followUpID)
	if err := g.maybeFail(); err != nil {
		return 0, err
	}
	return 7, nil
}

func (g *stubGateway) SetStatus(_ context.Context, followUpID, _, _, _ string) error {
	g.record("status:" + followUpID)
	g.maybeBlock(followUpID)
	return g.maybeFail()
}

func (g *stubGateway) GetFollowUp(context.Context, string) (*followup.FollowUpDTO, error) {
	return nil, followup.ErrFollowUpNotFound
}

func (g *stubGateway) ListActivities(context.Context, string, int, int) ([]followup.ActivityDTO, error) {
	return nil, nil
}

// ─────────────────────────── helpers ─────────────────────────────────────────

func newTestHub(g *stubGateway) *Hub {
	// nil Redis client → single-instance mode, no fan-out to stand up
	return NewHub(g, nil, 16)
}

func join(h *Hub, worksheetID, userID, userName string) (*session, *fakeConn, *Room) {
	fc := &fakeConn{}
	s := &session{id: newID(), userID: userID, userName: userName, conn: fc}
	r := h.Join(worksheetID, s)
	return s, fc, r
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, waitFor, 5*time.Millisecond, msg)
}

// ─────────────────────────── tests ───────────────────────────────────────────

func TestJoinNotifiesOthersNotSelf(t *testing.T) {
	h := newTestHub(&stubGateway{})
	_, fcA, _ := join(h, "W1", "uA", "Alice")
	_, fcB, _ := join(h, "W1", "uB", "Bob")

	eventually(t, func() bool { return fcA.hasEvent(evtUserJoined) },
		"A should observe B joining")

	joined := fcA.eventsOfType(evtUserJoined)
	require.Len(t, joined, 1)
	assert.Equal(t, "uB", joined[0]["userId"])
	assert.Equal(t, "Bob", joined[0]["userName"])

	// B never hears about its own join; its only frame so far is room_state.
	assert.Empty(t, fcB.eventsOfType(evtUserJoined))
}

func TestJoinerReceivesRoomState(t *testing.T) {
	h := newTestHub(&stubGateway{})
	join(h, "W1", "uA", "Alice")
	_, fcB, _ := join(h, "W1", "uB", "Bob")

	eventually(t, func() bool { return fcB.hasEvent(evtRoomState) },
		"joiner should get the roster")

	state := fcB.eventsOfType(evtRoomState)[0]
	assert.Equal(t, "W1", state["worksheetId"])
	members := state["members"].([]any)
	assert.Len(t, members, 2)
}

func TestStatusChangeBroadcastSkipsOriginator(t *testing.T) {
	g := &stubGateway{}
	h := newTestHub(g)
	sA, fcA, r := join(h, "W1", "uA", "Alice")
	_, fcB, _ := join(h, "W1", "uB", "Bob")

	r.Submit(sA, []byte(`{"type":"status_change","followUpId":"F1","oldStatus":"open","newStatus":"resolved","userId":"uA"}`))

	eventually(t, func() bool { return fcB.hasEvent(evtStatusChanged) },
		"B should receive the status change")

	evt := fcB.eventsOfType(evtStatusChanged)[0]
	assert.Equal(t, "F1", evt["followUpId"])
	assert.Equal(t, "open", evt["oldStatus"])
	assert.Equal(t, "resolved", evt["newStatus"])
	assert.Equal(t, "uA", evt["changedBy"])

	// no echo back to the originator
	assert.Empty(t, fcA.eventsOfType(evtStatusChanged))
	assert.Equal(t, []string{"status:F1"}, g.calls)
}

func TestCommentCarriesPersistedID(t *testing.T) {
	h := newTestHub(&stubGateway{})
	sA, _, r := join(h, "W1", "uA", "Alice")
	_, fcB, _ := join(h, "W1", "uB", "Bob")

	r.Submit(sA, []byte(`{"type":"comment_added","followUpId":"F1","content":"hi","userId":"uA","userName":"Alice"}`))

	eventually(t, func() bool { return fcB.hasEvent(evtCommentAdded) },
		"B should receive the comment")

	evt := fcB.eventsOfType(evtCommentAdded)[0]
	assert.Equal(t, float64(7), evt["commentId"])
	assert.Equal(t, "hi", evt["content"])
	assert.Equal(t, "uA", evt["userId"])
	assert.Equal(t, "Alice", evt["userName"])
}

func TestPersistFailureOnlyOriginatorHears(t *testing.T) {
	g := &stubGateway{failAll: true}
	h := newTestHub(g)
	sA, fcA, r := join(h, "W1", "uA", "Alice")
	_, fcB, _ := join(h, "W1", "uB", "Bob")

	r.Submit(sA, []byte(`{"type":"follow_up_update","followUpId":"F1","updates":{"priority":"high"},"userId":"uA"}`))

	eventually(t, func() bool { return fcA.hasEvent(evtError) },
		"originator should get an error event")

	// the rest of the room saw nothing change
	assert.Empty(t, fcB.eventsOfType(evtFollowUpUpdated))
	assert.Empty(t, fcB.eventsOfType(evtError))
}

func TestPresenceSkipsGateway(t *testing.T) {
	g := &stubGateway{}
	h := newTestHub(g)
	sA, fcA, r := join(h, "W1", "uA", "Alice")
	_, fcB, _ := join(h, "W1", "uB", "Bob")

	r.Submit(sA, []byte(`{"type":"presence_update","presence":{"cursor":5}}`))

	eventually(t, func() bool { return fcB.hasEvent(evtPresenceUpdate) },
		"B should receive the presence update")

	evt := fcB.eventsOfType(evtPresenceUpdate)[0]
	assert.Equal(t, "uA", evt["userId"])

	assert.Zero(t, g.callCount(), "presence must never touch the gateway")
	assert.Empty(t, fcA.eventsOfType(evtPresenceUpdate))
}

func TestUnrecognizedKindDroppedSilently(t *testing.T) {
	g := &stubGateway{}
	h := newTestHub(g)
	sA, fcA, r := join(h, "W1", "uA", "Alice")
	_, fcB, _ := join(h, "W1", "uB", "Bob")

	r.Submit(sA, []byte(`{"type":"totally_new_thing"}`))
	// follow with a valid message so we know the queue advanced past the bad one
	r.Submit(sA, []byte(`{"type":"presence_update","presence":1}`))

	eventually(t, func() bool { return fcB.hasEvent(evtPresenceUpdate) },
		"queue should continue past the dropped frame")

	assert.Zero(t, g.callCount())
	assert.Empty(t, fcA.eventsOfType(evtError), "no reply for unknown kinds")
}

func TestMutationsApplyInArrivalOrder(t *testing.T) {
	g := &stubGateway{}
	h := newTestHub(g)
	sA, _, r := join(h, "W1", "uA", "Alice")
	sB, _, r2 := join(h, "W1", "uB", "Bob")
	require.Same(t, r, r2)

	r.Submit(sA, []byte(`{"type":"status_change","followUpId":"F1","newStatus":"s1"}`))
	r.Submit(sB, []byte(`{"type":"comment_added","followUpId":"F1","content":"c"}`))
	r.Submit(sA, []byte(`{"type":"follow_up_update","followUpId":"F1","updates":{"x":1}}`))

	eventually(t, func() bool { return g.callCount() == 3 }, "all three persists should run")
	assert.Equal(t, []string{"status:F1", "append:F1", "apply:F1"}, g.calls)
}

func TestSlowRoomDoesNotStallOtherRooms(t *testing.T) {
	g := &stubGateway{blockOn: "F1", gate: make(chan struct{})}
	h := newTestHub(g)
	sA, _, r1 := join(h, "W1", "uA", "Alice")
	sC, _, r2 := join(h, "W2", "uC", "Carol")
	_, fcD, _ := join(h, "W2", "uD", "Dan")

	// W1 wedges on a slow persist
	r1.Submit(sA, []byte(`{"type":"comment_added","followUpId":"F1","content":"slow"}`))
	// W2 keeps moving
	r2.Submit(sC, []byte(`{"type":"comment_added","followUpId":"F2","content":"fast"}`))

	eventually(t, func() bool { return fcD.hasEvent(evtCommentAdded) },
		"W2 must not queue behind W1's persist")

	close(g.gate)
}

func TestDisconnectMidPersistStillBroadcasts(t *testing.T) {
	g := &stubGateway{blockOn: "F1", gate: make(chan struct{})}
	h := newTestHub(g)
	sA, _, r := join(h, "W1", "uA", "Alice")
	_, fcB, _ := join(h, "W1", "uB", "Bob")

	// A's comment is dispatched, its persist parks on the gate
	r.Submit(sA, []byte(`{"type":"comment_added","followUpId":"F1","content":"parting words"}`))
	eventually(t, func() bool { return g.callCount() == 1 }, "persist should be in flight")

	// A disconnects while the write is outstanding
	h.Leave(r, sA)
	close(g.gate)

	eventually(t, func() bool { return fcB.hasEvent(evtCommentAdded) },
		"remaining sessions still get the event after the persist lands")

	evt := fcB.eventsOfType(evtCommentAdded)[0]
	assert.Equal(t, "uA", evt["userId"], "event keeps the departed author's identity")

	eventually(t, func() bool { return fcB.hasEvent(evtUserLeft) },
		"B should then see A leave")
}

func TestLeaveNotifiesRemaining(t *testing.T) {
	h := newTestHub(&stubGateway{})
	sA, _, r := join(h, "W1", "uA", "Alice")
	_, fcB, _ := join(h, "W1", "uB", "Bob")

	h.Leave(r, sA)

	eventually(t, func() bool { return fcB.hasEvent(evtUserLeft) },
		"B should observe A leaving")
	left := fcB.eventsOfType(evtUserLeft)[0]
	assert.Equal(t, "uA", left["userId"])
}

func TestBroadcastSurvivesOneDeadConnection(t *testing.T) {
	h := newTestHub(&stubGateway{})
	sA, _, r := join(h, "W1", "uA", "Alice")
	_, fcB, _ := join(h, "W1", "uB", "Bob")
	_, fcC, _ := join(h, "W1", "uC", "Carol")

	// B's transport dies without a leave having been processed yet
	fcB.Close()

	r.Submit(sA, []byte(`{"type":"presence_update","presence":1}`))

	eventually(t, func() bool { return fcC.hasEvent(evtPresenceUpdate) },
		"delivery failure to B must not abort delivery to C")
}
