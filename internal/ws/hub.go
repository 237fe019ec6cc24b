package ws

import (
	"sync"

	"github.com/redis/go-redis/v9"

	"worksheetroomgo/internal/services/followup"
)

// Hub is the room registry: exactly one live Room per worksheet id. Rooms are
// created lazily on the first join and torn down when the last session leaves,
// after the room's queue has drained. Ref counts and the draining flag are
// guarded by the hub mutex, which is what makes get-or-create and eviction
// atomic with respect to each other.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]*Room

	svc        followup.IFollowUpService
	rdc        *redis.Client // nil → single-instance mode, no cross-instance fan-out
	queueSize  int
	instanceID string
}

func NewHub(svc followup.IFollowUpService, rdc *redis.Client, queueSize int) *Hub {
	return &Hub{
		rooms:      make(map[string]*Room),
		svc:        svc,
		rdc:        rdc,
		queueSize:  queueSize,
		instanceID: newID(),
	}
}

// Join returns the live room for worksheetID, creating it if needed, and
// enqueues the session's join. If the previous room for this id is still
// draining its queue, Join waits for it to unregister before creating a fresh
// one, so two coordinators for one worksheet never coexist.
func (h *Hub) Join(worksheetID string, s *session) *Room {
	for {
		h.mu.Lock()
		r, ok := h.rooms[worksheetID]
		if !ok {
			r = newRoom(h, worksheetID)
			r.refs = 1
			h.rooms[worksheetID] = r
			h.mu.Unlock()
			go r.run()
			r.enqueue(roomMsg{kind: opJoin, sess: s})
			return r
		}
		if r.draining {
			h.mu.Unlock()
			<-r.done
			continue
		}
		r.refs++
		h.mu.Unlock()
		r.enqueue(roomMsg{kind: opJoin, sess: s})
		return r
	}
}

// Leave enqueues the session's departure and releases its reference. When the
// last reference goes, the room is marked draining and told to stop; its own
// goroutine flushes what is already queued (in-flight persists complete and
// still broadcast) before unregistering.
func (h *Hub) Leave(r *Room, s *session) {
	r.enqueue(roomMsg{kind: opLeave, sess: s})

	h.mu.Lock()
	r.refs--
	if r.refs == 0 {
		r.draining = true
		close(r.quit)
	}
	h.mu.Unlock()
}

func (h *Hub) unregister(r *Room) {
	h.mu.Lock()
	if h.rooms[r.worksheetID] == r {
		delete(h.rooms, r.worksheetID)
	}
	h.mu.Unlock()
}

// RoomInfo is one live room's membership as seen by the occupancy mirror.
type RoomInfo struct {
	WorksheetID string
	Members     []RoomMember
}

// Snapshot reports current rooms and their rosters. Rosters are the rooms' own
// published copies, so no room state is touched from outside its goroutine.
func (h *Hub) Snapshot() []RoomInfo {
	h.mu.Lock()
	rooms := make([]*Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.Unlock()

	out := make([]RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, RoomInfo{
			WorksheetID: r.worksheetID,
			Members:     r.Roster(),
		})
	}
	return out
}
