package ws

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"worksheetroomgo/internal/services/followup"
)

type opKind int

const (
	opJoin opKind = iota
	opLeave
	opFrame
	opRemote
)

type roomMsg struct {
	kind opKind
	sess *session
	data []byte
}

// Room is the single-writer coordinator for one worksheet. Everything that
// touches the membership set or the gateway flows through one goroutine
// consuming one queue; that processing order is the lock. While a persist is
// outstanding, later messages for this room queue behind it; other rooms are
// unaffected.
type Room struct {
	worksheetID string
	hub         *Hub
	svc         followup.IFollowUpService

	inbound chan roomMsg
	quit    chan struct{}
	done    chan struct{}

	// guarded by hub.mu
	refs     int
	draining bool

	// owned by the run goroutine
	sessions map[*session]struct{}

	// read-only published copy of the roster, for Snapshot
	roster atomic.Value // []RoomMember
}

func newRoom(h *Hub, worksheetID string) *Room {
	r := &Room{
		worksheetID: worksheetID,
		hub:         h,
		svc:         h.svc,
		inbound:     make(chan roomMsg, h.queueSize),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		sessions:    make(map[*session]struct{}),
	}
	r.roster.Store([]RoomMember{})
	return r
}

// Submit hands one inbound wire frame to the coordinator. Blocks when the
// queue is full, which is the back-pressure behind a slow persist.
func (r *Room) Submit(s *session, data []byte) {
	r.enqueue(roomMsg{kind: opFrame, sess: s, data: data})
}

func (r *Room) enqueue(m roomMsg) {
	r.inbound <- m
}

func (r *Room) Roster() []RoomMember {
	return r.roster.Load().([]RoomMember)
}

func (r *Room) run() {
	defer close(r.done)
	defer r.hub.unregister(r)

	if r.hub.rdc != nil {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go r.runFanout(ctx)
	}

	for {
		select {
		case m := <-r.inbound:
			r.dispatch(m)
		case <-r.quit:
			// Flush what was queued before the last leave; a dispatched
			// persist still completes and broadcasts to whoever is left.
			for {
				select {
				case m := <-r.inbound:
					r.dispatch(m)
				default:
					return
				}
			}
		}
	}
}

func (r *Room) dispatch(m roomMsg) {
	switch m.kind {
	case opJoin:
		r.handleJoin(m.sess)
	case opLeave:
		r.handleLeave(m.sess)
	case opFrame:
		r.handleFrame(m.sess, m.data)
	case opRemote:
		// Event from another instance, already persisted there. The
		// originator is not connected here, so everyone local gets it.
		r.broadcastRaw(m.data, nil)
	}
}

func (r *Room) handleJoin(s *session) {
	r.sessions[s] = struct{}{}
	r.publishRoster()

	// Roster push to the joiner only; everyone else just learns about the
	// new participant.
	_ = s.writeJSON(RoomStateEvent{
		Type:        evtRoomState,
		WorksheetID: r.worksheetID,
		Members:     r.Roster(),
		Timestamp:   time.Now().UTC(),
	})
	r.broadcastEvent(UserEvent{
		Type:      evtUserJoined,
		UserID:    s.userID,
		UserName:  s.userName,
		Timestamp: time.Now().UTC(),
	}, s)
}

func (r *Room) handleLeave(s *session) {
	if _, ok := r.sessions[s]; !ok {
		return
	}
	delete(r.sessions, s)
	r.publishRoster()
	s.close()

	r.broadcastEvent(UserEvent{
		Type:      evtUserLeft,
		UserID:    s.userID,
		UserName:  s.userName,
		Timestamp: time.Now().UTC(),
	}, s)
}

func (r *Room) handleFrame(s *session, data []byte) {
	msg, err := decodeInbound(data)
	if err != nil {
		// Forward-compatible or malformed client traffic; drop without a
		// reply so old servers stay quiet when new clients speak.
		zap.L().Warn("ws.drop_frame",
			zap.String("worksheet_id", r.worksheetID),
			zap.String("user_id", s.userID),
			zap.Error(err))
		return
	}

	switch m := msg.(type) {
	case FollowUpUpdateMsg:
		err := r.svc.ApplyFieldUpdates(context.Background(), m.FollowUpID, m.Updates)
		if err != nil {
			r.replyError(s, err)
			return
		}
		r.broadcastEvent(FollowUpUpdatedEvent{
			Type:       evtFollowUpUpdated,
			FollowUpID: m.FollowUpID,
			Updates:    m.Updates,
			UpdatedBy:  s.userID,
			Timestamp:  time.Now().UTC(),
		}, s)

	case CommentAddedMsg:
		id, err := r.svc.AppendActivity(context.Background(),
			m.FollowUpID, s.userID, followup.ActivityComment, m.Content, nil)
		if err != nil {
			r.replyError(s, err)
			return
		}
		r.broadcastEvent(CommentAddedEvent{
			Type:       evtCommentAdded,
			FollowUpID: m.FollowUpID,
			CommentID:  id,
			Content:    m.Content,
			UserID:     s.userID,
			UserName:   s.userName,
			Timestamp:  time.Now().UTC(),
		}, s)

	case StatusChangeMsg:
		err := r.svc.SetStatus(context.Background(),
			m.FollowUpID, m.OldStatus, m.NewStatus, s.userID)
		if err != nil {
			r.replyError(s, err)
			return
		}
		r.broadcastEvent(StatusChangedEvent{
			Type:       evtStatusChanged,
			FollowUpID: m.FollowUpID,
			OldStatus:  m.OldStatus,
			NewStatus:  m.NewStatus,
			ChangedBy:  s.userID,
			Timestamp:  time.Now().UTC(),
		}, s)

	case PresenceUpdateMsg:
		// Ephemeral: no persist, no ordering relative to durable mutations.
		r.broadcastEvent(PresenceEvent{
			Type:      evtPresenceUpdate,
			UserID:    s.userID,
			UserName:  s.userName,
			Presence:  m.Presence,
			Timestamp: time.Now().UTC(),
		}, s)
	}
}

// replyError tells only the originator. Other participants saw no broadcast,
// so for them nothing happened; the queue moves on to the next message.
func (r *Room) replyError(s *session, err error) {
	zap.L().Warn("ws.persist_failed",
		zap.String("worksheet_id", r.worksheetID),
		zap.String("user_id", s.userID),
		zap.Error(err))
	_ = s.writeJSON(ErrorEvent{Type: evtError, Message: "failed to save change"})
}

// broadcastEvent serializes once, delivers to every local session except the
// originator, then hands the payload to the cross-instance fan-out and the
// audit stream.
func (r *Room) broadcastEvent(evt any, exclude *session) {
	data, err := json.Marshal(evt)
	if err != nil {
		zap.L().Error("ws.marshal_event", zap.Error(err))
		return
	}
	r.broadcastRaw(data, exclude)
	r.publishRemote(data)
}

func (r *Room) broadcastRaw(data []byte, exclude *session) {
	for s := range r.sessions {
		if s == exclude {
			continue
		}
		if err := s.write(websocket.TextMessage, data); err != nil {
			// Stale conn; its own reader notices and runs the leave path.
			zap.L().Debug("ws.broadcast_skip",
				zap.String("session_id", s.id), zap.Error(err))
		}
	}
}

func (r *Room) publishRoster() {
	members := make([]RoomMember, 0, len(r.sessions))
	for s := range r.sessions {
		members = append(members, RoomMember{UserID: s.userID, UserName: s.userName})
	}
	r.roster.Store(members)
}
