package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Inbound message kinds (client → room).
const (
	msgFollowUpUpdate = "follow_up_update"
	msgCommentAdded   = "comment_added"
	msgStatusChange   = "status_change"
	msgPresenceUpdate = "presence_update"
)

// Outbound event kinds (room → client).
const (
	evtUserJoined      = "user_joined"
	evtUserLeft        = "user_left"
	evtFollowUpUpdated = "follow_up_updated"
	evtCommentAdded    = "comment_added"
	evtStatusChanged   = "status_changed"
	evtPresenceUpdate  = "presence_update"
	evtRoomState       = "room_state"
	evtError           = "error"
)

var ErrUnknownType = errors.New("unknown_message_type")

// ──────────────────────────── Inbound DTOs ───────────────────────────────────

type FollowUpUpdateMsg struct {
	Type       string         `json:"type"`
	FollowUpID string         `json:"followUpId" validate:"required"`
	Updates    map[string]any `json:"updates"    validate:"required,min=1"`
	UserID     string         `json:"userId"`
}

type CommentAddedMsg struct {
	Type       string `json:"type"`
	FollowUpID string `json:"followUpId" validate:"required"`
	Content    string `json:"content"    validate:"required"`
	UserID     string `json:"userId"`
	UserName   string `json:"userName"`
}

type StatusChangeMsg struct {
	Type       string `json:"type"`
	FollowUpID string `json:"followUpId" validate:"required"`
	OldStatus  string `json:"oldStatus"`
	NewStatus  string `json:"newStatus"  validate:"required"`
	UserID     string `json:"userId"`
}

type PresenceUpdateMsg struct {
	Type     string          `json:"type"`
	Presence json.RawMessage `json:"presence" validate:"required"`
}

// ──────────────────────────── Outbound events ────────────────────────────────

// UserEvent covers user_joined and user_left.
type UserEvent struct {
	Type      string    `json:"type"`
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName"`
	Timestamp time.Time `json:"timestamp"`
}

type FollowUpUpdatedEvent struct {
	Type       string         `json:"type"`
	FollowUpID string         `json:"followUpId"`
	Updates    map[string]any `json:"updates"`
	UpdatedBy  string         `json:"updatedBy"`
	Timestamp  time.Time      `json:"timestamp"`
}

type CommentAddedEvent struct {
	Type       string    `json:"type"`
	FollowUpID string    `json:"followUpId"`
	CommentID  int64     `json:"commentId"`
	Content    string    `json:"content"`
	UserID     string    `json:"userId"`
	UserName   string    `json:"userName"`
	Timestamp  time.Time `json:"timestamp"`
}

type StatusChangedEvent struct {
	Type       string    `json:"type"`
	FollowUpID string    `json:"followUpId"`
	OldStatus  string    `json:"oldStatus"`
	NewStatus  string    `json:"newStatus"`
	ChangedBy  string    `json:"changedBy"`
	Timestamp  time.Time `json:"timestamp"`
}

type PresenceEvent struct {
	Type      string          `json:"type"`
	UserID    string          `json:"userId"`
	UserName  string          `json:"userName"`
	Presence  json.RawMessage `json:"presence"`
	Timestamp time.Time       `json:"timestamp"`
}

type RoomMember struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// RoomStateEvent is sent only to a joining session so it can render the
// current roster without a round-trip.
type RoomStateEvent struct {
	Type        string       `json:"type"`
	WorksheetID string       `json:"worksheetId"`
	Members     []RoomMember `json:"members"`
	Timestamp   time.Time    `json:"timestamp"`
}

type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ──────────────────────────── Codec ──────────────────────────────────────────

var validate = validator.New()

// decodeInbound parses and validates one wire frame before the coordinator
// sees it. Unknown kinds come back as ErrUnknownType so the caller can drop
// them without replying.
func decodeInbound(data []byte) (any, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}

	switch head.Type {
	case msgFollowUpUpdate:
		var m FollowUpUpdateMsg
		if err := unmarshalValid(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case msgCommentAdded:
		var m CommentAddedMsg
		if err := unmarshalValid(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case msgStatusChange:
		var m StatusChangeMsg
		if err := unmarshalValid(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case msgPresenceUpdate:
		var m PresenceUpdateMsg
		if err := unmarshalValid(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}
}

func unmarshalValid(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return err
	}
	return validate.Struct(v)
}
