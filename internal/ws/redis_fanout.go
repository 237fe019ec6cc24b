package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Cross-instance fan-out. Each room owns exactly one subscription to its
// "room:<id>:events" channel for the room's whole lifetime; events published by
// this instance are tagged with its id and skipped on the way back in, since
// local delivery already happened synchronously after the persist.

const (
	auditStream    = "room_events_stream"
	publishTimeout = 2 * time.Second
)

func eventChannel(worksheetID string) string {
	return "room:" + worksheetID + ":events"
}

// fanoutFrame wraps an event payload with its publishing instance.
type fanoutFrame struct {
	Origin string          `json:"origin"`
	Event  json.RawMessage `json:"event"`
}

// publishRemote pushes an already-broadcast event to sibling instances and to
// the audit stream. Best-effort on both counts: the durable write already
// succeeded and local delivery already happened.
func (r *Room) publishRemote(event []byte) {
	if r.hub.rdc == nil {
		return // single-instance mode
	}

	frame, err := json.Marshal(fanoutFrame{Origin: r.hub.instanceID, Event: event})
	if err != nil {
		zap.L().Error("ws.fanout_marshal", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := r.hub.rdc.Publish(ctx, eventChannel(r.worksheetID), frame).Err(); err != nil {
		zap.L().Warn("ws.fanout_publish", zap.String("worksheet_id", r.worksheetID), zap.Error(err))
	}

	if err := r.hub.rdc.XAdd(ctx, &redis.XAddArgs{
		Stream: auditStream,
		Values: map[string]any{
			"wid":   r.worksheetID,
			"event": string(event),
			"at":    time.Now().Unix(),
		},
	}).Err(); err != nil {
		zap.L().Warn("ws.audit_xadd", zap.String("worksheet_id", r.worksheetID), zap.Error(err))
	}
}

// runFanout feeds sibling instances' events through this room's own queue so
// remote and local deliveries share one serialization point.
func (r *Room) runFanout(ctx context.Context) {
	ps := r.hub.rdc.Subscribe(ctx, eventChannel(r.worksheetID))
	defer ps.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ps.Channel():
			if !ok { // Redis connection closed.
				return
			}

			var f fanoutFrame
			if err := json.Unmarshal([]byte(m.Payload), &f); err != nil {
				zap.L().Warn("ws.fanout_decode", zap.Error(err))
				continue
			}
			if f.Origin == r.hub.instanceID {
				continue
			}

			select {
			case r.inbound <- roomMsg{kind: opRemote, data: f.Event}:
			case <-ctx.Done():
				return
			}
		}
	}
}
