package auditlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const stream = "room_events_stream"

// Run tails the room event stream and persists a transport-level audit trail.
// Entries are appended by rooms after a broadcast, so this log trails the
// business activity log and is best-effort by design.
func Run(ctx context.Context, rdc *redis.Client, db *sql.DB) {
	go func() {
		lastID := "0-0"
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			// block up to 2 s for new entries
			res, err := rdc.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   100,
				Block:   2000 * time.Millisecond,
			}).Result()
			if err != nil && err != redis.Nil {
				zap.L().Warn("auditlog.xread", zap.Error(err))
				time.Sleep(time.Second)
				continue
			}
			if len(res) == 0 {
				continue
			}
			entries := res[0].Messages
			if err := persist(ctx, db, entries); err != nil {
				zap.L().Warn("auditlog.persist", zap.Error(err))
			}
			lastID = entries[len(entries)-1].ID
		}
	}()
}

func persist(ctx context.Context, db *sql.DB, msgs []redis.XMessage) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	const ins = `INSERT INTO room_event_log (worksheet_id, event_type, payload, occurred_at)
	             VALUES ($1, $2, $3, to_timestamp($4))`
	for _, m := range msgs {
		wid, _ := m.Values["wid"].(string)
		event, _ := m.Values["event"].(string)
		at, _ := m.Values["at"].(string)

		ts, _ := strconv.ParseInt(at, 10, 64)
		if _, err := tx.ExecContext(ctx, ins, wid, eventType(event), event, ts); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// eventType pulls the discriminator out of the serialized event.
func eventType(event string) string {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(event), &head); err != nil || head.Type == "" {
		return "unknown"
	}
	return head.Type
}
