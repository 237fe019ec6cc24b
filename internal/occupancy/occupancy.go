package occupancy

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"worksheetroomgo/internal/ws"
)

const (
	occupancyKey = "rooms:occupancy"
	keyTTL       = 30 * time.Second
)

// Every 10 s, mirror live room rosters into Redis so dashboards and the REST
// layer can see who is editing what without touching the coordinators.
func Run(ctx context.Context, rdc *redis.Client, hub *ws.Hub) {
	tk := time.NewTicker(10 * time.Second)
	go func() {
		defer tk.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tk.C:
				syncOnce(ctx, rdc, hub)
			}
		}
	}()
}

func syncOnce(ctx context.Context, rdc *redis.Client, hub *ws.Hub) {
	rooms := hub.Snapshot()

	// one pipelined round-trip: rewrite the hash and refresh its TTL
	pipe := rdc.Pipeline()
	pipe.Del(ctx, occupancyKey)
	for _, ri := range rooms {
		members, err := json.Marshal(ri.Members)
		if err != nil {
			continue
		}
		pipe.HSet(ctx, occupancyKey, ri.WorksheetID, members)
	}
	pipe.Expire(ctx, occupancyKey, keyTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		zap.L().Error("occupancy.pipeline", zap.Error(err))
	}
}

// Read returns the last mirrored rosters keyed by worksheet id.
func Read(ctx context.Context, rdc *redis.Client) (map[string][]ws.RoomMember, error) {
	raw, err := rdc.HGetAll(ctx, occupancyKey).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]ws.RoomMember, len(raw))
	for wid, blob := range raw {
		var members []ws.RoomMember
		if err := json.Unmarshal([]byte(blob), &members); err != nil {
			zap.L().Warn("occupancy.decode", zap.String("worksheet_id", wid), zap.Error(err))
			continue
		}
		out[wid] = members
	}
	return out, nil
}
