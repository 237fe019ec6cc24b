package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"worksheetroomgo/internal/auditlog"
	"worksheetroomgo/internal/config"
	"worksheetroomgo/internal/database/db_client"
	"worksheetroomgo/internal/http/http_server"
	"worksheetroomgo/internal/occupancy"
	"worksheetroomgo/internal/redis/redis_client"
	"worksheetroomgo/internal/services/followup"
	"worksheetroomgo/internal/services/identity"
	"worksheetroomgo/internal/ws"
)

var (
	Log, _ = zap.NewDevelopment()
)

func main() {
	defer Log.Sync()
	zap.ReplaceGlobals(Log)

	var err error
	var cfg *config.Config
	var redisClient *redis.Client
	var followUpSvc followup.IFollowUpService

	// 1. Load configuration
	cfg, err = config.LoadConfig()
	if err != nil {
		Log.Fatal("Failed to load configuration", zap.Error(err))
	}
	Log.Debug("Configuration loaded successfully", zap.Any("config", cfg))

	// 2. Context with signal handling
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGINT, syscall.SIGTERM,
	)
	defer stop()

	// 3. Redis (token store, fan-out, occupancy, audit stream)
	redisClient, err = redis_client.NewRedisClient(cfg.RedisHost, int(cfg.RedisPort))
	if err != nil {
		Log.Fatal("Failed to create Redis client", zap.Error(err))
	}
	defer redisClient.Close()
	Log.Debug("Redis client created successfully")

	// 4. Postgres db client
	pgDb, err := db_client.Open(cfg.PostgresHost, cfg.PostgresPort, cfg.PostgresUser, cfg.PostgresPassword, cfg.PostgresDb)
	if err != nil {
		Log.Fatal("pg-open", zap.Error(err))
	}
	defer pgDb.Close()

	// 5. Services: persistence gateway + token verification
	followUpSvc = followup.NewFollowUpService(pgDb, cfg.PersistTimeout)
	identitySvc := identity.NewIdentityService(redisClient)

	// 6. Room registry (one coordinator per worksheet)
	hub := ws.NewHub(followUpSvc, redisClient, cfg.RoomQueueSize)

	// 7. Background: audit-stream tail ➜ room_event_log
	auditlog.Run(ctx, redisClient, pgDb)

	// 8. Background: 10 s occupancy mirror
	occupancy.Run(ctx, redisClient, hub)

	// 9. Initialize the WS server
	wsSrv := ws.NewWsServer(hub, identitySvc)

	// 10. HTTP + WS server
	httpServer := http_server.NewHttpServer(ctx, cfg.HttpServerPort, wsSrv, followUpSvc, redisClient)
	if err := httpServer.Start(); err != nil {
		Log.Fatal("Failed to start HTTP server", zap.Error(err))
	}
}
