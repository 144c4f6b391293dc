package main

import (
	"context"
	"os"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"go.uber.org/zap"

	"telechat/internal/chat"
	"telechat/internal/config"
	"telechat/internal/database/db_client"
	"telechat/internal/http/chathandler"
	"telechat/internal/http/http_server"
	"telechat/internal/presence"
	"telechat/internal/redis/redis_client"
	"telechat/internal/redis/redis_functions"
	"telechat/internal/services/identity"
	"telechat/internal/services/messages"
	"telechat/internal/ws"
)

var (
	Log, _ = zap.NewDevelopment()
)

// @title			Telechat realtime API
// @version		1.0
// @description	Websocket messaging between doctors and patients, plus presence and history endpoints.
// @BasePath		/
func main() {
	zap.ReplaceGlobals(Log)

	// 1. Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		Log.Fatal("Failed to load configuration", zap.Error(err))
	}
	if cfg.Production() {
		if prod, err := zap.NewProduction(); err == nil {
			Log = prod
			zap.ReplaceGlobals(Log)
		}
	}
	defer Log.Sync()
	Log.Debug("Configuration loaded successfully", zap.Any("config", cfg))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Redis
	redisClient, err := redis_client.NewRedisClient(ctx, cfg.RedisHost, int(cfg.RedisPort), cfg.RedisDb)
	if err != nil {
		Log.Fatal("Failed to create Redis client", zap.Error(err))
	}
	Log.Debug("Redis client created successfully")

	// Load the Redis Functions lua
	if err := redis_functions.LoadAll(ctx, redisClient); err != nil {
		Log.Fatal("load-redis-funcs", zap.Error(err))
	}

	// 3. Postgres db client
	pgDb, err := db_client.Open(ctx, cfg.PostgresHost, cfg.PostgresPort, cfg.PostgresUser, cfg.PostgresPassword, cfg.PostgresDb)
	if err != nil {
		Log.Fatal("pg-open", zap.Error(err))
	}

	// 4. Services
	messageService := messages.NewMessageService(pgDb)
	identityService := identity.NewIdentityService(pgDb, redisClient, cfg.ParticipantCacheTTL)
	presenceTracker := presence.NewTracker(redisClient)

	// 5. Fan‑out: in process, or through Redis pub/sub across instances
	var fanout chat.Fanout
	var redisFanout *ws.RedisFanout
	if cfg.FanoutMode == "redis" {
		redisFanout = ws.NewRedisFanout(redisClient)
		fanout = redisFanout
	}

	// 6. Realtime core
	sup := chat.NewSupervisor(chat.Options{
		Store:          messageService,
		Identity:       identityService,
		Presence:       presenceTracker,
		Fanout:         fanout,
		PersistTimeout: cfg.PersistTimeout,
	})
	if redisFanout != nil {
		go redisFanout.Run(ctx, sup.Deliver)
	}

	// 7. WS server
	wsSrv := ws.NewWsServer(sup, ws.Options{
		AllowedOrigins: cfg.WsAllowedOrigins,
		SendBuffer:     cfg.WsSendBuffer,
		ReadLimit:      cfg.WsReadLimit,
	})

	// 8. HTTP + WS server
	httpServer := http_server.NewHttpServer(cfg.HttpServerPort, cfg.WsAllowedOrigins, wsSrv,
		chathandler.New(sup, presenceTracker, messageService))
	go func() {
		if err := httpServer.Start(); err != nil {
			Log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	wait := gfshutdown.GracefulShutdown(ctx, cfg.ShutdownTimeout, map[string]gfshutdown.Operation{
		"realtime": func(ctx context.Context) error {
			if err := httpServer.Dispose(ctx); err != nil {
				return err
			}
			sup.Shutdown()
			cancel()
			if err := redisClient.Close(); err != nil {
				return err
			}
			return pgDb.Close()
		},
	})

	exitCode := <-wait
	Log.Info("shutdown_complete", zap.Int("exit_code", exitCode))
	Log.Sync()
	os.Exit(exitCode)
}
