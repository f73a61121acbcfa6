package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/redis/go-redis/v9"

	"vanish/server/internal/cache"
	"vanish/server/internal/clock"
	"vanish/server/internal/conversationsvc"
	"vanish/server/internal/files"
	"vanish/server/internal/httpapi"
	"vanish/server/internal/messagesvc"
	"vanish/server/internal/push"
	"vanish/server/internal/queue"
	"vanish/server/internal/store"
	"vanish/server/internal/sweeper"
	"vanish/server/internal/worker"
	"vanish/server/internal/ws"
)

func main() {
	// Check for CLI subcommands before parsing server flags.
	if len(os.Args) > 1 {
		if RunCLI(os.Args[1:], "vanish.db") {
			return
		}
	}

	cfg := parseConfig(os.Args[1:])
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		slog.Error("open store", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	c := newCache(cfg)
	clk := clock.System{}
	q := queue.New(c)
	hub := ws.NewHub()

	var gateway push.Gateway
	if cfg.VendorPushEnabled {
		gateway = push.NewHTTPGateway(cfg.VendorPushEndpoint, cfg.VendorPushTopic, 10*time.Second)
		slog.Info("vendor push enabled", "endpoint", cfg.VendorPushEndpoint, "topic", cfg.VendorPushTopic, "key_id", cfg.VendorPushKeyID, "team_id", cfg.VendorPushTeamID)
	} else {
		gateway = noopGateway{}
	}
	bridge := push.New(st, c, gateway, clk, cfg.VendorPushRate)
	tokens := push.NewTokens(st, clk)

	convSvc := conversationsvc.New(st, c, bridge, clk)
	msgSvc := messagesvc.New(st, c, q, bridge, clk, messagesvc.StaticGate{})
	fileSvc := files.New(st, c, clk, cfg.FileBasePath, cfg.FileStagingTTL)

	w := worker.New(q, st, hub, bridge, clk, cfg.QueueInterval, cfg.QueueBatchSize, cfg.MaxRetries)
	sw := sweeper.New(st, bridge, fileSvc, clk, cfg.SweeperInterval)

	wsHandler := ws.NewHandler(hub)
	srv := httpapi.New(convSvc, msgSvc, tokens, fileSvc, wsHandler, cfg.ShareBaseURL, cfg.DefaultMessageTTLHours)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()

	bridge.Start(ctx)
	defer bridge.Stop()
	w.Start(ctx)
	defer w.Stop()
	sw.Start(ctx)
	defer sw.Stop()

	slog.Info("listening", "addr", cfg.Addr)
	if err := srv.Run(ctx, cfg.Addr); err != nil {
		slog.Error("http server", "err", err)
		os.Exit(1)
	}
}

// newCache selects the production Redis backend when -redis-addr is set,
// falling back to the in-process Memory cache for single-node deployments.
func newCache(cfg *Config) cache.Cache {
	if cfg.RedisAddr == "" {
		slog.Info("cache backend: memory")
		return cache.NewMemory()
	}
	slog.Info("cache backend: redis", "addr", cfg.RedisAddr)
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return cache.NewRedis(client)
}

// noopGateway discards every push when the vendor bridge is disabled by
// configuration, keeping push.Bridge's fan-out logic unconditional.
type noopGateway struct{}

func (noopGateway) Send(ctx context.Context, token string, payload push.Payload) (push.Result, error) {
	return push.Result{Reject: push.RejectNone}, nil
}
