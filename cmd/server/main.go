package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"ritta/withdrawals/internal/config"
	"ritta/withdrawals/internal/db"
	"ritta/withdrawals/internal/events"
	internalhttp "ritta/withdrawals/internal/http"
	"ritta/withdrawals/internal/jobs"
	"ritta/withdrawals/internal/withdrawal"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connection failed: %v", err)
	}
	defer pool.Close()

	store := db.NewStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		log.Fatalf("schema setup failed: %v", err)
	}
	if cfg.DemoSeed {
		if err := store.ApplyDemoSeed(ctx); err != nil {
			log.Fatalf("demo seed failed: %v", err)
		}
	}

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			cancel()
			log.Fatalf("redis ping failed: %v", err)
		}
		cancel()
		defer func() {
			if err := redisClient.Close(); err != nil {
				log.Printf("redis close error: %v", err)
			}
		}()
		publisher = events.NewRedisPublisher(redisClient, cfg.EventChannel)
	}

	engine := withdrawal.NewEngine(store, withdrawal.SystemClock(), publisher, cfg.QrTTL)
	server := internalhttp.NewServer(cfg, store, engine)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	jobs.StartExpireSweepJob(ctx, cfg, engine)

	go func() {
		log.Printf("withdrawals http listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
