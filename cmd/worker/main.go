package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tidalflow/tidalflow/internal/circuitbreaker"
	"github.com/tidalflow/tidalflow/internal/config"
	"github.com/tidalflow/tidalflow/internal/dlq"
	"github.com/tidalflow/tidalflow/internal/executor"
	"github.com/tidalflow/tidalflow/internal/queue"
	"github.com/tidalflow/tidalflow/internal/runner"
	"github.com/tidalflow/tidalflow/internal/state"
	"github.com/tidalflow/tidalflow/internal/storage"
)

const version = "0.3.0"

func main() {
	breakerThreshold := flag.Int("breaker-threshold", circuitbreaker.DefaultThreshold, "Consecutive failures before an executor's circuit opens")
	breakerReset := flag.Duration("breaker-reset", circuitbreaker.DefaultResetTimeout, "How long an open circuit stays open")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting tidalflow worker v%s", version)
	log.Printf("NATS URL: %s", cfg.NATSURL)

	db, err := storage.NewDB(storage.DefaultConfig(cfg.DatabaseURL))
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	stateManager := state.NewManager(state.NewHistoryPublisher(db.DB))
	taskRunRepo := storage.NewTaskRunRepository(db.DB, stateManager)

	registry := executor.NewRegistry()
	if err := executor.RegisterBuiltins(registry, db.DB); err != nil {
		log.Fatalf("Failed to register built-in executors: %v", err)
	}
	if err := executor.LoadPlugins(registry); err != nil {
		log.Fatalf("Failed to load executor plugins: %v", err)
	}
	registry.Freeze()
	log.Printf("Executors registered: %v", registry.Names())

	breaker := newBreakerStore(cfg.RedisURL, *breakerThreshold, *breakerReset)
	deadLetters := dlq.NewManager(dlq.NewMemoryQueue())
	deadLetters.OnEntryAdded(func(e *dlq.Entry) {
		log.Printf("Task run %s (%s) dead-lettered after %d attempt(s): %s", e.TaskRunID, e.TaskID, e.Attempts, e.ErrorMessage)
	})

	taskRunner := runner.New(taskRunRepo, registry, breaker, nil, deadLetters)

	taskQueue, err := queue.New(cfg.NATSURL)
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := taskQueue.Consume(ctx, taskRunner); err != nil {
		log.Fatalf("Failed to start consuming: %v", err)
	}
	log.Println("Worker ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Printf("Received signal %v, shutting down...", sig)

	cancel()
	if err := taskQueue.Close(30 * time.Second); err != nil {
		log.Printf("Queue shutdown error: %v", err)
	}
	log.Println("Worker stopped")
}

// newBreakerStore prefers Redis so circuit state is shared across workers,
// falling back to per-process memory when Redis is unavailable.
func newBreakerStore(redisURL string, threshold int, reset time.Duration) circuitbreaker.Store {
	opts, err := redis.ParseURL(redisURL)
	if err == nil {
		client := redis.NewClient(opts)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err == nil {
			log.Println("Circuit breaker state shared via Redis")
			return circuitbreaker.NewRedisStore(client, threshold, reset)
		}
		client.Close()
	}
	log.Println("Circuit breaker state kept in memory")
	return circuitbreaker.NewMemoryStore(threshold, reset)
}
