package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/tidalflow/tidalflow/internal/config"
	"github.com/tidalflow/tidalflow/internal/orchestrator"
	"github.com/tidalflow/tidalflow/internal/queue"
	"github.com/tidalflow/tidalflow/internal/state"
	"github.com/tidalflow/tidalflow/internal/storage"
	"github.com/tidalflow/tidalflow/pkg/api/handlers"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting tidalflow server v%s", handlers.Version)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := storage.NewDB(storage.DefaultConfig(cfg.DatabaseURL))
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := storage.RunMigrations(cfg.DatabaseURL, cfg.MigrationsPath); err != nil {
		log.Printf("Warning: migrations did not run: %v", err)
	}

	redisClient := connectRedis(cfg.RedisURL)
	if redisClient != nil {
		defer redisClient.Close()
	}

	var publisher state.EventPublisher = state.NewHistoryPublisher(db.DB)
	if redisClient != nil {
		publisher = state.NewMultiPublisher(publisher, state.NewRedisPublisher(redisClient))
	}
	stateManager := state.NewManager(publisher)

	workflowRepo := storage.NewWorkflowRepository(db.DB)
	runRepo := storage.NewWorkflowRunRepository(db.DB, stateManager)
	taskRunRepo := storage.NewTaskRunRepository(db.DB, stateManager)

	taskQueue, err := queue.New(cfg.NATSURL)
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer taskQueue.Close(30 * time.Second)

	coordinator := orchestrator.New(workflowRepo, runRepo, taskRunRepo, taskQueue, 0)

	logger := logrus.New()
	if cfg.IsProduction() {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	router := handlers.NewRouter(handlers.RouterConfig{
		Workflows:   workflowRepo,
		Runs:        runRepo,
		TaskRuns:    taskRunRepo,
		Coordinator: coordinator,
		Logger:      logger,
		DB:          db,
	})

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Printf("Server listening on port %s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Printf("Received signal %v, shutting down...", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

func connectRedis(url string) *redis.Client {
	opts, err := redis.ParseURL(url)
	if err != nil {
		log.Printf("Warning: invalid REDIS_URL, state events stay local: %v", err)
		return nil
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Printf("Warning: Redis unreachable, state events stay local: %v", err)
		client.Close()
		return nil
	}
	return client
}
