package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tidalflow/tidalflow/internal/config"
	"github.com/tidalflow/tidalflow/internal/orchestrator"
	"github.com/tidalflow/tidalflow/internal/queue"
	"github.com/tidalflow/tidalflow/internal/scheduler"
	"github.com/tidalflow/tidalflow/internal/state"
	"github.com/tidalflow/tidalflow/internal/storage"
)

const version = "0.3.0"

// orchestratorLauncher runs a workflow end to end. Launch blocks until the
// run settles, so the scheduler's overlap lock spans the whole run.
type orchestratorLauncher struct {
	orchestrator *orchestrator.Orchestrator
}

func (l *orchestratorLauncher) Launch(ctx context.Context, workflowID string) error {
	run, err := l.orchestrator.StartRun(ctx, workflowID)
	if err != nil {
		return err
	}
	return l.orchestrator.Execute(ctx, run.ID)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting tidalflow scheduler v%s", version)

	db, err := storage.NewDB(storage.DefaultConfig(cfg.DatabaseURL))
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	stateManager := state.NewManager(state.NewHistoryPublisher(db.DB))
	workflowRepo := storage.NewWorkflowRepository(db.DB)
	runRepo := storage.NewWorkflowRunRepository(db.DB, stateManager)
	taskRunRepo := storage.NewTaskRunRepository(db.DB, stateManager)

	taskQueue, err := queue.New(cfg.NATSURL)
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer taskQueue.Close(30 * time.Second)

	locker := newLocker(cfg.RedisURL)

	launcher := &orchestratorLauncher{
		orchestrator: orchestrator.New(workflowRepo, runRepo, taskRunRepo, taskQueue, 0),
	}

	schedulerConfig := scheduler.DefaultConfig()
	schedulerConfig.SyncInterval = cfg.SchedulerSyncInterval
	schedulerConfig.EnableCatchup = cfg.EnableCatchup
	schedulerConfig.MaxCatchupRuns = cfg.MaxCatchupRuns

	sched, err := scheduler.New(schedulerConfig, workflowRepo, runRepo, launcher, locker)
	if err != nil {
		log.Fatalf("Failed to create scheduler: %v", err)
	}
	if err := sched.Start(); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}
	log.Printf("Scheduler running, sync interval %v, catchup %v", schedulerConfig.SyncInterval, schedulerConfig.EnableCatchup)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Printf("Received signal %v, shutting down...", sig)

	if err := sched.Stop(); err != nil {
		log.Printf("Scheduler shutdown error: %v", err)
	}
	log.Println("Scheduler stopped")
}

// newLocker prefers Redis so overlap locks hold across replicas.
func newLocker(redisURL string) scheduler.Locker {
	opts, err := redis.ParseURL(redisURL)
	if err == nil {
		client := redis.NewClient(opts)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err == nil {
			log.Println("Overlap locks shared via Redis")
			return scheduler.NewRedisLocker(client)
		}
		client.Close()
	}
	log.Println("Overlap locks kept in memory")
	return scheduler.NewLocalLocker()
}
