// Package scheduler fires workflow runs from cron schedules. The database
// is the source of truth: a sync loop re-reads active scheduled workflows
// and reconciles the cron registry, so edits made through the API take
// effect without restarting the scheduler. An overlap lock keeps a
// workflow from running twice at once, across replicas when Redis backs
// the lock.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/tidalflow/tidalflow/internal/storage"
	"github.com/tidalflow/tidalflow/pkg/models"
)

// Launcher starts a workflow run and drives it to completion.
type Launcher interface {
	Launch(ctx context.Context, workflowID string) error
}

// Config holds scheduler settings.
type Config struct {
	// SyncInterval is how often the registry is reconciled with the
	// database.
	SyncInterval time.Duration

	// Timezone schedules are evaluated in.
	Timezone string

	// EnableCatchup launches runs for schedules missed while the
	// scheduler was down.
	EnableCatchup bool

	// MaxCatchupRuns caps how many missed runs a single workflow gets.
	MaxCatchupRuns int

	// LockTTL bounds how long a crashed scheduler holds a workflow's
	// overlap lock.
	LockTTL time.Duration
}

// DefaultConfig returns the standard scheduler settings.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:   10 * time.Second,
		Timezone:       "UTC",
		EnableCatchup:  true,
		MaxCatchupRuns: 50,
		LockTTL:        time.Hour,
	}
}

// Scheduler keeps the cron registry in sync with stored workflows and
// launches runs when schedules fire.
type Scheduler struct {
	config    *Config
	workflows storage.WorkflowRepository
	runs      storage.WorkflowRunRepository
	launcher  Launcher
	locker    Locker
	registry  *CronRegistry

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	caughtUp map[string]bool // workflow id -> catchup already performed
}

// New returns a scheduler. config nil selects defaults.
func New(config *Config, workflows storage.WorkflowRepository, runs storage.WorkflowRunRepository, launcher Launcher, locker Locker) (*Scheduler, error) {
	if config == nil {
		config = DefaultConfig()
	}
	location, err := time.LoadLocation(config.Timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", config.Timezone, err)
	}

	s := &Scheduler{
		config:    config,
		workflows: workflows,
		runs:      runs,
		launcher:  launcher,
		locker:    locker,
		caughtUp:  make(map[string]bool),
	}
	s.registry = NewCronRegistry(location, s.fire)
	return s, nil
}

// Start loads schedules and begins the sync loop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("scheduler is already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true

	if err := s.sync(ctx); err != nil {
		log.Printf("Initial schedule sync failed: %v", err)
	}
	s.registry.Start()

	s.wg.Add(1)
	go s.syncLoop(ctx)

	log.Println("Scheduler started")
	return nil
}

// Stop halts the sync loop and waits for in-flight fires.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return errors.New("scheduler is not running")
	}

	s.cancel()
	s.registry.Stop()
	s.wg.Wait()
	s.running = false
	log.Println("Scheduler stopped")
	return nil
}

// IsRunning reports whether the scheduler is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) syncLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.sync(ctx); err != nil {
				log.Printf("Schedule sync failed: %v", err)
			}
		}
	}
}

// sync reconciles the cron registry against active scheduled workflows:
// new workflows are added, changed schedules replaced, and disabled or
// deleted workflows removed.
func (s *Scheduler) sync(ctx context.Context) error {
	active := models.WorkflowActive
	scheduled := true
	workflows, err := s.workflows.List(ctx, storage.WorkflowFilters{
		Status:    &active,
		Scheduled: &scheduled,
	})
	if err != nil {
		return fmt.Errorf("failed to list scheduled workflows: %w", err)
	}

	want := make(map[string]bool, len(workflows))
	for _, w := range workflows {
		want[w.ID] = true
		if current, ok := s.registry.Schedule(w.ID); ok && current == w.Schedule {
			continue
		}
		if err := s.registry.Add(w.ID, w.Schedule); err != nil {
			log.Printf("Failed to schedule workflow %s (%s): %v", w.Name, w.Schedule, err)
			continue
		}
		log.Printf("Scheduled workflow %s: %s", w.Name, w.Schedule)

		if s.config.EnableCatchup && !s.caughtUp[w.ID] {
			s.caughtUp[w.ID] = true
			if err := s.catchup(ctx, w); err != nil {
				log.Printf("Catchup for workflow %s failed: %v", w.Name, err)
			}
		}
	}

	for _, id := range s.registry.Registered() {
		if !want[id] {
			s.registry.Remove(id)
			delete(s.caughtUp, id)
			log.Printf("Unscheduled workflow %s", id)
		}
	}
	return nil
}

// catchup launches runs for fire times missed since the workflow last ran.
func (s *Scheduler) catchup(ctx context.Context, w *models.Workflow) error {
	since := w.CreatedAt
	last, err := s.runs.GetLatestForWorkflow(ctx, w.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if last != nil {
		since = last.StartedAt
	}

	missed, err := MissedExecutions(w.Schedule, since, time.Now(), s.config.MaxCatchupRuns)
	if err != nil {
		return err
	}
	if len(missed) == 0 {
		return nil
	}

	log.Printf("Launching %d catchup run(s) for workflow %s", len(missed), w.Name)
	for _, at := range missed {
		if err := s.launchLocked(ctx, w.ID); err != nil {
			log.Printf("Catchup run for %s (due %s) failed: %v", w.Name, at.Format(time.RFC3339), err)
		}
	}
	return nil
}

// fire is the cron callback: it launches one run, skipping the tick when
// the workflow's previous run still holds the overlap lock.
func (s *Scheduler) fire(workflowID string) {
	ctx := context.Background()
	if err := s.launchLocked(ctx, workflowID); err != nil {
		log.Printf("Scheduled run for workflow %s failed: %v", workflowID, err)
	}
}

func (s *Scheduler) launchLocked(ctx context.Context, workflowID string) error {
	key := "scheduler:lock:" + workflowID
	ok, err := s.locker.TryLock(ctx, key, s.config.LockTTL)
	if err != nil {
		return err
	}
	if !ok {
		log.Printf("Workflow %s is still running, skipping tick", workflowID)
		return nil
	}
	defer func() {
		if err := s.locker.Unlock(ctx, key); err != nil {
			log.Printf("Failed to release lock for workflow %s: %v", workflowID, err)
		}
	}()

	return s.launcher.Launch(ctx, workflowID)
}
