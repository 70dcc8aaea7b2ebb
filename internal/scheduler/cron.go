package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is what the registry fires when a workflow's schedule comes due.
type Job func(workflowID string)

// CronRegistry maps workflow ids to cron entries. Schedules are standard
// five-field cron expressions evaluated in the registry's location.
type CronRegistry struct {
	cron     *cron.Cron
	location *time.Location
	job      Job

	mu      sync.RWMutex
	entries map[string]registryEntry // workflow id -> entry
}

type registryEntry struct {
	id       cron.EntryID
	schedule string
}

// NewCronRegistry returns a registry firing job on every due schedule.
func NewCronRegistry(location *time.Location, job Job) *CronRegistry {
	return &CronRegistry{
		cron:     cron.New(cron.WithLocation(location)),
		location: location,
		job:      job,
		entries:  make(map[string]registryEntry),
	}
}

// Start begins firing jobs.
func (cr *CronRegistry) Start() {
	cr.cron.Start()
}

// Stop halts scheduling and waits for running jobs to return.
func (cr *CronRegistry) Stop() {
	<-cr.cron.Stop().Done()
}

// Add registers a workflow's schedule. Re-adding with the same schedule is
// a no-op; a changed schedule replaces the entry.
func (cr *CronRegistry) Add(workflowID, schedule string) error {
	cr.mu.Lock()
	defer cr.mu.Unlock()

	if existing, ok := cr.entries[workflowID]; ok {
		if existing.schedule == schedule {
			return nil
		}
		cr.cron.Remove(existing.id)
		delete(cr.entries, workflowID)
	}

	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", schedule, err)
	}

	id, err := cr.cron.AddFunc(schedule, func() { cr.job(workflowID) })
	if err != nil {
		return fmt.Errorf("failed to add cron entry: %w", err)
	}
	cr.entries[workflowID] = registryEntry{id: id, schedule: schedule}
	return nil
}

// Remove drops a workflow's entry if present.
func (cr *CronRegistry) Remove(workflowID string) {
	cr.mu.Lock()
	defer cr.mu.Unlock()

	if entry, ok := cr.entries[workflowID]; ok {
		cr.cron.Remove(entry.id)
		delete(cr.entries, workflowID)
	}
}

// Schedule returns the registered expression for a workflow, if any.
func (cr *CronRegistry) Schedule(workflowID string) (string, bool) {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	entry, ok := cr.entries[workflowID]
	return entry.schedule, ok
}

// Registered returns the ids of all scheduled workflows.
func (cr *CronRegistry) Registered() []string {
	cr.mu.RLock()
	defer cr.mu.RUnlock()

	ids := make([]string, 0, len(cr.entries))
	for id := range cr.entries {
		ids = append(ids, id)
	}
	return ids
}

// NextRun returns the next fire time for a workflow.
func (cr *CronRegistry) NextRun(workflowID string) (time.Time, error) {
	cr.mu.RLock()
	defer cr.mu.RUnlock()

	entry, ok := cr.entries[workflowID]
	if !ok {
		return time.Time{}, fmt.Errorf("workflow %s is not scheduled", workflowID)
	}
	return cr.cron.Entry(entry.id).Next, nil
}

// MissedExecutions lists the fire times of schedule in (since, until],
// capped at max. Used for catchup after scheduler downtime.
func MissedExecutions(schedule string, since, until time.Time, max int) ([]time.Time, error) {
	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", schedule, err)
	}

	var times []time.Time
	current := since
	for len(times) < max {
		next := sched.Next(current)
		if next.After(until) {
			break
		}
		times = append(times, next)
		current = next
	}
	return times, nil
}
