package cron

import (
	"fmt"
	"log"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
)

const stopTimeout = 5 * time.Second

// Runner drives a set of named periodic jobs on a robfig/cron scheduler.
// Jobs registered before Start begin ticking once Start is called.
type Runner struct {
	name    string
	mu      sync.Mutex
	cron    *rcron.Cron
	running bool
	entries map[string]rcron.EntryID
}

// NewRunner builds a runner whose jobs recover from panics; a panicking job
// is logged and runs again on its next tick.
func NewRunner(name string) *Runner {
	logger := rcron.PrintfLogger(log.New(log.Writer(), "["+name+"] ", log.Flags()))
	return &Runner{
		name:    name,
		cron:    rcron.New(rcron.WithChain(rcron.Recover(logger))),
		entries: make(map[string]rcron.EntryID),
	}
}

// Every registers fn to run once per interval. Sub-second intervals are
// rounded up to one second by the underlying scheduler. Registering the same
// job name twice replaces the earlier entry.
func (r *Runner) Every(job string, interval time.Duration, fn func()) error {
	if interval <= 0 {
		return fmt.Errorf("%s: job %s: interval must be positive, got %s", r.name, job, interval)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.entries[job]; ok {
		r.cron.Remove(id)
		delete(r.entries, job)
	}
	id, err := r.cron.AddFunc(EverySpec(interval), func() {
		r.mu.Lock()
		running := r.running
		r.mu.Unlock()
		if running {
			fn()
		}
	})
	if err != nil {
		return fmt.Errorf("%s: register job %s: %w", r.name, job, err)
	}
	r.entries[job] = id
	return nil
}

func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.cron.Start()
	log.Printf("[%s] timers started (%d jobs)", r.name, len(r.entries))
}

// Stop halts the scheduler and waits briefly for running jobs. Jobs already
// executing are not interrupted.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	stopCtx := r.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(stopTimeout):
		log.Printf("[%s] stop timeout waiting for running jobs", r.name)
	}
	log.Printf("[%s] timers stopped", r.name)
}

func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// EverySpec renders an interval as a robfig/cron "@every" descriptor.
func EverySpec(interval time.Duration) string {
	return "@every " + interval.String()
}
