package cron

import (
	"context"
	"fmt"
	"time"

	. "github.com/pith-agent/pith/internal/logging"
)

// Runner executes a job's message as an agent turn and returns the reply.
type Runner func(ctx context.Context, job *Job) (string, error)

// Sender is a delivery channel that accepts a pushed message.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// SenderProvider resolves delivery channels by name. A nil result means
// no such channel is running.
type SenderProvider interface {
	Sender(name string) Sender
}

// backupTickInterval bounds how long a due job can be missed if timer math
// ever goes wrong.
const backupTickInterval = time.Minute

// idleWake is the sleep used when no job is scheduled.
const idleWake = time.Hour

// Service drives the job schedule.
type Service struct {
	store   *Store
	runner  Runner
	senders SenderProvider

	stopCh       chan struct{}
	doneCh       chan struct{}
	rescheduleCh chan struct{}
	running      bool
}

// NewService creates a cron service over the given store.
func NewService(store *Store, runner Runner) *Service {
	return &Service{
		store:  store,
		runner: runner,
	}
}

// Store returns the underlying job store.
func (s *Service) Store() *Store {
	return s.store
}

// SetSenderProvider wires delivery channels. Call before Start.
func (s *Service) SetSenderProvider(sp SenderProvider) {
	s.senders = sp
}

// Start loads jobs and begins the scheduling loop.
func (s *Service) Start(ctx context.Context) error {
	if s.running {
		return fmt.Errorf("cron service already running")
	}
	if err := s.store.Load(); err != nil {
		return fmt.Errorf("failed to load cron jobs: %w", err)
	}

	s.initializeNextRuns()

	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.rescheduleCh = make(chan struct{}, 1)
	s.running = true

	L_info("cron: service started", "jobs", len(s.store.List()))
	go s.runLoop(ctx)
	return nil
}

// Stop halts the scheduling loop and waits for it to exit.
func (s *Service) Stop() {
	if !s.running {
		return
	}
	close(s.stopCh)
	<-s.doneCh
	s.running = false
	L_info("cron: service stopped")
}

// AddJob registers a job, computes its first run, and wakes the loop.
func (s *Service) AddJob(job *Job) error {
	now := time.Now()
	job.CreatedAtMs = now.UnixMilli()
	job.UpdatedAtMs = job.CreatedAtMs
	job.Enabled = true

	next, err := NextRunTime(job, now)
	if err != nil {
		return err
	}
	job.SetNextRun(next)

	if err := s.store.Add(job); err != nil {
		return err
	}
	s.triggerReschedule()
	return nil
}

// RemoveJob deletes a job by ID.
func (s *Service) RemoveJob(id string) error {
	if err := s.store.Remove(id); err != nil {
		return err
	}
	s.triggerReschedule()
	return nil
}

func (s *Service) triggerReschedule() {
	if !s.running {
		return
	}
	select {
	case s.rescheduleCh <- struct{}{}:
	default:
	}
}

func (s *Service) initializeNextRuns() {
	now := time.Now()
	for _, job := range s.store.List() {
		next, err := NextRunTime(job, now)
		if err != nil {
			L_warn("cron: cannot schedule job", "job", job.Name, "id", job.ID, "error", err)
			continue
		}
		job.SetNextRun(next)
	}
	if err := s.store.Save(); err != nil {
		L_warn("cron: failed to persist schedules", "error", err)
	}
}

func (s *Service) runLoop(ctx context.Context) {
	defer close(s.doneCh)

	backup := time.NewTicker(backupTickInterval)
	defer backup.Stop()

	timer := time.NewTimer(s.computeNextWake())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return

		case <-s.rescheduleCh:
			timer.Reset(s.computeNextWake())

		case <-backup.C:
			s.runDueJobs(ctx)
			timer.Reset(s.computeNextWake())

		case <-timer.C:
			s.runDueJobs(ctx)
			timer.Reset(s.computeNextWake())
		}
	}
}

// computeNextWake returns how long to sleep until the next job is due.
func (s *Service) computeNextWake() time.Duration {
	now := time.Now()
	wake := idleWake
	for _, job := range s.store.List() {
		if !job.Enabled || job.State.NextRunAtMs == nil {
			continue
		}
		until := time.UnixMilli(*job.State.NextRunAtMs).Sub(now)
		if until < 0 {
			until = 0
		}
		if until < wake {
			wake = until
		}
	}
	return wake
}

func (s *Service) runDueJobs(ctx context.Context) {
	if IsShuttingDown() {
		return
	}
	now := time.Now()
	for _, job := range s.store.List() {
		if !job.Enabled || job.State.NextRunAtMs == nil {
			continue
		}
		if time.UnixMilli(*job.State.NextRunAtMs).After(now) {
			continue
		}
		s.executeJob(ctx, job)
	}
}

func (s *Service) executeJob(ctx context.Context, job *Job) {
	startTime := time.Now()
	L_info("cron: job started", "job", job.Name, "id", job.ID)

	reply, err := s.runner(ctx, job)

	duration := time.Since(startTime)
	if err != nil {
		job.SetLastRun(startTime, duration, StatusError, err.Error())
		L_error("cron: job failed", "job", job.Name, "id", job.ID, "duration", duration.Round(time.Millisecond), "error", err)
	} else {
		job.SetLastRun(startTime, duration, StatusOK, "")
		L_info("cron: job completed", "job", job.Name, "id", job.ID, "duration", duration.Round(time.Millisecond), "replyChars", len(reply))
		s.deliver(ctx, job, reply)
	}

	if job.IsOneShot() || job.DeleteAfterRun {
		if err := s.store.Remove(job.ID); err != nil {
			L_warn("cron: failed to remove one-shot job", "id", job.ID, "error", err)
		}
		return
	}

	next, nerr := NextRunTime(job, time.Now())
	if nerr != nil {
		L_warn("cron: cannot reschedule job", "job", job.Name, "error", nerr)
		job.SetNextRun(nil)
	} else {
		job.SetNextRun(next)
	}
	if err := s.store.Update(job); err != nil {
		L_warn("cron: failed to persist job state", "id", job.ID, "error", err)
	}
}

// deliver pushes a successful reply to the job's channel, when one is
// named and running.
func (s *Service) deliver(ctx context.Context, job *Job, reply string) {
	if job.Channel == "" || reply == "" || s.senders == nil {
		return
	}
	ch := s.senders.Sender(job.Channel)
	if ch == nil {
		L_warn("cron: delivery channel not available", "job", job.Name, "channel", job.Channel)
		return
	}
	if err := ch.Send(ctx, fmt.Sprintf("[%s] %s", job.Name, reply)); err != nil {
		L_error("cron: delivery failed", "job", job.Name, "channel", job.Channel, "error", err)
		return
	}
	L_debug("cron: reply delivered", "job", job.Name, "channel", job.Channel)
}
