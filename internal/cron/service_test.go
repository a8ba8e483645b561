package cron

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type fakeSender struct {
	sent []string
	err  error
}

func (f *fakeSender) Send(ctx context.Context, text string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, text)
	return nil
}

type fakeSenders map[string]*fakeSender

func (f fakeSenders) Sender(name string) Sender {
	s, ok := f[name]
	if !ok {
		return nil
	}
	return s
}

func newTestService(t *testing.T, runner Runner) *Service {
	t.Helper()
	return NewService(NewStore(filepath.Join(t.TempDir(), "jobs.json")), runner)
}

func TestExecuteJobDeliversReply(t *testing.T) {
	svc := newTestService(t, func(ctx context.Context, job *Job) (string, error) {
		return "all stretched", nil
	})
	note := &fakeSender{}
	svc.SetSenderProvider(fakeSenders{"note": note})

	job := &Job{
		Name:     "stretch",
		Message:  "remind me to stretch",
		Channel:  "note",
		Schedule: Schedule{Kind: ScheduleKindEvery, EveryMs: time.Hour.Milliseconds()},
	}
	if err := svc.store.Add(job); err != nil {
		t.Fatalf("add: %v", err)
	}

	svc.executeJob(context.Background(), job)

	if len(note.sent) != 1 {
		t.Fatalf("sent = %v, want one push", note.sent)
	}
	if want := "[stretch] all stretched"; note.sent[0] != want {
		t.Errorf("pushed %q, want %q", note.sent[0], want)
	}
	if job.State.LastStatus != StatusOK {
		t.Errorf("lastStatus = %q", job.State.LastStatus)
	}
	if job.State.NextRunAtMs == nil {
		t.Error("repeating job should reschedule")
	}
}

func TestExecuteJobNoChannelNoPush(t *testing.T) {
	svc := newTestService(t, func(ctx context.Context, job *Job) (string, error) {
		return "quiet", nil
	})
	note := &fakeSender{}
	svc.SetSenderProvider(fakeSenders{"note": note})

	job := &Job{
		Name:     "quiet",
		Message:  "run silently",
		Schedule: Schedule{Kind: ScheduleKindEvery, EveryMs: time.Hour.Milliseconds()},
	}
	if err := svc.store.Add(job); err != nil {
		t.Fatalf("add: %v", err)
	}

	svc.executeJob(context.Background(), job)

	if len(note.sent) != 0 {
		t.Errorf("job without a channel pushed %v", note.sent)
	}
}

func TestExecuteJobUnknownChannel(t *testing.T) {
	svc := newTestService(t, func(ctx context.Context, job *Job) (string, error) {
		return "hello", nil
	})
	svc.SetSenderProvider(fakeSenders{})

	job := &Job{
		Name:     "orphan",
		Message:  "m",
		Channel:  "ghost",
		Schedule: Schedule{Kind: ScheduleKindEvery, EveryMs: time.Hour.Milliseconds()},
	}
	if err := svc.store.Add(job); err != nil {
		t.Fatalf("add: %v", err)
	}

	svc.executeJob(context.Background(), job)

	if job.State.LastStatus != StatusOK {
		t.Errorf("missing channel must not fail the job, status = %q", job.State.LastStatus)
	}
}

func TestExecuteJobErrorSkipsDelivery(t *testing.T) {
	svc := newTestService(t, func(ctx context.Context, job *Job) (string, error) {
		return "", errors.New("model offline")
	})
	note := &fakeSender{}
	svc.SetSenderProvider(fakeSenders{"note": note})

	job := &Job{
		Name:     "failing",
		Message:  "m",
		Channel:  "note",
		Schedule: Schedule{Kind: ScheduleKindEvery, EveryMs: time.Hour.Milliseconds()},
	}
	if err := svc.store.Add(job); err != nil {
		t.Fatalf("add: %v", err)
	}

	svc.executeJob(context.Background(), job)

	if len(note.sent) != 0 {
		t.Errorf("failed run pushed %v", note.sent)
	}
	if job.State.LastStatus != StatusError || !strings.Contains(job.State.LastError, "model offline") {
		t.Errorf("state = %+v", job.State)
	}
}

func TestExecuteJobOneShotRemoved(t *testing.T) {
	svc := newTestService(t, func(ctx context.Context, job *Job) (string, error) {
		return "done", nil
	})

	job := &Job{
		Name:     "once",
		Message:  "m",
		Schedule: Schedule{Kind: ScheduleKindAt, AtMs: time.Now().UnixMilli()},
	}
	if err := svc.store.Add(job); err != nil {
		t.Fatalf("add: %v", err)
	}

	svc.executeJob(context.Background(), job)

	if _, ok := svc.store.Get(job.ID); ok {
		t.Error("one-shot job should be removed after firing")
	}
}
