package cron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pith-agent/pith/internal/types"
)

// Tool exposes the scheduler to the model: create, list and delete
// jobs whose fired message runs as an agent turn.
type Tool struct {
	svc *Service
}

// NewTool creates the schedule tool over a running service.
func NewTool(svc *Service) *Tool {
	return &Tool{svc: svc}
}

func (t *Tool) Name() string {
	return "schedule"
}

func (t *Tool) Description() string {
	return "Schedule a future agent turn. Actions: 'create' (one of at/every/cron " +
		"plus a message), 'list', 'delete' (by id). Fired jobs run the message " +
		"as a normal chat turn on the active session; pass 'channel' to also " +
		"push the reply to a running channel."
}

func (t *Tool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action": map[string]any{
				"type":        "string",
				"description": "One of 'create', 'list', 'delete'.",
			},
			"name": map[string]any{
				"type":        "string",
				"description": "Short label for the job.",
			},
			"message": map[string]any{
				"type":        "string",
				"description": "Prompt to run when the job fires.",
			},
			"at": map[string]any{
				"type":        "string",
				"description": "One-shot time: RFC3339, unix milliseconds, or relative like '+5m'.",
			},
			"every": map[string]any{
				"type":        "string",
				"description": "Repeat interval like '30s', '5m', '2h', '1d'.",
			},
			"cron": map[string]any{
				"type":        "string",
				"description": "5-field cron expression, e.g. '0 9 * * 1-5'.",
			},
			"tz": map[string]any{
				"type":        "string",
				"description": "IANA timezone for cron schedules. Defaults to local time.",
			},
			"channel": map[string]any{
				"type":        "string",
				"description": "Channel name to push the reply to, e.g. 'telegram'. Omit to keep the reply in the session only.",
			},
			"id": map[string]any{
				"type":        "string",
				"description": "Job id for 'delete'.",
			},
		},
		"required": []string{"action"},
	}
}

type scheduleInput struct {
	Action  string `json:"action"`
	Name    string `json:"name,omitempty"`
	Message string `json:"message,omitempty"`
	At      string `json:"at,omitempty"`
	Every   string `json:"every,omitempty"`
	Cron    string `json:"cron,omitempty"`
	Tz      string `json:"tz,omitempty"`
	Channel string `json:"channel,omitempty"`
	ID      string `json:"id,omitempty"`
}

func (t *Tool) Execute(ctx context.Context, input json.RawMessage) (*types.ToolResult, error) {
	var params scheduleInput
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}

	switch params.Action {
	case "create":
		return t.create(params)
	case "list":
		return t.list()
	case "delete":
		return t.delete(params.ID)
	default:
		return nil, fmt.Errorf("unknown action: %s", params.Action)
	}
}

func (t *Tool) create(params scheduleInput) (*types.ToolResult, error) {
	if params.Message == "" {
		return nil, errors.New("message is required")
	}

	schedule, err := buildSchedule(params)
	if err != nil {
		return types.ErrorResult(err.Error()), nil
	}

	name := params.Name
	if name == "" {
		name = summarize(params.Message)
	}

	job := &Job{
		Name:     name,
		Message:  params.Message,
		Channel:  params.Channel,
		Schedule: schedule,
	}
	if err := t.svc.AddJob(job); err != nil {
		return types.ErrorResult(err.Error()), nil
	}

	next := "unscheduled"
	if job.State.NextRunAtMs != nil {
		next = time.UnixMilli(*job.State.NextRunAtMs).Format(time.RFC3339)
	}
	return types.TextResult(fmt.Sprintf("scheduled job %s (%s), next run %s", job.ID, job.Name, next)), nil
}

func buildSchedule(params scheduleInput) (Schedule, error) {
	set := 0
	for _, v := range []string{params.At, params.Every, params.Cron} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return Schedule{}, errors.New("exactly one of 'at', 'every' or 'cron' is required")
	}

	switch {
	case params.At != "":
		at, err := ParseAt(params.At, time.Now())
		if err != nil {
			return Schedule{}, err
		}
		return Schedule{Kind: ScheduleKindAt, AtMs: at.UnixMilli()}, nil
	case params.Every != "":
		interval, err := ParseDuration(params.Every)
		if err != nil {
			return Schedule{}, err
		}
		return Schedule{Kind: ScheduleKindEvery, EveryMs: interval.Milliseconds()}, nil
	default:
		return Schedule{Kind: ScheduleKindCron, Expr: params.Cron, Tz: params.Tz}, nil
	}
}

func (t *Tool) list() (*types.ToolResult, error) {
	jobs := t.svc.Store().List()
	if len(jobs) == 0 {
		return types.TextResult("(no jobs)"), nil
	}

	var lines []string
	for _, job := range jobs {
		next := "-"
		if job.State.NextRunAtMs != nil {
			next = time.UnixMilli(*job.State.NextRunAtMs).Format(time.RFC3339)
		}
		line := fmt.Sprintf("%s  %s  [%s]  next=%s", job.ID, job.Name, job.Schedule.Kind, next)
		if job.Channel != "" {
			line += "  channel=" + job.Channel
		}
		if job.State.LastStatus != "" {
			line += "  last=" + job.State.LastStatus
		}
		lines = append(lines, line)
	}
	return types.TextResult(strings.Join(lines, "\n")), nil
}

func (t *Tool) delete(id string) (*types.ToolResult, error) {
	if id == "" {
		return nil, errors.New("id is required")
	}
	if err := t.svc.RemoveJob(id); err != nil {
		return types.ErrorResult(err.Error()), nil
	}
	return types.TextResult("deleted job " + id), nil
}

// summarize derives a job label from the first few words of a message.
func summarize(message string) string {
	fields := strings.Fields(message)
	if len(fields) > 5 {
		fields = fields[:5]
	}
	label := strings.Join(fields, " ")
	if len(label) > 40 {
		label = label[:40]
	}
	return label
}
