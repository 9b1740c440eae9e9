package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	"github.com/nikhilbhutani/processor/internal/apperr"
	"github.com/nikhilbhutani/processor/internal/config"
)

const listPageSize = 100

type taskInspector interface {
	GetTaskInfo(queue, id string) (*asynq.TaskInfo, error)
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
	DeleteTask(queue, id string) error
	ListPendingTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)
	ListScheduledTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)
	ListActiveTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)
	ListRetryTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)
	ListCompletedTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)
	ListArchivedTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)
	Close() error
}

// Inspector reads and manages job state. Failed jobs are asynq's archived
// tasks; completed jobs are kept for the retention window.
type Inspector struct {
	ins   taskInspector
	guard Guard
	now   func() time.Time
}

func NewInspector(redisCfg config.RedisConfig, guard Guard) *Inspector {
	return newInspector(asynq.NewInspector(RedisOpt(redisCfg)), guard)
}

func newInspector(ins taskInspector, guard Guard) *Inspector {
	return &Inspector{ins: ins, guard: guard, now: time.Now}
}

func (i *Inspector) Close() error {
	return i.ins.Close()
}

// Get finds a job by id in any lane of its type.
func (i *Inspector) Get(jobType, id string) (*JobInfo, error) {
	if !ValidType(jobType) {
		return nil, fmt.Errorf("%w: unknown job type %q", apperr.ErrValidation, jobType)
	}
	t, err := i.find(jobType, id)
	if err != nil {
		return nil, err
	}
	info := toJobInfo(t)
	return &info, nil
}

// List returns up to one page of jobs per lane in the given state.
func (i *Inspector) List(jobType, state string) ([]JobInfo, error) {
	if !ValidType(jobType) {
		return nil, fmt.Errorf("%w: unknown job type %q", apperr.ErrValidation, jobType)
	}

	var listers []func(string, ...asynq.ListOption) ([]*asynq.TaskInfo, error)
	switch state {
	case StatePending:
		listers = append(listers, i.ins.ListPendingTasks, i.ins.ListScheduledTasks)
	case StateActive:
		listers = append(listers, i.ins.ListActiveTasks)
	case StateRetrying:
		listers = append(listers, i.ins.ListRetryTasks)
	case StateCompleted:
		listers = append(listers, i.ins.ListCompletedTasks)
	case StateFailed:
		listers = append(listers, i.ins.ListArchivedTasks)
	default:
		return nil, fmt.Errorf("%w: unknown job state %q", apperr.ErrValidation, state)
	}

	jobs := []JobInfo{}
	for _, q := range Lanes(jobType) {
		for _, list := range listers {
			tasks, err := list(q, asynq.PageSize(listPageSize))
			if errors.Is(err, asynq.ErrQueueNotFound) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("list %s jobs in %s: %w", state, q, err)
			}
			for _, t := range tasks {
				jobs = append(jobs, toJobInfo(t))
			}
		}
	}
	return jobs, nil
}

// Depth counts unfinished jobs (pending, scheduled, active, retrying) in
// every lane of every type.
func (i *Inspector) Depth() (int, error) {
	total := 0
	for _, jobType := range Types {
		for _, q := range Lanes(jobType) {
			qi, err := i.ins.GetQueueInfo(q)
			if errors.Is(err, asynq.ErrQueueNotFound) {
				continue
			}
			if err != nil {
				return 0, fmt.Errorf("queue info %s: %w", q, err)
			}
			total += qi.Pending + qi.Scheduled + qi.Active + qi.Retry
		}
	}
	return total, nil
}

// Cancel deletes a job that has not been claimed yet. Active jobs run to
// completion; finished jobs cannot be cancelled.
func (i *Inspector) Cancel(ctx context.Context, jobType, id string) error {
	if !ValidType(jobType) {
		return fmt.Errorf("%w: unknown job type %q", apperr.ErrValidation, jobType)
	}
	t, err := i.find(jobType, id)
	if err != nil {
		return err
	}

	switch t.State {
	case asynq.TaskStateActive:
		return fmt.Errorf("cancel %s: %w", id, apperr.ErrJobActive)
	case asynq.TaskStateCompleted, asynq.TaskStateArchived:
		return fmt.Errorf("cancel %s: %w", id, apperr.ErrJobFinished)
	}

	if err := i.ins.DeleteTask(t.Queue, id); err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) {
			return fmt.Errorf("job %s: %w", id, apperr.ErrNotFound)
		}
		// Claimed between the lookup and the delete.
		return fmt.Errorf("cancel %s: %w: %v", id, apperr.ErrJobActive, err)
	}
	if err := i.guard.ReleaseJob(ctx, id); err != nil {
		return err
	}
	slog.Info("job cancelled", "job_id", id, "queue", t.Queue)
	return nil
}

// PurgeFailed removes failed jobs whose last failure is older than the
// audit window and returns how many were removed.
func (i *Inspector) PurgeFailed(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := i.now().Add(-olderThan)
	purged := 0

	for _, jobType := range Types {
		for _, q := range Lanes(jobType) {
			var expired []string
			for page := 1; ; page++ {
				tasks, err := i.ins.ListArchivedTasks(q, asynq.PageSize(listPageSize), asynq.Page(page))
				if errors.Is(err, asynq.ErrQueueNotFound) {
					break
				}
				if err != nil {
					return purged, fmt.Errorf("list failed jobs in %s: %w", q, err)
				}
				for _, t := range tasks {
					if t.LastFailedAt.Before(cutoff) {
						expired = append(expired, t.ID)
					}
				}
				if len(tasks) < listPageSize {
					break
				}
			}

			for _, id := range expired {
				if err := ctx.Err(); err != nil {
					return purged, err
				}
				if err := i.ins.DeleteTask(q, id); err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
					return purged, fmt.Errorf("delete failed job %s: %w", id, err)
				}
				if err := i.guard.ReleaseJob(ctx, id); err != nil {
					return purged, err
				}
				purged++
			}
		}
	}
	return purged, nil
}

// removeFinished deletes a completed or failed job so its key can be reused.
func (i *Inspector) removeFinished(ctx context.Context, jobType, id string) error {
	t, err := i.find(jobType, id)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if t.State != asynq.TaskStateCompleted && t.State != asynq.TaskStateArchived {
		return nil
	}
	if err := i.ins.DeleteTask(t.Queue, id); err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
		return fmt.Errorf("remove finished job %s: %w", id, err)
	}
	return i.guard.ReleaseJob(ctx, id)
}

func (i *Inspector) find(jobType, id string) (*asynq.TaskInfo, error) {
	for _, q := range Lanes(jobType) {
		t, err := i.ins.GetTaskInfo(q, id)
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get job %s: %w", id, err)
		}
		return t, nil
	}
	return nil, fmt.Errorf("job %s: %w", id, apperr.ErrNotFound)
}

func stateOf(s asynq.TaskState) string {
	switch s {
	case asynq.TaskStateActive:
		return StateActive
	case asynq.TaskStateRetry:
		return StateRetrying
	case asynq.TaskStateCompleted:
		return StateCompleted
	case asynq.TaskStateArchived:
		return StateFailed
	default:
		return StatePending
	}
}

func toJobInfo(t *asynq.TaskInfo) JobInfo {
	info := JobInfo{
		ID:          t.ID,
		Type:        t.Type,
		State:       stateOf(t.State),
		Priority:    t.Queue[strings.LastIndex(t.Queue, "-")+1:],
		MaxAttempts: t.MaxRetry + 1,
		Attempts:    t.Retried,
		LastError:   t.LastErr,
	}
	if p, err := decodePayload(t.Payload); err == nil {
		info.Payload = p
		info.CreatedAt = p.EnqueuedAt
	}

	switch t.State {
	case asynq.TaskStateActive, asynq.TaskStateCompleted, asynq.TaskStateArchived:
		// The current or final attempt is not counted in Retried.
		info.Attempts++
	}
	if info.Attempts > info.MaxAttempts {
		info.Attempts = info.MaxAttempts
	}
	if !t.NextProcessAt.IsZero() && (t.State == asynq.TaskStatePending || t.State == asynq.TaskStateScheduled || t.State == asynq.TaskStateRetry) {
		next := t.NextProcessAt
		info.NextAttemptAt = &next
	}
	if t.State == asynq.TaskStateCompleted && !t.CompletedAt.IsZero() {
		done := t.CompletedAt
		info.CompletedAt = &done
	}
	return info
}
