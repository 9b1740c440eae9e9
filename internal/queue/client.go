package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/nikhilbhutani/processor/internal/apperr"
	"github.com/nikhilbhutani/processor/internal/config"
)

// Guard records which queue owns an idempotency key. asynq task ids are only
// unique per queue, so the guard keeps a key unique across priority lanes.
type Guard interface {
	ClaimJob(ctx context.Context, key, queueName string, ttl time.Duration) (bool, string, error)
	ReleaseJob(ctx context.Context, key string) error
}

type taskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

var errStaleClaim = errors.New("stale job claim")

type Client struct {
	client    taskEnqueuer
	inspector *Inspector
	guard     Guard
	cfg       config.QueueConfig
	now       func() time.Time
}

// RedisOpt converts the Redis settings into asynq connection options.
func RedisOpt(cfg config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

func NewClient(redisCfg config.RedisConfig, cfg config.QueueConfig, guard Guard) *Client {
	opt := RedisOpt(redisCfg)
	return newClient(asynq.NewClient(opt), newInspector(asynq.NewInspector(opt), guard), guard, cfg)
}

func newClient(enq taskEnqueuer, ins *Inspector, guard Guard, cfg config.QueueConfig) *Client {
	return &Client{
		client:    enq,
		inspector: ins,
		guard:     guard,
		cfg:       cfg,
		now:       time.Now,
	}
}

func (c *Client) Inspector() *Inspector {
	return c.inspector
}

func (c *Client) Close() error {
	return errors.Join(c.client.Close(), c.inspector.Close())
}

// Depth is the number of unfinished jobs across all types.
func (c *Client) Depth() (int, error) {
	return c.inspector.Depth()
}

// Enqueue inserts a job unless its idempotency key already names a pending,
// active, retrying or retained completed job, in which case that job's handle
// is returned with Existing set. A failed job under the same key is replaced.
func (c *Client) Enqueue(ctx context.Context, p Payload) (*JobHandle, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrValidation, err)
	}
	if p.EnqueuedAt.IsZero() {
		p.EnqueuedAt = c.now().UTC()
	}
	key := p.Key()
	queueName := QueueName(p.Type, laneFor(p.Priority))

	for range 2 {
		claimed, owner, err := c.guard.ClaimJob(ctx, key, queueName, c.cfg.Retention)
		if err != nil {
			return nil, fmt.Errorf("enqueue %s: %w", key, err)
		}
		if claimed {
			h, err := c.submit(ctx, p, key, queueName)
			if err != nil {
				if relErr := c.guard.ReleaseJob(ctx, key); relErr != nil {
					slog.Warn("failed to release job claim", "job_id", key, "error", relErr)
				}
				return nil, err
			}
			return h, nil
		}

		h, err := c.existing(ctx, p, key, owner)
		if err == nil {
			return h, nil
		}
		if !errors.Is(err, errStaleClaim) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("enqueue %s: %w: claim contention", key, apperr.ErrTransient)
}

// Requeue replaces a finished job under the same key so the work runs again.
// Unfinished jobs are left alone and returned as existing.
func (c *Client) Requeue(ctx context.Context, p Payload) (*JobHandle, error) {
	if err := c.inspector.removeFinished(ctx, p.Type, p.Key()); err != nil {
		return nil, err
	}
	return c.Enqueue(ctx, p)
}

func (c *Client) submit(ctx context.Context, p Payload, key, queueName string) (*JobHandle, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(p.Type, data)

	maxRetry := c.cfg.MaxAttempts - 1
	if maxRetry < 0 {
		maxRetry = 0
	}
	_, err = c.client.EnqueueContext(ctx, task,
		asynq.TaskID(key),
		asynq.Queue(queueName),
		asynq.MaxRetry(maxRetry),
		asynq.Timeout(c.cfg.JobTimeout),
		asynq.Retention(c.cfg.Retention),
	)
	handle := &JobHandle{ID: key, Type: p.Type, Preset: p.Preset, Queue: queueName}
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		handle.Existing = true
		return handle, nil
	}
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", p.Type, err)
	}

	slog.Debug("job enqueued", "job_id", key, "queue", queueName, "trace_id", p.TraceID)
	return handle, nil
}

func (c *Client) existing(ctx context.Context, p Payload, key, queueName string) (*JobHandle, error) {
	info, err := c.inspector.ins.GetTaskInfo(queueName, key)
	switch {
	case errors.Is(err, asynq.ErrTaskNotFound), errors.Is(err, asynq.ErrQueueNotFound):
		// Retention expired or the job was deleted after the claim was made.
	case err != nil:
		return nil, fmt.Errorf("look up job %s: %w", key, err)
	case info.State == asynq.TaskStateArchived:
		if err := c.inspector.ins.DeleteTask(queueName, key); err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
			return nil, fmt.Errorf("replace failed job %s: %w", key, err)
		}
	default:
		return &JobHandle{ID: key, Type: p.Type, Preset: p.Preset, Queue: queueName, Existing: true}, nil
	}

	if err := c.guard.ReleaseJob(ctx, key); err != nil {
		return nil, err
	}
	return nil, errStaleClaim
}
