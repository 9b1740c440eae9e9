package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/hibiken/asynq"

	"github.com/nikhilbhutani/processor/internal/apperr"
	"github.com/nikhilbhutani/processor/internal/config"
)

// HandlersRegistry runs one asynq server per job type so each type gets its
// own concurrency cap, independent of total queue depth.
type HandlersRegistry struct {
	redis   asynq.RedisConnOpt
	cfg     config.QueueConfig
	logger  asynq.Logger
	onError asynq.ErrorHandlerFunc
	servers map[string]*asynq.Server
	muxes   map[string]*asynq.ServeMux
	order   []string
}

func NewHandlersRegistry(redisCfg config.RedisConfig, cfg config.QueueConfig, logger asynq.Logger) *HandlersRegistry {
	return &HandlersRegistry{
		redis:   RedisOpt(redisCfg),
		cfg:     cfg,
		logger:  logger,
		onError: logTaskError,
		servers: make(map[string]*asynq.Server),
		muxes:   make(map[string]*asynq.ServeMux),
	}
}

// Concurrency returns the worker count for a job type. OCR is always 1.
func Concurrency(cfg config.QueueConfig, jobType string) int {
	switch jobType {
	case TypeIngest:
		return max(cfg.IngestConcurrency, 1)
	case TypeImageOptimize:
		return max(cfg.ImageConcurrency, 1)
	case TypeTextExtract:
		return max(cfg.TextConcurrency, 1)
	default:
		return 1
	}
}

// ServerConfig is the asynq configuration for one job type's server.
func ServerConfig(cfg config.QueueConfig, jobType string, logger asynq.Logger, onError asynq.ErrorHandler) asynq.Config {
	queues := make(map[string]int, len(laneWeights))
	for lane, weight := range laneWeights {
		queues[QueueName(jobType, lane)] = weight
	}
	return asynq.Config{
		Concurrency: Concurrency(cfg, jobType),
		Queues:      queues,
		RetryDelayFunc: func(n int, _ error, _ *asynq.Task) time.Duration {
			return RetryDelay(cfg, n)
		},
		ErrorHandler:    onError,
		Logger:          logger,
		ShutdownTimeout: 30 * time.Second,
	}
}

func (r *HandlersRegistry) Register(jobType string, handler asynq.Handler) {
	mux := asynq.NewServeMux()
	mux.Handle(jobType, handler)
	r.muxes[jobType] = mux
	r.servers[jobType] = asynq.NewServer(r.redis, ServerConfig(r.cfg, jobType, r.logger, r.onError))
	r.order = append(r.order, jobType)
}

// Start launches every registered server. On failure the servers already
// started are shut down.
func (r *HandlersRegistry) Start() error {
	for i, jobType := range r.order {
		if err := r.servers[jobType].Start(r.muxes[jobType]); err != nil {
			for _, started := range r.order[:i] {
				r.servers[started].Shutdown()
			}
			return fmt.Errorf("start %s server: %w", jobType, err)
		}
		slog.Info("job server started", "type", jobType, "concurrency", Concurrency(r.cfg, jobType))
	}
	return nil
}

// Shutdown stops fetching new jobs and waits for active ones to finish.
func (r *HandlersRegistry) Shutdown() {
	for _, jobType := range r.order {
		r.servers[jobType].Shutdown()
	}
}

// RetryDelay is the backoff before retry n (0-based):
// initialDelay * multiplier^n, capped at maxDelay.
func RetryDelay(cfg config.QueueConfig, n int) time.Duration {
	d := float64(cfg.InitialDelay) * math.Pow(cfg.BackoffMultiplier, float64(n))
	if d > float64(cfg.MaxDelay) || math.IsInf(d, 0) || math.IsNaN(d) {
		return cfg.MaxDelay
	}
	return time.Duration(d)
}

// Classify marks non-retryable errors so asynq archives the job at once.
func Classify(err error) error {
	if err == nil || errors.Is(err, asynq.SkipRetry) {
		return err
	}
	if !apperr.Retryable(err) {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	return err
}

// IsLastAttempt reports whether the running job has no retries left.
func IsLastAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return true
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		return true
	}
	return retried >= maxRetry
}

// HandlerFunc adapts a payload handler to asynq: it decodes the message and
// classifies the returned error.
func HandlerFunc(fn func(ctx context.Context, p Payload) error) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		p, err := decodePayload(t.Payload())
		if err != nil {
			return Classify(apperr.Permanent(err))
		}
		if p.Type == "" {
			p.Type = t.Type()
		}
		return Classify(fn(ctx, p))
	})
}

func logTaskError(ctx context.Context, t *asynq.Task, err error) {
	id, _ := asynq.GetTaskID(ctx)
	retried, _ := asynq.GetRetryCount(ctx)
	slog.Warn("job attempt failed",
		"type", t.Type(),
		"job_id", id,
		"retried", retried,
		"retryable", !errors.Is(err, asynq.SkipRetry),
		"error", err,
	)
}
