package queue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	TypeIngest        = "ingest"
	TypeImageOptimize = "image-optimize"
	TypeTextExtract   = "text-extract"
	TypeOCRProcess    = "ocr-process"
)

// Types lists every job type; each has its own server and lanes.
var Types = []string{TypeIngest, TypeImageOptimize, TypeTextExtract, TypeOCRProcess}

func ValidType(t string) bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

// Priority lanes. Weights follow the worker's critical/default/low split.
const (
	LaneCritical = "critical"
	LaneDefault  = "default"
	LaneLow      = "low"
)

var laneWeights = map[string]int{
	LaneCritical: 6,
	LaneDefault:  3,
	LaneLow:      1,
}

// QueueName returns the asynq queue backing one lane of a job type.
func QueueName(jobType, lane string) string {
	return jobType + "-" + lane
}

// Lanes returns the queue names of a job type, highest priority first.
func Lanes(jobType string) []string {
	return []string{
		QueueName(jobType, LaneCritical),
		QueueName(jobType, LaneDefault),
		QueueName(jobType, LaneLow),
	}
}

func laneFor(priority int) string {
	switch {
	case priority > 0:
		return LaneCritical
	case priority < 0:
		return LaneLow
	default:
		return LaneDefault
	}
}

// Payload is the queue message shared by all job types.
type Payload struct {
	Type          string    `json:"type"`
	ContentHash   string    `json:"contentHash"`
	OwnerEntityID string    `json:"ownerEntityId"`
	MimeType      string    `json:"mimeType"`
	OriginalName  string    `json:"originalName"`
	Preset        string    `json:"preset,omitempty"`
	Priority      int       `json:"priority,omitempty"`
	TraceID       string    `json:"traceId,omitempty"`
	EnqueuedAt    time.Time `json:"enqueuedAt"`
}

// Key is the idempotency key and the job id. Image jobs carry their preset
// because one job exists per preset.
func (p Payload) Key() string {
	parts := []string{p.Type, p.ContentHash, p.OwnerEntityID}
	if p.Preset != "" {
		parts = append(parts, p.Preset)
	}
	return strings.Join(parts, ":")
}

func (p Payload) Validate() error {
	if !ValidType(p.Type) {
		return fmt.Errorf("unknown job type %q", p.Type)
	}
	if p.ContentHash == "" || p.OwnerEntityID == "" {
		return fmt.Errorf("job %s: contentHash and ownerEntityId are required", p.Type)
	}
	if p.Type == TypeImageOptimize && p.Preset == "" {
		return fmt.Errorf("job %s: preset is required", p.Type)
	}
	return nil
}

func decodePayload(data []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("unmarshal payload: %w", err)
	}
	return p, nil
}

// JobHandle is returned by Enqueue. Existing is set when the key already
// named a pending, active or retained job. Planned handles name follow-up
// jobs that the ingest job will enqueue once it has classified the content.
type JobHandle struct {
	ID       string `json:"jobId"`
	Type     string `json:"type"`
	Preset   string `json:"preset,omitempty"`
	Queue    string `json:"-"`
	Existing bool   `json:"existing"`
	Planned  bool   `json:"planned,omitempty"`
}

// Job states as reported to callers.
const (
	StatePending   = "pending"
	StateActive    = "active"
	StateRetrying  = "retrying"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// JobInfo is the inspectable view of a job.
type JobInfo struct {
	ID            string     `json:"jobId"`
	Type          string     `json:"type"`
	State         string     `json:"state"`
	Priority      string     `json:"priority"`
	Payload       Payload    `json:"payload"`
	Attempts      int        `json:"attempts"`
	MaxAttempts   int        `json:"maxAttempts"`
	CreatedAt     time.Time  `json:"createdAt"`
	LastError     string     `json:"lastError,omitempty"`
	NextAttemptAt *time.Time `json:"nextAttemptAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
}
