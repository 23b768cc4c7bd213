package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/adverant/nexus/imagetranslate-worker/internal/logging"
	"github.com/redis/go-redis/v9"
)

// Type names a status event
type Type string

const (
	TypeStarted       Type = "started"
	TypeRegionCount   Type = "region_count"
	TypeTranslated    Type = "translated"
	TypeQuotaExceeded Type = "quota_exceeded"
	TypeError         Type = "error"
	TypeCompleted     Type = "completed"
)

// Event is a structured status notification for a presentation layer
type Event struct {
	Type      Type      `json:"type"`
	JobID     string    `json:"jobId,omitempty"`
	ItemID    string    `json:"itemId,omitempty"`
	Message   string    `json:"message,omitempty"`
	Code      string    `json:"code,omitempty"`
	Count     int       `json:"count,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// New creates an event stamped with the current time
func New(t Type, jobID, itemID string) Event {
	return Event{Type: t, JobID: jobID, ItemID: itemID, Timestamp: time.Now()}
}

// Emitter receives status events. Emit must not block for long and never
// fails the pipeline.
type Emitter interface {
	Emit(ctx context.Context, e Event)
}

// LogEmitter writes events to a logger
type LogEmitter struct {
	logger *logging.Logger
}

func NewLogEmitter(logger *logging.Logger) *LogEmitter {
	return &LogEmitter{logger: logger}
}

func (l *LogEmitter) Emit(_ context.Context, e Event) {
	kv := []interface{}{"job", e.JobID, "item", e.ItemID}
	if e.Count > 0 {
		kv = append(kv, "count", e.Count)
	}
	if e.Code != "" {
		kv = append(kv, "code", e.Code)
	}
	if e.Message != "" {
		kv = append(kv, "message", e.Message)
	}

	switch e.Type {
	case TypeError, TypeQuotaExceeded:
		l.logger.Warn(string(e.Type), kv...)
	default:
		l.logger.Info(string(e.Type), kv...)
	}
}

// RedisPublisher publishes events as JSON on <queue>:events
type RedisPublisher struct {
	client  *redis.Client
	channel string
	logger  *logging.Logger
}

// NewRedisPublisher publishes on fmt.Sprintf("%s:events", queueName)
func NewRedisPublisher(client *redis.Client, queueName string, logger *logging.Logger) *RedisPublisher {
	return &RedisPublisher{
		client:  client,
		channel: fmt.Sprintf("%s:events", queueName),
		logger:  logger,
	}
}

// Channel returns the pub/sub channel name
func (p *RedisPublisher) Channel() string { return p.channel }

func (p *RedisPublisher) Emit(ctx context.Context, e Event) {
	payload := map[string]interface{}{
		"event":     fmt.Sprintf("image:%s", e.Type),
		"jobId":     e.JobID,
		"itemId":    e.ItemID,
		"timestamp": e.Timestamp.Format(time.RFC3339),
	}
	if e.Message != "" {
		payload["message"] = e.Message
	}
	if e.Code != "" {
		payload["code"] = e.Code
	}
	if e.Count > 0 {
		payload["count"] = e.Count
	}

	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Warn("Failed to marshal event", "error", err)
		return
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		p.logger.Warn("Failed to publish event", "type", e.Type, "error", err)
	}
}

// Multi fans an event out to several emitters in order
type Multi []Emitter

func (m Multi) Emit(ctx context.Context, e Event) {
	for _, em := range m {
		if em != nil {
			em.Emit(ctx, e)
		}
	}
}

// Recorder keeps every event in memory
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the recorded event types in order
func (r *Recorder) Types() []Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Type, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

// Count returns how many events of type t were recorded
func (r *Recorder) Count(t Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}
