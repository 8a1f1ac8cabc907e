package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sbenjam1n/gatesync/internal/ctl"
)

const (
	// StreamAudit is the Redis stream audit entries are published to for
	// downstream compliance consumers.
	StreamAudit = "approval_audit"

	// DefaultMaxLen caps the stream length (approximate trimming).
	DefaultMaxLen = 100000

	// SeenTTL is how long an entry ID is remembered for deduplication.
	SeenTTL = 30 * 24 * time.Hour
)

// StreamClient is the subset of *redis.Client the stream needs.
type StreamClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XLen(ctx context.Context, stream string) *redis.IntCmd
	XRevRangeN(ctx context.Context, stream, start, stop string, count int64) *redis.XMessageSliceCmd
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// AuditStream publishes audit entries to a Redis stream.
type AuditStream struct {
	client StreamClient
	stream string
	maxLen int64
}

// New creates an AuditStream on StreamAudit.
func New(client StreamClient) *AuditStream {
	return &AuditStream{client: client, stream: StreamAudit, maxLen: DefaultMaxLen}
}

// ConnectRedis creates a Redis client from a URL.
func ConnectRedis(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

// Write adds one entry to the stream. An entry ID already published
// within SeenTTL is skipped. It satisfies audit.Sink.
func (q *AuditStream) Write(ctx context.Context, e ctl.AuditEntry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	seen := q.stream + ":seen:" + e.ID
	fresh, err := q.client.SetNX(ctx, seen, 1, SeenTTL).Result()
	if err != nil {
		return fmt.Errorf("mark audit entry: %w", err)
	}
	if !fresh {
		return nil
	}
	err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{
			"approval_id": e.ApprovalID,
			"action":      e.Action,
			"actor":       e.Actor,
			"payload":     string(payload),
		},
	}).Err()
	if err != nil {
		q.client.Del(ctx, seen)
		return fmt.Errorf("publish audit entry: %w", err)
	}
	return nil
}

// Status returns the number of entries in the stream.
func (q *AuditStream) Status(ctx context.Context) (int64, error) {
	n, err := q.client.XLen(ctx, q.stream).Result()
	if err != nil {
		return 0, fmt.Errorf("audit stream length: %w", err)
	}
	return n, nil
}

// Recent returns up to n entries, newest first.
func (q *AuditStream) Recent(ctx context.Context, n int64) ([]ctl.AuditEntry, error) {
	msgs, err := q.client.XRevRangeN(ctx, q.stream, "+", "-", n).Result()
	if err != nil {
		return nil, fmt.Errorf("read audit stream: %w", err)
	}
	out := make([]ctl.AuditEntry, 0, len(msgs))
	for _, msg := range msgs {
		raw := getString(msg.Values, "payload")
		if raw == "" {
			continue
		}
		var e ctl.AuditEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("decode audit stream message %s: %w", msg.ID, err)
		}
		out = append(out, e)
	}
	return out, nil
}

func getString(values map[string]any, key string) string {
	if v, ok := values[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
