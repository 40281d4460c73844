// Package bus implements the durable, per-session-isolated message bus the
// orchestrator and agent workers communicate over. It is built directly on
// github.com/redis/go-redis/v9 rather than goa.design/pulse's streaming
// wrapper: pulse's Sink interface has no XPENDING/XCLAIM exposure, and the
// crash-recovery invariant here needs both. Stream/group naming, the
// stringify-then-decode-with-fallback wire encoding, and the retry/backoff
// shape are carried over from the original Python agent's Redis Streams
// client.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"maice.ai/orchestrator/errs"
)

const (
	// IngressStream is the single stream shared by all agent workers.
	// Workers filter by TargetAgent within their own consumer group.
	IngressStream = "maice:backend_to_agent_stream"

	// globalEgressStream names the legacy/broadcast fallback stream. Nothing
	// in this repository creates, publishes to, or reads from it.
	globalEgressStream = "maice:agent_to_backend_stream"

	maxConnectRetries = 3
)

// EgressStream returns the dedicated egress stream name for a session.
func EgressStream(sessionID string) string {
	return fmt.Sprintf("maice:agent_to_backend_stream_session_%s", sessionID)
}

// Entry is one raw bus entry: a server-assigned ID plus its decoded fields.
type Entry struct {
	ID     string
	Fields map[string]any
}

// Bus is the durable stream client used by both the orchestrator and the
// agent workers. One Bus wraps one multiplexed Redis connection pool, shared
// across all goroutines in a process per §5's shared-resource policy.
type Bus struct {
	rdb *redis.Client
}

// Options configures a Bus.
type Options struct {
	// RedisURL is a redis:// connection string, e.g. "redis://localhost:6379".
	RedisURL string
}

// New dials Redis and returns a Bus. It does not create any streams or
// consumer groups; callers do that via EnsureGroup.
func New(ctx context.Context, opts Options) (*Bus, error) {
	if opts.RedisURL == "" {
		return nil, &errs.BusError{Op: "new", Err: errors.New("redis url is required")}
	}
	redisOpts, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		return nil, &errs.BusError{Op: "parse url", Err: err}
	}
	rdb := redis.NewClient(redisOpts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, &errs.BusError{Op: "ping", Err: err}
	}
	return &Bus{rdb: rdb}, nil
}

// Close releases the underlying Redis connection pool.
func (b *Bus) Close() error {
	return b.rdb.Close()
}

// EnsureGroup creates the consumer group on stream, creating the stream if
// it does not exist yet (MKSTREAM). BUSYGROUP (group already exists) is
// treated as success, matching the bus's create-on-first-use semantics.
func (b *Bus) EnsureGroup(ctx context.Context, stream, group string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return &errs.BusError{Op: "create group", Err: err}
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && containsBusyGroup(err.Error())
}

func containsBusyGroup(s string) bool {
	const needle = "BUSYGROUP"
	for i := 0; i+len(needle) <= len(s); i++ {
		if s[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

// Publish appends an entry to stream. Structured values (maps, slices) are
// JSON-encoded into a single string field, per the bus's stringify-at-the-
// wire-boundary contract; scalar values are stringified directly. It makes
// up to maxConnectRetries attempts, waiting with a capped exponential backoff
// (1s, 2s, 4s, ...) after each one that fails with a connection error, before
// surfacing a BusError.
func (b *Bus) Publish(ctx context.Context, stream string, fields map[string]any) (string, error) {
	wire := make(map[string]any, len(fields))
	for k, v := range fields {
		switch v.(type) {
		case string, int, int32, int64, float32, float64, bool, nil:
			wire[k] = v
		default:
			data, err := json.Marshal(v)
			if err != nil {
				return "", &errs.BusError{Op: "marshal field " + k, Err: err}
			}
			wire[k] = string(data)
		}
	}

	var lastErr error
	for attempt := 0; attempt < maxConnectRetries; attempt++ {
		id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: wire}).Result()
		if err == nil {
			return id, nil
		}
		lastErr = err
		if !isConnErr(err) {
			break
		}
		select {
		case <-ctx.Done():
			return "", &errs.BusError{Op: "publish", Err: ctx.Err()}
		case <-time.After(time.Second << attempt):
		}
	}
	return "", &errs.BusError{Op: "publish", Err: lastErr}
}

// ReadNew reads up to count new (">" ) entries for consumer in group on
// stream, blocking up to block for one to arrive.
func (b *Bus) ReadNew(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error) {
	return b.readGroup(ctx, stream, group, consumer, ">", count, block)
}

// ReadPending reads up to count entries already delivered to this group but
// not yet acked (starting at ID "0"), used for crash recovery on worker
// startup before joining the live ">" feed.
func (b *Bus) ReadPending(ctx context.Context, stream, group, consumer string, count int64) ([]Entry, error) {
	return b.readGroup(ctx, stream, group, consumer, "0", count, 0)
}

func (b *Bus) readGroup(ctx context.Context, stream, group, consumer, start string, count int64, block time.Duration) ([]Entry, error) {
	res, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, start},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, &errs.BusError{Op: "read group", Err: err}
	}
	if len(res) == 0 {
		return nil, nil
	}
	out := make([]Entry, 0, len(res[0].Messages))
	for _, msg := range res[0].Messages {
		out = append(out, Entry{ID: msg.ID, Fields: decodeFields(msg.Values)})
	}
	return out, nil
}

// decodeFields tries a JSON decode per field and falls back to the raw
// string value, per the bus's wire contract.
func decodeFields(raw map[string]any) map[string]any {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		s, ok := v.(string)
		if !ok {
			out[k] = v
			continue
		}
		var decoded any
		if err := json.Unmarshal([]byte(s), &decoded); err == nil {
			switch decoded.(type) {
			case map[string]any, []any:
				out[k] = decoded
				continue
			}
		}
		out[k] = s
	}
	return out
}

// Ack acknowledges id in group on stream.
func (b *Bus) Ack(ctx context.Context, stream, group, id string) error {
	if err := b.rdb.XAck(ctx, stream, group, id).Err(); err != nil {
		return &errs.BusError{Op: "ack", Err: err}
	}
	return nil
}

// Pending reports the PEL (delivered-but-unacked) entry count for group on
// stream. Nothing in this repository calls it.
func (b *Bus) Pending(ctx context.Context, stream, group string) (count int64, err error) {
	res, err := b.rdb.XPending(ctx, stream, group).Result()
	if err != nil {
		return 0, &errs.BusError{Op: "pending", Err: err}
	}
	return res.Count, nil
}

// Claim reclaims entries idle longer than minIdle in group on stream for
// consumer, so a replacement consumer in the same group can finish work
// abandoned by a crashed one.
func (b *Bus) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids []string) ([]Entry, error) {
	msgs, err := b.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, &errs.BusError{Op: "claim", Err: err}
	}
	out := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, Entry{ID: msg.ID, Fields: decodeFields(msg.Values)})
	}
	return out, nil
}

// Trim caps stream at approximately maxLen entries using approximate
// trimming (MAXLEN ~), bounding memory per §5's backpressure policy without
// requiring exact accounting.
func (b *Bus) Trim(ctx context.Context, stream string, maxLen int64) error {
	if err := b.rdb.XTrimMaxLenApprox(ctx, stream, maxLen, 0).Err(); err != nil {
		return &errs.BusError{Op: "trim", Err: err}
	}
	return nil
}

func isConnErr(err error) bool {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, redis.ErrClosed)
}

// FieldString reads a string field, tolerating the wire's string/float64
// ambiguity for numeric-looking values decoded by encoding/json.
func FieldString(fields map[string]any, key string) string {
	v, ok := fields[key]
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}
