package events

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Stream is the redis stream lifecycle events are appended to.
const Stream = "govsignal.events"

// Event types.
const (
	PollCreated      = "poll.created"
	PollClosed       = "poll.closed"
	PollExported     = "poll.exported"
	PollQueued       = "poll.queued"
	PollConfirmed    = "poll.confirmed"
	PollStale        = "poll.stale"
	IntentAmbiguous  = "intent.ambiguous"
	IntentReconciled = "intent.reconciled"
)

// Event is one lifecycle notification.
type Event struct {
	Type       string
	PollID     string
	ProposalID *uint64
	Detail     string
	At         time.Time
}

// Publisher delivers lifecycle events. Delivery is best effort; callers log
// and continue on error.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Redis appends events to a stream with an approximate length cap.
type Redis struct {
	rdb    *redis.Client
	stream string
	maxLen int64
}

func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb, stream: Stream, maxLen: 10000}
}

func (r *Redis) Publish(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	values := map[string]interface{}{
		"type":   ev.Type,
		"poll":   ev.PollID,
		"detail": ev.Detail,
		"at":     ev.At.UTC().Format(time.RFC3339Nano),
	}
	if ev.ProposalID != nil {
		values["proposal"] = strconv.FormatUint(*ev.ProposalID, 10)
	}
	_, err := r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: r.maxLen,
		Approx: true,
		Values: values,
	}).Result()
	return err
}
