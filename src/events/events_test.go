package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisPublish(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	pid := uint64(42)
	at := time.Date(2025, 3, 5, 12, 0, 0, 0, time.UTC)
	pub := NewRedis(rdb)
	require.NoError(t, pub.Publish(context.Background(), Event{Type: PollClosed, PollID: "p1", ProposalID: &pid, Detail: "for", At: at}))
	require.NoError(t, pub.Publish(context.Background(), Event{Type: PollExported, PollID: "p1"}))

	msgs, err := rdb.XRange(context.Background(), Stream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, PollClosed, msgs[0].Values["type"])
	assert.Equal(t, "42", msgs[0].Values["proposal"])
	assert.Equal(t, "2025-03-05T12:00:00Z", msgs[0].Values["at"])
	_, hasProposal := msgs[1].Values["proposal"]
	assert.False(t, hasProposal)
}

func TestNop(t *testing.T) {
	assert.NoError(t, Nop{}.Publish(context.Background(), Event{Type: PollCreated}))
}
