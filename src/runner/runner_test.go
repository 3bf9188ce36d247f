package runner

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stake-plus/govsignal/src/config"
	"github.com/stake-plus/govsignal/src/data"
	"github.com/stake-plus/govsignal/src/gov"
	"github.com/stake-plus/govsignal/src/scheduler"
	"github.com/stake-plus/govsignal/src/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type countingExporter struct {
	n atomic.Int32
}

func (e *countingExporter) Export(context.Context, *store.PollRecord) (string, error) {
	e.n.Add(1)
	return "archive.md", nil
}

func TestStartStopNoLeaks(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := New(Jobs{}, config.SchedulerConfig{ScanInterval: time.Second, TickInterval: time.Second, GateInterval: time.Second}, nil)
	require.NoError(t, r.Start(context.Background()))
	assert.Error(t, r.Start(context.Background()))
	r.Stop(context.Background())
	r.Stop(context.Background())
}

func TestStartupTickExportsLeftovers(t *testing.T) {
	defer goleak.VerifyNone(t)

	db, err := data.ConnectSQLite("")
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	defer sqlDB.Close()

	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s := store.New(db).WithClock(func() time.Time { return t0 })
	require.NoError(t, s.Migrate())
	ctx := context.Background()

	rec := &store.PollRecord{Title: "left behind", ClosesAt: t0.Add(time.Hour)}
	require.NoError(t, s.Put(ctx, rec))
	_, err = s.Transaction(ctx, rec.ID, func(r *store.PollRecord) error {
		if err := r.Advance(gov.StateClosed, t0.Add(time.Hour)); err != nil {
			return err
		}
		r.Winner = gov.ChoiceAbstain
		return r.Advance(gov.StateFailed, t0.Add(time.Hour))
	})
	require.NoError(t, err)

	exp := &countingExporter{}
	r := New(Jobs{Scheduler: scheduler.New(s, exp, nil, nil, nil)}, config.SchedulerConfig{TickInterval: time.Hour}, nil)
	r.now = func() time.Time { return t0.Add(2 * time.Hour) }
	require.NoError(t, r.Start(ctx))
	r.Stop(ctx)

	assert.Equal(t, int32(1), exp.n.Load())
	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, got.Exported)
}

func TestOneShotJobsWithoutComponents(t *testing.T) {
	r := New(Jobs{}, config.SchedulerConfig{}, nil)
	ctx := context.Background()
	assert.NoError(t, r.Scan(ctx))
	assert.NoError(t, r.Tick(ctx))
	assert.NoError(t, r.Gate(ctx))
}
