package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fakeModule struct {
	name string
	fail bool
	log  *[]string
}

func (f *fakeModule) Name() string { return f.name }

func (f *fakeModule) Start(context.Context) error {
	if f.fail {
		return errors.New("boom")
	}
	*f.log = append(*f.log, "start "+f.name)
	return nil
}

func (f *fakeModule) Stop(context.Context) { *f.log = append(*f.log, "stop "+f.name) }

func TestManagerOrder(t *testing.T) {
	var log []string
	m := NewManager(&fakeModule{name: "a", log: &log}, nil, &fakeModule{name: "b", log: &log})
	require.NoError(t, m.Add(&fakeModule{name: "c", log: &log}))

	require.NoError(t, m.Start(context.Background()))
	assert.Error(t, m.Add(&fakeModule{name: "late", log: &log}))
	assert.Error(t, m.Start(context.Background()))
	m.Stop(context.Background())
	m.Stop(context.Background())

	assert.Equal(t, []string{"start a", "start b", "start c", "stop c", "stop b", "stop a"}, log)
}

func TestManagerRollback(t *testing.T) {
	var log []string
	m := NewManager(&fakeModule{name: "a", log: &log}, &fakeModule{name: "b", log: &log}, &fakeModule{name: "c", fail: true, log: &log})

	err := m.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "module c failed")
	assert.Equal(t, []string{"start a", "start b", "stop b", "stop a"}, log)
}

func TestManagerRun(t *testing.T) {
	defer goleak.VerifyNone(t)

	var log []string
	m := NewManager(&fakeModule{name: "a", log: &log})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, time.Second) }()

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, []string{"start a", "stop a"}, log)
}
