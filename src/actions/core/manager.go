package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stake-plus/govsignal/src/logging"
)

// Module is a long-running part of the service that can be started and stopped.
type Module interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context)
}

// Manager coordinates lifecycle of all registered modules.
type Manager struct {
	modules []Module
	mu      sync.Mutex
	started bool
}

// NewManager creates a new manager with the provided modules. Nil modules are
// skipped, so optional parts can be passed unconditionally.
func NewManager(mods ...Module) *Manager {
	m := &Manager{}
	for _, mod := range mods {
		if mod != nil {
			m.modules = append(m.modules, mod)
		}
	}
	return m
}

// Add registers additional modules before Start is invoked.
func (m *Manager) Add(mod Module) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("actions.Manager: cannot add modules after start")
	}
	if mod != nil {
		m.modules = append(m.modules, mod)
	}
	return nil
}

// Start starts modules in order. If any module fails, the ones already
// started are stopped in reverse order.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("actions.Manager already started")
	}
	log := logging.For("manager")

	for i, mod := range m.modules {
		if err := mod.Start(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				m.modules[j].Stop(ctx)
			}
			return fmt.Errorf("module %s failed: %w", mod.Name(), err)
		}
		log.Info().Str("module", mod.Name()).Msg("started")
	}
	m.started = true
	return nil
}

// Stop shuts down all modules in reverse order.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}
	log := logging.For("manager")
	for i := len(m.modules) - 1; i >= 0; i-- {
		started := time.Now()
		m.modules[i].Stop(ctx)
		log.Info().Str("module", m.modules[i].Name()).Dur("took", time.Since(started)).Msg("stopped")
	}
	m.started = false
}

// Run starts every module, blocks until ctx is done and then stops them with
// a fresh context bounded by grace.
func (m *Manager) Run(ctx context.Context, grace time.Duration) error {
	if err := m.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	m.Stop(stopCtx)
	return nil
}
