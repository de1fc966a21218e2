package chat

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Manager keeps one Controller per project.
type Manager struct {
	runner   Runner
	settings SettingsStore
	envKey   string
	logger   zerolog.Logger

	base   context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	controllers map[string]*Controller
}

// NewManager creates a registry. envKey is the environment default
// credential, used when neither an override nor a stored key exists.
func NewManager(runner Runner, store SettingsStore, envKey string, logger zerolog.Logger) *Manager {
	base, cancel := context.WithCancel(context.Background())
	return &Manager{
		runner:      runner,
		settings:    store,
		envKey:      envKey,
		logger:      logger,
		base:        base,
		cancel:      cancel,
		controllers: make(map[string]*Controller),
	}
}

// Get returns the project's controller, creating it on first use.
func (m *Manager) Get(projectID string) *Controller {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.controllers[projectID]
	if !ok {
		c = NewController(m.base, projectID, m.runner, m.settings, m.envKey, m.logger)
		m.controllers[projectID] = c
	}
	return c
}

// Forget stops and drops a project's controller, e.g. after deletion.
func (m *Manager) Forget(projectID string) {
	m.mu.Lock()
	c, ok := m.controllers[projectID]
	delete(m.controllers, projectID)
	m.mu.Unlock()
	if ok {
		c.Stop()
	}
}

// Active returns the number of controllers currently generating.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.controllers {
		if c.Snapshot().State == Generating {
			n++
		}
	}
	return n
}

// Shutdown cancels every generation and waits for them to unwind.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()
	m.mu.Lock()
	all := make([]*Controller, 0, len(m.controllers))
	for _, c := range m.controllers {
		all = append(all, c)
	}
	m.mu.Unlock()
	for _, c := range all {
		if err := c.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}
