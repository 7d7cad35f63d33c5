package journey

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Manager owns the template registry and the live sessions.
type Manager struct {
	logger *zap.Logger

	mu        sync.RWMutex
	templates map[string]Template
	sessions  map[string]Instance
	touched   map[string]time.Time
}

// NewManager creates an empty journey manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		logger:    logger,
		templates: map[string]Template{},
		sessions:  map[string]Instance{},
		touched:   map[string]time.Time{},
	}
}

// LoadTemplates replaces the template registry.
func (m *Manager) LoadTemplates(templates []Template) error {
	next := make(map[string]Template, len(templates))
	for _, t := range templates {
		if err := t.Validate(); err != nil {
			return err
		}
		if _, dup := next[t.Name]; dup {
			return fmt.Errorf("duplicate journey template %q", t.Name)
		}
		next[t.Name] = t
	}

	m.mu.Lock()
	m.templates = next
	m.mu.Unlock()
	m.logger.Info("journey templates loaded", zap.Int("templates", len(next)))
	return nil
}

// AddTemplate registers or replaces one template.
func (m *Manager) AddTemplate(t Template) error {
	if err := t.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.templates[t.Name] = t
	m.mu.Unlock()
	return nil
}

// Templates lists registered templates sorted by name.
func (m *Manager) Templates() []Template {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Template, 0, len(m.templates))
	for _, t := range m.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start creates a session on the named template with the given variable
// overrides, positioned at the first step.
func (m *Manager) Start(templateName string, vars map[string]string) (Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.templates[templateName]
	if !ok {
		return Instance{}, fmt.Errorf("unknown journey template %q", templateName)
	}

	in := Instance{
		SessionID: uuid.NewString(),
		Template:  t.Name,
		Variables: vars,
		Steps:     resolve(t.Steps, vars),
	}
	m.sessions[in.SessionID] = in
	m.touched[in.SessionID] = time.Now()
	return in, nil
}

// Get returns the session by id.
func (m *Manager) Get(sessionID string) (Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	in, ok := m.sessions[sessionID]
	return in, ok
}

// Advance moves the session to its next step and returns the new state.
func (m *Manager) Advance(sessionID string) (Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	in, ok := m.sessions[sessionID]
	if !ok {
		return Instance{}, fmt.Errorf("unknown journey session %q", sessionID)
	}
	next := in.AdvanceStep()
	m.sessions[sessionID] = next
	m.touched[sessionID] = time.Now()
	return next, nil
}

// End removes the session.
func (m *Manager) End(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return false
	}
	delete(m.sessions, sessionID)
	delete(m.touched, sessionID)
	return true
}

// Sessions lists live sessions.
func (m *Manager) Sessions() []Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Instance, 0, len(m.sessions))
	for _, in := range m.sessions {
		out = append(out, in)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Sweep drops sessions idle past maxIdle.
func (m *Manager) Sweep(now time.Time, maxIdle time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, at := range m.touched {
		if now.Sub(at) > maxIdle {
			delete(m.sessions, id)
			delete(m.touched, id)
			removed++
		}
	}
	return removed
}
