package poller

import (
	"github.com/benbjohnson/clock"
	"github.com/puzpuzpuz/xsync/v3"
)

// Manager owns at most one live poller per playback identifier,
// mirroring a player surface where switching streams replaces the
// active poll loop wholesale. Replacement stops the previous instance
// first so hysteresis counters never leak across identifiers.
type Manager struct {
	pollers *xsync.MapOf[string, *LivePoller]
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{pollers: xsync.NewMapOf[string, *LivePoller]()}
}

// StartLive creates, registers, and starts a poller for the identifier,
// stopping and replacing any existing one.
func (m *Manager) StartLive(playbackID string, cfg LiveConfig, fetch FetchFunc, clk clock.Clock, onUpdate func(Update)) *LivePoller {
	p := NewLivePoller(playbackID, cfg, fetch, clk, onUpdate)
	if old, ok := m.pollers.LoadAndDelete(playbackID); ok {
		old.Stop()
	}
	m.pollers.Store(playbackID, p)
	p.Start()
	return p
}

// Get returns the active poller for an identifier.
func (m *Manager) Get(playbackID string) (*LivePoller, bool) {
	return m.pollers.Load(playbackID)
}

// Stop halts and removes the poller for one identifier, if any.
func (m *Manager) Stop(playbackID string) {
	if p, ok := m.pollers.LoadAndDelete(playbackID); ok {
		p.Stop()
	}
}

// StopAll halts every active poller. Called at shutdown.
func (m *Manager) StopAll() {
	m.pollers.Range(func(key string, p *LivePoller) bool {
		m.pollers.Delete(key)
		p.Stop()
		return true
	})
}

// Count reports the number of active pollers.
func (m *Manager) Count() int {
	return m.pollers.Size()
}
