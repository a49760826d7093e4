package envsig

import (
	"slices"
	"sync"
)

// Beacon is a recorded beacon request.
type Beacon struct {
	URL  string
	Body []byte
}

// Manual is an Env driven by explicit calls. It starts visible and online.
type Manual struct {
	mu       sync.Mutex
	hidden   bool
	offline  bool
	unloaded bool
	refuse   bool
	beacons  []Beacon

	online hooks
	unload hooks
}

var _ Env = (*Manual)(nil)

// NewManual returns a visible, online environment.
func NewManual() *Manual { return &Manual{} }

func (m *Manual) IsHidden() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hidden
}

func (m *Manual) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.offline
}

func (m *Manual) OnOnline(fn func()) func() { return m.online.add(fn) }

func (m *Manual) OnUnload(fn func()) func() { return m.unload.add(fn) }

// SendBeacon records the beacon unless beacons are refused.
func (m *Manual) SendBeacon(url string, body []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refuse {
		return false
	}
	m.beacons = append(m.beacons, Beacon{URL: url, Body: slices.Clone(body)})
	return true
}

// SetHidden changes visibility.
func (m *Manual) SetHidden(hidden bool) {
	m.mu.Lock()
	m.hidden = hidden
	m.mu.Unlock()
}

// SetOnline changes connectivity. Going from offline to online runs the
// OnOnline callbacks.
func (m *Manual) SetOnline(online bool) {
	m.mu.Lock()
	cameBack := online && m.offline
	m.offline = !online
	m.mu.Unlock()
	if cameBack {
		m.online.fire()
	}
}

// RefuseBeacons makes SendBeacon fail, like a browser over its beacon quota.
func (m *Manual) RefuseBeacons(refuse bool) {
	m.mu.Lock()
	m.refuse = refuse
	m.mu.Unlock()
}

// Unload runs the OnUnload callbacks once.
func (m *Manual) Unload() {
	m.mu.Lock()
	if m.unloaded {
		m.mu.Unlock()
		return
	}
	m.unloaded = true
	m.mu.Unlock()
	m.unload.fire()
}

// Beacons returns the beacons sent so far.
func (m *Manual) Beacons() []Beacon {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.beacons)
}
