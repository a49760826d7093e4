package board

import (
	"log/slog"
	"sync"
	"time"
)

// Listener receives a private copy of the state after every write.
type Listener func(Snapshot)

// Store owns the canonical snapshot of one session.
//
// Reads and writes are serialized. Listeners run outside the store lock and
// may call back into the store; notifications are delivered one at a time in
// write order. When another goroutine is already delivering, Update returns
// after queueing its notification.
type Store struct {
	mu        sync.Mutex
	state     Snapshot
	rev       uint64
	listeners map[uint64]Listener
	nextID    uint64
	outbox    []delivery
	draining  bool

	now          func() time.Time
	playerFolder string
	retention    time.Duration
	maxPings     int
	logger       *slog.Logger
}

type delivery struct {
	id   uint64
	fn   Listener
	snap Snapshot
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source used for ping retention.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithPlayerFolder sets the name of the token folder shown to players.
func WithPlayerFolder(name string) Option {
	return func(s *Store) { s.playerFolder = name }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithPingRetention overrides PingRetention.
func WithPingRetention(d time.Duration) Option {
	return func(s *Store) { s.retention = d }
}

// WithMaxPings overrides MaxPings.
func WithMaxPings(n int) Option {
	return func(s *Store) { s.maxPings = n }
}

// NewStore creates a store holding a normalized empty GM snapshot.
func NewStore(opts ...Option) *Store {
	s := &Store{
		listeners:    make(map[uint64]Listener),
		now:          time.Now,
		playerFolder: DefaultPlayerFolder,
		retention:    PingRetention,
		maxPings:     MaxPings,
		logger:       slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	s.state = Snapshot{User: User{IsGM: true}, Grid: Grid{Visible: true}}
	s.normalizer().snapshot(&s.state)
	return s
}

func (s *Store) normalizer() normalizer {
	return normalizer{
		now:          s.now(),
		retention:    s.retention,
		maxPings:     s.maxPings,
		playerFolder: s.playerFolder,
	}
}

// Initialize replaces the whole state with a normalized copy of snap.
func (s *Store) Initialize(snap Snapshot) {
	next := snap.Clone()
	s.mu.Lock()
	s.normalizer().snapshot(&next)
	s.state = next
	s.commitLocked()
}

// Load decodes persisted JSON and initializes the store with it.
func (s *Store) Load(data []byte) {
	s.Initialize(Decode(data))
}

// State returns a deep copy of the current state.
func (s *Store) State() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Revision counts successful writes.
func (s *Store) Revision() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rev
}

// Update applies mutator to the internal state and normalizes the result.
// A nil mutator only normalizes. If mutator panics the state is left as it
// was and no listener is notified.
func (s *Store) Update(mutator func(*Snapshot)) {
	s.mu.Lock()
	if mutator != nil {
		backup := s.state.Clone()
		if !s.apply(mutator) {
			s.state = backup
			s.mu.Unlock()
			return
		}
	}
	s.normalizer().snapshot(&s.state)
	s.commitLocked()
}

func (s *Store) apply(mutator func(*Snapshot)) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("board: update panicked, state restored", "panic", r)
			ok = false
		}
	}()
	mutator(&s.state)
	return true
}

// Subscribe registers fn and returns a function that removes it.
func (s *Store) Subscribe(fn Listener) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// commitLocked bumps the revision, queues one copy per listener and delivers
// the queue unless another goroutine is doing so. Called with s.mu held; it
// releases it.
func (s *Store) commitLocked() {
	s.rev++
	for id, fn := range s.listeners {
		s.outbox = append(s.outbox, delivery{id: id, fn: fn, snap: s.state.Clone()})
	}
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	for len(s.outbox) > 0 {
		d := s.outbox[0]
		s.outbox = s.outbox[1:]
		_, subscribed := s.listeners[d.id]
		s.mu.Unlock()
		if subscribed {
			s.deliver(d)
		}
		s.mu.Lock()
	}
	s.outbox = nil
	s.draining = false
	s.mu.Unlock()
}

func (s *Store) deliver(d delivery) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("board: listener panicked", "listener", d.id, "panic", r)
		}
	}()
	d.fn(d.snap)
}
