package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store is the concurrent session map. Lookup takes a coarse read lock;
// eviction and creation take the write lock briefly, never for the
// duration of a request — per-session locking (Session.Lock) serialises
// command execution against concurrent completions from the same session.
type Store struct {
	mu  sync.RWMutex
	all map[string]*Session

	TTL time.Duration

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// NewStore creates an empty store with the given TTL.
func NewStore(ttl time.Duration) *Store {
	return &Store{
		all: make(map[string]*Session),
		TTL: ttl,
	}
}

// Get returns the session for id, or (nil, false) if absent.
func (s *Store) Get(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.all[id]
	return sess, ok
}

// GetOrCreate returns the existing session for id, or creates one. An
// empty id always creates a fresh anonymous session with a generated id.
func (s *Store) GetOrCreate(id string) *Session {
	if id != "" {
		if sess, ok := s.Get(id); ok {
			return sess
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id != "" {
		if sess, ok := s.all[id]; ok {
			return sess
		}
	} else {
		id = uuid.NewString()
	}

	now := time.Now()
	sess := &Session{
		ID:           id,
		CreatedAt:    now,
		LastActivity: now,
		State: State{
			FailoverRoutes:  map[string]Route{},
			APIURLOverrides: map[string]string{},
		},
	}
	s.all[id] = sess
	return sess
}

// Update replaces the stored pointer for sess.ID. Sessions are pointers,
// so in practice callers mutate sess.State directly while holding its
// lock; Update exists for symmetry with the spec's named operation and for
// tests that construct a Session independently of GetOrCreate.
func (s *Store) Update(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.all[sess.ID] = sess
}

// List returns a snapshot of all sessions currently stored.
func (s *Store) List() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Session, 0, len(s.all))
	for _, sess := range s.all {
		out = append(out, sess)
	}
	return out
}

// Sweep evicts sessions whose LastActivity+TTL <= now. A session currently
// locked by an in-flight request is skipped via TryLock rather than
// blocked on, so eviction never interrupts a request.
func (s *Store) Sweep(now time.Time) {
	if s.TTL <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, sess := range s.all {
		if now.Sub(sess.LastActivity) < s.TTL {
			continue
		}
		if !sess.TryLock() {
			continue // in-flight; try again next sweep
		}
		delete(s.all, id)
		sess.Unlock()
	}
}

// StartSweeper runs Sweep on a ticker until Stop is called. Grounded on
// the teacher pack's ticker-driven background-refresh loop
// (oauth/broker.StartRefreshLoop).
func (s *Store) StartSweeper(interval time.Duration) {
	s.sweepOnce.Do(func() {
		s.stopSweep = make(chan struct{})
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					s.Sweep(time.Now())
				case <-s.stopSweep:
					return
				}
			}
		}()
	})
}

// Stop halts the background sweeper, if started.
func (s *Store) Stop() {
	if s.stopSweep != nil {
		close(s.stopSweep)
	}
}
