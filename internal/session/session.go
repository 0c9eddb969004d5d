// Package session implements the in-memory, TTL-evicted session store:
// a concurrent id->Session map plus per-session state mutated while that
// session's lock is held for the life of one request.
package session

import (
	"sync"
	"time"
)

// Route is a named, ordered failover route. Policy selects how the ordered
// elements are expanded against registered API keys by the dispatch plan:
// "k" rotates keys, "m" rotates (backend,model) pairs, "km"/"mk" nest both.
type Route struct {
	Name            string
	Policy          string // "k" | "m" | "km" | "mk"
	OrderedElements []string
}

// PlanningPhase tracks the agent-assist heuristics spec's data model names
// without further elaborating; counters only, no behaviour here.
type PlanningPhase struct {
	ToolCallCount  int
	FileWriteCount int
}

// State is a value type: command handlers produce a new State (via Clone)
// rather than mutating in place, so they can be written as pure functions
// of (args, State) -> State. The request processor sets a few fields of a
// session's State directly while it holds that session's lock.
type State struct {
	OverrideBackend  string
	OverrideModel    string
	Project          string
	ProjectDir       string
	InteractiveMode  bool
	ReasoningMode    string
	FailoverRoutes   map[string]Route
	OneoffRoute      *Route
	APIURLOverrides  map[string]string // backend -> url
	PlanningPhase    PlanningPhase
	Agent            string

	// ProjectDirResolutionAttempted marks that internal/projectdir has
	// already run its (at most once per session) backend call, hit or
	// miss, so it never re-dispatches on later turns.
	ProjectDirResolutionAttempted bool
}

// Clone returns a deep-enough copy so a handler can freely mutate the
// result without aliasing the session's current state.
func (s State) Clone() State {
	out := s
	if s.FailoverRoutes != nil {
		out.FailoverRoutes = make(map[string]Route, len(s.FailoverRoutes))
		for k, v := range s.FailoverRoutes {
			v.OrderedElements = append([]string(nil), v.OrderedElements...)
			out.FailoverRoutes[k] = v
		}
	}
	if s.APIURLOverrides != nil {
		out.APIURLOverrides = make(map[string]string, len(s.APIURLOverrides))
		for k, v := range s.APIURLOverrides {
			out.APIURLOverrides[k] = v
		}
	}
	if s.OneoffRoute != nil {
		r := *s.OneoffRoute
		r.OrderedElements = append([]string(nil), r.OrderedElements...)
		out.OneoffRoute = &r
	}
	return out
}

// Interaction is one logged turn of a session's history.
type Interaction struct {
	Handler   string // "proxy" | "backend"
	Backend   string
	Model     string
	Tokens    int
	Timestamp time.Time
}

// Session is a logical conversation keyed by X-Session-ID. Every mutation
// of State must happen while mu is held.
type Session struct {
	ID           string
	CreatedAt    time.Time
	LastActivity time.Time
	State        State
	History      []Interaction

	mu sync.Mutex
}

// Lock acquires the session's lock for the duration of one request, per
// spec's "Session.state is only mutated while the session's lock is held
// for the life of one request" invariant.
func (s *Session) Lock()   { s.mu.Lock() }
func (s *Session) Unlock() { s.mu.Unlock() }

// TryLock is used only by the background sweep, which must never block an
// in-flight request waiting for its lock.
func (s *Session) TryLock() bool { return s.mu.TryLock() }
