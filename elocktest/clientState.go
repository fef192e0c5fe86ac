package elocktest

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jimsnab/go-lane"
)

const defaultGrace = 30 * time.Second

type (
	// session is the server's view of one client identity. It outlives
	// its connection by the unlock grace period, so a client can reconnect
	// and reclaim its locks with conn_id.
	session struct {
		id       string
		grace    time.Duration
		attached bool
		gone     chan struct{} // closed when the connection ends
		expiry   *time.Timer
	}

	// clientState holds all state associated with processing commands
	// for one connection. A client processes one command at a time.
	clientState struct {
		l    lane.Lane
		mu   sync.Mutex
		id   int64
		eng  *mainEngine
		cc   *clientCxn
		sess *session
		disp *cmdDispatcher
	}

	// sessionRegistry tracks attached and detached sessions by id.
	sessionRegistry struct {
		mu       sync.Mutex
		sessions map[string]*session
		grace    time.Duration
	}
)

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{
		sessions: map[string]*session{},
		grace:    defaultGrace,
	}
}

func (sr *sessionRegistry) setDefaultGrace(grace time.Duration) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.grace = grace
}

func (sr *sessionRegistry) create() *session {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	s := &session{
		id:       uuid.NewString(),
		grace:    sr.grace,
		attached: true,
		gone:     make(chan struct{}),
	}
	sr.sessions[s.id] = s
	return s
}

func (sr *sessionRegistry) counts() (attached, tracked int) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	for _, s := range sr.sessions {
		if s.attached {
			attached++
		}
	}
	tracked = len(sr.sessions)
	return
}

type sessionInfo struct {
	Id        string `json:"id"`
	Attached  bool   `json:"attached"`
	TimeoutMs int64  `json:"timeout_ms"`
}

func (sr *sessionRegistry) list() []sessionInfo {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	infos := make([]sessionInfo, 0, len(sr.sessions))
	for _, s := range sr.sessions {
		infos = append(infos, sessionInfo{Id: s.id, Attached: s.attached, TimeoutMs: s.grace.Milliseconds()})
	}
	return infos
}

func (sr *sessionRegistry) setGrace(s *session, grace time.Duration) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	s.grace = grace
}

// Detaches s from its connection and schedules release of its locks
// after the grace period.
func (sr *sessionRegistry) detach(s *session, release func(id string)) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	if !s.attached {
		return
	}
	s.attached = false
	close(s.gone)

	s.expiry = time.AfterFunc(s.grace, func() {
		sr.mu.Lock()
		current, exists := sr.sessions[s.id]
		expired := exists && current == s && !s.attached
		if expired {
			delete(sr.sessions, s.id)
		}
		sr.mu.Unlock()

		if expired {
			release(s.id)
		}
	})
}

// Moves the connection owning from onto the session id. A detached
// session with that id is reattached; an unknown id renames from.
// Returns the session now in use, and false if id belongs to another
// live connection.
func (sr *sessionRegistry) adopt(from *session, id string) (to *session, ok bool) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	if id == from.id {
		return from, true
	}

	existing, exists := sr.sessions[id]
	if exists {
		if existing.attached {
			return from, false
		}
		if existing.expiry != nil {
			existing.expiry.Stop()
		}
		existing.attached = true
		existing.gone = from.gone
		existing.grace = from.grace
		delete(sr.sessions, from.id)
		from.attached = false
		return existing, true
	}

	delete(sr.sessions, from.id)
	renamed := &session{
		id:       id,
		grace:    from.grace,
		attached: true,
		gone:     from.gone,
	}
	sr.sessions[id] = renamed
	from.attached = false
	return renamed, true
}

func (sr *sessionRegistry) stopAll() {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	for _, s := range sr.sessions {
		if s.expiry != nil {
			s.expiry.Stop()
		}
	}
	sr.sessions = map[string]*session{}
}

func newClientState(l lane.Lane, eng *mainEngine, cc *clientCxn) *clientState {
	cs := &clientState{
		l:    l,
		eng:  eng,
		cc:   cc,
		disp: eng.dispatcher,
		sess: eng.sessions.create(),
	}

	eng.mu.Lock()
	defer eng.mu.Unlock()
	eng.clientId++
	cs.id = eng.clientId
	eng.clients[cs.id] = cs

	return cs
}

func (cs *clientState) session() *session {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.sess
}

func (cs *clientState) setSession(s *session) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.sess = s
}

func (cs *clientState) unregister() {
	cs.eng.mu.Lock()
	delete(cs.eng.clients, cs.id)
	cs.eng.mu.Unlock()

	cs.eng.detachSession(cs.session())
}

func (cs *clientState) dispatch(line string) (reply []string, closeAfter bool) {
	return cs.disp.dispatchHandler(cs.l, cs, line)
}
