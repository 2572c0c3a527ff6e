package auth

import (
	"cmp"
	"slices"
	"sync"
	"time"
)

// Session is a logged-in user and the GitHub token obtained at login.
type Session struct {
	Login        string
	AccessToken  string
	Repositories []string
	CreatedAt    time.Time
}

// SessionInfo is the public view of a session; it never carries the token.
type SessionInfo struct {
	Login        string    `json:"login"`
	Repositories int       `json:"repository_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// Sessions is the in-process registry of active sessions, keyed by login.
type Sessions struct {
	mu       sync.RWMutex
	sessions map[string]Session
	now      func() time.Time
}

func NewSessions() *Sessions {
	return &Sessions{sessions: make(map[string]Session), now: time.Now}
}

// Register adds or replaces the session for s.Login.
func (r *Sessions) Register(s Session) {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = r.now().UTC()
	}
	s.Repositories = slices.Clone(s.Repositories)
	r.mu.Lock()
	r.sessions[s.Login] = s
	r.mu.Unlock()
}

func (r *Sessions) Unregister(login string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[login]
	delete(r.sessions, login)
	return ok
}

func (r *Sessions) Get(login string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[login]
	return s, ok
}

// Active lists the sessions ordered by login.
func (r *Sessions) Active() []SessionInfo {
	r.mu.RLock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, SessionInfo{Login: s.Login, Repositories: len(s.Repositories), CreatedAt: s.CreatedAt})
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b SessionInfo) int { return cmp.Compare(a.Login, b.Login) })
	return out
}

// Credential returns a token able to read repo. The sessions of logins are
// tried first, in order, then any session that listed repo at login.
func (r *Sessions) Credential(repo string, logins ...string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, l := range logins {
		if s, ok := r.sessions[l]; ok && l != "" && s.AccessToken != "" {
			return s.AccessToken, true
		}
	}
	var candidates []Session
	for _, s := range r.sessions {
		if s.AccessToken != "" && slices.Contains(s.Repositories, repo) {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	// deterministic pick when several sessions can read the repository
	best := slices.MinFunc(candidates, func(a, b Session) int { return cmp.Compare(a.Login, b.Login) })
	return best.AccessToken, true
}
