package httpapi

import (
	"crypto/subtle"
	"net/http"
	"sync"
	"time"

	"cdb.platformcommons.org/internal/ids"
)

const sessionCookie = "cdb_oauth2_session"

// authorizeRequest is the pending /oauth2/authorize request kept between pages.
type authorizeRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

type session struct {
	Request   *authorizeRequest
	Email     string
	CSRF      string
	expiresAt time.Time
}

// sessionStore holds browser sessions in memory. Entries slide forward on
// every write and expire lazily.
type sessionStore struct {
	mu        sync.Mutex
	ttl       time.Duration
	now       func() time.Time
	lastSweep time.Time
	items     map[string]*session
}

func newSessionStore(ttl time.Duration) *sessionStore {
	return &sessionStore{ttl: ttl, now: time.Now, items: make(map[string]*session)}
}

func (s *sessionStore) create() (string, session, error) {
	id, err := ids.Random(32)
	if err != nil {
		return "", session{}, err
	}
	csrf, err := ids.Random(24)
	if err != nil {
		return "", session{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
	sess := &session{CSRF: csrf, expiresAt: s.now().Add(s.ttl)}
	s.items[id] = sess
	return id, *sess, nil
}

func (s *sessionStore) get(id string) (session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.items[id]
	if !ok {
		return session{}, false
	}
	if !s.now().Before(sess.expiresAt) {
		delete(s.items, id)
		return session{}, false
	}
	return *sess, true
}

// update applies fn to a live session and extends its expiry.
func (s *sessionStore) update(id string, fn func(*session)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.items[id]
	if !ok || !s.now().Before(sess.expiresAt) {
		delete(s.items, id)
		return false
	}
	fn(sess)
	sess.expiresAt = s.now().Add(s.ttl)
	return true
}

// rotate moves a session to a fresh id and form token.
func (s *sessionStore) rotate(id string) (string, session, bool) {
	newID, err := ids.Random(32)
	if err != nil {
		return "", session{}, false
	}
	csrf, err := ids.Random(24)
	if err != nil {
		return "", session{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.items[id]
	if !ok || !s.now().Before(sess.expiresAt) {
		delete(s.items, id)
		return "", session{}, false
	}
	delete(s.items, id)
	sess.CSRF = csrf
	sess.expiresAt = s.now().Add(s.ttl)
	s.items[newID] = sess
	return newID, *sess, true
}

func (s *sessionStore) sweepLocked() {
	now := s.now()
	if now.Sub(s.lastSweep) < time.Minute {
		return
	}
	for id, sess := range s.items {
		if !now.Before(sess.expiresAt) {
			delete(s.items, id)
		}
	}
	s.lastSweep = now
}

// session returns the caller's live session. With create set a new session
// is started when none exists.
func (a *API) session(w http.ResponseWriter, r *http.Request, create bool) (string, session, bool) {
	if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
		if sess, ok := a.sessions.get(c.Value); ok {
			return c.Value, sess, true
		}
	}
	if !create {
		return "", session{}, false
	}
	id, sess, err := a.sessions.create()
	if err != nil {
		a.log.ErrorContext(r.Context(), "create session failed", "error", err)
		return "", session{}, false
	}
	a.setSessionCookie(w, id)
	return id, sess, true
}

func (a *API) setSessionCookie(w http.ResponseWriter, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    id,
		Path:     "/oauth2",
		MaxAge:   int(a.opts.SessionTTL / time.Second),
		HttpOnly: true,
		Secure:   a.opts.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func validCSRF(sess session, token string) bool {
	return token != "" && subtle.ConstantTimeCompare([]byte(sess.CSRF), []byte(token)) == 1
}
