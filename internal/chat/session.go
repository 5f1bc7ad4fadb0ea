package chat

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zulandar/socialhub/internal/models"
)

// DefaultSessionTTL is how long an idle compose session is kept.
const DefaultSessionTTL = 30 * time.Minute

// SessionKey identifies a compose session: one per user per thread.
type SessionKey struct {
	Platform  string
	ChannelID string
	ThreadID  string
	UserID    string
}

// keyFor derives the session key of an inbound message.
func keyFor(msg InboundMessage) SessionKey {
	return SessionKey{
		Platform:  msg.Platform,
		ChannelID: msg.ChannelID,
		ThreadID:  resolveThreadID(msg.ChannelID, msg.ThreadID),
		UserID:    msg.UserID,
	}
}

// Session is a draft being composed in chat. It owns ImagePath until the
// session ends; jobs created from it get their own copies.
type Session struct {
	Origin     models.Origin
	Topic      string
	Tone       string
	Captions   map[models.Platform]string
	ImagePath  string
	ImageError string
	Approved   models.PlatformSet
	CreatedAt  time.Time
	LastActive time.Time
}

// platforms returns the platforms the draft has a caption for, in publish order.
func (s *Session) platforms() []models.Platform {
	var out []models.Platform
	for _, p := range models.AllPlatforms {
		if _, ok := s.Captions[p]; ok {
			out = append(out, p)
		}
	}
	return out
}

// approve marks platforms for publishing. Each must have a caption.
func (s *Session) approve(ps []models.Platform) error {
	for _, p := range ps {
		if _, ok := s.Captions[p]; !ok {
			return fmt.Errorf("the draft has no %s caption", p.Title())
		}
	}
	if s.Approved == nil {
		s.Approved = make(models.PlatformSet)
	}
	for _, p := range ps {
		s.Approved[p] = true
	}
	return nil
}

// SessionManager holds live compose sessions and expires idle ones.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[SessionKey]*Session
	media    MediaStore
	ttl      time.Duration
	now      func() time.Time
}

// SessionManagerOpts holds parameters for creating a SessionManager.
type SessionManagerOpts struct {
	Media MediaStore
	TTL   time.Duration    // defaults to DefaultSessionTTL
	Now   func() time.Time // defaults to time.Now
}

// NewSessionManager creates a SessionManager.
func NewSessionManager(opts SessionManagerOpts) (*SessionManager, error) {
	if opts.Media == nil {
		return nil, fmt.Errorf("chat: session manager: media store is required")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &SessionManager{
		sessions: make(map[SessionKey]*Session),
		media:    opts.Media,
		ttl:      ttl,
		now:      now,
	}, nil
}

// Start stores s under key, discarding any session it replaces.
func (m *SessionManager) Start(key SessionKey, s *Session) {
	now := m.now()
	s.CreatedAt = now
	s.LastActive = now
	if s.Captions == nil {
		s.Captions = make(map[models.Platform]string)
	}

	m.mu.Lock()
	old := m.sessions[key]
	m.sessions[key] = s
	m.mu.Unlock()

	if old != nil {
		m.discard(old)
	}
}

// Has reports whether a live session exists for key.
func (m *SessionManager) Has(key SessionKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	return ok && !m.expired(s)
}

// With runs fn on the session for key while holding the manager lock and
// marks the session active. It returns false when there is no live session.
func (m *SessionManager) With(key SessionKey, fn func(s *Session) error) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	if !ok || m.expired(s) {
		return false, nil
	}
	s.LastActive = m.now()
	return true, fn(s)
}

// Take removes the session for key and hands ownership to the caller, who
// must call Discard when done with it.
func (m *SessionManager) Take(key SessionKey) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	if !ok || m.expired(s) {
		return nil, false
	}
	delete(m.sessions, key)
	return s, true
}

// Restore puts back a session removed by Take.
func (m *SessionManager) Restore(key SessionKey, s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.LastActive = m.now()
	m.sessions[key] = s
}

// End removes the session for key and deletes its media.
func (m *SessionManager) End(key SessionKey) bool {
	s, ok := m.Take(key)
	if ok {
		m.discard(s)
	}
	return ok
}

// Discard deletes media owned by a session removed with Take.
func (m *SessionManager) Discard(s *Session) {
	m.discard(s)
}

// Sweep removes sessions idle for longer than the TTL, deletes their media
// and returns them.
func (m *SessionManager) Sweep() []*Session {
	m.mu.Lock()
	var expired []*Session
	for key, s := range m.sessions {
		if m.expired(s) {
			expired = append(expired, s)
			delete(m.sessions, key)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		m.discard(s)
	}
	if len(expired) > 0 {
		logrus.WithField("count", len(expired)).Info("chat: expired compose sessions")
	}
	return expired
}

// Len returns the number of stored sessions, including expired ones not yet swept.
func (m *SessionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *SessionManager) expired(s *Session) bool {
	return !m.now().Before(s.LastActive.Add(m.ttl))
}

func (m *SessionManager) discard(s *Session) {
	if s.ImagePath == "" {
		return
	}
	if err := m.media.Remove(s.ImagePath); err != nil {
		logrus.WithField("path", s.ImagePath).Warnf("chat: remove draft media: %v", err)
	}
}
