package session

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/segmentio/ksuid"
)

// Session represents a rendezvous session between one sender and its receivers.
type Session struct {
	ID        string    `json:"session_id"`
	JoinCode  string    `json:"join_code"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the session is past its expiry at now.
// A zero ExpiresAt never expires.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// Store is a thread-safe in-memory store for sessions.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]Session // keyed by session ID
	byCode   map[string]string  // join code -> session ID
	ttl      time.Duration
}

// NewStore creates a new session store with the specified TTL. A ttl of 0
// creates sessions that never expire.
func NewStore(ttl time.Duration) *Store {
	return &Store{
		sessions: make(map[string]Session),
		byCode:   make(map[string]string),
		ttl:      ttl,
	}
}

// Create creates a new session with a unique ID and join code.
func (s *Store) Create() Session {
	now := time.Now()
	session := Session{
		ID:        ksuid.New().String(),
		JoinCode:  generateJoinCode(),
		CreatedAt: now,
	}
	if s.ttl > 0 {
		session.ExpiresAt = now.Add(s.ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Ensure join code is unique (retry if collision)
	for _, exists := s.byCode[session.JoinCode]; exists; {
		session.JoinCode = generateJoinCode()
		_, exists = s.byCode[session.JoinCode]
	}

	s.sessions[session.ID] = session
	s.byCode[session.JoinCode] = session.ID

	return session
}

// GetByJoinCode retrieves a live session by its join code.
func (s *Store) GetByJoinCode(code string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessionID, exists := s.byCode[code]
	if !exists {
		return Session{}, false
	}

	session, exists := s.sessions[sessionID]
	if !exists || session.Expired(time.Now()) {
		return Session{}, false
	}
	return session, true
}

// Delete removes a session. Deleting an unknown id is a no-op.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[id]; ok {
		delete(s.sessions, id)
		delete(s.byCode, session.JoinCode)
	}
}

// Count returns the number of stored sessions.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// CleanupExpired removes all expired sessions from the store.
// Returns the number of sessions removed.
func (s *Store) CleanupExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, session := range s.sessions {
		if session.Expired(now) {
			delete(s.sessions, id)
			delete(s.byCode, session.JoinCode)
			removed++
		}
	}
	return removed
}

// generateJoinCode generates a random 8-character join code.
// Uses uppercase A-Z and 0-9, excluding ambiguous characters: O, 0, I, 1.
func generateJoinCode() string {
	// Characters: A-Z excluding I and O, and 2-9 excluding 0 and 1
	chars := "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	code := make([]byte, 8)
	b := make([]byte, 8)

	if _, err := rand.Read(b); err != nil {
		// Fallback if rand fails
		return "ABCDEFGH"
	}

	for i := 0; i < 8; i++ {
		code[i] = chars[b[i]%byte(len(chars))]
	}

	return string(code)
}
