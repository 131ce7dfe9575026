package auth

import (
	"sync"
	"time"
)

const (
	// DefaultMaxLoginAttempts is the failure count that locks a username.
	DefaultMaxLoginAttempts = 5
	// DefaultLockoutDuration is how long a locked username stays locked.
	DefaultLockoutDuration = 15 * time.Minute
)

// LockoutService throttles repeated failed logins per username.
type LockoutService struct {
	maxAttempts int
	duration    time.Duration
	now         func() time.Time

	mu       sync.Mutex
	attempts map[string]*lockoutEntry
}

type lockoutEntry struct {
	count    int
	lockedAt time.Time
}

// LockoutOption configures the LockoutService.
type LockoutOption func(*LockoutService)

// WithLockoutClock overrides the time source.
func WithLockoutClock(now func() time.Time) LockoutOption {
	return func(s *LockoutService) {
		s.now = now
	}
}

// NewLockoutService creates a LockoutService. A maxAttempts of zero disables it.
func NewLockoutService(maxAttempts int, duration time.Duration, opts ...LockoutOption) *LockoutService {
	s := &LockoutService{
		maxAttempts: maxAttempts,
		duration:    duration,
		now:         time.Now,
		attempts:    make(map[string]*lockoutEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IsLocked reports whether username is currently locked.
func (s *LockoutService) IsLocked(username string) bool {
	return s.LockoutRemaining(username) > 0
}

// RecordFailure counts a failed login and reports whether it locked the username.
func (s *LockoutService) RecordFailure(username string) bool {
	if s.maxAttempts <= 0 {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	entry, ok := s.attempts[username]
	if !ok {
		entry = &lockoutEntry{}
		s.attempts[username] = entry
	}
	if s.expiredLocked(entry, now) {
		*entry = lockoutEntry{}
	}

	entry.count++
	if entry.count >= s.maxAttempts && entry.lockedAt.IsZero() {
		entry.lockedAt = now
		return true
	}
	return false
}

// RecordSuccess clears the failure count for username.
func (s *LockoutService) RecordSuccess(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attempts, username)
}

// RemainingAttempts returns how many failures are left before lockout, or -1
// when lockout is disabled.
func (s *LockoutService) RemainingAttempts(username string) int {
	if s.maxAttempts <= 0 {
		return -1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.attempts[username]
	if !ok || s.expiredLocked(entry, s.now()) {
		return s.maxAttempts
	}
	return max(s.maxAttempts-entry.count, 0)
}

// LockoutRemaining returns the time until username unlocks, or zero.
func (s *LockoutService) LockoutRemaining(username string) time.Duration {
	if s.maxAttempts <= 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.attempts[username]
	if !ok || entry.lockedAt.IsZero() {
		return 0
	}
	return max(s.duration-s.now().Sub(entry.lockedAt), 0)
}

// Sweep forgets entries whose lock has expired.
func (s *LockoutService) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for username, entry := range s.attempts {
		if s.expiredLocked(entry, now) {
			delete(s.attempts, username)
			removed++
		}
	}
	return removed
}

func (s *LockoutService) expiredLocked(entry *lockoutEntry, now time.Time) bool {
	return !entry.lockedAt.IsZero() && now.Sub(entry.lockedAt) >= s.duration
}
