// Package codes implements the short-lived, single-use authorization code store.
package codes

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/tendant/mcp-oauth-server/internal/domain"
	idperrors "github.com/tendant/mcp-oauth-server/internal/errors"
)

const (
	// CodeLength is the number of random bytes in a code.
	CodeLength = 32
	// DefaultTTL is how long a code can be redeemed.
	DefaultTTL = 10 * time.Minute
	// DefaultDeleteDelay is the grace period before a redeemed code is removed.
	DefaultDeleteDelay = time.Second
	// DefaultSweepInterval is how often expired and used codes are purged.
	DefaultSweepInterval = 5 * time.Minute
	// DefaultMaxCodes bounds the number of codes held in memory.
	DefaultMaxCodes = 5000
)

// Failure reasons reported to the failure hook. They never reach clients.
const (
	ReasonNotFound         = "not_found"
	ReasonExpired          = "expired"
	ReasonAlreadyUsed      = "already_used"
	ReasonClientMismatch   = "client_mismatch"
	ReasonRedirectMismatch = "redirect_mismatch"
	ReasonPKCEMissing      = "pkce_verifier_missing"
	ReasonPKCEMismatch     = "pkce_mismatch"
)

// GenerateOptions carries the optional bindings of a new code.
type GenerateOptions struct {
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Metadata            map[string]string
}

// Stats summarizes the store contents.
type Stats struct {
	Total   int `json:"total"`
	Active  int `json:"active"`
	Expired int `json:"expired"`
}

type entry struct {
	code *domain.AuthorizationCode
	seq  uint64
}

// Store holds authorization codes in memory.
type Store struct {
	mu    sync.Mutex
	codes map[string]*entry
	seq   uint64

	ttl           time.Duration
	deleteDelay   time.Duration
	sweepInterval time.Duration
	maxCodes      int
	now           func() time.Time
	logger        *slog.Logger
	onFailure     func(reason string)
	onSize        func(count int)

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithTTL sets the code lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.ttl = ttl
	}
}

// WithDeleteDelay sets the delay before a redeemed code is physically removed.
// Zero removes it immediately.
func WithDeleteDelay(d time.Duration) Option {
	return func(s *Store) {
		s.deleteDelay = d
	}
}

// WithSweepInterval sets how often the background sweep runs.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Store) {
		s.sweepInterval = d
	}
}

// WithMaxCodes sets the hard cap on stored codes.
func WithMaxCodes(n int) Option {
	return func(s *Store) {
		s.maxCodes = n
	}
}

// WithFailureHook registers a callback invoked with the reason of each failed exchange.
func WithFailureHook(fn func(reason string)) Option {
	return func(s *Store) {
		s.onFailure = fn
	}
}

// WithSizeHook registers a callback invoked with the number of stored codes
// after each sweep.
func WithSizeHook(fn func(count int)) Option {
	return func(s *Store) {
		s.onSize = fn
	}
}

// New creates a new Store. Call Start to run the background sweep.
func New(opts ...Option) *Store {
	s := &Store{
		codes:         make(map[string]*entry),
		ttl:           DefaultTTL,
		deleteDelay:   DefaultDeleteDelay,
		sweepInterval: DefaultSweepInterval,
		maxCodes:      DefaultMaxCodes,
		now:           time.Now,
		logger:        slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Generate mints a new code bound to the given client, user, redirect URI and scopes.
func (s *Store) Generate(clientID, userID, redirectURI string, scopes []string, opts GenerateOptions) (string, error) {
	method := opts.CodeChallengeMethod
	if opts.CodeChallenge != "" {
		if method == "" {
			method = MethodS256
		}
		if !IsSupportedMethod(method) {
			return "", idperrors.InvalidRequest("unsupported code_challenge_method %q", method)
		}
	} else {
		method = ""
	}

	code, err := randomCode()
	if err != nil {
		return "", idperrors.ServerError("failed to generate authorization code", err)
	}

	now := s.now()
	record := &domain.AuthorizationCode{
		Code:                code,
		ClientID:            clientID,
		UserID:              userID,
		RedirectURI:         redirectURI,
		Scopes:              slices.Clone(scopes),
		CodeChallenge:       opts.CodeChallenge,
		CodeChallengeMethod: method,
		State:               opts.State,
		Metadata:            maps.Clone(opts.Metadata),
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.ttl),
	}

	s.mu.Lock()
	s.seq++
	s.codes[code] = &entry{code: record, seq: s.seq}
	evicted := s.enforceCapLocked()
	s.mu.Unlock()

	if evicted > 0 {
		s.logger.Warn("authorization code store over capacity, evicted oldest codes", "evicted", evicted)
	}

	return code, nil
}

// Exchange redeems a code. It succeeds at most once per code; every failure is
// reported as the same invalid_grant error.
func (s *Store) Exchange(code, clientID, redirectURI, codeVerifier string) (*domain.AuthorizationCode, error) {
	s.mu.Lock()
	record, reason := s.checkLocked(code, clientID, redirectURI, codeVerifier)
	if reason != "" {
		s.mu.Unlock()
		s.logger.Warn("authorization code exchange failed",
			"code", idperrors.Redact(code),
			"client_id", clientID,
			"reason", reason,
		)
		if s.onFailure != nil {
			s.onFailure(reason)
		}
		return nil, idperrors.InvalidGrant("invalid authorization code")
	}
	record.IsUsed = true
	out := cloneCode(record)
	s.mu.Unlock()

	s.scheduleDelete(code)
	return out, nil
}

func (s *Store) checkLocked(code, clientID, redirectURI, codeVerifier string) (*domain.AuthorizationCode, string) {
	e, ok := s.codes[code]
	if !ok {
		return nil, ReasonNotFound
	}
	record := e.code

	if record.IsExpired(s.now()) {
		delete(s.codes, code)
		return nil, ReasonExpired
	}
	if record.IsUsed {
		delete(s.codes, code)
		return nil, ReasonAlreadyUsed
	}
	if record.ClientID != clientID {
		return nil, ReasonClientMismatch
	}
	if record.RedirectURI != redirectURI {
		return nil, ReasonRedirectMismatch
	}
	if record.CodeChallenge != "" {
		if codeVerifier == "" {
			return nil, ReasonPKCEMissing
		}
		if !ValidateCodeVerifier(codeVerifier, record.CodeChallenge, record.CodeChallengeMethod) {
			return nil, ReasonPKCEMismatch
		}
	}
	return record, ""
}

func (s *Store) scheduleDelete(code string) {
	if s.deleteDelay <= 0 {
		s.remove(code)
		return
	}
	time.AfterFunc(s.deleteDelay, func() {
		s.remove(code)
	})
}

func (s *Store) remove(code string) {
	s.mu.Lock()
	delete(s.codes, code)
	s.mu.Unlock()
}

// Sweep removes expired and used codes, then enforces the hard cap.
// It returns the number of codes removed.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for code, e := range s.codes {
		if e.code.IsUsed || e.code.IsExpired(now) {
			delete(s.codes, code)
			removed++
		}
	}
	removed += s.enforceCapLocked()
	if s.onSize != nil {
		s.onSize(len(s.codes))
	}
	return removed
}

// enforceCapLocked evicts the oldest codes by insertion order until the
// store is within its cap. Caller holds s.mu.
func (s *Store) enforceCapLocked() int {
	over := len(s.codes) - s.maxCodes
	if s.maxCodes <= 0 || over <= 0 {
		return 0
	}

	entries := make([]*entry, 0, len(s.codes))
	for _, e := range s.codes {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].seq < entries[j].seq
	})
	for _, e := range entries[:over] {
		delete(s.codes, e.code.Code)
	}
	return over
}

// Stats reports total, active and expired code counts.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	stats := Stats{Total: len(s.codes)}
	for _, e := range s.codes {
		switch {
		case e.code.IsExpired(now):
			stats.Expired++
		case !e.code.IsUsed:
			stats.Active++
		}
	}
	return stats
}

// Start runs the periodic sweep until ctx is cancelled or Stop is called.
func (s *Store) Start(ctx context.Context) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(s.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.Sweep(); n > 0 {
					s.logger.Debug("swept authorization codes", "removed", n)
				}
			}
		}
	}(s.done)
}

// Stop halts the background sweep and waits for it to exit.
func (s *Store) Stop() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
}

func randomCode() (string, error) {
	b := make([]byte, CodeLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func cloneCode(c *domain.AuthorizationCode) *domain.AuthorizationCode {
	cp := *c
	cp.Scopes = slices.Clone(c.Scopes)
	cp.Metadata = maps.Clone(c.Metadata)
	return &cp
}
