package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/tendant/mcp-oauth-server/internal/domain"
)

var (
	// ErrInvalidCredentials is returned for an unknown user or wrong password.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUserNotFound is returned by UserInfo for an unknown id.
	ErrUserNotFound = errors.New("user not found")
)

// DemoUser describes a user seeded into a Directory.
type DemoUser struct {
	Username       string
	Password       string
	Name           string
	Email          string
	OrganizationID string
	TenantID       string
	Roles          []string
}

type directoryEntry struct {
	user         domain.AuthenticatedUser
	passwordHash string
}

// Directory is an in-memory user directory with bcrypt passwords. It serves
// both login and userinfo lookups.
type Directory struct {
	mu         sync.RWMutex
	byUsername map[string]*directoryEntry
	byID       map[string]*directoryEntry
}

// NewDirectory creates a directory seeded with users.
func NewDirectory(users ...DemoUser) (*Directory, error) {
	d := &Directory{
		byUsername: make(map[string]*directoryEntry),
		byID:       make(map[string]*directoryEntry),
	}
	for _, u := range users {
		if _, err := d.AddUser(u); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// AddUser hashes the password and stores the user.
func (d *Directory) AddUser(u DemoUser) (*domain.AuthenticatedUser, error) {
	if u.Username == "" || u.Password == "" {
		return nil, fmt.Errorf("username and password are required")
	}
	hash, err := HashPassword(u.Password)
	if err != nil {
		return nil, err
	}
	return d.AddUserWithHash(u, hash)
}

// AddUserWithHash stores a user whose password is already hashed.
func (d *Directory) AddUserWithHash(u DemoUser, passwordHash string) (*domain.AuthenticatedUser, error) {
	key := strings.ToLower(u.Username)

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.byUsername[key]; exists {
		return nil, fmt.Errorf("user %q already exists", u.Username)
	}

	entry := &directoryEntry{
		user: domain.AuthenticatedUser{
			ID:             uuid.NewString(),
			Username:       u.Username,
			Email:          u.Email,
			Name:           u.Name,
			OrganizationID: u.OrganizationID,
			TenantID:       u.TenantID,
			Roles:          append([]string(nil), u.Roles...),
		},
		passwordHash: passwordHash,
	}
	d.byUsername[key] = entry
	d.byID[entry.user.ID] = entry

	user := entry.user
	return &user, nil
}

// Authenticate checks credentials.
func (d *Directory) Authenticate(_ context.Context, creds domain.Credentials) (*domain.AuthenticatedUser, error) {
	d.mu.RLock()
	entry, ok := d.byUsername[strings.ToLower(creds.Username)]
	d.mu.RUnlock()
	if !ok {
		return nil, ErrInvalidCredentials
	}

	match, err := VerifyPassword(creds.Password, entry.passwordHash)
	if err != nil {
		return nil, err
	}
	if !match {
		return nil, ErrInvalidCredentials
	}

	user := entry.user
	user.Roles = append([]string(nil), entry.user.Roles...)
	return &user, nil
}

// UserInfo returns the profile for a user id.
func (d *Directory) UserInfo(_ context.Context, userID string) (*domain.UserInfo, error) {
	d.mu.RLock()
	entry, ok := d.byID[userID]
	d.mu.RUnlock()
	if !ok {
		return nil, ErrUserNotFound
	}

	u := entry.user
	verified := u.Email != ""
	return &domain.UserInfo{
		ID:             u.ID,
		Name:           u.Name,
		Email:          u.Email,
		EmailVerified:  &verified,
		OrganizationID: u.OrganizationID,
		TenantID:       u.TenantID,
		Roles:          append([]string(nil), u.Roles...),
	}, nil
}

// Usernames lists the directory's usernames in sorted order.
func (d *Directory) Usernames() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make([]string, 0, len(d.byUsername))
	for _, e := range d.byUsername {
		names = append(names, e.user.Username)
	}
	sort.Strings(names)
	return names
}
