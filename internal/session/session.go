// Package session supplies the identity of the current user.
//
// The authentication provider itself lives outside todosync; this package
// only defines what the core needs from it and a few simple providers.
package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Provider reports the current user.
type Provider interface {
	// CurrentUserID returns the signed-in user's id, or false when there is
	// no user.
	CurrentUserID() (string, bool)

	// Loading reports whether the provider is still resolving the session.
	Loading() bool
}

// NewPlaceholderID returns a generated id used in place of a user id when
// nobody is signed in.
func NewPlaceholderID() string {
	return uuid.NewString()
}

type static string

// Static returns a provider that always reports userID. An empty userID
// means no user.
func Static(userID string) Provider {
	return static(strings.TrimSpace(userID))
}

func (s static) CurrentUserID() (string, bool) { return string(s), s != "" }
func (s static) Loading() bool                 { return false }

// Anonymous returns a provider with no user.
func Anonymous() Provider {
	return static("")
}

// Deferred is a provider whose user becomes known later, for example after
// an interactive login. It starts out loading.
type Deferred struct {
	mu      sync.RWMutex
	userID  string
	loading bool
}

// NewDeferred creates a provider in the loading state.
func NewDeferred() *Deferred {
	return &Deferred{loading: true}
}

// Establish records the signed-in user and ends loading. An empty userID
// ends loading with no user.
func (d *Deferred) Establish(userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.userID = strings.TrimSpace(userID)
	d.loading = false
}

// SignOut forgets the user.
func (d *Deferred) SignOut() {
	d.Establish("")
}

func (d *Deferred) CurrentUserID() (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.userID, d.userID != ""
}

func (d *Deferred) Loading() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.loading
}

// LoadAnonymous returns a provider reporting a placeholder id persisted in
// path, creating the file on first use. This keeps anonymous data owned by
// the same id across CLI runs.
func LoadAnonymous(path string) (Provider, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if _, perr := uuid.Parse(id); perr == nil {
			return Static(id), nil
		}
		return nil, fmt.Errorf("invalid anonymous id in %s", path)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read anonymous id: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	id := NewPlaceholderID()
	if err := os.WriteFile(path, []byte(id+"\n"), 0600); err != nil {
		return nil, fmt.Errorf("failed to write anonymous id: %w", err)
	}
	return Static(id), nil
}
