package collector

import (
	"crypto/sha256"
	"sync"

	"github.com/kurihiro0119/gitlab-activity-monitor/internal/domain"
)

// ClientFactory builds a remote client for an account
type ClientFactory func(account domain.Account, token string) RemoteClient

// NewClientFactory returns a factory producing GitLab clients with cfg
func NewClientFactory(cfg ClientConfig) ClientFactory {
	return func(account domain.Account, token string) RemoteClient {
		return NewGitLabClient(account, token, cfg)
	}
}

type registryKey struct {
	accountID string
	endpoint  string
}

type registryEntry struct {
	client    RemoteClient
	tokenHash [sha256.Size]byte
}

// Registry keeps one live client per (account, endpoint) so the cached user
// identity survives across refresh cycles
type Registry struct {
	factory ClientFactory

	mu      sync.RWMutex
	entries map[registryKey]registryEntry
}

// NewRegistry creates an empty registry
func NewRegistry(factory ClientFactory) *Registry {
	return &Registry{
		factory: factory,
		entries: make(map[registryKey]registryEntry),
	}
}

// Get returns the client for the account, creating it on first use or when
// the token differs from the one the cached client was built with
func (r *Registry) Get(account domain.Account, token string) RemoteClient {
	key := registryKey{accountID: account.ID, endpoint: APIBaseURL(account.InstanceURL)}
	hash := sha256.Sum256([]byte(token))

	r.mu.RLock()
	entry, ok := r.entries[key]
	r.mu.RUnlock()
	if ok && entry.tokenHash == hash {
		return entry.client
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[key]; ok && entry.tokenHash == hash {
		return entry.client
	}
	client := r.factory(account, token)
	r.entries[key] = registryEntry{client: client, tokenHash: hash}
	return client
}

// Build returns a fresh client without caching it. Used to probe credentials
// before an account is stored.
func (r *Registry) Build(account domain.Account, token string) RemoteClient {
	r.mu.RLock()
	factory := r.factory
	r.mu.RUnlock()
	return factory(account, token)
}

// Invalidate drops every client of the account
func (r *Registry) Invalidate(accountID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.entries {
		if key.accountID == accountID {
			delete(r.entries, key)
		}
	}
}

// Clear drops every client
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[registryKey]registryEntry)
}

// Reset switches to factory and drops every client built by the old one
func (r *Registry) Reset(factory ClientFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factory = factory
	r.entries = make(map[registryKey]registryEntry)
}

// Len returns the number of cached clients
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
