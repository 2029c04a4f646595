// Package creds turns stored credential records into outbound request
// headers. It never drives OAuth flows; tokens arrive ready-made from the
// management plane.
package creds

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/toolfront/toolfront/pkg/store"
)

// keyPlaceholder is substituted with the secret in API-key value templates.
const keyPlaceholder = "{key}"

// Injector produces the credential headers for one backend server. An
// unexpired OAuth token wins over an API key; an expired token with no
// fallback yields no credential header at all, letting the backend reject the
// call and surface an auth fault upstream.
type Injector struct {
	mu     sync.RWMutex
	record *store.CredentialRecord
	hooks  []func()
}

// NewInjector builds an injector seeded with the current record, which may be
// nil for servers without credentials.
func NewInjector(record *store.CredentialRecord) *Injector {
	return &Injector{record: record}
}

// Headers implements the transport header source. It re-evaluates token
// expiry on every call so a token crossing its deadline mid-session stops
// being sent without any explicit invalidation.
func (i *Injector) Headers(context.Context) (http.Header, error) {
	i.mu.RLock()
	rec := i.record
	i.mu.RUnlock()

	h := make(http.Header)
	if rec == nil {
		return h, nil
	}
	if tok := rec.OAuth; tok != nil && tok.Valid() {
		h.Set("Authorization", tok.Type()+" "+tok.AccessToken)
		return h, nil
	}
	if key := rec.APIKey; key != nil && key.HeaderName != "" {
		value := key.Key
		if key.ValueTemplate != "" {
			value = strings.ReplaceAll(key.ValueTemplate, keyPlaceholder, key.Key)
		}
		h.Set(key.HeaderName, value)
	}
	return h, nil
}

// Update replaces the record and notifies every invalidation hook, so
// adapters holding sessions opened under the old credential drop them.
func (i *Injector) Update(record *store.CredentialRecord) {
	i.mu.Lock()
	i.record = record
	hooks := make([]func(), len(i.hooks))
	copy(hooks, i.hooks)
	i.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// OnInvalidate registers a hook run after every credential update.
func (i *Injector) OnInvalidate(fn func()) {
	i.mu.Lock()
	i.hooks = append(i.hooks, fn)
	i.mu.Unlock()
}
