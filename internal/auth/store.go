// Package auth holds the bearer credentials for the two roles a logged-in
// identity can have on the Fixmate marketplace. Tokens are opaque strings
// kept for the lifetime of the process; a token is only discovered to be
// stale when a request carrying it comes back with a 401-class response.
package auth

import "sync"

// Kind identifies which side of a booking a credential belongs to.
type Kind string

const (
	KindCustomer Kind = "customer"
	KindRepairer Kind = "repairer"
)

// Other returns the opposite credential kind.
func (k Kind) Other() Kind {
	if k == KindCustomer {
		return KindRepairer
	}
	return KindCustomer
}

// Credential is a bearer token bound to an identity of a given kind.
type Credential struct {
	Kind       Kind
	Token      string
	IdentityID int64
}

// Store keeps at most one credential per kind. It is safe for concurrent
// use; a login screen and an open chat may touch it at the same time, so
// reads and writes are atomic per kind.
type Store struct {
	mu    sync.RWMutex
	creds map[Kind]Credential
}

// NewStore returns an empty credential store.
func NewStore() *Store {
	return &Store{creds: make(map[Kind]Credential)}
}

// Set stores the credential for a kind, replacing any previous one.
func (s *Store) Set(kind Kind, token string, identityID int64) {
	s.mu.Lock()
	s.creds[kind] = Credential{Kind: kind, Token: token, IdentityID: identityID}
	s.mu.Unlock()
}

// Get returns the credential for a kind and whether one is held.
func (s *Store) Get(kind Kind) (Credential, bool) {
	s.mu.RLock()
	c, ok := s.creds[kind]
	s.mu.RUnlock()
	return c, ok
}

// Clear removes the credential for a kind. Clearing an absent kind is a no-op.
func (s *Store) Clear(kind Kind) {
	s.mu.Lock()
	delete(s.creds, kind)
	s.mu.Unlock()
}

// IsLoggedIn reports whether a usable credential is held for the kind:
// both a token and an identity ID must be present.
func (s *Store) IsLoggedIn(kind Kind) bool {
	c, ok := s.Get(kind)
	return ok && c.Token != "" && c.IdentityID != 0
}

// Any reports whether at least one usable credential of either kind is held.
func (s *Store) Any() bool {
	return s.IsLoggedIn(KindCustomer) || s.IsLoggedIn(KindRepairer)
}

// Order resolves which credentials to try, preferred kind first. Kinds
// without a usable credential are skipped, so the result has zero, one or
// two entries.
func (s *Store) Order(preferred Kind) []Credential {
	var out []Credential
	for _, kind := range []Kind{preferred, preferred.Other()} {
		if !s.IsLoggedIn(kind) {
			continue
		}
		if c, ok := s.Get(kind); ok {
			out = append(out, c)
		}
	}
	return out
}
