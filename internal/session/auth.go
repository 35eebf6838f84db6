package session

import (
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/Aidin1998/fixgate/internal/fix"
)

// AuthenticationStrategy decides whether an inbound logon is accepted. A
// failed authentication disconnects the connection without a logout.
type AuthenticationStrategy interface {
	Authenticate(logon *fix.Message) bool
}

// AcceptAllAuthentication accepts every logon. Used for trusted networks and
// in tests.
type AcceptAllAuthentication struct{}

// Authenticate always returns true.
func (AcceptAllAuthentication) Authenticate(*fix.Message) bool { return true }

// BcryptAuthentication checks logon credentials against bcrypt hashes loaded
// from configuration, keyed by username.
type BcryptAuthentication struct {
	mu     sync.RWMutex
	hashes map[string]string
}

// NewBcryptAuthentication creates a strategy over username -> bcrypt hash.
func NewBcryptAuthentication(credentials map[string]string) *BcryptAuthentication {
	hashes := make(map[string]string, len(credentials))
	for user, hash := range credentials {
		hashes[user] = hash
	}
	return &BcryptAuthentication{hashes: hashes}
}

// Authenticate verifies the logon's username/password pair.
func (a *BcryptAuthentication) Authenticate(logon *fix.Message) bool {
	if logon.Username == "" {
		return false
	}
	a.mu.RLock()
	hash, ok := a.hashes[logon.Username]
	a.mu.RUnlock()
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(logon.Password)) == nil
}

// SetCredential adds or replaces one credential. Hot reloaded configuration
// uses this to rotate counterparty secrets without a restart.
func (a *BcryptAuthentication) SetCredential(username, hash string) {
	a.mu.Lock()
	a.hashes[username] = hash
	a.mu.Unlock()
}
