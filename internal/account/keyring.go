package account

import "sync"

// Credentials identify the signed-in user.
type Credentials struct {
	UserID string
	Token  string
}

// Keyring holds the current credentials for clients that need the bearer
// token on every request.
type Keyring struct {
	mu    sync.RWMutex
	creds Credentials
}

// Token returns the current bearer token, or "".
func (k *Keyring) Token() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.creds.Token
}

// UserID returns the signed-in user, or "".
func (k *Keyring) UserID() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.creds.UserID
}

func (k *Keyring) set(c Credentials) {
	k.mu.Lock()
	k.creds = c
	k.mu.Unlock()
}
