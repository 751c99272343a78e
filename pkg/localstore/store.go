package localstore

import "sync"

// Well-known keys. Kept in one place so they do not drift between the
// data manager, the status manager, and checkout. The token lives under
// two keys for compatibility with records written by older builds.
const (
	KeyAuthToken      = "authToken"
	KeyLegacyToken    = "token"
	KeyUserInfo       = "userInfo"
	KeyIsLoggedIn     = "isLoggedIn"
	KeyUsername       = "username"
	KeyUserEmail      = "userEmail"
	KeyDiscount       = "discount"
	KeyCartFallback   = "cart"
	KeySavedAddresses = "saved_addresses"
)

// SessionKeys are the keys cleared together on logout or auth failure.
var SessionKeys = []string{
	KeyAuthToken,
	KeyLegacyToken,
	KeyIsLoggedIn,
	KeyUserInfo,
	KeyUsername,
	KeyUserEmail,
}

// Store is a flat string-keyed persistent store, the durable counterpart
// of the in-memory cache. Implementations must be safe for concurrent use.
type Store interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Delete(keys ...string) error
}

// Notifier is implemented by stores that can report key changes, so a
// status manager can reconcile login state written by another component.
type Notifier interface {
	Subscribe(fn func(key string))
}

// Token returns the stored auth token, preferring the current key and
// falling back to the legacy one.
func Token(s Store) string {
	if v, ok, err := s.Get(KeyAuthToken); err == nil && ok && v != "" {
		return v
	}
	if v, ok, err := s.Get(KeyLegacyToken); err == nil && ok && v != "" {
		return v
	}
	return ""
}

type notifier struct {
	mu   sync.Mutex
	subs []func(key string)
}

func (n *notifier) Subscribe(fn func(key string)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subs = append(n.subs, fn)
}

func (n *notifier) publish(key string) {
	n.mu.Lock()
	subs := make([]func(string), len(n.subs))
	copy(subs, n.subs)
	n.mu.Unlock()
	for _, fn := range subs {
		fn(key)
	}
}
