// Package userstatus tracks login state independently of the data
// manager, reconciling it purely from persistent-store fields. The
// redundancy (token plus explicit flag plus resolvable username)
// tolerates partial writes from the login flow; a change to any session
// key written by another client instance re-evaluates the state.
package userstatus

import (
	"encoding/json"
	"log/slog"
	"slices"
	"sync"

	"huaxuanbooks/pkg/domain"
	"huaxuanbooks/pkg/localstore"
	"huaxuanbooks/pkg/session"
)

var watchedKeys = []string{
	localstore.KeyAuthToken,
	localstore.KeyLegacyToken,
	localstore.KeyUserInfo,
	localstore.KeyIsLoggedIn,
	localstore.KeyUsername,
}

// User is the reconciled current user.
type User struct {
	ID       int64
	Username string
	Email    string
	Token    string
	Profile  domain.UserProfile
}

// Manager reconciles login state from the local store and drives
// login/logout subscribers.
type Manager struct {
	store  localstore.Store
	logger *slog.Logger

	mu        sync.Mutex
	current   *User
	known     bool
	loginCbs  []func(User)
	logoutCbs []func()
}

// New builds a status manager and, when the store supports change
// notifications, re-checks on every session-key write from elsewhere.
func New(store localstore.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{store: store, logger: logger}
	if notifier, ok := store.(localstore.Notifier); ok {
		notifier.Subscribe(func(key string) {
			if slices.Contains(watchedKeys, key) {
				m.Check()
			}
		})
	}
	return m
}

// Check re-evaluates login state. Logged-in requires a non-null token,
// an explicit "true" logged-in flag, and a resolvable username; all
// three, or the state is logged-out. Corrupt stored profile data clears
// the session outright.
func (m *Manager) Check() bool {
	token := localstore.Token(m.store)
	flag, _, _ := m.store.Get(localstore.KeyIsLoggedIn)
	storedName, _, _ := m.store.Get(localstore.KeyUsername)

	var profile domain.UserProfile
	if raw, ok, _ := m.store.Get(localstore.KeyUserInfo); ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &profile); err != nil {
			m.logger.Error("corrupt stored profile, clearing session", "err", err)
			if err := session.Clear(m.store); err != nil {
				m.logger.Error("clear session", "err", err)
			}
			m.transition(nil)
			return false
		}
	}

	username := profile.Username
	if username == "" {
		username = storedName
	}

	valid := token != "" && token != "null" && flag == "true" && username != ""
	if !valid {
		m.transition(nil)
		return false
	}

	email := profile.Email
	if email == "" {
		email, _, _ = m.store.Get(localstore.KeyUserEmail)
	}
	m.transition(&User{
		ID:       profile.ID,
		Username: username,
		Email:    email,
		Token:    token,
		Profile:  profile,
	})
	return true
}

// Login persists the session and re-evaluates.
func (m *Manager) Login(token string, profile domain.UserProfile) {
	if err := session.Save(m.store, token, profile); err != nil {
		m.logger.Error("persist login", "err", err)
	}
	m.Check()
}

// Logout clears all session keys and re-evaluates.
func (m *Manager) Logout() {
	if err := session.Clear(m.store); err != nil {
		m.logger.Error("clear session", "err", err)
	}
	m.Check()
}

// IsLoggedIn reports the last reconciled state.
func (m *Manager) IsLoggedIn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil
}

// CurrentUser returns the reconciled user, or nil.
func (m *Manager) CurrentUser() *User {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	user := *m.current
	return &user
}

// OnLogin registers a callback invoked on every logged-out to logged-in
// transition.
func (m *Manager) OnLogin(fn func(User)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loginCbs = append(m.loginCbs, fn)
}

// OnLogout registers a callback invoked on every logged-in to
// logged-out transition.
func (m *Manager) OnLogout(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logoutCbs = append(m.logoutCbs, fn)
}

// transition records the new state and fires callbacks outside the
// lock, each isolated so one bad subscriber cannot block the rest.
func (m *Manager) transition(next *User) {
	m.mu.Lock()
	wasKnown := m.known
	wasLoggedIn := m.current != nil
	m.current = next
	m.known = true

	var fire []func()
	switch {
	case next != nil && (!wasKnown || !wasLoggedIn):
		user := *next
		for _, fn := range m.loginCbs {
			cb := fn
			fire = append(fire, func() { cb(user) })
		}
	case next == nil && wasKnown && wasLoggedIn:
		for _, fn := range m.logoutCbs {
			cb := fn
			fire = append(fire, func() { cb() })
		}
	}
	m.mu.Unlock()

	for _, fn := range fire {
		m.invoke(fn)
	}
}

func (m *Manager) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("status callback panicked", "panic", r)
		}
	}()
	fn()
}
