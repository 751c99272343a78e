// Package datamanager orchestrates the local store, the in-memory cache,
// and the API client into domain operations. Reads go through the cache
// unless a forced refresh is requested; on network failure they degrade
// to the last cached or persisted value instead of failing the caller.
// Mutations invalidate every cache entry covering the mutated resource
// before returning.
package datamanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
	"huaxuanbooks/pkg/apiclient"
	"huaxuanbooks/pkg/cache"
	"huaxuanbooks/pkg/domain"
	"huaxuanbooks/pkg/localstore"
	"huaxuanbooks/pkg/session"
)

const defaultRefreshInterval = 30 * time.Second

// ErrNotLoggedIn is returned by operations that require a session.
var ErrNotLoggedIn = errors.New("not logged in")

// Config wires the manager's collaborators.
type Config struct {
	API             *apiclient.Client
	Cache           *cache.Cache
	Store           localstore.Store
	Logger          *slog.Logger
	RefreshInterval time.Duration
}

// Manager owns all storefront data operations and the background
// refresh loop.
type Manager struct {
	api             *apiclient.Client
	cache           *cache.Cache
	store           localstore.Store
	logger          *slog.Logger
	refreshInterval time.Duration

	online    atomic.Bool
	flight    singleflight.Group
	refreshCh chan struct{}

	mu       sync.Mutex
	cartSubs []func(domain.CartSnapshot)
}

// New constructs a data manager. All collaborators are required except
// the logger and refresh interval.
func New(cfg Config) (*Manager, error) {
	if cfg.API == nil {
		return nil, fmt.Errorf("api client is required")
	}
	if cfg.Cache == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("local store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.RefreshInterval
	if interval <= 0 {
		interval = defaultRefreshInterval
	}
	m := &Manager{
		api:             cfg.API,
		cache:           cfg.Cache,
		store:           cfg.Store,
		logger:          logger,
		refreshInterval: interval,
		refreshCh:       make(chan struct{}, 1),
	}
	m.online.Store(true)
	return m, nil
}

// LoggedIn reports whether a session token is held.
func (m *Manager) LoggedIn() bool {
	return m.api.Token() != ""
}

type loginPayload struct {
	Token string             `json:"token"`
	User  domain.UserProfile `json:"user"`
}

// Login authenticates, persists the session, seeds the cache, and
// kicks an immediate background refresh.
func (m *Manager) Login(ctx context.Context, email, password string, remember bool) (domain.UserProfile, error) {
	env, err := m.api.Call(ctx, apiclient.Request{
		Method: http.MethodPost,
		Path:   "/user/login",
		Body: map[string]any{
			"email":    email,
			"password": password,
			"remember": remember,
		},
	})
	if err != nil {
		return domain.UserProfile{}, fmt.Errorf("login: %w", err)
	}
	if !env.Success {
		return domain.UserProfile{}, fmt.Errorf("login: %s", env.Error)
	}
	var payload loginPayload
	if err := env.Decode(&payload); err != nil {
		return domain.UserProfile{}, fmt.Errorf("login: decode: %w", err)
	}
	m.api.SetToken(payload.Token)
	if err := session.Save(m.store, payload.Token, payload.User); err != nil {
		m.logger.Error("persist session", "err", err)
	}
	m.cache.Set(cache.KeyUserInfo, payload.User)
	m.TriggerRefresh()
	return payload.User, nil
}

// Register creates a new account. The caller logs in separately.
func (m *Manager) Register(ctx context.Context, user map[string]any) error {
	env, err := m.api.Call(ctx, apiclient.Request{
		Method: http.MethodPost,
		Path:   "/user/register",
		Body:   user,
	})
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	if !env.Success {
		return fmt.Errorf("register: %s", env.Error)
	}
	return nil
}

// Logout notifies the server best-effort, then always clears local
// state: token, session keys, and the whole cache.
func (m *Manager) Logout(ctx context.Context) {
	if m.LoggedIn() {
		if _, err := m.api.Call(ctx, apiclient.Request{
			Method: http.MethodPost,
			Path:   "/auth/logout",
		}); err != nil {
			m.logger.Warn("logout call failed", "err", err)
		}
	}
	m.api.SetToken("")
	if err := session.Clear(m.store); err != nil {
		m.logger.Error("clear session", "err", err)
	}
	m.cache.Clear()
}

// ChangePassword updates the account password.
func (m *Manager) ChangePassword(ctx context.Context, current, next string) error {
	env, err := m.api.Call(ctx, apiclient.Request{
		Method: http.MethodPost,
		Path:   "/auth/change-password",
		Body: map[string]string{
			"currentPassword": current,
			"newPassword":     next,
		},
	})
	if err != nil {
		return fmt.Errorf("change password: %w", err)
	}
	if !env.Success {
		return fmt.Errorf("change password: %s", env.Error)
	}
	return nil
}

// Profile returns the user profile: stored snapshot first, then cache,
// then the API, mirroring the result into store and cache on success and
// falling back to the snapshot when the network is down. A nil profile
// with nil error means nobody is logged in.
func (m *Manager) Profile(ctx context.Context, force bool) (*domain.UserProfile, error) {
	if !force {
		if user, ok := session.LoadProfile(m.store); ok {
			m.cache.Set(cache.KeyUserInfo, user)
			return &user, nil
		}
		if v, ok := m.cache.Get(cache.KeyUserInfo); ok {
			if user, ok := v.(domain.UserProfile); ok {
				return &user, nil
			}
		}
	}
	if !m.LoggedIn() {
		if user, ok := session.LoadProfile(m.store); ok {
			return &user, nil
		}
		return nil, nil
	}

	v, err, _ := m.flight.Do(cache.KeyUserInfo, func() (any, error) {
		env, err := m.api.Call(ctx, apiclient.Request{
			Method: http.MethodGet,
			Path:   "/user/profile",
		})
		if err != nil {
			return nil, err
		}
		if !env.Success {
			return nil, fmt.Errorf("profile: %s", env.Error)
		}
		var user domain.UserProfile
		if err := env.Decode(&user); err != nil {
			return nil, fmt.Errorf("profile: decode: %w", err)
		}
		m.cache.Set(cache.KeyUserInfo, user)
		if err := session.SaveProfile(m.store, user); err != nil {
			m.logger.Error("mirror profile", "err", err)
		}
		return user, nil
	})
	if err == nil {
		user := v.(domain.UserProfile)
		return &user, nil
	}
	m.logger.Warn("profile fetch degraded", "err", err)
	if user, ok := session.LoadProfile(m.store); ok {
		return &user, nil
	}
	if v, ok := m.cache.Get(cache.KeyUserInfo); ok {
		if user, ok := v.(domain.UserProfile); ok {
			return &user, nil
		}
	}
	return nil, err
}

// UpdateProfile writes profile changes through to server, cache, and
// the persisted snapshot.
func (m *Manager) UpdateProfile(ctx context.Context, changes map[string]any) (domain.UserProfile, error) {
	env, err := m.api.Call(ctx, apiclient.Request{
		Method: http.MethodPut,
		Path:   "/user/profile",
		Body:   changes,
	})
	if err != nil {
		return domain.UserProfile{}, fmt.Errorf("update profile: %w", err)
	}
	if !env.Success {
		return domain.UserProfile{}, fmt.Errorf("update profile: %s", env.Error)
	}
	var user domain.UserProfile
	if err := env.Decode(&user); err != nil {
		return domain.UserProfile{}, fmt.Errorf("update profile: decode: %w", err)
	}
	m.cache.Set(cache.KeyUserInfo, user)
	if err := session.SaveProfile(m.store, user); err != nil {
		m.logger.Error("mirror profile", "err", err)
	}
	return user, nil
}

// Preferences reads user preferences through the cache, degrading to
// the last cached value (or an empty document) on failure.
func (m *Manager) Preferences(ctx context.Context, force bool) (domain.Preferences, error) {
	if !force {
		if v, ok := m.cache.Get(cache.KeyPreferences); ok {
			if prefs, ok := v.(domain.Preferences); ok {
				return prefs, nil
			}
		}
	}
	v, err, _ := m.flight.Do(cache.KeyPreferences, func() (any, error) {
		env, err := m.api.Call(ctx, apiclient.Request{
			Method: http.MethodGet,
			Path:   "/user/preferences",
		})
		if err != nil {
			return nil, err
		}
		if !env.Success {
			return nil, fmt.Errorf("preferences: %s", env.Error)
		}
		var prefs domain.Preferences
		if err := env.Decode(&prefs); err != nil {
			return nil, fmt.Errorf("preferences: decode: %w", err)
		}
		m.cache.Set(cache.KeyPreferences, prefs)
		return prefs, nil
	})
	if err == nil {
		return v.(domain.Preferences), nil
	}
	m.logger.Warn("preferences fetch degraded", "err", err)
	if v, ok := m.cache.Get(cache.KeyPreferences); ok {
		if prefs, ok := v.(domain.Preferences); ok {
			return prefs, nil
		}
	}
	return domain.Preferences{}, err
}

// UpdatePreferences writes preference changes through to the cache.
func (m *Manager) UpdatePreferences(ctx context.Context, prefs domain.Preferences) (domain.Preferences, error) {
	env, err := m.api.Call(ctx, apiclient.Request{
		Method: http.MethodPut,
		Path:   "/user/preferences",
		Body:   prefs,
	})
	if err != nil {
		return domain.Preferences{}, fmt.Errorf("update preferences: %w", err)
	}
	if !env.Success {
		return domain.Preferences{}, fmt.Errorf("update preferences: %s", env.Error)
	}
	var updated domain.Preferences
	if err := env.Decode(&updated); err != nil {
		return domain.Preferences{}, fmt.Errorf("update preferences: decode: %w", err)
	}
	m.cache.Set(cache.KeyPreferences, updated)
	return updated, nil
}
