package datamanager

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// Run drives the background refresh loop: a fixed interval plus
// immediate triggers from login, reconnect, and focus. Refreshing only
// happens while a session is active and the client is online, so the
// loop goes quiet after logout instead of polling forever. Blocks until
// ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-m.refreshCh:
		}
		if !m.LoggedIn() || !m.online.Load() {
			continue
		}
		m.RefreshAll(ctx)
	}
}

// TriggerRefresh requests an immediate refresh without blocking. A
// trigger while one is already pending is coalesced.
func (m *Manager) TriggerRefresh() {
	select {
	case m.refreshCh <- struct{}{}:
	default:
	}
}

// HandleOnline marks the client connected and refreshes right away:
// reconnect is a refresh opportunity, not a correctness requirement.
func (m *Manager) HandleOnline() {
	m.online.Store(true)
	m.TriggerRefresh()
}

// HandleOffline suspends interval refreshes until reconnect.
func (m *Manager) HandleOffline() {
	m.online.Store(false)
}

// HandleFocus refreshes when the user returns to the window.
func (m *Manager) HandleFocus() {
	if m.LoggedIn() {
		m.TriggerRefresh()
	}
}

// RefreshAll re-fetches profile, preferences, cart, and categories
// concurrently. Each outcome is isolated: one failing fetch logs and
// degrades without aborting its siblings.
func (m *Manager) RefreshAll(ctx context.Context) {
	if !m.LoggedIn() {
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if _, err := m.Profile(gctx, true); err != nil {
			m.logger.Warn("refresh profile failed", "err", err)
		}
		return nil
	})
	g.Go(func() error {
		if _, err := m.Preferences(gctx, true); err != nil {
			m.logger.Warn("refresh preferences failed", "err", err)
		}
		return nil
	})
	g.Go(func() error {
		if _, err := m.Cart(gctx, true); err != nil {
			m.logger.Warn("refresh cart failed", "err", err)
		}
		return nil
	})
	g.Go(func() error {
		if _, err := m.Categories(gctx, true); err != nil {
			m.logger.Warn("refresh categories failed", "err", err)
		}
		return nil
	})
	_ = g.Wait()
}
