package datamanager

import (
	"context"
	"fmt"
	"net/http"

	"huaxuanbooks/pkg/apiclient"
	"huaxuanbooks/pkg/cache"
	"huaxuanbooks/pkg/domain"
)

// BrowsingHistory lists recorded views, read-through with an empty
// fallback.
func (m *Manager) BrowsingHistory(ctx context.Context, force bool) ([]domain.BrowsingRecord, error) {
	if !force {
		if v, ok := m.cache.Get(cache.KeyBrowsingHistory); ok {
			if records, ok := v.([]domain.BrowsingRecord); ok {
				return records, nil
			}
		}
	}
	env, err := m.api.Call(ctx, apiclient.Request{
		Method: http.MethodGet,
		Path:   "/user/browsing-history",
	})
	if err == nil && env.Success {
		var records []domain.BrowsingRecord
		if err := env.Decode(&records); err == nil {
			m.cache.Set(cache.KeyBrowsingHistory, records)
			return records, nil
		}
	}
	m.logger.Warn("browsing history degraded", "err", err)
	if v, ok := m.cache.Get(cache.KeyBrowsingHistory); ok {
		if records, ok := v.([]domain.BrowsingRecord); ok {
			return records, nil
		}
	}
	return []domain.BrowsingRecord{}, err
}

// RecordView records a book view. Privacy-gated: when the user has
// disabled browsing tracking the write is silently skipped, which is
// not an error.
func (m *Manager) RecordView(ctx context.Context, bookID int64, duration int, source string) error {
	prefs, err := m.Preferences(ctx, false)
	if err == nil && prefs.Privacy != nil && !prefs.Privacy.TrackBrowsing {
		return nil
	}
	env, err := m.api.Call(ctx, apiclient.Request{
		Method: http.MethodPost,
		Path:   "/user/browsing-history",
		Body: map[string]any{
			"bookId":   bookID,
			"duration": duration,
			"source":   source,
		},
	})
	if err != nil {
		m.logger.Warn("record view failed", "book_id", bookID, "err", err)
		return err
	}
	if !env.Success {
		return fmt.Errorf("record view: %s", env.Error)
	}
	m.cache.Delete(cache.KeyBrowsingHistory)
	return nil
}

// ClearBrowsingHistory wipes the history server-side and locally.
func (m *Manager) ClearBrowsingHistory(ctx context.Context) error {
	env, err := m.api.Call(ctx, apiclient.Request{
		Method: http.MethodDelete,
		Path:   "/user/browsing-history",
	})
	if err != nil {
		return fmt.Errorf("clear browsing history: %w", err)
	}
	if !env.Success {
		return fmt.Errorf("clear browsing history: %s", env.Error)
	}
	m.cache.Set(cache.KeyBrowsingHistory, []domain.BrowsingRecord{})
	return nil
}
