package datamanager

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"huaxuanbooks/pkg/apiclient"
	"huaxuanbooks/pkg/cache"
	"huaxuanbooks/pkg/domain"
)

// ForumPosts lists posts, read-through keyed by query shape.
func (m *Manager) ForumPosts(ctx context.Context, params url.Values, force bool) (domain.ForumPage, error) {
	key := cache.KeyForumList(params)
	if !force {
		if v, ok := m.cache.Get(key); ok {
			if page, ok := v.(domain.ForumPage); ok {
				return page, nil
			}
		}
	}
	env, err := m.api.Call(ctx, apiclient.Request{
		Method: http.MethodGet,
		Path:   "/forum/posts",
		Query:  params,
	})
	if err == nil && env.Success {
		var page domain.ForumPage
		if err := env.Decode(&page); err == nil {
			m.cache.Set(key, page)
			return page, nil
		}
	}
	m.logger.Warn("forum list degraded", "err", err)
	if v, ok := m.cache.Get(key); ok {
		if page, ok := v.(domain.ForumPage); ok {
			return page, nil
		}
	}
	return domain.ForumPage{Posts: []domain.ForumPost{}}, err
}

// ForumPostDetail fetches one post with replies, falling back to cache.
func (m *Manager) ForumPostDetail(ctx context.Context, postID int64) (*domain.ForumPost, error) {
	key := cache.KeyForumPost(postID)
	env, err := m.api.Call(ctx, apiclient.Request{
		Method: http.MethodGet,
		Path:   "/forum/posts/" + strconv.FormatInt(postID, 10),
	})
	if err == nil && env.Success {
		var post domain.ForumPost
		if err := env.Decode(&post); err == nil {
			m.cache.Set(key, post)
			return &post, nil
		}
	}
	m.logger.Warn("forum post degraded", "post_id", postID, "err", err)
	if v, ok := m.cache.Get(key); ok {
		if post, ok := v.(domain.ForumPost); ok {
			return &post, nil
		}
	}
	return nil, err
}

// CreateForumPost publishes a post and drops every forum cache entry.
func (m *Manager) CreateForumPost(ctx context.Context, post domain.ForumPost) (domain.ForumPost, error) {
	env, err := m.api.Call(ctx, apiclient.Request{
		Method: http.MethodPost,
		Path:   "/forum/posts",
		Body:   post,
	})
	if err != nil {
		return domain.ForumPost{}, fmt.Errorf("create post: %w", err)
	}
	if !env.Success {
		return domain.ForumPost{}, fmt.Errorf("create post: %s", env.Error)
	}
	var created domain.ForumPost
	if err := env.Decode(&created); err != nil {
		return domain.ForumPost{}, fmt.Errorf("create post: decode: %w", err)
	}
	m.cache.DeletePrefix(cache.PrefixForum)
	return created, nil
}

// ReplyToPost adds a reply and invalidates that post's detail entry.
func (m *Manager) ReplyToPost(ctx context.Context, postID int64, content string) error {
	env, err := m.api.Call(ctx, apiclient.Request{
		Method: http.MethodPost,
		Path:   "/forum/posts/" + strconv.FormatInt(postID, 10) + "/replies",
		Body:   map[string]string{"content": content},
	})
	if err != nil {
		return fmt.Errorf("reply: %w", err)
	}
	if !env.Success {
		return fmt.Errorf("reply: %s", env.Error)
	}
	m.cache.Delete(cache.KeyForumPost(postID))
	return nil
}

// Recommendations returns personalized recommendations by type,
// read-through with an empty fallback.
func (m *Manager) Recommendations(ctx context.Context, recType string, force bool) ([]domain.Recommendation, error) {
	if recType == "" {
		recType = "all"
	}
	key := cache.KeyRecommendations(recType)
	if !force {
		if v, ok := m.cache.Get(key); ok {
			if recs, ok := v.([]domain.Recommendation); ok {
				return recs, nil
			}
		}
	}
	env, err := m.api.Call(ctx, apiclient.Request{
		Method: http.MethodGet,
		Path:   "/recommendations",
		Query:  url.Values{"type": {recType}},
	})
	if err == nil && env.Success {
		var recs []domain.Recommendation
		if err := env.Decode(&recs); err == nil {
			m.cache.Set(key, recs)
			return recs, nil
		}
	}
	m.logger.Warn("recommendations degraded", "type", recType, "err", err)
	if v, ok := m.cache.Get(key); ok {
		if recs, ok := v.([]domain.Recommendation); ok {
			return recs, nil
		}
	}
	return []domain.Recommendation{}, err
}

// RecordRecommendationClick reports a click, best-effort. A recorded
// click feeds personalization, so cached recommendation lists are
// dropped to pick up the reordering on next read.
func (m *Manager) RecordRecommendationClick(ctx context.Context, recommendationID int64) {
	if _, err := m.api.Call(ctx, apiclient.Request{
		Method: http.MethodPost,
		Path:   "/recommendations/click",
		Body:   map[string]any{"recommendationId": recommendationID},
	}); err != nil {
		m.logger.Warn("record recommendation click failed", "err", err)
		return
	}
	m.cache.DeletePrefix(cache.PrefixRecs)
}
