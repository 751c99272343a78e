package datamanager

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"huaxuanbooks/pkg/apiclient"
	"huaxuanbooks/pkg/cache"
	"huaxuanbooks/pkg/domain"
)

// defaultPrices is the last-resort price table for cart lines the
// server returned without a price and the catalog could not resolve.
var defaultPrices = map[int64]float64{
	1: 59.99, 2: 45.00, 3: 39.99, 4: 89.00, 5: 29.99,
	6: 29.00, 9: 32.00,
}

const placeholderPrice = 29.99

// Books returns a catalog page, read-through keyed by the query shape.
func (m *Manager) Books(ctx context.Context, params url.Values, force bool) (domain.BookPage, error) {
	key := cache.KeyBookList(params)
	if !force {
		if v, ok := m.cache.Get(key); ok {
			if page, ok := v.(domain.BookPage); ok {
				return page, nil
			}
		}
	}
	v, err, _ := m.flight.Do(key, func() (any, error) {
		env, err := m.api.Call(ctx, apiclient.Request{
			Method: http.MethodGet,
			Path:   "/book/",
			Query:  params,
		})
		if err != nil {
			return nil, err
		}
		if !env.Success {
			return nil, fmt.Errorf("book list: %s", env.Error)
		}
		page, err := decodeBookPage(env.Data)
		if err != nil {
			return nil, err
		}
		m.cache.Set(key, page)
		return page, nil
	})
	if err != nil {
		m.logger.Warn("book list degraded", "err", err)
		if cached, ok := m.cache.Get(key); ok {
			if page, ok := cached.(domain.BookPage); ok {
				return page, nil
			}
		}
		return domain.BookPage{Books: []domain.Book{}}, err
	}
	return v.(domain.BookPage), nil
}

// BookDetail returns one book, read-through, and records the view in
// browsing history off the request path.
func (m *Manager) BookDetail(ctx context.Context, bookID int64) (*domain.Book, error) {
	key := cache.KeyBookDetail(bookID)
	if v, ok := m.cache.Get(key); ok {
		if book, ok := v.(domain.Book); ok {
			return &book, nil
		}
	}
	env, err := m.api.Call(ctx, apiclient.Request{
		Method: http.MethodGet,
		Path:   "/book/" + strconv.FormatInt(bookID, 10),
	})
	if err != nil {
		m.logger.Warn("book detail degraded", "book_id", bookID, "err", err)
		return nil, err
	}
	if !env.Success {
		return nil, fmt.Errorf("book detail: %s", env.Error)
	}
	var book domain.Book
	if err := env.Decode(&book); err != nil {
		return nil, fmt.Errorf("book detail: decode: %w", err)
	}
	m.cache.Set(key, book)

	go m.RecordView(context.WithoutCancel(ctx), bookID, 60, "direct")

	return &book, nil
}

// SearchBooks queries the catalog. Results are not cached: search
// shapes are too varied to be worth the entries.
func (m *Manager) SearchBooks(ctx context.Context, query string, filters url.Values) (domain.BookPage, error) {
	params := url.Values{}
	for k, vs := range filters {
		for _, v := range vs {
			params.Add(k, v)
		}
	}
	params.Set("q", query)
	env, err := m.api.Call(ctx, apiclient.Request{
		Method: http.MethodGet,
		Path:   "/book/search",
		Query:  params,
	})
	if err != nil {
		m.logger.Warn("search degraded", "query", query, "err", err)
		return domain.BookPage{Books: []domain.Book{}}, err
	}
	if !env.Success {
		return domain.BookPage{Books: []domain.Book{}}, fmt.Errorf("search: %s", env.Error)
	}
	return decodeBookPage(env.Data)
}

// Categories returns the category list, read-through with an empty
// fallback.
func (m *Manager) Categories(ctx context.Context, force bool) ([]string, error) {
	if !force {
		if v, ok := m.cache.Get(cache.KeyCategories); ok {
			if cats, ok := v.([]string); ok {
				return cats, nil
			}
		}
	}
	v, err, _ := m.flight.Do(cache.KeyCategories, func() (any, error) {
		env, err := m.api.Call(ctx, apiclient.Request{
			Method: http.MethodGet,
			Path:   "/book/categories",
		})
		if err != nil {
			return nil, err
		}
		if !env.Success {
			return nil, fmt.Errorf("categories: %s", env.Error)
		}
		var cats []string
		if err := env.Decode(&cats); err != nil {
			return nil, fmt.Errorf("categories: decode: %w", err)
		}
		m.cache.Set(cache.KeyCategories, cats)
		return cats, nil
	})
	if err == nil {
		return v.([]string), nil
	}
	m.logger.Warn("categories degraded", "err", err)
	if v, ok := m.cache.Get(cache.KeyCategories); ok {
		if cats, ok := v.([]string); ok {
			return cats, nil
		}
	}
	return []string{}, err
}

// catalogBooks returns the flat cached catalog used by cart enrichment,
// fetching it once when absent.
func (m *Manager) catalogBooks(ctx context.Context, force bool) []domain.Book {
	if !force {
		if v, ok := m.cache.Get(cache.KeyBooks); ok {
			if books, ok := v.([]domain.Book); ok {
				return books
			}
		}
	}
	page, err := m.Books(ctx, nil, force)
	if err != nil && len(page.Books) == 0 {
		return nil
	}
	m.cache.Set(cache.KeyBooks, page.Books)
	return page.Books
}

// decodeBookPage accepts both server shapes: a page object with books
// and pagination, or a bare array.
func decodeBookPage(raw json.RawMessage) (domain.BookPage, error) {
	if len(raw) == 0 {
		return domain.BookPage{Books: []domain.Book{}}, nil
	}
	var page domain.BookPage
	if err := json.Unmarshal(raw, &page); err == nil && page.Books != nil {
		return page, nil
	}
	var books []domain.Book
	if err := json.Unmarshal(raw, &books); err != nil {
		return domain.BookPage{}, fmt.Errorf("decode book page: %w", err)
	}
	return domain.BookPage{Books: books}, nil
}
