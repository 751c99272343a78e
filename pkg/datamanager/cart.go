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
	"huaxuanbooks/pkg/localstore"
)

// rawCartLine covers the shapes the server has been seen returning for
// a cart line: a nested book object, flat book fields, or a bare id.
type rawCartLine struct {
	ID            int64        `json:"id"`
	BookID        int64        `json:"bookId"`
	BookIDSnake   int64        `json:"book_id"`
	Quantity      int          `json:"quantity"`
	Book          *domain.Book `json:"book"`
	Title         string       `json:"title"`
	TitleSnake    string       `json:"book_title"`
	Author        string       `json:"author"`
	AuthorSnake   string       `json:"book_author"`
	CurrentPrice  float64      `json:"currentPrice"`
	Price         float64      `json:"price"`
	TotalPrice    float64      `json:"totalPrice"`
	CoverImageURL string       `json:"coverImageUrl"`
	CoverSnake    string       `json:"cover_image_url"`
}

func (l rawCartLine) bookID() int64 {
	if l.BookID != 0 {
		return l.BookID
	}
	if l.BookIDSnake != 0 {
		return l.BookIDSnake
	}
	return l.ID
}

func (l rawCartLine) title() string {
	if l.Title != "" {
		return l.Title
	}
	return l.TitleSnake
}

func (l rawCartLine) author() string {
	if l.Author != "" {
		return l.Author
	}
	return l.AuthorSnake
}

func (l rawCartLine) price() float64 {
	if l.CurrentPrice > 0 {
		return l.CurrentPrice
	}
	return l.Price
}

func (l rawCartLine) cover() string {
	if l.CoverImageURL != "" {
		return l.CoverImageURL
	}
	return l.CoverSnake
}

// Cart returns the enriched cart. Reads go through the cache unless
// forced; on failure the last cached value wins, then the persisted
// fallback, then an empty cart.
func (m *Manager) Cart(ctx context.Context, force bool) ([]domain.CartItem, error) {
	if !force {
		if v, ok := m.cache.Get(cache.KeyCart); ok {
			if items, ok := v.([]domain.CartItem); ok {
				return items, nil
			}
		}
	}
	v, err, _ := m.flight.Do(cache.KeyCart, func() (any, error) {
		env, err := m.api.Call(ctx, apiclient.Request{
			Method: http.MethodGet,
			Path:   "/order/cart",
		})
		if err != nil {
			return nil, err
		}
		if !env.Success {
			return nil, fmt.Errorf("cart: %s", env.Error)
		}
		lines, err := decodeCartLines(env.Data)
		if err != nil {
			return nil, err
		}
		items := make([]domain.CartItem, 0, len(lines))
		for _, line := range lines {
			items = append(items, m.enrichCartLine(ctx, line))
		}
		m.cache.Set(cache.KeyCart, items)
		m.persistCart(items)
		m.publishCart(items)
		return items, nil
	})
	if err != nil {
		m.logger.Warn("cart fetch degraded", "err", err)
		if cached, ok := m.cache.Get(cache.KeyCart); ok {
			if items, ok := cached.([]domain.CartItem); ok {
				return items, nil
			}
		}
		if items, ok := m.loadPersistedCart(); ok {
			return items, nil
		}
		return []domain.CartItem{}, err
	}
	return v.([]domain.CartItem), nil
}

// enrichCartLine resolves a raw line into a displayable item. Tiers in
// order: nested book object, flat line fields, cached catalog, the
// single-book endpoint, the static price table. The first tier that
// resolves wins.
func (m *Manager) enrichCartLine(ctx context.Context, line rawCartLine) domain.CartItem {
	bookID := line.bookID()
	quantity := line.Quantity
	if quantity < 1 {
		quantity = 1
	}

	if line.Book != nil && line.Book.Title != "" {
		book := line.Book
		return domain.CartItem{
			ID:            line.ID,
			BookID:        bookID,
			Title:         book.Title,
			Author:        orUnknownAuthor(book.Author),
			Publisher:     book.Publisher,
			UnitPrice:     book.CurrentPrice,
			OriginalPrice: book.OriginalPrice,
			Quantity:      quantity,
			CoverImageURL: book.CoverImageURL,
			StockQuantity: book.StockQuantity,
			Category:      book.Category,
		}
	}

	if line.title() != "" && line.author() != "" && line.price() > 0 {
		return domain.CartItem{
			ID:            line.ID,
			BookID:        bookID,
			Title:         line.title(),
			Author:        line.author(),
			UnitPrice:     line.price(),
			Quantity:      quantity,
			CoverImageURL: line.cover(),
		}
	}

	info := m.bookInfo(ctx, bookID)
	return domain.CartItem{
		ID:            line.ID,
		BookID:        bookID,
		Title:         info.Title,
		Author:        info.Author,
		UnitPrice:     info.CurrentPrice,
		Quantity:      quantity,
		CoverImageURL: info.CoverImageURL,
	}
}

// bookInfo resolves a bare book id: cached catalog first, then the
// single-book endpoint, then the static price table.
func (m *Manager) bookInfo(ctx context.Context, bookID int64) domain.Book {
	for _, book := range m.catalogBooks(ctx, false) {
		if book.ID == bookID {
			if book.CurrentPrice == 0 {
				book.CurrentPrice = fallbackPrice(bookID)
			}
			if book.Author == "" {
				book.Author = orUnknownAuthor("")
			}
			return book
		}
	}

	env, err := m.api.Call(ctx, apiclient.Request{
		Method: http.MethodGet,
		Path:   "/book/" + strconv.FormatInt(bookID, 10),
	})
	if err == nil && env.Success {
		var book domain.Book
		if err := env.Decode(&book); err == nil && book.ID != 0 {
			if book.CurrentPrice == 0 {
				book.CurrentPrice = fallbackPrice(bookID)
			}
			book.Author = orUnknownAuthor(book.Author)
			if book.Title == "" {
				book.Title = placeholderTitle(bookID)
			}
			return book
		}
	}
	if err != nil {
		m.logger.Warn("book info lookup failed", "book_id", bookID, "err", err)
	}

	return domain.Book{
		ID:           bookID,
		Title:        placeholderTitle(bookID),
		Author:       orUnknownAuthor(""),
		CurrentPrice: fallbackPrice(bookID),
	}
}

// AddToCart adds a book and forces a cart refresh so no stale entry
// survives the mutation.
func (m *Manager) AddToCart(ctx context.Context, bookID int64, quantity int) error {
	if quantity < 1 {
		quantity = 1
	}
	env, err := m.api.Call(ctx, apiclient.Request{
		Method: http.MethodPost,
		Path:   "/order/cart/add",
		Body:   map[string]any{"bookId": bookID, "quantity": quantity},
	})
	if err != nil {
		return fmt.Errorf("add to cart: %w", err)
	}
	if !env.Success {
		return fmt.Errorf("add to cart: %s", env.Error)
	}
	m.cache.DeletePrefix(cache.PrefixCart)
	if _, err := m.Cart(ctx, true); err != nil {
		m.logger.Warn("cart refresh after add failed", "err", err)
	}
	return nil
}

// UpdateCartItem sets a line's quantity. Quantities below one are a
// no-op: the floor is enforced here and no update call is issued.
func (m *Manager) UpdateCartItem(ctx context.Context, itemID int64, quantity int) error {
	if quantity < 1 {
		return nil
	}
	env, err := m.api.Call(ctx, apiclient.Request{
		Method: http.MethodPut,
		Path:   "/order/cart/update",
		Body:   map[string]any{"itemId": itemID, "quantity": quantity},
	})
	if err != nil {
		return fmt.Errorf("update cart: %w", err)
	}
	if !env.Success {
		return fmt.Errorf("update cart: %s", env.Error)
	}
	m.cache.DeletePrefix(cache.PrefixCart)
	if _, err := m.Cart(ctx, true); err != nil {
		m.logger.Warn("cart refresh after update failed", "err", err)
	}
	return nil
}

// RemoveFromCart removes a line.
func (m *Manager) RemoveFromCart(ctx context.Context, itemID int64) error {
	env, err := m.api.Call(ctx, apiclient.Request{
		Method: http.MethodDelete,
		Path:   "/order/cart/remove",
		Query:  url.Values{"itemId": {strconv.FormatInt(itemID, 10)}},
	})
	if err != nil {
		return fmt.Errorf("remove from cart: %w", err)
	}
	if !env.Success {
		return fmt.Errorf("remove from cart: %s", env.Error)
	}
	m.cache.DeletePrefix(cache.PrefixCart)
	if _, err := m.Cart(ctx, true); err != nil {
		m.logger.Warn("cart refresh after remove failed", "err", err)
	}
	return nil
}

// ClearCart empties the cart server-side and locally.
func (m *Manager) ClearCart(ctx context.Context) error {
	env, err := m.api.Call(ctx, apiclient.Request{
		Method: http.MethodDelete,
		Path:   "/order/cart/clear",
	})
	if err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}
	if !env.Success {
		return fmt.Errorf("clear cart: %s", env.Error)
	}
	m.cache.DeletePrefix(cache.PrefixCart)
	empty := []domain.CartItem{}
	m.cache.Set(cache.KeyCart, empty)
	m.persistCart(empty)
	m.publishCart(empty)
	return nil
}

// OnCartChange registers a subscriber for cart snapshots, the analog of
// the page-level cart-updated event.
func (m *Manager) OnCartChange(fn func(domain.CartSnapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cartSubs = append(m.cartSubs, fn)
}

func (m *Manager) publishCart(items []domain.CartItem) {
	m.mu.Lock()
	subs := make([]func(domain.CartSnapshot), len(m.cartSubs))
	copy(subs, m.cartSubs)
	m.mu.Unlock()
	snapshot := domain.NewCartSnapshot(items)
	for _, fn := range subs {
		fn(snapshot)
	}
}

func (m *Manager) persistCart(items []domain.CartItem) {
	data, err := json.Marshal(items)
	if err != nil {
		m.logger.Error("encode cart fallback", "err", err)
		return
	}
	if err := m.store.Set(localstore.KeyCartFallback, string(data)); err != nil {
		m.logger.Error("persist cart fallback", "err", err)
	}
}

func (m *Manager) loadPersistedCart() ([]domain.CartItem, bool) {
	raw, ok, err := m.store.Get(localstore.KeyCartFallback)
	if err != nil || !ok || raw == "" {
		return nil, false
	}
	var items []domain.CartItem
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, false
	}
	return items, true
}

// decodeCartLines accepts a bare array, an items wrapper, or a single
// line object.
func decodeCartLines(raw json.RawMessage) ([]rawCartLine, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var lines []rawCartLine
	if err := json.Unmarshal(raw, &lines); err == nil {
		return lines, nil
	}
	var wrapper struct {
		Items []rawCartLine `json:"items"`
	}
	if err := json.Unmarshal(raw, &wrapper); err == nil && wrapper.Items != nil {
		return wrapper.Items, nil
	}
	var single rawCartLine
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, fmt.Errorf("decode cart: %w", err)
	}
	return []rawCartLine{single}, nil
}

func fallbackPrice(bookID int64) float64 {
	if price, ok := defaultPrices[bookID]; ok {
		return price
	}
	return placeholderPrice
}

func placeholderTitle(bookID int64) string {
	return "Book #" + strconv.FormatInt(bookID, 10)
}

func orUnknownAuthor(author string) string {
	if author == "" {
		return "Unknown author"
	}
	return author
}
