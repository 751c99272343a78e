package domain

import "time"

type PaymentMethod string

const (
	PaymentAlipay       PaymentMethod = "alipay"
	PaymentWechat       PaymentMethod = "wechat"
	PaymentBankTransfer PaymentMethod = "bankTransfer"
)

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderPaid      OrderStatus = "paid"
	OrderShipped   OrderStatus = "shipped"
	OrderDelivered OrderStatus = "delivered"
	OrderCancelled OrderStatus = "cancelled"
)

type UserProfile struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	Phone     string    `json:"phone,omitempty"`
	RealName  string    `json:"realName,omitempty"`
	AvatarURL string    `json:"avatarUrl,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitzero"`
}

// Preferences mirrors the per-user settings document served by
// /user/preferences. Privacy is a pointer on purpose: an absent privacy
// block means the user never chose, which is not the same as tracking
// disabled.
type Preferences struct {
	Privacy      *PrivacyPreferences `json:"privacy,omitempty"`
	Notification map[string]bool     `json:"notification,omitempty"`
	Categories   []string            `json:"favoriteCategories,omitempty"`
}

type PrivacyPreferences struct {
	TrackBrowsing bool `json:"trackBrowsing"`
}

type Book struct {
	ID            int64   `json:"id"`
	Title         string  `json:"title"`
	Author        string  `json:"author"`
	Publisher     string  `json:"publisher,omitempty"`
	ISBN          string  `json:"isbn,omitempty"`
	Category      string  `json:"category,omitempty"`
	Description   string  `json:"description,omitempty"`
	CurrentPrice  float64 `json:"currentPrice"`
	OriginalPrice float64 `json:"originalPrice,omitempty"`
	StockQuantity int     `json:"stockQuantity,omitempty"`
	CoverImageURL string  `json:"coverImageUrl,omitempty"`
	Rating        float64 `json:"rating,omitempty"`
}

type Pagination struct {
	Page     int `json:"page"`
	PageSize int `json:"pageSize"`
	Total    int `json:"total"`
	Pages    int `json:"pages"`
}

// BookPage is a page of catalog results.
type BookPage struct {
	Books      []Book     `json:"books"`
	Pagination Pagination `json:"pagination"`
}

// CartItem is a cart line resolved to a displayable item. A line is never
// left priceless: resolution falls back through the catalog cache, the
// single-book endpoint, and a static price table before giving up.
type CartItem struct {
	ID            int64   `json:"id,omitempty"`
	BookID        int64   `json:"bookId"`
	Title         string  `json:"title"`
	Author        string  `json:"author"`
	Publisher     string  `json:"publisher,omitempty"`
	UnitPrice     float64 `json:"currentPrice"`
	OriginalPrice float64 `json:"originalPrice,omitempty"`
	Quantity      int     `json:"quantity"`
	CoverImageURL string  `json:"coverImageUrl,omitempty"`
	StockQuantity int     `json:"stockQuantity,omitempty"`
	Category      string  `json:"category,omitempty"`
}

// Subtotal is derived from unit price and quantity, never stored.
func (c CartItem) Subtotal() float64 {
	return c.UnitPrice * float64(c.Quantity)
}

// CartSnapshot is published to subscribers after every cart change.
type CartSnapshot struct {
	Items      []CartItem `json:"items"`
	TotalItems int        `json:"totalItems"`
}

func NewCartSnapshot(items []CartItem) CartSnapshot {
	total := 0
	for _, item := range items {
		total += item.Quantity
	}
	return CartSnapshot{Items: items, TotalItems: total}
}

type ShippingAddress struct {
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	Province string `json:"province,omitempty"`
	City     string `json:"city,omitempty"`
	District string `json:"district,omitempty"`
	Address  string `json:"address"`
}

type Invoice struct {
	Type  string `json:"type"`
	Title string `json:"title"`
}

// OrderDraft is built fresh per checkout attempt and never cached.
type OrderDraft struct {
	PaymentMethod PaymentMethod   `json:"paymentMethod"`
	Shipping      ShippingAddress `json:"shipping"`
	Invoice       *Invoice        `json:"invoice,omitempty"`
	Notes         string          `json:"notes,omitempty"`
	Items         []CartItem      `json:"items"`
	Total         float64         `json:"total"`
}

type Order struct {
	ID            int64           `json:"id"`
	OrderNumber   string          `json:"orderNumber"`
	UserID        int64           `json:"userId"`
	Status        OrderStatus     `json:"status"`
	Total         float64         `json:"total"`
	PaymentMethod PaymentMethod   `json:"paymentMethod"`
	Items         []CartItem      `json:"items,omitempty"`
	Shipping      ShippingAddress `json:"shipping,omitzero"`
	CustomerName  string          `json:"customerName,omitempty"`
	CustomerEmail string          `json:"customerEmail,omitempty"`
	CreatedAt     time.Time       `json:"createTime,omitzero"`
}

type OrderPage struct {
	Orders     []Order    `json:"orders"`
	Pagination Pagination `json:"pagination"`
}

type BrowsingRecord struct {
	ID       int64     `json:"id,omitempty"`
	BookID   int64     `json:"bookId"`
	Title    string    `json:"title,omitempty"`
	Duration int       `json:"duration"`
	Source   string    `json:"source"`
	ViewedAt time.Time `json:"viewedAt,omitzero"`
}

type ForumPost struct {
	ID         int64        `json:"id"`
	Title      string       `json:"title"`
	Content    string       `json:"content"`
	Author     string       `json:"author"`
	Category   string       `json:"category,omitempty"`
	ReplyCount int          `json:"replyCount,omitempty"`
	Replies    []ForumReply `json:"replies,omitempty"`
	CreatedAt  time.Time    `json:"createdAt,omitzero"`
}

type ForumReply struct {
	ID        int64     `json:"id"`
	Content   string    `json:"content"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt,omitzero"`
}

type ForumPage struct {
	Posts      []ForumPost `json:"posts"`
	Pagination Pagination  `json:"pagination"`
}

type Recommendation struct {
	ID     int64  `json:"id"`
	Book   Book   `json:"book"`
	Reason string `json:"reason,omitempty"`
	Type   string `json:"type,omitempty"`
}

// SavedAddress is a shipping address remembered between checkouts.
type SavedAddress struct {
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	Province string `json:"province,omitempty"`
	City     string `json:"city,omitempty"`
	District string `json:"district,omitempty"`
	Address  string `json:"address"`
}
