package cache

import (
	"net/url"
	"strconv"
)

// Cache keys live in one place so invalidation prefixes cannot drift
// from the read paths that populate them.

const (
	KeyUserInfo        = "userInfo"
	KeyPreferences     = "userPreferences"
	KeyBooks           = "books"
	KeyCategories      = "categories"
	KeyCart            = "cart"
	KeyBrowsingHistory = "browsingHistory"

	PrefixCart   = "cart"
	PrefixForum  = "forum_"
	PrefixRecs   = "recommendations_"
	PrefixOrders = "orders"
)

// KeyBookList derives a key from list parameters; url.Values.Encode
// sorts by key, so equal queries always map to the same entry.
func KeyBookList(params url.Values) string {
	return "books_" + params.Encode()
}

func KeyBookDetail(bookID int64) string {
	return "book_" + strconv.FormatInt(bookID, 10)
}

func KeyOrderList(params url.Values) string {
	return "orders_" + params.Encode()
}

func KeyOrderDetail(orderID int64) string {
	return "order_" + strconv.FormatInt(orderID, 10)
}

func KeyForumList(params url.Values) string {
	return "forum_posts_" + params.Encode()
}

func KeyForumPost(postID int64) string {
	return "forum_post_" + strconv.FormatInt(postID, 10)
}

func KeyRecommendations(recType string) string {
	return "recommendations_" + recType
}
