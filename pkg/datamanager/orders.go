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

// CreateOrder submits an order draft. On success the cart and order
// caches are invalidated before the order is returned, so a follow-up
// cart read cannot observe pre-order state.
func (m *Manager) CreateOrder(ctx context.Context, draft domain.OrderDraft) (domain.Order, error) {
	env, err := m.api.Call(ctx, apiclient.Request{
		Method: http.MethodPost,
		Path:   "/order/",
		Body:   draft,
	})
	if err != nil {
		return domain.Order{}, fmt.Errorf("create order: %w", err)
	}
	if !env.Success {
		return domain.Order{}, fmt.Errorf("create order: %s", env.Error)
	}
	var order domain.Order
	if err := env.Decode(&order); err != nil {
		return domain.Order{}, fmt.Errorf("create order: decode: %w", err)
	}
	m.cache.DeletePrefix(cache.PrefixCart)
	m.cache.DeletePrefix(cache.PrefixOrders)
	m.publishCart([]domain.CartItem{})
	return order, nil
}

// Orders lists order history, read-through keyed by query shape.
func (m *Manager) Orders(ctx context.Context, params url.Values, force bool) (domain.OrderPage, error) {
	key := cache.KeyOrderList(params)
	if !force {
		if v, ok := m.cache.Get(key); ok {
			if page, ok := v.(domain.OrderPage); ok {
				return page, nil
			}
		}
	}
	env, err := m.api.Call(ctx, apiclient.Request{
		Method: http.MethodGet,
		Path:   "/order/",
		Query:  params,
	})
	if err == nil && env.Success {
		var page domain.OrderPage
		if err := env.Decode(&page); err == nil {
			m.cache.Set(key, page)
			return page, nil
		}
	}
	m.logger.Warn("order list degraded", "err", err)
	if v, ok := m.cache.Get(key); ok {
		if page, ok := v.(domain.OrderPage); ok {
			return page, nil
		}
	}
	return domain.OrderPage{Orders: []domain.Order{}}, err
}

// OrderDetail fetches one order, falling back to the cached copy.
func (m *Manager) OrderDetail(ctx context.Context, orderID int64) (*domain.Order, error) {
	key := cache.KeyOrderDetail(orderID)
	env, err := m.api.Call(ctx, apiclient.Request{
		Method: http.MethodGet,
		Path:   "/order/" + strconv.FormatInt(orderID, 10),
	})
	if err == nil && env.Success {
		var order domain.Order
		if err := env.Decode(&order); err == nil {
			m.cache.Set(key, order)
			return &order, nil
		}
	}
	m.logger.Warn("order detail degraded", "order_id", orderID, "err", err)
	if v, ok := m.cache.Get(key); ok {
		if order, ok := v.(domain.Order); ok {
			return &order, nil
		}
	}
	return nil, err
}

// PayOrder settles an order and invalidates its cache entries before
// returning.
func (m *Manager) PayOrder(ctx context.Context, orderID int64, method domain.PaymentMethod) (domain.Order, error) {
	env, err := m.api.Call(ctx, apiclient.Request{
		Method: http.MethodPut,
		Path:   "/order/" + strconv.FormatInt(orderID, 10) + "/pay",
		Body:   map[string]any{"paymentMethod": method},
	})
	if err != nil {
		return domain.Order{}, fmt.Errorf("pay order: %w", err)
	}
	if !env.Success {
		return domain.Order{}, fmt.Errorf("pay order: %s", env.Error)
	}
	var order domain.Order
	if err := env.Decode(&order); err != nil {
		return domain.Order{}, fmt.Errorf("pay order: decode: %w", err)
	}
	m.cache.Delete(cache.KeyOrderDetail(orderID))
	m.cache.DeletePrefix(cache.PrefixOrders)
	return order, nil
}
