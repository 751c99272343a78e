// Package checkout drives the order submission flow: form validation,
// order creation, payment dispatch, and post-payment side effects. The
// flow is a small state machine; validation fails closed before any
// network call, and a failed payment leaves cart and order intact for a
// re-attempt.
package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"

	"huaxuanbooks/pkg/apiclient"
	"huaxuanbooks/pkg/datamanager"
	"huaxuanbooks/pkg/domain"
	"huaxuanbooks/pkg/localstore"
)

// State is the checkout flow position.
type State string

const (
	StateIdle           State = "idle"
	StateFormValidating State = "formValidating"
	StateOrderCreating  State = "orderCreating"
	StatePaymentPending State = "paymentPending"
	StatePaySucceeded   State = "paymentSucceeded"
	StatePayFailed      State = "paymentFailed"
)

// CouponCode is the one recognized coupon; it grants a flat 10% off the
// current subtotal.
const CouponCode = "BOOK2024"

const couponRate = 0.10

var phonePattern = regexp.MustCompile(`^1[3-9]\d{9}$`)

var (
	ErrEmptyCart          = errors.New("cart is empty")
	ErrIncompleteShipping = errors.New("incomplete shipping information")
	ErrInvalidPhone       = errors.New("invalid phone number")
	ErrInvalidCoupon      = errors.New("invalid coupon code")
	ErrNoPaymentBridge    = errors.New("no bridge for payment method")
	ErrPaymentFailed      = errors.New("payment failed")
	errMissingRecipient   = errors.New("recipient email missing")
	errSubmitInterrupted  = errors.New("checkout submission interrupted")
)

// PaymentBridge is an opaque external payment surface. Each adapter
// translates its SDK's own success-code convention into a nil error.
type PaymentBridge interface {
	Pay(ctx context.Context, payInfo json.RawMessage) error
}

// BankTransferInfo is shown when the user pays by transfer; there is no
// asynchronous confirmation, showing it resolves the payment.
type BankTransferInfo struct {
	Bank      string
	Account   string
	Holder    string
	OrderID   int64
	Reference string
}

// Notifier receives user-visible checkout messages and the bank
// transfer instructions. The host owns rendering and any auto-dismiss
// timers.
type Notifier interface {
	ShowMessage(msg string)
	ShowBankTransfer(info BankTransferInfo)
}

// RedirectFunc is invoked on payment success. emailSent reports whether
// the confirmation email went out; the redirect happens either way.
type RedirectFunc func(orderID int64, emailSent bool)

// Form carries the submitted checkout fields.
type Form struct {
	PaymentMethod domain.PaymentMethod
	Shipping      domain.ShippingAddress
	Invoice       *domain.Invoice
	Notes         string
}

// Config wires the controller's collaborators.
type Config struct {
	Data     *datamanager.Manager
	API      *apiclient.Client
	Store    localstore.Store
	Bridges  map[domain.PaymentMethod]PaymentBridge
	Notify   Notifier
	Redirect RedirectFunc
	Logger   *slog.Logger
}

// Controller owns one checkout surface's state.
type Controller struct {
	data     *datamanager.Manager
	api      *apiclient.Client
	store    localstore.Store
	bridges  map[domain.PaymentMethod]PaymentBridge
	notify   Notifier
	redirect RedirectFunc
	logger   *slog.Logger

	state    State
	items    []domain.CartItem
	discount float64
}

// New constructs an idle checkout controller.
func New(cfg Config) (*Controller, error) {
	if cfg.Data == nil || cfg.API == nil || cfg.Store == nil {
		return nil, fmt.Errorf("data manager, api client, and store are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		data:     cfg.Data,
		api:      cfg.API,
		store:    cfg.Store,
		bridges:  cfg.Bridges,
		notify:   cfg.Notify,
		redirect: cfg.Redirect,
		logger:   logger,
		state:    StateIdle,
	}, nil
}

// State reports the current flow position.
func (c *Controller) State() State {
	return c.state
}

// Load reads the displayed cart and discount from the local store, the
// persisted fallback written by the data manager. No network call is
// made: checkout renders what the cart page last showed.
func (c *Controller) Load() {
	c.items = nil
	if raw, ok, _ := c.store.Get(localstore.KeyCartFallback); ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &c.items); err != nil {
			c.logger.Warn("corrupt cart fallback", "err", err)
			c.items = nil
		}
	}
	c.discount = 0
	if raw, ok, _ := c.store.Get(localstore.KeyDiscount); ok && raw != "" {
		if d, err := strconv.ParseFloat(raw, 64); err == nil {
			c.discount = d
		}
	}
}

// Items returns the loaded cart lines.
func (c *Controller) Items() []domain.CartItem {
	return c.items
}

// Totals recomputes the amount summary from the loaded cart. The
// discount is a persisted scalar reapplied on every recomputation.
func (c *Controller) Totals() (subtotal, discount, total float64) {
	for _, item := range c.items {
		subtotal += item.Subtotal()
	}
	return subtotal, c.discount, subtotal - c.discount
}

// ApplyCoupon validates a coupon against the current subtotal. The
// discount is recomputed from the subtotal, not accumulated, so
// reapplying the same code is idempotent. Invalid codes leave the
// discount unchanged.
func (c *Controller) ApplyCoupon(code string) error {
	if code == "" {
		c.message("Enter a coupon code")
		return ErrInvalidCoupon
	}
	if code != CouponCode {
		c.message("Invalid coupon code")
		return ErrInvalidCoupon
	}
	subtotal, _, _ := c.Totals()
	c.discount = subtotal * couponRate
	if err := c.store.Set(localstore.KeyDiscount, strconv.FormatFloat(c.discount, 'f', -1, 64)); err != nil {
		c.logger.Error("persist discount", "err", err)
	}
	c.message("Coupon applied")
	return nil
}

// Submit runs the whole flow: validate, create the order, dispatch the
// payment. Unexpected panics are caught at this top level so the user
// is never left on a broken intermediate state.
func (c *Controller) Submit(ctx context.Context, form Form) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("checkout submit panicked", "panic", r)
			c.state = StateIdle
			c.message("Order submission failed, please retry")
			err = errSubmitInterrupted
		}
	}()

	c.state = StateFormValidating
	if err := c.validate(form); err != nil {
		c.state = StateIdle
		return err
	}

	c.state = StateOrderCreating
	_, _, total := c.Totals()
	order, err := c.data.CreateOrder(ctx, domain.OrderDraft{
		PaymentMethod: form.PaymentMethod,
		Shipping:      form.Shipping,
		Invoice:       form.Invoice,
		Notes:         form.Notes,
		Items:         c.items,
		Total:         total,
	})
	if err != nil {
		c.state = StateIdle
		c.message("Failed to create order, please retry")
		return err
	}

	c.state = StatePaymentPending
	return c.dispatchPayment(ctx, form.PaymentMethod, order.ID)
}

// validate fails closed: any missing field blocks submission with a
// user-visible message and no network call.
func (c *Controller) validate(form Form) error {
	s := form.Shipping
	if s.Name == "" || s.Phone == "" || s.Address == "" {
		c.message("Please complete the shipping information")
		return ErrIncompleteShipping
	}
	if !phonePattern.MatchString(s.Phone) {
		c.message("Please enter a valid mobile number")
		return ErrInvalidPhone
	}
	if len(c.items) == 0 {
		c.message("Your cart is empty, add some books first")
		return ErrEmptyCart
	}
	return nil
}

func (c *Controller) dispatchPayment(ctx context.Context, method domain.PaymentMethod, orderID int64) error {
	if method == domain.PaymentBankTransfer {
		// Static instructions; showing them resolves the payment.
		if c.notify != nil {
			c.notify.ShowBankTransfer(BankTransferInfo{
				Bank:      "ICBC",
				Account:   "1234 5678 9012 3456",
				Holder:    "Huaxuan Books",
				OrderID:   orderID,
				Reference: "order " + strconv.FormatInt(orderID, 10),
			})
		}
		c.resolveSuccess(ctx, orderID)
		return nil
	}

	bridge, ok := c.bridges[method]
	if !ok {
		c.state = StateIdle
		c.message("Unsupported payment method")
		return ErrNoPaymentBridge
	}

	payInfo, err := c.fetchPayInfo(ctx, method, orderID)
	if err != nil {
		c.state = StatePayFailed
		c.message("Failed to start payment, please retry")
		return err
	}
	if err := bridge.Pay(ctx, payInfo); err != nil {
		// Cart and order stay intact for a re-attempt.
		c.state = StatePayFailed
		c.message("Payment failed, please retry")
		return fmt.Errorf("%w: %w", ErrPaymentFailed, err)
	}
	c.resolveSuccess(ctx, orderID)
	return nil
}

func (c *Controller) fetchPayInfo(ctx context.Context, method domain.PaymentMethod, orderID int64) (json.RawMessage, error) {
	env, err := c.api.Call(ctx, apiclient.Request{
		Method: http.MethodGet,
		Path:   "/payments/" + string(method) + "/" + strconv.FormatInt(orderID, 10),
	})
	if err != nil {
		return nil, fmt.Errorf("fetch pay info: %w", err)
	}
	if !env.Success {
		return nil, fmt.Errorf("fetch pay info: %s", env.Error)
	}
	var payload struct {
		PayInfo json.RawMessage `json:"payInfo"`
	}
	if err := env.Decode(&payload); err != nil {
		return nil, fmt.Errorf("fetch pay info: decode: %w", err)
	}
	return payload.PayInfo, nil
}

// resolveSuccess runs the post-payment side effects. The confirmation
// email is best-effort: its failure is logged and flagged to the next
// screen, never allowed to block the redirect.
func (c *Controller) resolveSuccess(ctx context.Context, orderID int64) {
	c.state = StatePaySucceeded
	c.message("Payment successful")

	emailSent := true
	if err := c.sendConfirmationEmail(ctx, orderID); err != nil {
		c.logger.Warn("confirmation email failed", "order_id", orderID, "err", err)
		emailSent = false
	}

	if err := c.store.Delete(localstore.KeyCartFallback, localstore.KeyDiscount); err != nil {
		c.logger.Error("clear cart state", "err", err)
	}
	c.items = nil
	c.discount = 0

	if c.redirect != nil {
		c.redirect(orderID, emailSent)
	}
}

func (c *Controller) sendConfirmationEmail(ctx context.Context, orderID int64) error {
	order, err := c.data.OrderDetail(ctx, orderID)
	if err != nil || order == nil {
		return fmt.Errorf("order detail for email: %w", err)
	}

	email := order.CustomerEmail
	if email == "" {
		email, _, _ = c.store.Get(localstore.KeyUserEmail)
	}
	if email == "" {
		return errMissingRecipient
	}
	username := order.CustomerName
	if username == "" {
		if v, ok, _ := c.store.Get(localstore.KeyUsername); ok && v != "" {
			username = v
		} else {
			username = "customer"
		}
	}

	env, err := c.api.Call(ctx, apiclient.Request{
		Method: http.MethodPost,
		Path:   "/email/send",
		Body: map[string]any{
			"email":      email,
			"email_type": "order_confirm",
			"username":   username,
			"user_id":    order.UserID,
			"order_data": map[string]any{
				"orderId":       order.ID,
				"orderNumber":   order.OrderNumber,
				"orderDate":     order.CreatedAt,
				"total":         order.Total,
				"paymentMethod": order.PaymentMethod,
				"items":         order.Items,
				"shipping":      order.Shipping,
				"username":      username,
			},
		},
	})
	if err != nil {
		return err
	}
	if !env.Success {
		return fmt.Errorf("email send: %s", env.Error)
	}
	return nil
}

// SavedAddresses lists shipping addresses remembered from earlier
// checkouts.
func (c *Controller) SavedAddresses() []domain.SavedAddress {
	raw, ok, _ := c.store.Get(localstore.KeySavedAddresses)
	if !ok || raw == "" {
		return nil
	}
	var addrs []domain.SavedAddress
	if err := json.Unmarshal([]byte(raw), &addrs); err != nil {
		c.logger.Warn("corrupt saved addresses", "err", err)
		return nil
	}
	return addrs
}

// SaveAddress appends a shipping address for future checkouts.
func (c *Controller) SaveAddress(addr domain.SavedAddress) error {
	addrs := append(c.SavedAddresses(), addr)
	data, err := json.Marshal(addrs)
	if err != nil {
		return fmt.Errorf("encode addresses: %w", err)
	}
	if err := c.store.Set(localstore.KeySavedAddresses, string(data)); err != nil {
		return fmt.Errorf("save addresses: %w", err)
	}
	return nil
}

func (c *Controller) message(msg string) {
	if c.notify != nil {
		c.notify.ShowMessage(msg)
	}
}
