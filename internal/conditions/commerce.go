package conditions

import (
	"context"
	"math"
	"strconv"
	"strings"
	"sync"
)

// CommerceProvider exposes a store's per-account order history and cart.
// Only logged-in accounts are ever looked up.
type CommerceProvider interface {
	CompletedOrderCount(ctx context.Context, accountID string) (int, error)
	TotalSpentCents(ctx context.Context, accountID string) (int64, error)
	CompletedItemCount(ctx context.Context, accountID string) (int, error)
	CartItemCount(ctx context.Context, accountID string) (int, error)
}

// CommerceDependency verifies that a commerce provider is configured.
type CommerceDependency struct {
	provider CommerceProvider
}

func NewCommerceDependency(p CommerceProvider) *CommerceDependency {
	return &CommerceDependency{provider: p}
}

func (d *CommerceDependency) Name() string { return "WooCommerce" }
func (d *CommerceDependency) Verify() bool { return d.provider != nil }
func (d *CommerceDependency) FailureMessage() string {
	return "WooCommerce is either not installed or not activated"
}

func commerceBase(id, description string, comparators, values []Option, kind Kind, dep Dependency) base {
	return base{
		id:          id,
		category:    CategoryCommerce,
		description: description,
		comparators: comparators,
		values:      values,
		kind:        kind,
		deps:        []Dependency{dep},
	}
}

// CompletedPurchase tests whether the account has any completed order.
type CompletedPurchase struct {
	base
	commerce CommerceProvider
}

func NewCompletedPurchase(p CommerceProvider, dep Dependency) *CompletedPurchase {
	return &CompletedPurchase{
		base:     commerceBase("woocommerce_completed_purchase", "Visitor Has Completed Purchase", []Option{optEquals}, boolValues, KindSelect, dep),
		commerce: p,
	}
}

func (c *CompletedPurchase) Matches(ctx context.Context, env Env, check Check) bool {
	if check.Comparator != CmpEquals {
		return false
	}
	want := isTrue(check.Value)
	if !env.LoggedIn() {
		return !want
	}
	if c.commerce == nil {
		return false
	}
	n, err := c.commerce.CompletedOrderCount(ctx, env.Account.ID)
	if err != nil {
		return false
	}
	return (n > 0) == want
}

// TotalSpend compares the account's lifetime spend. Amounts are compared in
// cents.
type TotalSpend struct {
	base
	commerce CommerceProvider
}

func NewTotalSpend(p CommerceProvider, dep Dependency) *TotalSpend {
	return &TotalSpend{
		base:     commerceBase("woocommerce_total_spend", "Total Spend", []Option{optMoreThan, optLessThan, optEquals}, nil, KindText, dep),
		commerce: p,
	}
}

func (c *TotalSpend) Matches(ctx context.Context, env Env, check Check) bool {
	if !env.LoggedIn() || c.commerce == nil {
		return false
	}
	want := parseCents(check.Value)
	spent, err := c.commerce.TotalSpentCents(ctx, env.Account.ID)
	if err != nil || spent <= 0 || want == 0 {
		return false
	}
	switch check.Comparator {
	case CmpMoreThan:
		return spent >= want
	case CmpLessThan:
		return spent <= want
	case CmpEquals:
		return spent == want
	}
	return false
}

func parseCents(v string) int64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0
	}
	return int64(math.Abs(math.Round(f * 100)))
}

// ProductsPurchased compares the number of items in the account's completed
// orders.
type ProductsPurchased struct {
	base
	commerce CommerceProvider
}

func NewProductsPurchased(p CommerceProvider, dep Dependency) *ProductsPurchased {
	return &ProductsPurchased{
		base:     commerceBase("woocommerce_total_products_purchased", "Total Products Purchased", []Option{optMoreThan, optLessThan, optEquals}, nil, KindText, dep),
		commerce: p,
	}
}

func (c *ProductsPurchased) Matches(ctx context.Context, env Env, check Check) bool {
	if !env.LoggedIn() || c.commerce == nil {
		return false
	}
	want, err := strconv.Atoi(strings.TrimSpace(check.Value))
	if err != nil || want <= 0 {
		return false
	}
	items, err := c.commerce.CompletedItemCount(ctx, env.Account.ID)
	if err != nil || items <= 0 {
		return false
	}
	switch check.Comparator {
	case CmpMoreThan:
		return items >= want
	case CmpLessThan:
		return items < want
	case CmpEquals:
		return items == want
	}
	return false
}

// CartContents tests whether the logged-in account's cart holds products.
type CartContents struct {
	base
	commerce CommerceProvider
}

func NewCartContents(p CommerceProvider, dep Dependency) *CartContents {
	return &CartContents{
		base:     commerceBase("woocommerce_cart_contents", "Cart Contents", []Option{optNotEmpty, optEmpty}, boolValues, KindSelect, dep),
		commerce: p,
	}
}

func (c *CartContents) Matches(ctx context.Context, env Env, check Check) bool {
	if !env.LoggedIn() || c.commerce == nil {
		return false
	}
	n, err := c.commerce.CartItemCount(ctx, env.Account.ID)
	if err != nil {
		return false
	}
	cmp := check.Comparator
	// "empty" with the value "false" is stored for "notEmpty".
	if cmp == CmpEmpty && check.Value == "false" {
		cmp = CmpNotEmpty
	}
	switch cmp {
	case CmpNotEmpty:
		return n > 0
	case CmpEmpty:
		return n == 0
	}
	return false
}

// AccountActivity is one account's commerce history.
type AccountActivity struct {
	CompletedOrders int   `json:"completed_orders" yaml:"completed_orders"`
	SpentCents      int64 `json:"spent_cents" yaml:"spent_cents"`
	ItemsPurchased  int   `json:"items_purchased" yaml:"items_purchased"`
	CartItems       int   `json:"cart_items" yaml:"cart_items"`
}

// MemoryCommerce is a CommerceProvider over an in-memory table, used when the
// commerce data is synced in by the host rather than queried live.
type MemoryCommerce struct {
	mu       sync.RWMutex
	accounts map[string]AccountActivity
}

func NewMemoryCommerce() *MemoryCommerce {
	return &MemoryCommerce{accounts: make(map[string]AccountActivity)}
}

// Set replaces an account's activity.
func (m *MemoryCommerce) Set(accountID string, a AccountActivity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[accountID] = a
}

func (m *MemoryCommerce) get(accountID string) AccountActivity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.accounts[accountID]
}

func (m *MemoryCommerce) CompletedOrderCount(_ context.Context, id string) (int, error) {
	return m.get(id).CompletedOrders, nil
}

func (m *MemoryCommerce) TotalSpentCents(_ context.Context, id string) (int64, error) {
	return m.get(id).SpentCents, nil
}

func (m *MemoryCommerce) CompletedItemCount(_ context.Context, id string) (int, error) {
	return m.get(id).ItemsPurchased, nil
}

func (m *MemoryCommerce) CartItemCount(_ context.Context, id string) (int, error) {
	return m.get(id).CartItems, nil
}
