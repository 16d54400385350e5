// Package ledger manages the append-only credit ledger (spec.md §4.7,
// C7): pricing policy, insufficient-funds detection, and single-use promo
// code redemption. Structurally adapted from internal/gasbank.Manager
// (balance tracking backed by a store, insert-with-veto pattern) with the
// reservation/settlement machinery dropped since the ledger here has no
// notion of a pending reservation — only immediate grants and debits.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/openxai-network/miniapp-factory/internal/domain/credit"
	"github.com/openxai-network/miniapp-factory/internal/metrics"
	"github.com/openxai-network/miniapp-factory/internal/store"
)

// ErrInsufficientFunds is returned when a debit would drive an account's
// balance negative. The store's non-negative-sum trigger is the actual
// enforcement point (spec.md §4.1/§4.7); this sentinel lets callers (the
// HTTP surface) translate the failure into 402 without inspecting driver
// error text.
var ErrInsufficientFunds = errors.New("insufficient credits")

// Manager wraps a store.CreditStore with the pricing policy and promo-code
// redemption flow the create endpoint needs.
type Manager struct {
	store store.Store
}

// New creates a Manager over store.
func New(s store.Store) *Manager {
	return &Manager{store: s}
}

// Balance returns an account's current credit balance.
func (m *Manager) Balance(ctx context.Context, account string) (int64, error) {
	return m.store.GetTotalCreditsByAccount(ctx, account)
}

// PriceFor computes the cost of creating a project for caller, per spec.md
// §4.7's pricing policy: free for a caller's first project while the
// platform-wide project count is still small, 20,000,000 credits
// otherwise.
func (m *Manager) PriceFor(ctx context.Context, caller string) (int64, error) {
	owned, err := m.store.GetAllProjectsByOwner(ctx, caller)
	if err != nil {
		return 0, fmt.Errorf("list owned projects: %w", err)
	}
	total, err := m.store.GetProjectCount(ctx)
	if err != nil {
		return 0, fmt.Errorf("count projects: %w", err)
	}
	return credit.Price(len(owned), total), nil
}

// Debit charges account the given amount (price is evaluated by the
// caller before this is invoked, per spec.md §4.7: "Pricing is evaluated
// before insert and the debit uses the same computed value"). Only the
// store's non-negative-invariant veto is translated to
// ErrInsufficientFunds; any other store failure (a transient DB error,
// say) propagates as-is so callers don't mistake it for an empty account.
func (m *Manager) Debit(ctx context.Context, account string, amount int64, description string, at int64) error {
	if amount == 0 {
		return nil
	}
	_, err := m.store.InsertCredit(ctx, credit.Entry{
		Account:     account,
		Credits:     -amount,
		Description: description,
		Date:        at,
	})
	if err != nil {
		if errors.Is(err, store.ErrInsufficientCredits) {
			metrics.RecordLedgerDebit("insufficient_funds")
			return fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
		}
		metrics.RecordLedgerDebit("error")
		return fmt.Errorf("insert debit: %w", err)
	}
	metrics.RecordLedgerDebit("success")
	return nil
}

// Grant adds credits to account (promo redemption, admin top-up).
func (m *Manager) Grant(ctx context.Context, account string, amount int64, description string, at int64) error {
	_, err := m.store.InsertCredit(ctx, credit.Entry{
		Account:     account,
		Credits:     amount,
		Description: description,
		Date:        at,
	})
	if err != nil {
		return fmt.Errorf("grant credit: %w", err)
	}
	return nil
}

// RedeemPromoCode looks up code, CASes its redeemed_by to account so it
// can be redeemed at most once under concurrent requests, then grants its
// credits (spec.md §4.7).
func (m *Manager) RedeemPromoCode(ctx context.Context, code, account string, at int64) error {
	promo, err := m.store.GetUnredeemedPromoCode(ctx, code)
	if err != nil {
		return fmt.Errorf("lookup promo code: %w", err)
	}
	if err := m.store.RedeemPromoCode(ctx, code, account); err != nil {
		return fmt.Errorf("redeem promo code: %w", err)
	}
	return m.Grant(ctx, account, promo.Credits, fmt.Sprintf("promo code %s", promo.Code), at)
}
