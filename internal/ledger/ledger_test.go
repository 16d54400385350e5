package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openxai-network/miniapp-factory/internal/domain/credit"
	"github.com/openxai-network/miniapp-factory/internal/domain/project"
	"github.com/openxai-network/miniapp-factory/internal/store/memory"
)

func TestPriceForFreeFirstProject(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	m := New(s)

	price, err := m.PriceFor(ctx, "eth:aaaa")
	require.NoError(t, err)
	assert.Equal(t, int64(0), price)

	_, err = s.InsertProject(ctx, project.Project{Name: "demo", Owner: "eth:aaaa"})
	require.NoError(t, err)

	price, err = m.PriceFor(ctx, "eth:aaaa")
	require.NoError(t, err)
	assert.Equal(t, credit.ProjectCreationPrice, price)
}

func TestDebitInsufficientFunds(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	m := New(s)

	require.NoError(t, m.Grant(ctx, "eth:aaaa", 19_999_999, "seed", 1))

	err := m.Debit(ctx, "eth:aaaa", credit.ProjectCreationPrice, "create project", 2)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	balance, err := m.Balance(ctx, "eth:aaaa")
	require.NoError(t, err)
	assert.Equal(t, int64(19_999_999), balance)
}

// TestConcurrentDebitsRespectNonNegativeInvariant drives P1: of N
// concurrent debits of equal size against an account seeded for exactly K
// of them to succeed, exactly K must succeed.
func TestConcurrentDebitsRespectNonNegativeInvariant(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	m := New(s)

	const size = int64(1000)
	const k = 5
	const attempts = 20

	require.NoError(t, m.Grant(ctx, "eth:aaaa", size*k, "seed", 0))

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := m.Debit(ctx, "eth:aaaa", size, "debit", int64(i)); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, k, succeeded)

	balance, err := m.Balance(ctx, "eth:aaaa")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

type failingCreditStore struct {
	*memory.Store
}

func (failingCreditStore) InsertCredit(ctx context.Context, e credit.Entry) (credit.Entry, error) {
	return credit.Entry{}, errors.New("connection reset by peer")
}

// TestDebitTransientStoreErrorIsNotInsufficientFunds pins the 402 boundary:
// only the store's invariant veto may read as "out of funds"; a transient
// store failure must surface as an ordinary error.
func TestDebitTransientStoreErrorIsNotInsufficientFunds(t *testing.T) {
	m := New(failingCreditStore{memory.New()})

	err := m.Debit(context.Background(), "eth:aaaa", 100, "debit", 1)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrInsufficientFunds))
}

func TestRedeemPromoCodeOnce(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	m := New(s)

	_, err := s.InsertPromoCode(ctx, credit.PromoCode{Code: "WELCOME", Credits: 500})
	require.NoError(t, err)

	require.NoError(t, m.RedeemPromoCode(ctx, "WELCOME", "eth:aaaa", 1))
	balance, err := m.Balance(ctx, "eth:aaaa")
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance)

	err = m.RedeemPromoCode(ctx, "WELCOME", "eth:bbbb", 2)
	assert.Error(t, err)
}
