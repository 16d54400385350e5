// Package nftsync subscribes to the project NFT contract's on-chain
// Transfer events and rewrites project ownership to match (spec.md §4.8,
// C8). Grounded on internal/chain/listener_core.go's poll-and-dispatch
// loop, but driven by a push-style EventSource instead of Neo N3 block
// polling, since the event shape here (a single ERC-721-style Transfer)
// needs no contract-hash filtering or notification unpacking.
package nftsync

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/openxai-network/miniapp-factory/internal/crypto"
	"github.com/openxai-network/miniapp-factory/internal/logger"
	"github.com/openxai-network/miniapp-factory/internal/store"
)

// TransferEvent is one decoded Transfer(from, to, tokenId) log entry.
type TransferEvent struct {
	From    string // "0x"-prefixed hex address
	To      string // "0x"-prefixed hex address
	TokenID int64  // the uint256 tokenId, already range-checked by the source
}

// EventSource delivers Transfer events to handler until ctx is cancelled
// or the subscription itself fails unrecoverably. The concrete
// implementation (an EVM log subscription over HTTPRPC/WSRPC) is outside
// this module's scope.
type EventSource interface {
	Subscribe(ctx context.Context, handler func(TransferEvent)) error
}

// reconnectBackoff is how long Syncer waits before retrying a failed
// Subscribe call.
const reconnectBackoff = 5 * time.Second

// Syncer is the system.Service that keeps project ownership in sync with
// the NFT contract.
type Syncer struct {
	store  store.ProjectStore
	source EventSource
	log    *logger.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New creates a Syncer.
func New(s store.ProjectStore, source EventSource, log *logger.Logger) *Syncer {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Syncer{store: s, source: source, log: log}
}

// Name identifies this service for the system manager.
func (sy *Syncer) Name() string { return "nftsync" }

// Start begins the event subscription loop.
func (sy *Syncer) Start(ctx context.Context) error {
	sy.mu.Lock()
	if sy.running {
		sy.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	sy.cancel = cancel
	sy.running = true
	sy.mu.Unlock()

	sy.wg.Add(1)
	go func() {
		defer sy.wg.Done()
		sy.run(runCtx)
	}()

	sy.log.Component("nftsync").Info("nft sync started")
	return nil
}

// Stop cancels the subscription loop and waits for it to exit.
func (sy *Syncer) Stop(ctx context.Context) error {
	sy.mu.Lock()
	if !sy.running {
		sy.mu.Unlock()
		return nil
	}
	cancel := sy.cancel
	sy.running = false
	sy.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		sy.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	sy.log.Component("nftsync").Info("nft sync stopped")
	return nil
}

// run drives the subscription, reconnecting on failure until ctx is
// cancelled. Errors in individual events never terminate the loop
// (spec.md §4.8); only the Subscribe call itself returning means a
// reconnect is needed.
func (sy *Syncer) run(ctx context.Context) {
	log := sy.log.Component("nftsync")
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := sy.source.Subscribe(ctx, func(event TransferEvent) {
			sy.handle(ctx, event)
		})
		if err != nil && ctx.Err() == nil {
			log.WithField("error", err.Error()).Warn("transfer subscription failed, reconnecting")
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectBackoff):
			}
		}
	}
}

// handle applies one Transfer event to project ownership, per spec.md
// §4.8. Errors are logged, never propagated, so one malformed or
// unmatched event can't stall the subscription.
func (sy *Syncer) handle(ctx context.Context, event TransferEvent) {
	log := sy.log.Component("nftsync")

	if event.TokenID < math.MinInt32 || event.TokenID > math.MaxInt32 {
		log.WithField("token_id", event.TokenID).Error("token id overflows int32, dropping transfer")
		return
	}

	if crypto.IsZeroAddress(event.From) {
		// Freshly minted project; the database is already authoritative.
		return
	}

	tokenID := int(event.TokenID)
	p, err := sy.store.GetProjectByID(ctx, tokenID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.WithField("token_id", tokenID).Error("TRANSFER OF NON-EXISTENT PROJECT")
			return
		}
		log.WithField("token_id", tokenID).WithField("error", err.Error()).Error("could not load project for transfer")
		return
	}

	owner := crypto.NormalizeHexAddress(event.To)
	if err := sy.store.UpdateProjectOwner(ctx, p.Name, owner); err != nil {
		log.WithField("token_id", tokenID).WithField("error", err.Error()).Error("could not update project owner")
	}
}
