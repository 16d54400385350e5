// Package nftminter implements the NFT minter task named in spec.md §5
// task 6: a 10 s tick that walks projects not yet represented on-chain
// and submits a mint transaction for each, recording the resulting tx
// hash on the project row. Ticker shape grounded on
// internal/fleet's cron.New("@every ...") usage; the mint-submission
// step itself mirrors internal/nftsync's "one failure never stops the
// loop" discipline.
package nftminter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/openxai-network/miniapp-factory/internal/domain/project"
	"github.com/openxai-network/miniapp-factory/internal/logger"
	"github.com/openxai-network/miniapp-factory/internal/metrics"
	"github.com/openxai-network/miniapp-factory/internal/store"
)

// Tick is the minter's fixed interval (spec.md §5: "10 s tick").
const Tick = 10 * time.Second

// Minter submits the on-chain mint transaction for a project and returns
// its transaction hash. The concrete implementation (an EVM contract
// call against the NFT contract named by spec.md §6's NFT env var) is
// outside this module's scope.
type Minter interface {
	Mint(ctx context.Context, tokenID int, owner string) (txHash string, err error)
}

// Config configures a Manager.
type Config struct {
	Store  store.ProjectStore
	Minter Minter
	Log    *logger.Logger
}

// Manager is the system.Service running the NFT minting loop.
type Manager struct {
	cfg Config
	log *logger.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// New creates a Manager.
func New(cfg Config) *Manager {
	log := cfg.Log
	if log == nil {
		log = logger.NewDefault()
	}
	return &Manager{cfg: cfg, log: log}
}

// Name identifies this service for the system manager.
func (m *Manager) Name() string { return "nftminter" }

// Start begins the minting loop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", Tick), func() { m.tick(ctx) }); err != nil {
		return fmt.Errorf("schedule nft minter tick: %w", err)
	}
	c.Start()
	m.cron = c
	m.running = true

	m.log.Component("nftminter").Info("nft minter started")
	return nil
}

// Stop halts the minting loop, waiting for any in-flight tick.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	c := m.cron
	m.running = false
	m.mu.Unlock()

	stopped := c.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	m.log.Component("nftminter").Info("nft minter stopped")
	return nil
}

// tick mints at most one project per invocation: GetNextUnminted always
// returns the same oldest-unminted row until the mint succeeds and the
// row is updated, so repeated ticks against a stuck mint naturally retry
// it rather than skipping ahead.
func (m *Manager) tick(ctx context.Context) {
	p, err := m.cfg.Store.GetNextUnminted(ctx)
	if err != nil {
		// No project awaiting a mint (sql.ErrNoRows) or a transient store
		// error; either way there's nothing actionable this tick.
		return
	}

	m.mintOne(ctx, p)
}

func (m *Manager) mintOne(ctx context.Context, p project.Project) {
	log := m.log.Component("nftminter").WithField("project", p.Name).WithField("token_id", p.ID)

	txHash, err := m.cfg.Minter.Mint(ctx, p.ID, p.Owner)
	if err != nil {
		log.WithField("error", err.Error()).Warn("mint transaction failed, retrying next tick")
		metrics.RecordNFTMint("failure")
		return
	}

	if err := m.cfg.Store.UpdateProjectNFTMint(ctx, p.Name, txHash); err != nil {
		log.WithField("error", err.Error()).Error("persist mint tx hash failed")
		metrics.RecordNFTMint("failure")
		return
	}
	metrics.RecordNFTMint("success")
}
