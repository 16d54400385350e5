// Package app wires every subsystem (store, ledger, node-agent dialer,
// fleet manager, dispatcher, completion watcher, NFT sync, NFT minter,
// HTTP façade) into one process.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"

	"github.com/openxai-network/miniapp-factory/internal/agent"
	"github.com/openxai-network/miniapp-factory/internal/config"
	"github.com/openxai-network/miniapp-factory/internal/crypto"
	"github.com/openxai-network/miniapp-factory/internal/deployer"
	"github.com/openxai-network/miniapp-factory/internal/dispatch"
	"github.com/openxai-network/miniapp-factory/internal/fleet"
	"github.com/openxai-network/miniapp-factory/internal/httpapi"
	"github.com/openxai-network/miniapp-factory/internal/ledger"
	"github.com/openxai-network/miniapp-factory/internal/logger"
	"github.com/openxai-network/miniapp-factory/internal/nftminter"
	"github.com/openxai-network/miniapp-factory/internal/nftsync"
	"github.com/openxai-network/miniapp-factory/internal/platform/database"
	"github.com/openxai-network/miniapp-factory/internal/platform/migrations"
	"github.com/openxai-network/miniapp-factory/internal/repohost"
	"github.com/openxai-network/miniapp-factory/internal/store"
	storepg "github.com/openxai-network/miniapp-factory/internal/store/postgres"
	"github.com/openxai-network/miniapp-factory/internal/system"
	"github.com/openxai-network/miniapp-factory/internal/watcher"
)

// Flakes names the two container flakes the fleet manager provisions onto
// every worker (spec.md §4.4 step 1.S0/S1); the concrete flake content is
// an operational detail outside this module's scope, so these are passed
// in as configuration rather than hardcoded.
type Flakes struct {
	Coder    string
	Imagegen string
}

// Collaborators holds the external systems spec.md §1 treats as abstract
// interfaces. Any of them may be nil; the corresponding service is then
// skipped at Start, since the process still has useful work to do (serve
// HTTP, run the ledger) without a concrete VM provisioner, chain RPC, or
// repo host wired in.
type Collaborators struct {
	Deployer    deployer.Deployer
	EventSource nftsync.EventSource
	Minter      nftminter.Minter
	RepoHost    repohost.Host
}

// Application owns every long-lived dependency and the system.Manager
// that sequences their lifecycle.
type Application struct {
	Config  *config.Config
	Log     *logger.Logger
	DB      *sql.DB
	Store   store.Store
	Ledger  *ledger.Manager
	HTTP    *httpapi.Service
	manager *system.Manager
}

// New builds an Application from cfg and collaborators, applying
// migrations and constructing every subsystem but not starting any of
// them (spec.md §5's task list is started by Start).
func New(ctx context.Context, cfg *config.Config, collab Collaborators, flakes Flakes) (*Application, error) {
	log := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: cfg.LogOutput})

	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrations.Apply(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	st := storepg.New(db)

	signingKey, err := crypto.LoadOrCreateKey(filepath.Join(cfg.DataDir, "secret.key"))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load signing key: %w", err)
	}
	localOwner := crypto.Address(signingKey)

	ledgerMgr := ledger.New(st)

	dialer := agent.Dialer{
		Deployer: collab.Deployer,
		Key:      signingKey,
		Domain:   cfg.Hostname,
	}
	hostDialer := func(ctx context.Context) (*agent.Session, error) {
		return dialer.DialURL(ctx, hostNodeBaseURL(cfg))
	}

	manager := system.NewManager()

	if collab.Deployer != nil {
		fleetMgr := fleet.New(fleet.Config{
			Store:         st,
			Dialer:        dialer,
			Deployer:      collab.Deployer,
			Log:           log,
			DataDir:       cfg.DataDir,
			LocalOwner:    localOwner,
			CoderFlake:    flakes.Coder,
			ImagegenFlake: flakes.Imagegen,
		})
		if err := manager.Register(fleetMgr); err != nil {
			db.Close()
			return nil, err
		}

		dispatcher := dispatch.New(dispatch.Config{Store: st, Dialer: dialer, Log: log})
		if err := manager.Register(dispatcher); err != nil {
			db.Close()
			return nil, err
		}

		watch := watcher.New(watcher.Config{Store: st, Dialer: dialer, HostDialer: hostDialer, Log: log})
		if err := manager.Register(watch); err != nil {
			db.Close()
			return nil, err
		}
	} else {
		log.Component("app").Warn("no hardware deployer configured; fleet manager, dispatcher, and completion watcher are disabled")
	}

	if collab.EventSource != nil {
		syncer := nftsync.New(st, collab.EventSource, log)
		if err := manager.Register(syncer); err != nil {
			db.Close()
			return nil, err
		}
	} else {
		log.Component("app").Warn("no chain event source configured; NFT sync is disabled")
	}

	if collab.Minter != nil {
		minterMgr := nftminter.New(nftminter.Config{Store: st, Minter: collab.Minter, Log: log})
		if err := manager.Register(minterMgr); err != nil {
			db.Close()
			return nil, err
		}
	} else {
		log.Component("app").Warn("no NFT minter configured; minting is disabled")
	}

	httpSvc := &httpapi.Service{
		Store:      st,
		Ledger:     ledgerMgr,
		RepoHost:   collab.RepoHost,
		Dialer:     dialer,
		HostDialer: hostDialer,
		LocalOwner: localOwner,
		Log:        log,
	}

	return &Application{
		Config:  cfg,
		Log:     log,
		DB:      db,
		Store:   st,
		Ledger:  ledgerMgr,
		HTTP:    httpSvc,
		manager: manager,
	}, nil
}

// Start runs every registered subsystem's Start hook in registration
// order (spec.md §5's six required tasks, minus the HTTP server which
// the caller runs separately since it owns the listener).
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop runs every registered subsystem's Stop hook in reverse order and
// closes the database handle.
func (a *Application) Stop(ctx context.Context) error {
	err := a.manager.Stop(ctx)
	if closeErr := a.DB.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// hostNodeBaseURL resolves the downstream host node's well-known address
// (spec.md §4.6 step 3); the node-agent's fixed port is appended the same
// way agent.Dialer.Dial does for worker handles.
func hostNodeBaseURL(cfg *config.Config) string {
	return fmt.Sprintf("https://%s:%d", cfg.Hostname, agent.DefaultPort)
}
