// Package fleet implements the fleet manager (spec.md §4.4, C4): a single
// reconciliation loop that advances each under-setup worker through its
// setup state machine and elastically sizes the fleet against queue
// depth. Ticker shape grounded on
// internal/app/services/automation/scheduler.go, swapping the raw
// time.Ticker for robfig/cron's "@every" scheduling per SPEC_FULL.md's
// DOMAIN STACK (a fixed-interval cron expression reads better here than a
// bare duration constant).
package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/openxai-network/miniapp-factory/internal/agent"
	"github.com/openxai-network/miniapp-factory/internal/deployer"
	"github.com/openxai-network/miniapp-factory/internal/domain/worker"
	"github.com/openxai-network/miniapp-factory/internal/logger"
	"github.com/openxai-network/miniapp-factory/internal/metrics"
	"github.com/openxai-network/miniapp-factory/internal/store"
)

// Scope and service names fixed by the node-agent protocol (spec.md §4.2,
// §4.4).
const (
	ScopeCoder    = "container:miniapp-factory-coder"
	ScopeImagegen = "container:miniapp-factory-imagegen"

	coderServiceUser    = "miniapp-factory-coder"
	imagegenServiceUser = "miniapp-factory-imagegen"

	modelLoaderService = "ollama-model-loader.service"

	sshKeyPath = ".ssh/id_ed25519"
)

// Tick is the fleet manager's fixed reconciliation interval (spec.md §5:
// "10-15 s tick").
const Tick = 12 * time.Second

// Config configures a Manager.
type Config struct {
	Store         store.Store
	Dialer        agent.Dialer
	Deployer      deployer.Deployer
	Log           *logger.Logger
	DataDir       string
	LocalOwner    string // "eth:<local addr>" used as xnode_owner for new VMs
	CoderFlake    string
	ImagegenFlake string
}

// Manager is the system.Service running the fleet reconciliation loop.
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
func (m *Manager) Name() string { return "fleet" }

// Start begins the reconciliation loop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", Tick), func() { m.tick(ctx) }); err != nil {
		return fmt.Errorf("schedule fleet tick: %w", err)
	}
	c.Start()
	m.cron = c
	m.running = true

	m.log.Component("fleet").Info("fleet manager started")
	return nil
}

// Stop halts the reconciliation loop, waiting for any in-flight tick.
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

	m.log.Component("fleet").Info("fleet manager stopped")
	return nil
}

func (m *Manager) tick(ctx context.Context) {
	log := m.log.Component("fleet")

	workers, err := m.cfg.Store.GetAllWorkersNoSetupFinished(ctx)
	if err != nil {
		log.WithField("error", err.Error()).Warn("list workers pending setup failed")
	} else {
		for _, w := range workers {
			m.advanceSetup(ctx, w)
		}
		m.recordFleetSizeMetrics(ctx, workers)
	}

	if err := m.reconcileSize(ctx); err != nil {
		log.WithField("error", err.Error()).Warn("fleet sizing tick failed")
	}
}

// recordFleetSizeMetrics reports the fleet's worker count broken down by
// setup state, so an operator can see a stuck S0/S1/S2 worker on a
// dashboard rather than only in logs.
func (m *Manager) recordFleetSizeMetrics(ctx context.Context, pendingSetup []worker.Worker) {
	var noCoder, coderPending, imagegenPending int
	for _, w := range pendingSetup {
		switch w.SetupState() {
		case worker.SetupNoCoder:
			noCoder++
		case worker.SetupCoderPending:
			coderPending++
		case worker.SetupImagegenPending:
			imagegenPending++
		}
	}
	metrics.SetFleetSize("no_coder", noCoder)
	metrics.SetFleetSize("coder_pending", coderPending)
	metrics.SetFleetSize("imagegen_pending", imagegenPending)

	total, err := m.cfg.Store.GetWorkerCount(ctx)
	if err != nil {
		return
	}
	metrics.SetFleetSize("ready", total-len(pendingSetup))
}

// advanceSetup drives one worker through S0 -> S1 -> S2 -> finalize
// (spec.md §4.4 step 1). Every transition is a column update; re-running
// this from any persisted row converges without duplicating container
// deployments (P5).
func (m *Manager) advanceSetup(ctx context.Context, w worker.Worker) {
	log := m.log.Component("fleet").WithField("worker_id", w.ID)

	session, err := m.cfg.Dialer.Dial(ctx, deployer.Handle(w.Hardware))
	if err != nil {
		// Failures here are expected and ignored until the OS install
		// completes (spec.md §4.4 step 1.S0).
		return
	}

	switch w.SetupState() {
	case worker.SetupNoCoder:
		requestID, err := session.ConfigSet(ctx, ScopeCoder, agent.Settings{
			Flake:      m.cfg.CoderFlake,
			Network:    "containernet",
			NvidiaGPUs: []int{0},
		}, nil)
		if err != nil {
			return
		}
		if err := m.cfg.Store.UpdateWorkerCoderDeployment(ctx, w.ID, int64(requestID)); err != nil {
			log.WithField("error", err.Error()).Error("persist coder_deployment failed")
		}

	case worker.SetupCoderPending:
		result, err := session.RequestInfo(ctx, uint32(*w.CoderDeployment))
		if err != nil || result.Status != agent.RequestSuccess {
			return
		}
		requestID, err := session.ConfigSet(ctx, ScopeImagegen, agent.Settings{
			Flake:      m.cfg.ImagegenFlake,
			NvidiaGPUs: []int{0},
		}, nil)
		if err != nil {
			return
		}
		if err := m.cfg.Store.UpdateWorkerImagegenDeployment(ctx, w.ID, int64(requestID)); err != nil {
			log.WithField("error", err.Error()).Error("persist imagegen_deployment failed")
		}

	case worker.SetupImagegenPending:
		result, err := session.RequestInfo(ctx, uint32(*w.ImagegenDeployment))
		if err != nil || result.Status != agent.RequestSuccess {
			return
		}
		m.finalize(ctx, session, w)
	}
}

// finalize pushes the SSH key to both containers and marks setup_finished,
// once the model download has completed (spec.md §4.4 step 1.S2).
func (m *Manager) finalize(ctx context.Context, session *agent.Session, w worker.Worker) {
	log := m.log.Component("fleet").WithField("worker_id", w.ID)

	processes, err := session.ProcessList(ctx, ScopeCoder)
	if err != nil {
		return
	}
	if agent.HasProcess(processes, modelLoaderService) {
		// Model still downloading; wait for the next tick.
		return
	}

	key, err := os.ReadFile(filepath.Join(m.cfg.DataDir, sshKeyPath))
	if err != nil {
		log.WithField("error", err.Error()).Error("read local ssh key failed")
		return
	}

	for _, scoped := range []struct {
		scope       string
		serviceUser string
	}{
		{ScopeCoder, coderServiceUser},
		{ScopeImagegen, imagegenServiceUser},
	} {
		if err := m.pushSSHKey(ctx, session, scoped.scope, scoped.serviceUser, key); err != nil {
			log.WithField("error", err.Error()).WithField("scope", scoped.scope).Error("push ssh key failed")
			return
		}
	}

	if err := m.cfg.Store.UpdateWorkerSetupFinished(ctx, w.ID, true); err != nil {
		log.WithField("error", err.Error()).Error("persist setup_finished failed")
	}
}

func (m *Manager) pushSSHKey(ctx context.Context, session *agent.Session, scope, serviceUser string, key []byte) error {
	if err := session.CreateDirectory(ctx, scope, ".ssh", true); err != nil {
		return fmt.Errorf("create .ssh: %w", err)
	}
	if err := session.WriteFile(ctx, scope, sshKeyPath, key); err != nil {
		return fmt.Errorf("write id_ed25519: %w", err)
	}

	users, err := session.Users(ctx, scope)
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}
	groups, err := session.Groups(ctx, scope)
	if err != nil {
		return fmt.Errorf("list groups: %w", err)
	}
	user, ok := agent.FindByName(users, serviceUser)
	if !ok {
		return fmt.Errorf("service user %q not found", serviceUser)
	}
	group, ok := agent.FindByName(groups, serviceUser)
	if !ok {
		return fmt.Errorf("service group %q not found", serviceUser)
	}

	ownerID, groupID := user.ID, group.ID
	if err := session.SetPermissions(ctx, scope, sshKeyPath, &ownerID, &groupID, agent.ReadOnlyForOwner()); err != nil {
		return fmt.Errorf("set permissions: %w", err)
	}
	return nil
}

// reconcileSize implements the elastic sizing step (spec.md §4.4 step 2).
func (m *Manager) reconcileSize(ctx context.Context) error {
	log := m.log.Component("fleet")

	queued, err := m.cfg.Store.GetQueuedDeploymentCount(ctx)
	if err != nil {
		return fmt.Errorf("get queued count: %w", err)
	}
	workerCount, err := m.cfg.Store.GetWorkerCount(ctx)
	if err != nil {
		return fmt.Errorf("get worker count: %w", err)
	}

	if queued == 0 {
		idle, err := m.cfg.Store.GetAllDynamicUnassignedWorkers(ctx)
		if err != nil {
			return fmt.Errorf("list idle dynamic workers: %w", err)
		}
		for _, w := range idle {
			if err := m.cfg.Deployer.Undeploy(ctx, deployer.Handle(w.Hardware)); err != nil {
				log.WithField("worker_id", w.ID).WithField("error", err.Error()).Warn("undeploy failed, skipping this worker")
				continue
			}
			if err := m.cfg.Store.DeleteWorker(ctx, w.ID); err != nil {
				log.WithField("worker_id", w.ID).WithField("error", err.Error()).Error("delete worker row failed")
			}
		}
		return nil
	}

	extra := queued/3 - (workerCount - 1)
	if extra <= 0 {
		return nil
	}

	for i := 0; i < extra; i++ {
		handle, err := m.cfg.Deployer.Deploy(ctx, deployer.InitialConfig{XnodeOwner: m.cfg.LocalOwner})
		if err != nil {
			log.WithField("error", err.Error()).Warn("deploy failed")
			continue
		}
		if _, err := m.cfg.Store.InsertWorker(ctx, worker.Worker{
			Hardware: json.RawMessage(handle),
			Dynamic:  true,
		}); err != nil {
			log.WithField("error", err.Error()).Error("insert worker failed, undeploying to avoid a leak")
			if undeployErr := m.cfg.Deployer.Undeploy(ctx, handle); undeployErr != nil {
				log.WithField("error", undeployErr.Error()).Error("undeploy-after-insert-failure also failed")
			}
		}
	}
	return nil
}
