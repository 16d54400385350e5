// Package dispatch implements the dispatcher (spec.md §4.5, C5): a single
// fast loop that pairs the oldest unfinished deployment with an available
// worker and starts the coder service on it. Ticker shape grounded on
// internal/app/services/automation/scheduler.go.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/openxai-network/miniapp-factory/internal/agent"
	"github.com/openxai-network/miniapp-factory/internal/deployer"
	"github.com/openxai-network/miniapp-factory/internal/domain/deployment"
	"github.com/openxai-network/miniapp-factory/internal/logger"
	"github.com/openxai-network/miniapp-factory/internal/metrics"
	"github.com/openxai-network/miniapp-factory/internal/store"
)

// Scope and path constants fixed by the node-agent protocol and the coder
// container's filesystem layout (spec.md §4.5).
const (
	ScopeCoder         = "container:miniapp-factory-coder"
	coderVarLib        = "/var/lib/miniapp-factory-coder"
	assignmentFileName = coderVarLib + "/assignment.json"
	coderServiceUser   = "miniapp-factory-coder"
	coderServiceName   = "miniapp-factory-coder.service"
)

// Tick is the dispatcher's fixed loop interval (spec.md §5: "0.5-1 s").
const Tick = 750 * time.Millisecond

// Config configures a Dispatcher.
type Config struct {
	Store  store.Store
	Dialer agent.Dialer
	Log    *logger.Logger
}

// Dispatcher is the system.Service pairing queued deployments with
// available workers.
type Dispatcher struct {
	cfg Config
	log *logger.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	log := cfg.Log
	if log == nil {
		log = logger.NewDefault()
	}
	return &Dispatcher{cfg: cfg, log: log}
}

// Name identifies this service for the system manager.
func (d *Dispatcher) Name() string { return "dispatch" }

// Start begins the dispatch loop.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(Tick)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				d.tick(runCtx)
			}
		}
	}()

	d.log.Component("dispatch").Info("dispatcher started")
	return nil
}

// Stop halts the dispatch loop, waiting for any in-flight tick.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	cancel := d.cancel
	d.running = false
	d.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	d.log.Component("dispatch").Info("dispatcher stopped")
	return nil
}

// tick pairs at most one deployment with one worker per invocation (spec.md
// §4.5: "the loop must not block holding one without the other; if either
// is missing the tick is dropped").
func (d *Dispatcher) tick(ctx context.Context) {
	log := d.log.Component("dispatch")
	start := time.Now()

	if queued, err := d.cfg.Store.GetQueuedDeploymentCount(ctx); err == nil {
		metrics.SetQueueDepth(queued)
	}

	dep, err := d.cfg.Store.GetNextUnfinishedDeployment(ctx)
	if err != nil {
		// No queued deployment (sql.ErrNoRows) or a transient store error;
		// either way this tick has nothing to do.
		return
	}

	w, err := d.cfg.Store.GetAvailableWorker(ctx)
	if err != nil {
		return
	}
	defer func() { metrics.ObserveDispatchLatency(time.Since(start)) }()

	project, err := d.cfg.Store.GetProjectByName(ctx, dep.Project)
	if err != nil {
		log.WithField("project", dep.Project).WithField("error", err.Error()).Error("resolve project for dispatch failed")
		return
	}

	assignment, err := json.Marshal(deployment.CoderAssignment{
		Project:      dep.Project,
		Instructions: dep.Instructions,
		Version:      project.Version,
	})
	if err != nil {
		log.WithField("error", err.Error()).Error("marshal coder assignment failed")
		return
	}

	session, err := d.cfg.Dialer.Dial(ctx, deployer.Handle(w.Hardware))
	if err != nil {
		// Worker unreachable this tick; leave both rows untouched and retry
		// on the next one.
		return
	}

	if err := d.assign(ctx, session, assignment); err != nil {
		log.WithField("worker_id", w.ID).WithField("deployment_id", dep.ID).WithField("error", err.Error()).Error("coder assignment failed")
		return
	}

	now := time.Now().Unix()
	if err := d.cfg.Store.UpdateWorkerAssignment(ctx, w.ID, &dep.ID); err != nil {
		log.WithField("worker_id", w.ID).WithField("error", err.Error()).Error("persist worker assignment failed")
		return
	}
	if err := d.cfg.Store.UpdateDeploymentCodingStarted(ctx, dep.ID, now); err != nil {
		log.WithField("deployment_id", dep.ID).WithField("error", err.Error()).Error("persist coding_started_at failed")
	}
}

// assign performs the agent-side half of dispatch (spec.md §4.5 step 4).
// It always runs before any store mutation: a crash partway through this
// leaves a worker whose coder may be running with no DB linkage. Nothing
// reads that assignment file back: the completion watcher only visits
// workers whose assignment column is set, while the worker still counts as
// available and the deployment stays queued, so a later tick dispatches
// that deployment again.
func (d *Dispatcher) assign(ctx context.Context, session *agent.Session, assignmentJSON []byte) error {
	if err := session.CreateDirectory(ctx, ScopeCoder, coderVarLib, true); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	if err := session.WriteFile(ctx, ScopeCoder, assignmentFileName, assignmentJSON); err != nil {
		return fmt.Errorf("write assignment: %w", err)
	}

	users, err := session.Users(ctx, ScopeCoder)
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}
	groups, err := session.Groups(ctx, ScopeCoder)
	if err != nil {
		return fmt.Errorf("list groups: %w", err)
	}
	user, ok := agent.FindByName(users, coderServiceUser)
	if !ok {
		return fmt.Errorf("service user %q not found", coderServiceUser)
	}
	group, ok := agent.FindByName(groups, coderServiceUser)
	if !ok {
		return fmt.Errorf("service group %q not found", coderServiceUser)
	}

	ownerID, groupID := user.ID, group.ID
	if err := session.SetPermissions(ctx, ScopeCoder, assignmentFileName, &ownerID, &groupID, agent.ReadWriteForOwner()); err != nil {
		return fmt.Errorf("set permissions: %w", err)
	}

	if err := session.ProcessExecute(ctx, ScopeCoder, coderServiceName, agent.ProcessStart); err != nil {
		return fmt.Errorf("start coder service: %w", err)
	}
	return nil
}
