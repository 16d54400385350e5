// Package watcher implements the completion watcher (spec.md §4.6, C6): a
// single loop that polls every assigned worker for coder/imagegen
// completion and advances the owning deployment through the pipeline.
// Ticker shape grounded on internal/app/services/automation/scheduler.go.
package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/openxai-network/miniapp-factory/internal/agent"
	"github.com/openxai-network/miniapp-factory/internal/deployer"
	"github.com/openxai-network/miniapp-factory/internal/domain/deployment"
	"github.com/openxai-network/miniapp-factory/internal/domain/worker"
	"github.com/openxai-network/miniapp-factory/internal/logger"
	"github.com/openxai-network/miniapp-factory/internal/store"
)

// Scope, service and path constants fixed by the node-agent protocol and
// the coder/imagegen containers' filesystem layout (spec.md §4.6).
const (
	ScopeCoder    = "container:miniapp-factory-coder"
	ScopeImagegen = "container:miniapp-factory-imagegen"

	coderServiceUser    = "miniapp-factory-coder"
	imagegenServiceUser = "miniapp-factory-imagegen"

	coderServiceName    = "miniapp-factory-coder.service"
	imagegenServiceName = "miniapp-factory-imagegen.service"
	ollamaServiceName   = "ollama.service"
	comfyuiServiceName  = "comfyui.service"

	coderAssignmentPath    = "/var/lib/miniapp-factory-coder/assignment.json"
	imagegenAssignmentPath = "/var/lib/miniapp-factory-imagegen/assignment.json"
)

// Tick is the completion watcher's fixed loop interval (spec.md §5: "2-5 s").
const Tick = 3 * time.Second

// Config configures a Watcher.
type Config struct {
	Store  store.Store
	Dialer agent.Dialer
	// HostDialer reaches the downstream host node, addressed by a fixed
	// well-known domain rather than a worker handle (spec.md §4.6 step 3).
	HostDialer func(ctx context.Context) (*agent.Session, error)
	Log        *logger.Logger
}

// Watcher is the system.Service advancing deployments through completion.
type Watcher struct {
	cfg Config
	log *logger.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New creates a Watcher.
func New(cfg Config) *Watcher {
	log := cfg.Log
	if log == nil {
		log = logger.NewDefault()
	}
	return &Watcher{cfg: cfg, log: log}
}

// Name identifies this service for the system manager.
func (wc *Watcher) Name() string { return "watcher" }

// Start begins the completion-watching loop.
func (wc *Watcher) Start(ctx context.Context) error {
	wc.mu.Lock()
	if wc.running {
		wc.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	wc.cancel = cancel
	wc.running = true
	wc.mu.Unlock()

	wc.wg.Add(1)
	go func() {
		defer wc.wg.Done()
		ticker := time.NewTicker(Tick)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				wc.tick(runCtx)
			}
		}
	}()

	wc.log.Component("watcher").Info("completion watcher started")
	return nil
}

// Stop halts the loop, waiting for any in-flight tick.
func (wc *Watcher) Stop(ctx context.Context) error {
	wc.mu.Lock()
	if !wc.running {
		wc.mu.Unlock()
		return nil
	}
	cancel := wc.cancel
	wc.running = false
	wc.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		wc.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	wc.log.Component("watcher").Info("completion watcher stopped")
	return nil
}

func (wc *Watcher) tick(ctx context.Context) {
	log := wc.log.Component("watcher")

	workers, err := wc.cfg.Store.GetAllAssignedWorkers(ctx)
	if err != nil {
		log.WithField("error", err.Error()).Warn("list assigned workers failed")
		return
	}

	for _, w := range workers {
		dep, err := wc.cfg.Store.GetDeploymentByID(ctx, *w.Assignment)
		if err != nil {
			log.WithField("worker_id", w.ID).WithField("error", err.Error()).Error("resolve assigned deployment failed")
			continue
		}

		session, err := wc.cfg.Dialer.Dial(ctx, deployer.Handle(w.Hardware))
		if err != nil {
			continue
		}

		switch {
		case dep.CodingFinishedAt == nil:
			wc.pollCoding(ctx, session, dep)
		case dep.ImagegenFinishedAt == nil:
			wc.pollImagegen(ctx, session, w, dep)
		}
	}
}

func (wc *Watcher) pollCoding(ctx context.Context, session *agent.Session, dep deployment.Deployment) {
	log := wc.log.Component("watcher").WithField("deployment_id", dep.ID)

	processes, err := session.ProcessList(ctx, ScopeCoder)
	if err != nil {
		return
	}
	if agent.HasProcess(processes, coderServiceName) {
		return
	}

	content, err := session.ReadFile(ctx, ScopeCoder, coderAssignmentPath)
	if err != nil {
		log.WithField("error", err.Error()).Error("read coder assignment failed")
		return
	}
	var output deployment.CoderOutput
	if err := json.Unmarshal(content.Data(), &output); err != nil {
		log.WithField("error", err.Error()).Error("parse coder output failed")
		return
	}

	now := time.Now().Unix()
	if err := wc.cfg.Store.UpdateDeploymentCodingFinished(ctx, dep.ID, now, output.GitHash); err != nil {
		log.WithField("error", err.Error()).Error("persist coding_finished_at failed")
		return
	}

	if err := session.ProcessExecute(ctx, ScopeCoder, ollamaServiceName, agent.ProcessRestart); err != nil {
		log.WithField("error", err.Error()).Warn("restart ollama service failed")
	}

	if err := wc.startImagegen(ctx, session, dep); err != nil {
		log.WithField("error", err.Error()).Error("start imagegen failed")
		return
	}
	if err := wc.cfg.Store.UpdateDeploymentImagegenStarted(ctx, dep.ID, time.Now().Unix()); err != nil {
		log.WithField("error", err.Error()).Error("persist imagegen_started_at failed")
	}
}

func (wc *Watcher) startImagegen(ctx context.Context, session *agent.Session, dep deployment.Deployment) error {
	assignment, err := json.Marshal(deployment.ImagegenAssignment{Project: dep.Project})
	if err != nil {
		return fmt.Errorf("marshal imagegen assignment: %w", err)
	}

	if err := session.CreateDirectory(ctx, ScopeImagegen, "/var/lib/miniapp-factory-imagegen", true); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	if err := session.WriteFile(ctx, ScopeImagegen, imagegenAssignmentPath, assignment); err != nil {
		return fmt.Errorf("write assignment: %w", err)
	}

	users, err := session.Users(ctx, ScopeImagegen)
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}
	groups, err := session.Groups(ctx, ScopeImagegen)
	if err != nil {
		return fmt.Errorf("list groups: %w", err)
	}
	user, ok := agent.FindByName(users, imagegenServiceUser)
	if !ok {
		return fmt.Errorf("service user %q not found", imagegenServiceUser)
	}
	group, ok := agent.FindByName(groups, imagegenServiceUser)
	if !ok {
		return fmt.Errorf("service group %q not found", imagegenServiceUser)
	}

	ownerID, groupID := user.ID, group.ID
	if err := session.SetPermissions(ctx, ScopeImagegen, imagegenAssignmentPath, &ownerID, &groupID, agent.ReadWriteForOwner()); err != nil {
		return fmt.Errorf("set permissions: %w", err)
	}

	if err := session.ProcessExecute(ctx, ScopeImagegen, imagegenServiceName, agent.ProcessStart); err != nil {
		return fmt.Errorf("start imagegen service: %w", err)
	}
	return nil
}

// pollImagegen implements spec.md §4.6 step 3: probe the imagegen service
// for completion, finish the deployment, free the worker, and push the
// finished mini-app to the downstream host node.
func (wc *Watcher) pollImagegen(ctx context.Context, session *agent.Session, w worker.Worker, dep deployment.Deployment) {
	log := wc.log.Component("watcher").WithField("deployment_id", dep.ID)

	processes, err := session.ProcessList(ctx, ScopeImagegen)
	if err != nil {
		return
	}
	if agent.HasProcess(processes, imagegenServiceName) {
		return
	}

	content, err := session.ReadFile(ctx, ScopeImagegen, imagegenAssignmentPath)
	if err != nil {
		log.WithField("error", err.Error()).Error("read imagegen assignment failed")
		return
	}
	var output deployment.ImagegenOutput
	if err := json.Unmarshal(content.Data(), &output); err != nil {
		log.WithField("error", err.Error()).Error("parse imagegen output failed")
		return
	}

	now := time.Now().Unix()
	if err := wc.cfg.Store.UpdateDeploymentImagegenFinished(ctx, dep.ID, now, output.GitHash); err != nil {
		log.WithField("error", err.Error()).Error("persist imagegen_finished_at failed")
		return
	}

	if err := session.ProcessExecute(ctx, ScopeImagegen, comfyuiServiceName, agent.ProcessRestart); err != nil {
		log.WithField("error", err.Error()).Warn("restart comfyui service failed")
	}

	if err := wc.cfg.Store.UpdateWorkerAssignment(ctx, w.ID, nil); err != nil {
		log.WithField("error", err.Error()).Error("clear worker assignment failed")
	}
	if err := wc.cfg.Store.UpdateProjectVersion(ctx, dep.Project, nil); err != nil {
		log.WithField("error", err.Error()).Error("clear project version failed")
	}

	wc.deployToHost(ctx, dep)
}

// deployToHost reconfigures the downstream host node's container for the
// project that just finished, per spec.md §4.6 step 3's final bullet.
func (wc *Watcher) deployToHost(ctx context.Context, dep deployment.Deployment) {
	log := wc.log.Component("watcher").WithField("deployment_id", dep.ID)

	if wc.cfg.HostDialer == nil {
		return
	}
	session, err := wc.cfg.HostDialer(ctx)
	if err != nil {
		log.WithField("error", err.Error()).Warn("dial downstream host node failed")
		return
	}

	proj, err := wc.cfg.Store.GetProjectByName(ctx, dep.Project)
	if err != nil {
		log.WithField("error", err.Error()).Error("resolve project for host deploy failed")
		return
	}

	requestID, err := session.ConfigSet(ctx, proj.Name, agent.Settings{
		Flake:   proj.GetFlake(),
		Network: proj.GetNetwork(),
	}, []string{})
	if err != nil {
		log.WithField("error", err.Error()).Error("config.set on downstream host node failed")
		return
	}

	if err := wc.cfg.Store.UpdateDeploymentRequest(ctx, dep.ID, int64(requestID)); err != nil {
		log.WithField("error", err.Error()).Error("persist deployment_request failed")
	}
}
