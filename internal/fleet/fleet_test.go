package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openxai-network/miniapp-factory/internal/agent"
	"github.com/openxai-network/miniapp-factory/internal/deployer"
	"github.com/openxai-network/miniapp-factory/internal/domain/deployment"
	"github.com/openxai-network/miniapp-factory/internal/domain/worker"
	"github.com/openxai-network/miniapp-factory/internal/store/memory"
)

// fakeDeployer backs every handle with one httptest server's host (its port
// goes to the dialer), and records Deploy/Undeploy calls for the sizing tests.
type fakeDeployer struct {
	mu         sync.Mutex
	addr       string
	port       int
	deployed   int
	undeployed []string
}

func (d *fakeDeployer) Deploy(ctx context.Context, cfg deployer.InitialConfig) (deployer.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deployed++
	suffix, err := deployer.RandomNameSuffix()
	if err != nil {
		return nil, err
	}
	return deployer.Handle(fmt.Sprintf(`{"name":"vm-%s"}`, suffix)), nil
}

func (d *fakeDeployer) Undeploy(ctx context.Context, handle deployer.Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.undeployed = append(d.undeployed, string(handle))
	return nil
}

func (d *fakeDeployer) IPv4(ctx context.Context, handle deployer.Handle) (deployer.IPv4Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	addr := d.addr
	return deployer.IPv4Result{Supported: true, Address: &addr}, nil
}

func (d *fakeDeployer) Identify(ctx context.Context, handle deployer.Handle) (string, error) {
	return string(handle), nil
}

// fakeAgentServer stands in for one worker's node-agent, stepping through
// the setup state machine's RPCs as the fleet manager's ticks drive it.
type fakeAgentServer struct {
	mu sync.Mutex

	modelLoading   bool
	permissionsSet int
}

func (f *fakeAgentServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/login":
			json.NewEncoder(w).Encode(map[string]string{"token": "tok"})
		case "/rpc":
			var req struct {
				Method string          `json:"method"`
				Params json.RawMessage `json:"params"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			f.dispatch(w, req.Method, req.Params)
		default:
			http.NotFound(w, r)
		}
	}
}

func (f *fakeAgentServer) dispatch(w http.ResponseWriter, method string, params json.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch method {
	case "config.set":
		var p struct {
			Container string `json:"container"`
		}
		json.Unmarshal(params, &p)
		if p.Container == ScopeCoder {
			json.NewEncoder(w).Encode(map[string]uint32{"request_id": 1})
		} else {
			json.NewEncoder(w).Encode(map[string]uint32{"request_id": 2})
		}
	case "request.request_info":
		json.NewEncoder(w).Encode(agent.RequestResult{Status: agent.RequestSuccess})
	case "process.list":
		processes := []agent.Process{}
		if f.modelLoading {
			processes = append(processes, agent.Process{Name: modelLoaderService})
		}
		json.NewEncoder(w).Encode(map[string]any{"processes": processes})
	case "file.create_directory", "file.write_file":
		json.NewEncoder(w).Encode(map[string]any{})
	case "info.users":
		json.NewEncoder(w).Encode(map[string]any{"users": []agent.NamedID{
			{ID: 10, Name: coderServiceUser}, {ID: 11, Name: imagegenServiceUser},
		}})
	case "info.groups":
		json.NewEncoder(w).Encode(map[string]any{"groups": []agent.NamedID{
			{ID: 10, Name: coderServiceUser}, {ID: 11, Name: imagegenServiceUser},
		}})
	case "file.set_permissions":
		f.permissionsSet++
		json.NewEncoder(w).Encode(map[string]any{})
	default:
		json.NewEncoder(w).Encode(map[string]any{})
	}
}

func newTestManager(t *testing.T, s *memory.Store, dep *fakeDeployer, dataDir string) *Manager {
	t.Helper()
	key, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)

	return New(Config{
		Store:         s,
		Deployer:      dep,
		Dialer:        agent.Dialer{Deployer: dep, Key: key, Port: dep.port, Domain: "test", Scheme: "http"},
		DataDir:       dataDir,
		LocalOwner:    "eth:aaaa",
		CoderFlake:    "github:example/coder",
		ImagegenFlake: "github:example/imagegen",
	})
}

func writeTestSSHKey(t *testing.T, dataDir string) {
	t.Helper()
	dir := filepath.Join(dataDir, ".ssh")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "id_ed25519"), []byte("fake-key"), 0o600))
}

func TestAdvanceSetupFullLifecycle(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	dataDir := t.TempDir()
	writeTestSSHKey(t, dataDir)

	fakeAgent := &fakeAgentServer{}
	ts := httptest.NewServer(fakeAgent.handler())
	defer ts.Close()

	tcpAddr, ok := ts.Listener.Addr().(*net.TCPAddr)
	require.True(t, ok)
	dep := &fakeDeployer{addr: tcpAddr.IP.String(), port: tcpAddr.Port}
	m := newTestManager(t, s, dep, dataDir)

	_, err := s.InsertWorker(ctx, worker.Worker{Hardware: []byte(`{"name":"vm-1"}`)})
	require.NoError(t, err)

	// S0 -> S1
	m.tick(ctx)
	workers, err := s.GetAllWorkersNoSetupFinished(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, worker.SetupCoderPending, workers[0].SetupState())

	// S1 -> S2
	m.tick(ctx)
	workers, err = s.GetAllWorkersNoSetupFinished(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, worker.SetupImagegenPending, workers[0].SetupState())

	// S2, model still loading: stays pending.
	fakeAgent.modelLoading = true
	m.tick(ctx)
	workers, err = s.GetAllWorkersNoSetupFinished(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.False(t, workers[0].SetupFinished)

	// Model finishes: finalize pushes the SSH key and marks setup_finished.
	fakeAgent.modelLoading = false
	m.tick(ctx)
	workers, err = s.GetAllWorkersNoSetupFinished(ctx)
	require.NoError(t, err)
	assert.Len(t, workers, 0)
	assert.Equal(t, 2, fakeAgent.permissionsSet)
}

func TestReconcileSizeScalesUp(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	dep := &fakeDeployer{addr: "127.0.0.1:1"}
	m := newTestManager(t, s, dep, t.TempDir())

	_, err := s.InsertWorker(ctx, worker.Worker{Hardware: []byte(`{}`), SetupFinished: true})
	require.NoError(t, err)

	for i := 0; i < 9; i++ {
		_, err := s.InsertDeployment(ctx, deployment.Deployment{Project: "demo", Instructions: "build it"})
		require.NoError(t, err)
	}

	require.NoError(t, m.reconcileSize(ctx))
	// queued=9, n=1 -> extra = 9/3 - 0 = 3
	assert.Equal(t, 3, dep.deployed)

	count, err := s.GetWorkerCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, count)
}

func TestReconcileSizeScalesDownWhenIdle(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	dep := &fakeDeployer{addr: "127.0.0.1:1"}
	m := newTestManager(t, s, dep, t.TempDir())

	idle, err := s.InsertWorker(ctx, worker.Worker{Hardware: []byte(`{"name":"idle"}`), SetupFinished: true, Dynamic: true})
	require.NoError(t, err)

	require.NoError(t, m.reconcileSize(ctx))

	count, err := s.GetWorkerCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	assert.Contains(t, dep.undeployed, string(idle.Hardware))
}
