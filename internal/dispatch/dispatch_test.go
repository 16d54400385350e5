package dispatch

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openxai-network/miniapp-factory/internal/agent"
	"github.com/openxai-network/miniapp-factory/internal/deployer"
	"github.com/openxai-network/miniapp-factory/internal/domain/deployment"
	"github.com/openxai-network/miniapp-factory/internal/domain/project"
	"github.com/openxai-network/miniapp-factory/internal/domain/worker"
	"github.com/openxai-network/miniapp-factory/internal/store/memory"
)

type fakeDeployer struct{ addr string }

func (d fakeDeployer) Deploy(ctx context.Context, cfg deployer.InitialConfig) (deployer.Handle, error) {
	return nil, nil
}
func (d fakeDeployer) Undeploy(ctx context.Context, handle deployer.Handle) error { return nil }
func (d fakeDeployer) IPv4(ctx context.Context, handle deployer.Handle) (deployer.IPv4Result, error) {
	addr := d.addr
	return deployer.IPv4Result{Supported: true, Address: &addr}, nil
}
func (d fakeDeployer) Identify(ctx context.Context, handle deployer.Handle) (string, error) {
	return string(handle), nil
}

// listenerHostPort splits ts's listener address into the bare host a
// deployer reports as a worker's IPv4 and the port agent.Dialer appends.
func listenerHostPort(t *testing.T, ts *httptest.Server) (string, int) {
	t.Helper()
	addr, ok := ts.Listener.Addr().(*net.TCPAddr)
	require.True(t, ok)
	return addr.IP.String(), addr.Port
}

type fakeAgentServer struct {
	mu            sync.Mutex
	wroteAssignment []byte
	started       bool
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
	case "file.write_file":
		var p struct {
			Content []byte `json:"content"`
		}
		json.Unmarshal(params, &p)
		f.wroteAssignment = p.Content
		json.NewEncoder(w).Encode(map[string]any{})
	case "info.users":
		json.NewEncoder(w).Encode(map[string]any{"users": []agent.NamedID{{ID: 5, Name: coderServiceUser}}})
	case "info.groups":
		json.NewEncoder(w).Encode(map[string]any{"groups": []agent.NamedID{{ID: 5, Name: coderServiceUser}}})
	case "process.execute":
		f.started = true
		json.NewEncoder(w).Encode(map[string]any{})
	default:
		json.NewEncoder(w).Encode(map[string]any{})
	}
}

func TestTickDispatchesOneDeploymentToOneWorker(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	fake := &fakeAgentServer{}
	ts := httptest.NewServer(fake.handler())
	defer ts.Close()

	_, err := s.InsertProject(ctx, project.Project{Name: "demo", Owner: "eth:aaaa"})
	require.NoError(t, err)
	dep, err := s.InsertDeployment(ctx, deployment.Deployment{Project: "demo", Instructions: "add a button"})
	require.NoError(t, err)
	w, err := s.InsertWorker(ctx, worker.Worker{Hardware: []byte(`{}`), SetupFinished: true})
	require.NoError(t, err)

	key, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)

	host, port := listenerHostPort(t, ts)
	d := New(Config{
		Store:  s,
		Dialer: agent.Dialer{Deployer: fakeDeployer{addr: host}, Key: key, Port: port, Domain: "test", Scheme: "http"},
	})

	d.tick(ctx)

	assert.True(t, fake.started, "coder service must be started")

	var got deployment.CoderAssignment
	require.NoError(t, json.Unmarshal(fake.wroteAssignment, &got))
	assert.Equal(t, "demo", got.Project)
	assert.Equal(t, "add a button", got.Instructions)

	gotDep, err := s.GetDeploymentByID(ctx, dep.ID)
	require.NoError(t, err)
	assert.NotNil(t, gotDep.CodingStartedAt)

	gotWorker, err := s.GetWorkerByAssignment(ctx, dep.ID)
	require.NoError(t, err)
	assert.Equal(t, w.ID, gotWorker.ID)
}

func TestTickDropsWhenNoWorkerAvailable(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	_, err := s.InsertProject(ctx, project.Project{Name: "demo", Owner: "eth:aaaa"})
	require.NoError(t, err)
	dep, err := s.InsertDeployment(ctx, deployment.Deployment{Project: "demo", Instructions: "x"})
	require.NoError(t, err)

	key, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	d := New(Config{Store: s, Dialer: agent.Dialer{Key: key, Domain: "test"}})

	d.tick(ctx)

	gotDep, err := s.GetDeploymentByID(ctx, dep.ID)
	require.NoError(t, err)
	assert.Nil(t, gotDep.CodingStartedAt, "a dropped tick must not start coding")
}
