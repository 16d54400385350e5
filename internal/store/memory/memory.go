// Package memory implements internal/store.Store in process memory,
// mirroring internal/app/storage/memory's role in the teacher: a
// lightweight stand-in for Postgres used by subsystem unit tests (fleet,
// dispatcher, watcher, ledger, nftsync) that don't need a live database
// but do need real monotonic-id ordering semantics.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"

	"github.com/openxai-network/miniapp-factory/internal/domain/credit"
	"github.com/openxai-network/miniapp-factory/internal/domain/deployment"
	"github.com/openxai-network/miniapp-factory/internal/domain/project"
	"github.com/openxai-network/miniapp-factory/internal/domain/worker"
	"github.com/openxai-network/miniapp-factory/internal/store"
)

// Store is an in-memory implementation of store.Store, safe for
// concurrent use by multiple background subsystems.
type Store struct {
	mu sync.Mutex

	nextProjectID    int
	nextDeploymentID int
	nextWorkerID     int
	nextCreditID     int

	projects    map[string]project.Project // by name
	deployments map[int]deployment.Deployment
	workers     map[int]worker.Worker
	credits     []credit.Entry
	promoCodes  map[string]credit.PromoCode
	waitlist    []waitlistEntry
}

type waitlistEntry struct {
	account string
	at      int64
}

var _ store.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		projects:    make(map[string]project.Project),
		deployments: make(map[int]deployment.Deployment),
		workers:     make(map[int]worker.Worker),
		promoCodes:  make(map[string]credit.PromoCode),
	}
}

// --- ProjectStore ------------------------------------------------------

func (s *Store) GetProjectByName(ctx context.Context, name string) (project.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[name]
	if !ok {
		return project.Project{}, sql.ErrNoRows
	}
	return p, nil
}

func (s *Store) GetProjectByID(ctx context.Context, id int) (project.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.projects {
		if p.ID == id {
			return p, nil
		}
	}
	return project.Project{}, sql.ErrNoRows
}

func (s *Store) GetAllProjects(ctx context.Context) ([]project.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]project.Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetProjectCount(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.projects), nil
}

func (s *Store) GetAllProjectsByOwner(ctx context.Context, owner string) ([]project.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []project.Project
	for _, p := range s.projects {
		if p.Owner == owner {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetNextUnminted(ctx context.Context) (project.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *project.Project
	for _, p := range s.projects {
		if p.NFTMinted {
			continue
		}
		if best == nil || p.ID < best.ID {
			cp := p
			best = &cp
		}
	}
	if best == nil {
		return project.Project{}, sql.ErrNoRows
	}
	return *best, nil
}

func (s *Store) InsertProject(ctx context.Context, p project.Project) (project.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.projects[p.Name]; exists {
		return project.Project{}, fmt.Errorf("project %q already exists", p.Name)
	}
	s.nextProjectID++
	p.ID = s.nextProjectID
	s.projects[p.Name] = p
	return p, nil
}

func (s *Store) UpdateProjectOwner(ctx context.Context, name, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[name]
	if !ok {
		return sql.ErrNoRows
	}
	p.Owner = owner
	s.projects[name] = p
	return nil
}

func (s *Store) UpdateProjectAccountAssociation(ctx context.Context, name string, assoc *project.AccountAssociation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[name]
	if !ok {
		return sql.ErrNoRows
	}
	p.AccountAssociation = assoc
	s.projects[name] = p
	return nil
}

func (s *Store) UpdateProjectBaseBuild(ctx context.Context, name string, build *project.BaseBuild) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[name]
	if !ok {
		return sql.ErrNoRows
	}
	p.BaseBuild = build
	s.projects[name] = p
	return nil
}

func (s *Store) UpdateProjectVersion(ctx context.Context, name string, version *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[name]
	if !ok {
		return sql.ErrNoRows
	}
	p.Version = version
	s.projects[name] = p
	return nil
}

func (s *Store) UpdateProjectNFTMint(ctx context.Context, name, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[name]
	if !ok {
		return sql.ErrNoRows
	}
	p.NFTMinted = true
	p.NFTTxHash = &txHash
	s.projects[name] = p
	return nil
}

// --- DeploymentStore -----------------------------------------------------

func (s *Store) GetDeploymentByID(ctx context.Context, id int) (deployment.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[id]
	if !ok {
		return deployment.Deployment{}, sql.ErrNoRows
	}
	return d, nil
}

func (s *Store) GetAllDeploymentsByProjectUndeleted(ctx context.Context, projectName string) ([]deployment.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []deployment.Deployment
	for _, d := range s.deployments {
		if d.Project == projectName && !d.Deleted {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetAllDeploymentsByProjectUnfinished(ctx context.Context, projectName string) ([]deployment.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []deployment.Deployment
	for _, d := range s.deployments {
		if d.Project == projectName && !d.Deleted && d.CodingStartedAt == nil {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetNextUnfinishedDeployment(ctx context.Context) (deployment.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *deployment.Deployment
	for _, d := range s.deployments {
		if d.Deleted || d.CodingStartedAt != nil {
			continue
		}
		if best == nil || d.ID < best.ID {
			cp := d
			best = &cp
		}
	}
	if best == nil {
		return deployment.Deployment{}, sql.ErrNoRows
	}
	return *best, nil
}

func (s *Store) GetQueuedDeploymentCount(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, d := range s.deployments {
		if !d.Deleted && d.CodingStartedAt == nil {
			count++
		}
	}
	return count, nil
}

func (s *Store) GetQueuedDeploymentCountBefore(ctx context.Context, id int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, d := range s.deployments {
		if !d.Deleted && d.CodingStartedAt == nil && d.ID < id {
			count++
		}
	}
	return count, nil
}

func (s *Store) InsertDeployment(ctx context.Context, d deployment.Deployment) (deployment.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextDeploymentID++
	d.ID = s.nextDeploymentID
	d.Deleted = false
	s.deployments[d.ID] = d
	return d, nil
}

func (s *Store) UpdateDeploymentCodingStarted(ctx context.Context, id int, at int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[id]
	if !ok {
		return sql.ErrNoRows
	}
	d.CodingStartedAt = &at
	s.deployments[id] = d
	return nil
}

func (s *Store) UpdateDeploymentCodingFinished(ctx context.Context, id int, at int64, gitHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[id]
	if !ok {
		return sql.ErrNoRows
	}
	d.CodingFinishedAt = &at
	d.CodingGitHash = &gitHash
	s.deployments[id] = d
	return nil
}

func (s *Store) UpdateDeploymentImagegenStarted(ctx context.Context, id int, at int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[id]
	if !ok {
		return sql.ErrNoRows
	}
	d.ImagegenStartedAt = &at
	s.deployments[id] = d
	return nil
}

func (s *Store) UpdateDeploymentImagegenFinished(ctx context.Context, id int, at int64, gitHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[id]
	if !ok {
		return sql.ErrNoRows
	}
	d.ImagegenFinishedAt = &at
	d.ImagegenGitHash = &gitHash
	s.deployments[id] = d
	return nil
}

func (s *Store) UpdateDeploymentRequest(ctx context.Context, id int, requestID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[id]
	if !ok {
		return sql.ErrNoRows
	}
	d.DeploymentRequest = &requestID
	s.deployments[id] = d
	return nil
}

func (s *Store) DeleteAllDeploymentsAfter(ctx context.Context, projectName string, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for did, d := range s.deployments {
		if d.Project == projectName && d.ID > id {
			d.Deleted = true
			s.deployments[did] = d
		}
	}
	return nil
}

// --- WorkerStore ---------------------------------------------------------

func (s *Store) GetWorkerCount(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers), nil
}

func (s *Store) GetAllWorkersNoSetupFinished(ctx context.Context) ([]worker.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []worker.Worker
	for _, w := range s.workers {
		if !w.SetupFinished {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetAllDynamicUnassignedWorkers(ctx context.Context) ([]worker.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []worker.Worker
	for _, w := range s.workers {
		if w.Dynamic && w.Assignment == nil {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetAllAssignedWorkers(ctx context.Context) ([]worker.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []worker.Worker
	for _, w := range s.workers {
		if w.Assignment != nil {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetAvailableWorker(ctx context.Context) (worker.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *worker.Worker
	for _, w := range s.workers {
		if !w.SetupFinished || w.Assignment != nil {
			continue
		}
		if best == nil || w.ID < best.ID {
			cp := w
			best = &cp
		}
	}
	if best == nil {
		return worker.Worker{}, sql.ErrNoRows
	}
	return *best, nil
}

func (s *Store) GetWorkerByAssignment(ctx context.Context, deploymentID int) (worker.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.workers {
		if w.Assignment != nil && *w.Assignment == deploymentID {
			return w, nil
		}
	}
	return worker.Worker{}, sql.ErrNoRows
}

func (s *Store) InsertWorker(ctx context.Context, w worker.Worker) (worker.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextWorkerID++
	w.ID = s.nextWorkerID
	s.workers[w.ID] = w
	return w, nil
}

func (s *Store) UpdateWorkerCoderDeployment(ctx context.Context, id int, requestID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	if !ok {
		return sql.ErrNoRows
	}
	w.CoderDeployment = &requestID
	s.workers[id] = w
	return nil
}

func (s *Store) UpdateWorkerImagegenDeployment(ctx context.Context, id int, requestID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	if !ok {
		return sql.ErrNoRows
	}
	w.ImagegenDeployment = &requestID
	s.workers[id] = w
	return nil
}

func (s *Store) UpdateWorkerSetupFinished(ctx context.Context, id int, finished bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	if !ok {
		return sql.ErrNoRows
	}
	w.SetupFinished = finished
	s.workers[id] = w
	return nil
}

func (s *Store) UpdateWorkerAssignment(ctx context.Context, id int, assignment *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	if !ok {
		return sql.ErrNoRows
	}
	w.Assignment = assignment
	s.workers[id] = w
	return nil
}

func (s *Store) DeleteWorker(ctx context.Context, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workers, id)
	return nil
}

// --- CreditStore -----------------------------------------------------------

func (s *Store) GetTotalCreditsByAccount(ctx context.Context, account string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, e := range s.credits {
		if e.Account == account {
			total += e.Credits
		}
	}
	return total, nil
}

// InsertCredit mirrors the Postgres trigger: the running sum per account
// must never go negative, checked and applied atomically under the same
// lock so concurrent debits can't race past each other.
func (s *Store) InsertCredit(ctx context.Context, e credit.Entry) (credit.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, existing := range s.credits {
		if existing.Account == e.Account {
			total += existing.Credits
		}
	}
	if total+e.Credits < 0 {
		return credit.Entry{}, fmt.Errorf("%w: account %q", store.ErrInsufficientCredits, e.Account)
	}
	s.nextCreditID++
	e.ID = s.nextCreditID
	s.credits = append(s.credits, e)
	return e, nil
}

// --- PromoCodeStore ----------------------------------------------------

func (s *Store) GetUnredeemedPromoCode(ctx context.Context, code string) (credit.PromoCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.promoCodes[code]
	if !ok || p.RedeemedBy != nil {
		return credit.PromoCode{}, sql.ErrNoRows
	}
	return p, nil
}

func (s *Store) InsertPromoCode(ctx context.Context, p credit.PromoCode) (credit.PromoCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.promoCodes[p.Code] = p
	return p, nil
}

// RedeemPromoCode compare-and-swaps redeemed_by from unset to account,
// matching the Postgres implementation's single-use guarantee.
func (s *Store) RedeemPromoCode(ctx context.Context, code, account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.promoCodes[code]
	if !ok || p.RedeemedBy != nil {
		return sql.ErrNoRows
	}
	p.RedeemedBy = &account
	s.promoCodes[code] = p
	return nil
}

// --- WaitlistStore -------------------------------------------------------

func (s *Store) GetWaitlistPosition(ctx context.Context, account string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var at int64
	found := false
	for _, e := range s.waitlist {
		if e.account == account {
			at = e.at
			found = true
			break
		}
	}
	if !found {
		return 0, nil
	}
	position := 0
	for _, e := range s.waitlist {
		if e.at <= at {
			position++
		}
	}
	return position, nil
}

func (s *Store) EnrollInWaitlist(ctx context.Context, account string, at int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.waitlist {
		if e.account == account {
			return nil
		}
	}
	s.waitlist = append(s.waitlist, waitlistEntry{account: account, at: at})
	return nil
}
