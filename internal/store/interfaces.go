// Package store defines the durable-state interfaces the pipeline reads
// and writes: projects, deployments, workers, credits, promo codes, and
// the waitlist. Implementations live in store/postgres and store/memory.
//
// A lookup that finds no row reports sql.ErrNoRows, matching the teacher's
// convention of using the driver's own sentinel rather than a bespoke
// error type, so callers can use errors.Is uniformly across both the
// Postgres and in-memory implementations. Updates of a missing row differ:
// the in-memory store returns sql.ErrNoRows, while the Postgres updates do
// not check the affected row count and return nil (RedeemPromoCode is the
// exception and returns sql.ErrNoRows).
package store

import (
	"context"
	"errors"

	"github.com/openxai-network/miniapp-factory/internal/domain/credit"
	"github.com/openxai-network/miniapp-factory/internal/domain/deployment"
	"github.com/openxai-network/miniapp-factory/internal/domain/project"
	"github.com/openxai-network/miniapp-factory/internal/domain/worker"
)

// ErrInsufficientCredits is returned by InsertCredit when the entry would
// drive the account's running sum negative. It identifies the store's own
// non-negative-invariant veto, as opposed to a transient store failure.
var ErrInsufficientCredits = errors.New("insert would cause sum(credits) to be less than 0")

// ProjectStore persists projects and answers the ownership/pricing
// questions the pipeline and the HTTP surface need.
type ProjectStore interface {
	GetProjectByName(ctx context.Context, name string) (project.Project, error)
	GetProjectByID(ctx context.Context, id int) (project.Project, error)
	GetAllProjects(ctx context.Context) ([]project.Project, error)
	GetProjectCount(ctx context.Context) (int, error)
	GetAllProjectsByOwner(ctx context.Context, owner string) ([]project.Project, error)
	GetNextUnminted(ctx context.Context) (project.Project, error)
	InsertProject(ctx context.Context, p project.Project) (project.Project, error)
	UpdateProjectOwner(ctx context.Context, name, owner string) error
	UpdateProjectAccountAssociation(ctx context.Context, name string, assoc *project.AccountAssociation) error
	UpdateProjectBaseBuild(ctx context.Context, name string, build *project.BaseBuild) error
	UpdateProjectVersion(ctx context.Context, name string, version *string) error
	UpdateProjectNFTMint(ctx context.Context, name, txHash string) error
}

// DeploymentStore persists deployments and the queue-ordering queries the
// dispatcher and completion watcher rely on.
type DeploymentStore interface {
	GetDeploymentByID(ctx context.Context, id int) (deployment.Deployment, error)
	GetAllDeploymentsByProjectUndeleted(ctx context.Context, projectName string) ([]deployment.Deployment, error)
	GetAllDeploymentsByProjectUnfinished(ctx context.Context, projectName string) ([]deployment.Deployment, error)
	GetNextUnfinishedDeployment(ctx context.Context) (deployment.Deployment, error)
	GetQueuedDeploymentCount(ctx context.Context) (int, error)
	GetQueuedDeploymentCountBefore(ctx context.Context, id int) (int, error)
	InsertDeployment(ctx context.Context, d deployment.Deployment) (deployment.Deployment, error)
	UpdateDeploymentCodingStarted(ctx context.Context, id int, at int64) error
	UpdateDeploymentCodingFinished(ctx context.Context, id int, at int64, gitHash string) error
	UpdateDeploymentImagegenStarted(ctx context.Context, id int, at int64) error
	UpdateDeploymentImagegenFinished(ctx context.Context, id int, at int64, gitHash string) error
	UpdateDeploymentRequest(ctx context.Context, id int, requestID int64) error
	DeleteAllDeploymentsAfter(ctx context.Context, projectName string, id int) error
}

// WorkerStore persists workers and the availability/teardown queries the
// fleet manager and dispatcher rely on.
type WorkerStore interface {
	GetWorkerCount(ctx context.Context) (int, error)
	GetAllWorkersNoSetupFinished(ctx context.Context) ([]worker.Worker, error)
	GetAllDynamicUnassignedWorkers(ctx context.Context) ([]worker.Worker, error)
	GetAllAssignedWorkers(ctx context.Context) ([]worker.Worker, error)
	GetAvailableWorker(ctx context.Context) (worker.Worker, error)
	GetWorkerByAssignment(ctx context.Context, deploymentID int) (worker.Worker, error)
	InsertWorker(ctx context.Context, w worker.Worker) (worker.Worker, error)
	UpdateWorkerCoderDeployment(ctx context.Context, id int, requestID int64) error
	UpdateWorkerImagegenDeployment(ctx context.Context, id int, requestID int64) error
	UpdateWorkerSetupFinished(ctx context.Context, id int, finished bool) error
	UpdateWorkerAssignment(ctx context.Context, id int, assignment *int) error
	DeleteWorker(ctx context.Context, id int) error
}

// CreditStore enforces the ledger's non-negative invariant atomically at
// insert time.
type CreditStore interface {
	GetTotalCreditsByAccount(ctx context.Context, account string) (int64, error)
	InsertCredit(ctx context.Context, e credit.Entry) (credit.Entry, error)
}

// PromoCodeStore persists promo codes and their single-use redemption.
type PromoCodeStore interface {
	GetUnredeemedPromoCode(ctx context.Context, code string) (credit.PromoCode, error)
	InsertPromoCode(ctx context.Context, p credit.PromoCode) (credit.PromoCode, error)
	RedeemPromoCode(ctx context.Context, code, account string) error
}

// WaitlistStore persists waitlist enrollment (read by the HTTP surface's
// out-of-core waitlist endpoints).
type WaitlistStore interface {
	GetWaitlistPosition(ctx context.Context, account string) (int, error)
	EnrollInWaitlist(ctx context.Context, account string, at int64) error
}

// Store is the full interface the pipeline's subsystems depend on.
type Store interface {
	ProjectStore
	DeploymentStore
	WorkerStore
	CreditStore
	PromoCodeStore
	WaitlistStore
}
