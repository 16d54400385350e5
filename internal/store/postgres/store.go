// Package postgres implements internal/store.Store over a real Postgres
// connection using plain database/sql and raw SQL, following
// internal/app/storage/postgres's pattern in the teacher (no ORM, no
// query builder).
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/openxai-network/miniapp-factory/internal/domain/credit"
	"github.com/openxai-network/miniapp-factory/internal/domain/deployment"
	"github.com/openxai-network/miniapp-factory/internal/domain/project"
	"github.com/openxai-network/miniapp-factory/internal/domain/worker"
	"github.com/openxai-network/miniapp-factory/internal/store"
)

// Store implements store.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// New creates a Store using the provided database handle. The caller owns
// the handle's lifecycle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// --- ProjectStore ------------------------------------------------------

func (s *Store) GetProjectByName(ctx context.Context, name string) (project.Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, owner, account_association, base_build, version, nft_minted, nft_tx_hash
		FROM projects WHERE name = $1`, name)
	return scanProject(row)
}

func (s *Store) GetProjectByID(ctx context.Context, id int) (project.Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, owner, account_association, base_build, version, nft_minted, nft_tx_hash
		FROM projects WHERE id = $1`, id)
	return scanProject(row)
}

func (s *Store) GetAllProjects(ctx context.Context) ([]project.Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, owner, account_association, base_build, version, nft_minted, nft_tx_hash
		FROM projects ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query projects: %w", err)
	}
	defer rows.Close()

	var out []project.Project
	for rows.Next() {
		p, err := scanProjectRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) GetProjectCount(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM projects`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count projects: %w", err)
	}
	return count, nil
}

func (s *Store) GetAllProjectsByOwner(ctx context.Context, owner string) ([]project.Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, owner, account_association, base_build, version, nft_minted, nft_tx_hash
		FROM projects WHERE owner = $1 ORDER BY id ASC`, owner)
	if err != nil {
		return nil, fmt.Errorf("query projects by owner: %w", err)
	}
	defer rows.Close()

	var out []project.Project
	for rows.Next() {
		p, err := scanProjectRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) GetNextUnminted(ctx context.Context) (project.Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, owner, account_association, base_build, version, nft_minted, nft_tx_hash
		FROM projects WHERE nft_minted = FALSE ORDER BY id ASC LIMIT 1`)
	return scanProject(row)
}

func (s *Store) InsertProject(ctx context.Context, p project.Project) (project.Project, error) {
	assocJSON, err := json.Marshal(p.AccountAssociation)
	if err != nil {
		return project.Project{}, fmt.Errorf("marshal account_association: %w", err)
	}
	buildJSON, err := json.Marshal(p.BaseBuild)
	if err != nil {
		return project.Project{}, fmt.Errorf("marshal base_build: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO projects (name, owner, account_association, base_build, version)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		p.Name, p.Owner, assocJSON, buildJSON, p.Version).Scan(&p.ID)
	if err != nil {
		return project.Project{}, fmt.Errorf("insert project: %w", err)
	}
	return p, nil
}

func (s *Store) UpdateProjectOwner(ctx context.Context, name, owner string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE projects SET owner = $1 WHERE name = $2`, owner, name)
	if err != nil {
		return fmt.Errorf("update project owner: %w", err)
	}
	return nil
}

func (s *Store) UpdateProjectAccountAssociation(ctx context.Context, name string, assoc *project.AccountAssociation) error {
	data, err := json.Marshal(assoc)
	if err != nil {
		return fmt.Errorf("marshal account_association: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE projects SET account_association = $1 WHERE name = $2`, data, name)
	if err != nil {
		return fmt.Errorf("update account_association: %w", err)
	}
	return nil
}

func (s *Store) UpdateProjectBaseBuild(ctx context.Context, name string, build *project.BaseBuild) error {
	data, err := json.Marshal(build)
	if err != nil {
		return fmt.Errorf("marshal base_build: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE projects SET base_build = $1 WHERE name = $2`, data, name)
	if err != nil {
		return fmt.Errorf("update base_build: %w", err)
	}
	return nil
}

func (s *Store) UpdateProjectVersion(ctx context.Context, name string, version *string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE projects SET version = $1 WHERE name = $2`, version, name)
	if err != nil {
		return fmt.Errorf("update project version: %w", err)
	}
	return nil
}

func (s *Store) UpdateProjectNFTMint(ctx context.Context, name, txHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE projects SET nft_minted = TRUE, nft_tx_hash = $1 WHERE name = $2`, txHash, name)
	if err != nil {
		return fmt.Errorf("update nft mint: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (project.Project, error) {
	var p project.Project
	var assocJSON, buildJSON []byte
	var version, txHash sql.NullString

	err := row.Scan(&p.ID, &p.Name, &p.Owner, &assocJSON, &buildJSON, &version, &p.NFTMinted, &txHash)
	if err != nil {
		return project.Project{}, err
	}
	if err := unmarshalOptional(assocJSON, &p.AccountAssociation); err != nil {
		return project.Project{}, fmt.Errorf("unmarshal account_association: %w", err)
	}
	if err := unmarshalOptional(buildJSON, &p.BaseBuild); err != nil {
		return project.Project{}, fmt.Errorf("unmarshal base_build: %w", err)
	}
	if version.Valid {
		p.Version = &version.String
	}
	if txHash.Valid {
		p.NFTTxHash = &txHash.String
	}
	return p, nil
}

func scanProjectRows(rows *sql.Rows) (project.Project, error) {
	return scanProject(rows)
}

func unmarshalOptional[T any](data []byte, dest **T) error {
	if len(data) == 0 || string(data) == "null" {
		*dest = nil
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*dest = &v
	return nil
}

// --- DeploymentStore -----------------------------------------------------

const deploymentColumns = `id, project, instructions, submitted_at, coding_started_at, coding_finished_at,
	imagegen_started_at, imagegen_finished_at, coding_git_hash, imagegen_git_hash, deployment_request, deleted`

func (s *Store) GetDeploymentByID(ctx context.Context, id int) (deployment.Deployment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE id = $1`, id)
	return scanDeployment(row)
}

func (s *Store) GetAllDeploymentsByProjectUndeleted(ctx context.Context, projectName string) ([]deployment.Deployment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+deploymentColumns+` FROM deployments
		WHERE project = $1 AND deleted = FALSE ORDER BY id ASC`, projectName)
	if err != nil {
		return nil, fmt.Errorf("query deployments: %w", err)
	}
	defer rows.Close()
	return collectDeployments(rows)
}

func (s *Store) GetAllDeploymentsByProjectUnfinished(ctx context.Context, projectName string) ([]deployment.Deployment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+deploymentColumns+` FROM deployments
		WHERE project = $1 AND coding_started_at IS NULL AND deleted = FALSE ORDER BY id ASC`, projectName)
	if err != nil {
		return nil, fmt.Errorf("query unfinished deployments: %w", err)
	}
	defer rows.Close()
	return collectDeployments(rows)
}

func (s *Store) GetNextUnfinishedDeployment(ctx context.Context) (deployment.Deployment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deploymentColumns+` FROM deployments
		WHERE coding_started_at IS NULL AND deleted = FALSE ORDER BY id ASC LIMIT 1`)
	return scanDeployment(row)
}

func (s *Store) GetQueuedDeploymentCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM deployments
		WHERE coding_started_at IS NULL AND deleted = FALSE`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count queued deployments: %w", err)
	}
	return count, nil
}

func (s *Store) GetQueuedDeploymentCountBefore(ctx context.Context, id int) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM deployments
		WHERE coding_started_at IS NULL AND deleted = FALSE AND id < $1`, id).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count queued deployments before: %w", err)
	}
	return count, nil
}

func (s *Store) InsertDeployment(ctx context.Context, d deployment.Deployment) (deployment.Deployment, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO deployments (project, instructions, submitted_at, deleted)
		VALUES ($1, $2, $3, FALSE) RETURNING id`,
		d.Project, d.Instructions, d.SubmittedAt).Scan(&d.ID)
	if err != nil {
		return deployment.Deployment{}, fmt.Errorf("insert deployment: %w", err)
	}
	return d, nil
}

func (s *Store) UpdateDeploymentCodingStarted(ctx context.Context, id int, at int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE deployments SET coding_started_at = $1 WHERE id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("update coding_started_at: %w", err)
	}
	return nil
}

func (s *Store) UpdateDeploymentCodingFinished(ctx context.Context, id int, at int64, gitHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE deployments SET coding_finished_at = $1, coding_git_hash = $2 WHERE id = $3`, at, gitHash, id)
	if err != nil {
		return fmt.Errorf("update coding_finished_at: %w", err)
	}
	return nil
}

func (s *Store) UpdateDeploymentImagegenStarted(ctx context.Context, id int, at int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE deployments SET imagegen_started_at = $1 WHERE id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("update imagegen_started_at: %w", err)
	}
	return nil
}

func (s *Store) UpdateDeploymentImagegenFinished(ctx context.Context, id int, at int64, gitHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE deployments SET imagegen_finished_at = $1, imagegen_git_hash = $2 WHERE id = $3`, at, gitHash, id)
	if err != nil {
		return fmt.Errorf("update imagegen_finished_at: %w", err)
	}
	return nil
}

func (s *Store) UpdateDeploymentRequest(ctx context.Context, id int, requestID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE deployments SET deployment_request = $1 WHERE id = $2`, requestID, id)
	if err != nil {
		return fmt.Errorf("update deployment_request: %w", err)
	}
	return nil
}

func (s *Store) DeleteAllDeploymentsAfter(ctx context.Context, projectName string, id int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE deployments SET deleted = TRUE WHERE project = $1 AND id > $2`, projectName, id)
	if err != nil {
		return fmt.Errorf("soft-delete deployments after %d: %w", id, err)
	}
	return nil
}

func scanDeployment(row rowScanner) (deployment.Deployment, error) {
	var d deployment.Deployment
	var codingStarted, codingFinished, imagegenStarted, imagegenFinished sql.NullInt64
	var codingHash, imagegenHash sql.NullString
	var depRequest sql.NullInt64

	err := row.Scan(&d.ID, &d.Project, &d.Instructions, &d.SubmittedAt,
		&codingStarted, &codingFinished, &imagegenStarted, &imagegenFinished,
		&codingHash, &imagegenHash, &depRequest, &d.Deleted)
	if err != nil {
		return deployment.Deployment{}, err
	}
	d.CodingStartedAt = nullInt64Ptr(codingStarted)
	d.CodingFinishedAt = nullInt64Ptr(codingFinished)
	d.ImagegenStartedAt = nullInt64Ptr(imagegenStarted)
	d.ImagegenFinishedAt = nullInt64Ptr(imagegenFinished)
	d.DeploymentRequest = nullInt64Ptr(depRequest)
	if codingHash.Valid {
		d.CodingGitHash = &codingHash.String
	}
	if imagegenHash.Valid {
		d.ImagegenGitHash = &imagegenHash.String
	}
	return d, nil
}

func collectDeployments(rows *sql.Rows) ([]deployment.Deployment, error) {
	var out []deployment.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func nullInt64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

// --- WorkerStore ---------------------------------------------------------

const workerColumns = `id, hardware, coder_deployment, imagegen_deployment, setup_finished, assignment, dynamic`

func (s *Store) GetWorkerCount(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM workers`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count workers: %w", err)
	}
	return count, nil
}

func (s *Store) GetAllWorkersNoSetupFinished(ctx context.Context) ([]worker.Worker, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE setup_finished = FALSE ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query workers pending setup: %w", err)
	}
	defer rows.Close()
	return collectWorkers(rows)
}

func (s *Store) GetAllDynamicUnassignedWorkers(ctx context.Context) ([]worker.Worker, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+workerColumns+` FROM workers
		WHERE dynamic = TRUE AND assignment IS NULL ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query dynamic unassigned workers: %w", err)
	}
	defer rows.Close()
	return collectWorkers(rows)
}

func (s *Store) GetAllAssignedWorkers(ctx context.Context) ([]worker.Worker, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE assignment IS NOT NULL ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query assigned workers: %w", err)
	}
	defer rows.Close()
	return collectWorkers(rows)
}

func (s *Store) GetAvailableWorker(ctx context.Context) (worker.Worker, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers
		WHERE setup_finished = TRUE AND assignment IS NULL ORDER BY id ASC LIMIT 1`)
	return scanWorker(row)
}

func (s *Store) GetWorkerByAssignment(ctx context.Context, deploymentID int) (worker.Worker, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE assignment = $1`, deploymentID)
	return scanWorker(row)
}

func (s *Store) InsertWorker(ctx context.Context, w worker.Worker) (worker.Worker, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO workers (hardware, setup_finished, dynamic)
		VALUES ($1, $2, $3) RETURNING id`,
		[]byte(w.Hardware), w.SetupFinished, w.Dynamic).Scan(&w.ID)
	if err != nil {
		return worker.Worker{}, fmt.Errorf("insert worker: %w", err)
	}
	return w, nil
}

func (s *Store) UpdateWorkerCoderDeployment(ctx context.Context, id int, requestID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE workers SET coder_deployment = $1 WHERE id = $2`, requestID, id)
	if err != nil {
		return fmt.Errorf("update coder_deployment: %w", err)
	}
	return nil
}

func (s *Store) UpdateWorkerImagegenDeployment(ctx context.Context, id int, requestID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE workers SET imagegen_deployment = $1 WHERE id = $2`, requestID, id)
	if err != nil {
		return fmt.Errorf("update imagegen_deployment: %w", err)
	}
	return nil
}

func (s *Store) UpdateWorkerSetupFinished(ctx context.Context, id int, finished bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE workers SET setup_finished = $1 WHERE id = $2`, finished, id)
	if err != nil {
		return fmt.Errorf("update setup_finished: %w", err)
	}
	return nil
}

func (s *Store) UpdateWorkerAssignment(ctx context.Context, id int, assignment *int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE workers SET assignment = $1 WHERE id = $2`, assignment, id)
	if err != nil {
		return fmt.Errorf("update assignment: %w", err)
	}
	return nil
}

func (s *Store) DeleteWorker(ctx context.Context, id int) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM workers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete worker: %w", err)
	}
	return nil
}

func scanWorker(row rowScanner) (worker.Worker, error) {
	var w worker.Worker
	var hardware []byte
	var coderDep, imagegenDep sql.NullInt64
	var assignment sql.NullInt64

	err := row.Scan(&w.ID, &hardware, &coderDep, &imagegenDep, &w.SetupFinished, &assignment, &w.Dynamic)
	if err != nil {
		return worker.Worker{}, err
	}
	w.Hardware = hardware
	w.CoderDeployment = nullInt64Ptr(coderDep)
	w.ImagegenDeployment = nullInt64Ptr(imagegenDep)
	if assignment.Valid {
		v := int(assignment.Int64)
		w.Assignment = &v
	}
	return w, nil
}

func collectWorkers(rows *sql.Rows) ([]worker.Worker, error) {
	var out []worker.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// --- CreditStore -----------------------------------------------------------

func (s *Store) GetTotalCreditsByAccount(ctx context.Context, account string) (int64, error) {
	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT SUM(credits) FROM credits WHERE account = $1`, account).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum credits: %w", err)
	}
	return total.Int64, nil
}

// InsertCredit appends a ledger row. The account's non-negative running
// sum is enforced by the database trigger installed in migrations, not by
// a pre-check here. The trigger's raise_exception is translated to
// store.ErrInsufficientCredits so callers can tell the invariant veto
// apart from a transient store failure.
func (s *Store) InsertCredit(ctx context.Context, e credit.Entry) (credit.Entry, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO credits (account, credits, description, date)
		VALUES ($1, $2, $3, $4) RETURNING id`,
		e.Account, e.Credits, e.Description, e.Date).Scan(&e.ID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "P0001" && strings.Contains(pqErr.Message, "SUM(credits)") {
			return credit.Entry{}, fmt.Errorf("%w: %v", store.ErrInsufficientCredits, err)
		}
		return credit.Entry{}, fmt.Errorf("insert credit: %w", err)
	}
	return e, nil
}

// --- PromoCodeStore ----------------------------------------------------

func (s *Store) GetUnredeemedPromoCode(ctx context.Context, code string) (credit.PromoCode, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT code, credits, description, redeemed_by FROM promo_codes
		WHERE code = $1 AND redeemed_by IS NULL`, code)
	var p credit.PromoCode
	var redeemedBy sql.NullString
	if err := row.Scan(&p.Code, &p.Credits, &p.Description, &redeemedBy); err != nil {
		return credit.PromoCode{}, err
	}
	if redeemedBy.Valid {
		p.RedeemedBy = &redeemedBy.String
	}
	return p, nil
}

func (s *Store) InsertPromoCode(ctx context.Context, p credit.PromoCode) (credit.PromoCode, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO promo_codes (code, credits, description) VALUES ($1, $2, $3)`,
		p.Code, p.Credits, p.Description)
	if err != nil {
		return credit.PromoCode{}, fmt.Errorf("insert promo code: %w", err)
	}
	return p, nil
}

// RedeemPromoCode compare-and-swaps redeemed_by from NULL to account so a
// code can be redeemed at most once under concurrent requests.
func (s *Store) RedeemPromoCode(ctx context.Context, code, account string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE promo_codes SET redeemed_by = $1 WHERE code = $2 AND redeemed_by IS NULL`, account, code)
	if err != nil {
		return fmt.Errorf("redeem promo code: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("redeem promo code rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// --- WaitlistStore -------------------------------------------------------

func (s *Store) GetWaitlistPosition(ctx context.Context, account string) (int, error) {
	var position int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM waitlist
		WHERE enrolled_at <= (SELECT enrolled_at FROM waitlist WHERE account = $1)`, account).Scan(&position)
	if err != nil {
		return 0, fmt.Errorf("waitlist position: %w", err)
	}
	return position, nil
}

func (s *Store) EnrollInWaitlist(ctx context.Context, account string, at int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO waitlist (account, enrolled_at) VALUES ($1, $2)
		ON CONFLICT (account) DO NOTHING`, account, at)
	if err != nil {
		return fmt.Errorf("enroll in waitlist: %w", err)
	}
	return nil
}
