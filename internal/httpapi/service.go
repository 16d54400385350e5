// Package httpapi is the thin façade (spec.md §2 C9, §6): request
// parsing, auth-header extraction, and JSON marshalling over the
// ledger (C7) and store (C1). Per spec.md §1 this layer's concrete
// request/response wire handling is explicitly out of the core
// specification; what's implemented here is the ambient transport
// concern routing each endpoint to the pipeline's real logic, grounded
// on cmd/gateway's gorilla/mux router wiring.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/openxai-network/miniapp-factory/internal/agent"
	"github.com/openxai-network/miniapp-factory/internal/crypto"
	"github.com/openxai-network/miniapp-factory/internal/deployer"
	"github.com/openxai-network/miniapp-factory/internal/domain/credit"
	"github.com/openxai-network/miniapp-factory/internal/domain/deployment"
	"github.com/openxai-network/miniapp-factory/internal/domain/project"
	"github.com/openxai-network/miniapp-factory/internal/ledger"
	"github.com/openxai-network/miniapp-factory/internal/logger"
	"github.com/openxai-network/miniapp-factory/internal/metrics"
	"github.com/openxai-network/miniapp-factory/internal/repohost"
	"github.com/openxai-network/miniapp-factory/internal/store"
)

// authHeader is the header the caller's Ethereum-style address is read
// from (spec.md §6); verifying the header's authenticity is the
// out-of-core-scope auth layer's job, not this façade's.
const authHeader = "xnode-auth-user"

// repoTemplate names the template a new project's repository is seeded
// from.
const repoTemplate = "mini-app-template"

// Service holds every dependency the HTTP façade routes requests to.
type Service struct {
	Store    store.Store
	Ledger   *ledger.Manager
	RepoHost repohost.Host
	// Dialer resolves a worker's hardware handle to a session, used by
	// the llm_output endpoint to read a running worker's live log.
	Dialer agent.Dialer
	// HostDialer reaches the downstream host node for account_association
	// and base_build's reconfiguration side effects (spec.md §6).
	HostDialer func(ctx context.Context) (*agent.Session, error)
	// LocalOwner is this node's own "eth:<addr>" address, returned by
	// GET /api/factory/owner.
	LocalOwner string
	Log        *logger.Logger
}

// Router builds the gorilla/mux router covering every endpoint in
// spec.md §6's table.
func (s *Service) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.traceMiddleware)
	r.Use(metrics.InstrumentHandler)

	api := r.PathPrefix("/api/factory").Subrouter()
	api.HandleFunc("/owner", s.handleOwner).Methods(http.MethodGet)
	api.HandleFunc("/user/projects", s.handleUserProjects).Methods(http.MethodGet)
	api.HandleFunc("/user/credits", s.handleUserCredits).Methods(http.MethodGet)
	api.HandleFunc("/project/available", s.handleProjectAvailable).Methods(http.MethodGet)
	api.HandleFunc("/project/price", s.handleProjectPrice).Methods(http.MethodGet)
	api.HandleFunc("/project/create", s.handleProjectCreate).Methods(http.MethodPost)
	api.HandleFunc("/project/change", s.handleProjectChange).Methods(http.MethodPost)
	api.HandleFunc("/project/history", s.handleProjectHistory).Methods(http.MethodGet)
	api.HandleFunc("/project/reset", s.handleProjectReset).Methods(http.MethodPost)
	api.HandleFunc("/project/account_association", s.handleAccountAssociation).Methods(http.MethodPost)
	api.HandleFunc("/project/base_build", s.handleBaseBuild).Methods(http.MethodPost)
	api.HandleFunc("/deployment/llm_output", s.handleLLMOutput).Methods(http.MethodGet)
	api.HandleFunc("/deployment/queue", s.handleDeploymentQueue).Methods(http.MethodGet)
	api.HandleFunc("/promo_code/redeem", s.handlePromoRedeem).Methods(http.MethodPost)
	api.HandleFunc("/promo_code/add", s.handlePromoAdd).Methods(http.MethodPost)

	showcase := r.PathPrefix("/api/showcase").Subrouter()
	showcase.HandleFunc("/projects/count", s.handleShowcaseProjectsCount).Methods(http.MethodGet)
	showcase.HandleFunc("/projects/all", s.handleShowcaseProjectsAll).Methods(http.MethodGet)
	showcase.HandleFunc("/queue/count", s.handleShowcaseQueueCount).Methods(http.MethodGet)
	showcase.HandleFunc("/queue/workers", s.handleShowcaseQueueWorkers).Methods(http.MethodGet)

	waitlist := r.PathPrefix("/api/waitlist").Subrouter()
	waitlist.HandleFunc("/allowed", s.handleWaitlistAllowed).Methods(http.MethodGet)
	waitlist.HandleFunc("/{account}/position", s.handleWaitlistPosition).Methods(http.MethodGet)
	waitlist.HandleFunc("/{account}/enroll", s.handleWaitlistEnroll).Methods(http.MethodPost)

	r.Handle("/metrics", metrics.Handler())
	return r
}

func nowUnix() int64 { return time.Now().Unix() }

// traceHeader is the header a trace id travels in, so callers and any
// reverse proxy in front of this service can correlate log lines.
const traceHeader = "X-Trace-Id"

// traceMiddleware tags every request's context with a trace id, extracted
// from traceHeader if the caller supplied one, generated otherwise. Mirrors
// infrastructure/middleware.LoggingMiddleware's trace-id handling in the
// teacher.
func (s *Service) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(traceHeader)
		if traceID == "" {
			traceID = logger.NewTraceID()
		}
		ctx := logger.WithTraceID(r.Context(), traceID)
		w.Header().Set(traceHeader, traceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Service) log() *logger.Logger {
	if s.Log != nil {
		return s.Log
	}
	return logger.NewDefault()
}

// caller extracts the authenticated caller's address from authHeader,
// 401-ing the request if absent (spec.md §7: "caller lacks header -> 401").
func caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	v := r.Header.Get(authHeader)
	if v == "" {
		writeEmpty(w, http.StatusUnauthorized)
		return "", false
	}
	return v, true
}

// storeErrorStatus maps a store error to the HTTP status spec.md §7
// assigns it: sql.ErrNoRows -> 400 {error}, anything else -> 500.
func storeErrorStatus(w http.ResponseWriter, err error) {
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusBadRequest, "not found")
		return
	}
	writeEmpty(w, http.StatusInternalServerError)
}

func (s *Service) handleOwner(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.LocalOwner)
}

func (s *Service) handleUserProjects(w http.ResponseWriter, r *http.Request) {
	acct, ok := caller(w, r)
	if !ok {
		return
	}
	projects, err := s.Store.GetAllProjectsByOwner(r.Context(), acct)
	if err != nil {
		writeEmpty(w, http.StatusInternalServerError)
		return
	}
	names := make([]string, 0, len(projects))
	for _, p := range projects {
		names = append(names, p.Name)
	}
	writeJSON(w, names)
}

func (s *Service) handleUserCredits(w http.ResponseWriter, r *http.Request) {
	acct, ok := caller(w, r)
	if !ok {
		return
	}
	balance, err := s.Ledger.Balance(r.Context(), acct)
	if err != nil {
		writeEmpty(w, http.StatusInternalServerError)
		return
	}
	writeJSON(w, balance)
}

func (s *Service) handleProjectAvailable(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("project")
	if !project.ValidName(name) {
		writeError(w, http.StatusBadRequest, "invalid project name")
		return
	}
	_, err := s.Store.GetProjectByName(r.Context(), name)
	switch {
	case err == nil:
		writeJSON(w, false)
	case errors.Is(err, sql.ErrNoRows):
		writeJSON(w, true)
	default:
		writeEmpty(w, http.StatusInternalServerError)
	}
}

func (s *Service) handleProjectPrice(w http.ResponseWriter, r *http.Request) {
	acct, ok := caller(w, r)
	if !ok {
		return
	}
	price, err := s.Ledger.PriceFor(r.Context(), acct)
	if err != nil {
		writeEmpty(w, http.StatusInternalServerError)
		return
	}
	writeJSON(w, price)
}

type createProjectRequest struct {
	Project string `json:"project"`
}

// handleProjectCreate implements the create endpoint: price the request,
// debit the ledger, insert the project row, then provision its
// repository. Per spec.md §9's open question, the debit happens first
// and a crash between debit and repo creation is not compensated.
func (s *Service) handleProjectCreate(w http.ResponseWriter, r *http.Request) {
	acct, ok := caller(w, r)
	if !ok {
		return
	}
	var req createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !project.ValidName(req.Project) {
		writeError(w, http.StatusBadRequest, "invalid project name")
		return
	}

	ctx := r.Context()
	price, err := s.Ledger.PriceFor(ctx, acct)
	if err != nil {
		writeEmpty(w, http.StatusInternalServerError)
		return
	}
	if err := s.Ledger.Debit(ctx, acct, price, "project create: "+req.Project, nowUnix()); err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			writeEmpty(w, http.StatusPaymentRequired)
			return
		}
		writeEmpty(w, http.StatusInternalServerError)
		return
	}

	if _, err := s.Store.InsertProject(ctx, project.Project{Name: req.Project, Owner: acct}); err != nil {
		s.log().Component("httpapi").WithField("error", err.Error()).Error("insert project after debit failed")
		writeEmpty(w, http.StatusInternalServerError)
		return
	}

	if s.RepoHost != nil {
		if err := s.RepoHost.CreateRepo(ctx, req.Project, repoTemplate); err != nil {
			s.log().Component("httpapi").WithField("error", err.Error()).Error("create repo after project insert failed")
		}
	}

	writeEmpty(w, http.StatusOK)
}

type changeProjectRequest struct {
	Project      string `json:"project"`
	Instructions string `json:"instructions"`
}

// handleProjectChange implements the change endpoint: authorise, reject
// concurrent in-flight requests (spec.md §7's 429 concurrency guard),
// then enqueue a deployment.
func (s *Service) handleProjectChange(w http.ResponseWriter, r *http.Request) {
	acct, ok := caller(w, r)
	if !ok {
		return
	}
	var req changeProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx := r.Context()
	proj, err := s.Store.GetProjectByName(ctx, req.Project)
	if err != nil {
		storeErrorStatus(w, err)
		return
	}
	if proj.Owner != acct {
		writeEmpty(w, http.StatusUnauthorized)
		return
	}

	unfinished, err := s.Store.GetAllDeploymentsByProjectUnfinished(ctx, req.Project)
	if err != nil {
		writeEmpty(w, http.StatusInternalServerError)
		return
	}
	if len(unfinished) > 0 {
		writeError(w, http.StatusTooManyRequests, "a change request is already in flight for this project")
		return
	}

	dep, err := s.Store.InsertDeployment(ctx, deployment.Deployment{
		Project:      req.Project,
		Instructions: req.Instructions,
		SubmittedAt:  nowUnix(),
	})
	if err != nil {
		writeEmpty(w, http.StatusInternalServerError)
		return
	}
	writeJSON(w, dep.ID)
}

func (s *Service) handleProjectHistory(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("project")
	deps, err := s.Store.GetAllDeploymentsByProjectUndeleted(r.Context(), name)
	if err != nil {
		writeEmpty(w, http.StatusInternalServerError)
		return
	}
	writeJSON(w, deps)
}

type resetProjectRequest struct {
	Project    string `json:"project"`
	Deployment *int   `json:"deployment,omitempty"`
}

// handleProjectReset implements spec.md §4.6's reset semantics (P6):
// resetting to a prior deployment rewinds the project's pinned version
// to that deployment's imagegen_git_hash and soft-deletes everything
// after it; resetting with no target wipes history and recreates the
// repository from the template.
func (s *Service) handleProjectReset(w http.ResponseWriter, r *http.Request) {
	acct, ok := caller(w, r)
	if !ok {
		return
	}
	var req resetProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx := r.Context()
	proj, err := s.Store.GetProjectByName(ctx, req.Project)
	if err != nil {
		storeErrorStatus(w, err)
		return
	}
	if proj.Owner != acct {
		writeEmpty(w, http.StatusUnauthorized)
		return
	}

	if req.Deployment != nil {
		target, err := s.Store.GetDeploymentByID(ctx, *req.Deployment)
		if err != nil {
			storeErrorStatus(w, err)
			return
		}
		if err := s.Store.UpdateProjectVersion(ctx, req.Project, target.ImagegenGitHash); err != nil {
			writeEmpty(w, http.StatusInternalServerError)
			return
		}
		if err := s.Store.DeleteAllDeploymentsAfter(ctx, req.Project, target.ID); err != nil {
			writeEmpty(w, http.StatusInternalServerError)
			return
		}
	} else {
		if err := s.Store.DeleteAllDeploymentsAfter(ctx, req.Project, 0); err != nil {
			writeEmpty(w, http.StatusInternalServerError)
			return
		}
		if err := s.Store.UpdateProjectVersion(ctx, req.Project, nil); err != nil {
			writeEmpty(w, http.StatusInternalServerError)
			return
		}
		if s.RepoHost != nil {
			if err := s.RepoHost.DeleteRepo(ctx, req.Project); err != nil {
				s.log().Component("httpapi").WithField("error", err.Error()).Warn("delete repo on reset failed")
			}
			if err := s.RepoHost.CreateRepo(ctx, req.Project, repoTemplate); err != nil {
				s.log().Component("httpapi").WithField("error", err.Error()).Error("recreate repo on reset failed")
			}
		}
	}

	proj, err = s.Store.GetProjectByName(ctx, req.Project)
	if err != nil {
		writeEmpty(w, http.StatusInternalServerError)
		return
	}
	requestID, err := s.redeployHost(ctx, proj)
	if err != nil {
		s.log().Component("httpapi").WithField("error", err.Error()).Warn("redeploy host after reset failed")
		writeJSON(w, int64(0))
		return
	}
	writeJSON(w, requestID)
}

type accountAssociationRequest struct {
	Project            string                      `json:"project"`
	AccountAssociation *project.AccountAssociation `json:"account_association"`
}

func (s *Service) handleAccountAssociation(w http.ResponseWriter, r *http.Request) {
	acct, ok := caller(w, r)
	if !ok {
		return
	}
	var req accountAssociationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx := r.Context()
	proj, err := s.Store.GetProjectByName(ctx, req.Project)
	if err != nil {
		storeErrorStatus(w, err)
		return
	}
	if proj.Owner != acct {
		writeEmpty(w, http.StatusUnauthorized)
		return
	}
	if err := s.Store.UpdateProjectAccountAssociation(ctx, req.Project, req.AccountAssociation); err != nil {
		writeEmpty(w, http.StatusInternalServerError)
		return
	}
	proj.AccountAssociation = req.AccountAssociation

	requestID, err := s.redeployHost(ctx, proj)
	if err != nil {
		writeJSON(w, int64(0))
		return
	}
	writeJSON(w, requestID)
}

type baseBuildRequest struct {
	Project   string             `json:"project"`
	BaseBuild *project.BaseBuild `json:"base_build"`
}

func (s *Service) handleBaseBuild(w http.ResponseWriter, r *http.Request) {
	acct, ok := caller(w, r)
	if !ok {
		return
	}
	var req baseBuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx := r.Context()
	proj, err := s.Store.GetProjectByName(ctx, req.Project)
	if err != nil {
		storeErrorStatus(w, err)
		return
	}
	if proj.Owner != acct {
		writeEmpty(w, http.StatusUnauthorized)
		return
	}
	if err := s.Store.UpdateProjectBaseBuild(ctx, req.Project, req.BaseBuild); err != nil {
		writeEmpty(w, http.StatusInternalServerError)
		return
	}
	proj.BaseBuild = req.BaseBuild

	requestID, err := s.redeployHost(ctx, proj)
	if err != nil {
		writeJSON(w, int64(0))
		return
	}
	writeJSON(w, requestID)
}

// redeployHost reconfigures the downstream host node's container for
// proj, the same config.set call the completion watcher issues on
// pipeline finish (spec.md §4.6 step 3), used here for the façade's own
// endpoints that mutate project-level config.
func (s *Service) redeployHost(ctx context.Context, proj project.Project) (int64, error) {
	if s.HostDialer == nil {
		return 0, errors.New("no downstream host node configured")
	}
	session, err := s.HostDialer(ctx)
	if err != nil {
		return 0, err
	}
	requestID, err := session.ConfigSet(ctx, proj.Name, agent.Settings{
		Flake:   proj.GetFlake(),
		Network: proj.GetNetwork(),
	}, []string{})
	if err != nil {
		return 0, err
	}
	return int64(requestID), nil
}

// handleLLMOutput reads the live log of whichever stage a deployment is
// currently in, from the worker it's assigned to (spec.md §6: "live chat
// or comfyui log").
func (s *Service) handleLLMOutput(w http.ResponseWriter, r *http.Request) {
	idStr := r.URL.Query().Get("deployment")
	id, err := strconv.Atoi(idStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid deployment id")
		return
	}

	ctx := r.Context()
	dep, err := s.Store.GetDeploymentByID(ctx, id)
	if err != nil {
		storeErrorStatus(w, err)
		return
	}

	wrk, err := s.Store.GetWorkerByAssignment(ctx, id)
	if err != nil {
		storeErrorStatus(w, err)
		return
	}

	session, err := s.Dialer.Dial(ctx, deployer.Handle(wrk.Hardware))
	if err != nil {
		writeEmpty(w, http.StatusInternalServerError)
		return
	}

	var scope, path string
	if dep.CodingFinishedAt == nil {
		scope, path = "container:miniapp-factory-coder", "/var/log/miniapp-factory-coder.log"
	} else {
		scope, path = "container:miniapp-factory-imagegen", "/var/log/miniapp-factory-imagegen.log"
	}

	content, err := session.ReadFile(ctx, scope, path)
	if err != nil {
		writeEmpty(w, http.StatusInternalServerError)
		return
	}
	writeJSON(w, string(content.Data()))
}

func (s *Service) handleDeploymentQueue(w http.ResponseWriter, r *http.Request) {
	idStr := r.URL.Query().Get("deployment")
	id, err := strconv.Atoi(idStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid deployment id")
		return
	}
	n, err := s.Store.GetQueuedDeploymentCountBefore(r.Context(), id)
	if err != nil {
		writeEmpty(w, http.StatusInternalServerError)
		return
	}
	writeJSON(w, int64(n))
}

type promoRedeemRequest struct {
	Code string `json:"code"`
}

func (s *Service) handlePromoRedeem(w http.ResponseWriter, r *http.Request) {
	acct, ok := caller(w, r)
	if !ok {
		return
	}
	var req promoRedeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.Ledger.RedeemPromoCode(r.Context(), req.Code, acct, nowUnix()); err != nil {
		writeError(w, http.StatusBadRequest, "invalid or already-redeemed code")
		return
	}
	writeEmpty(w, http.StatusOK)
}

type promoAddRequest struct {
	PromoCodes json.RawMessage `json:"promo_codes"`
	Signature  string          `json:"signature"`
}

// handlePromoAdd is the admin-only promo code bulk-insert endpoint: the
// promo_codes document must be signed by the factory owner's key, the
// same key that answers GET /api/factory/owner.
func (s *Service) handlePromoAdd(w http.ResponseWriter, r *http.Request) {
	var req promoAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	signer, err := crypto.RecoverAddress(req.PromoCodes, req.Signature)
	if err != nil || signer != s.LocalOwner {
		writeEmpty(w, http.StatusUnauthorized)
		return
	}

	var codes []credit.PromoCode
	if err := json.Unmarshal(req.PromoCodes, &codes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid promo_codes")
		return
	}
	for _, code := range codes {
		if code.Code == "" || code.Credits <= 0 {
			writeError(w, http.StatusBadRequest, "promo codes need a code and positive credits")
			return
		}
	}

	ctx := r.Context()
	for _, code := range codes {
		if _, err := s.Store.InsertPromoCode(ctx, code); err != nil {
			writeEmpty(w, http.StatusInternalServerError)
			return
		}
	}
	writeEmpty(w, http.StatusOK)
}

func (s *Service) handleShowcaseProjectsCount(w http.ResponseWriter, r *http.Request) {
	n, err := s.Store.GetProjectCount(r.Context())
	if err != nil {
		writeEmpty(w, http.StatusInternalServerError)
		return
	}
	writeJSON(w, int64(n))
}

type showcaseProject struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

func (s *Service) handleShowcaseProjectsAll(w http.ResponseWriter, r *http.Request) {
	projects, err := s.Store.GetAllProjects(r.Context())
	if err != nil {
		writeEmpty(w, http.StatusInternalServerError)
		return
	}
	out := make([]showcaseProject, 0, len(projects))
	for _, p := range projects {
		out = append(out, showcaseProject{ID: p.ID, Name: p.Name})
	}
	writeJSON(w, out)
}

func (s *Service) handleShowcaseQueueCount(w http.ResponseWriter, r *http.Request) {
	n, err := s.Store.GetQueuedDeploymentCount(r.Context())
	if err != nil {
		writeEmpty(w, http.StatusInternalServerError)
		return
	}
	writeJSON(w, int64(n))
}

func (s *Service) handleShowcaseQueueWorkers(w http.ResponseWriter, r *http.Request) {
	n, err := s.Store.GetWorkerCount(r.Context())
	if err != nil {
		writeEmpty(w, http.StatusInternalServerError)
		return
	}
	writeJSON(w, int64(n))
}

// handleWaitlistAllowed is specified to key off the caller's real IP
// (spec.md §6); resolving that from proxy headers is an out-of-core-scope
// HTTP concern, so this always reports allowed, matching a waitlist
// that's not currently gating access.
func (s *Service) handleWaitlistAllowed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, true)
}

func (s *Service) handleWaitlistPosition(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]
	pos, err := s.Store.GetWaitlistPosition(r.Context(), account)
	if err != nil {
		writeEmpty(w, http.StatusInternalServerError)
		return
	}
	writeJSON(w, int64(pos))
}

func (s *Service) handleWaitlistEnroll(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]
	if err := s.Store.EnrollInWaitlist(r.Context(), account, nowUnix()); err != nil {
		writeEmpty(w, http.StatusInternalServerError)
		return
	}
	writeEmpty(w, http.StatusOK)
}
