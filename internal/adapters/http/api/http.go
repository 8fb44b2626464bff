// Package api exposes the marketplace facade over HTTP: worker task flow,
// points and milestones, client projects, and operational endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	service "github.com/okian/bawo/internal/app"
	"github.com/okian/bawo/internal/app/golden"
	"github.com/okian/bawo/internal/app/ledger"
	"github.com/okian/bawo/internal/app/milestones"
	"github.com/okian/bawo/internal/app/projects"
	"github.com/okian/bawo/internal/app/sweeper"
	"github.com/okian/bawo/internal/app/tasks"
	"github.com/okian/bawo/internal/app/workers"
	"github.com/okian/bawo/internal/domain/fault"
	"github.com/okian/bawo/internal/domain/model"
	"github.com/okian/bawo/pkg/logger"
	"github.com/okian/bawo/pkg/metrics"
	"github.com/shopspring/decimal"
)

const (
	defaultMaxLimit = 100
	defaultMaxBody  = 8 << 20
)

// Dependencies required by HTTP handlers. Using an interface bundle keeps
// the handler layer loosely coupled to implementations in other packages.
type Dependencies interface {
	RegisterWorker(ctx context.Context, address string, verification int, referralCode string) (*model.Worker, error)
	Worker(ctx context.Context, id string) (*model.Worker, error)

	GetNextTask(ctx context.Context, workerID string, taskType model.TaskType) (*model.Task, error)
	HeldTasks(ctx context.Context, workerID string) ([]model.Task, error)
	ReturnTask(ctx context.Context, taskID, workerID string) error
	SubmitResponse(ctx context.Context, sub tasks.Submission) (*service.SubmitResult, error)

	RedeemPoints(ctx context.Context, workerID, destination string, points int64) (*ledger.Redemption, error)
	GetPointsBalance(ctx context.Context, workerID string) (*ledger.Balance, error)
	GetStreakStats(ctx context.Context, workerID string) (*milestones.StreakStats, error)
	GetReferralStats(ctx context.Context, workerID string) (*milestones.ReferralStats, error)
	Transactions(ctx context.Context, workerID string, limit, offset int) ([]model.Transaction, error)

	RegisterClient(ctx context.Context, name string) (*model.Client, error)
	Deposit(ctx context.Context, clientID string, amount decimal.Decimal) (decimal.Decimal, error)
	LaunchProject(ctx context.Context, l projects.Launch) (*projects.Launched, error)
	Projects(ctx context.Context, clientID string) ([]model.Project, error)
	ProjectStats(ctx context.Context, projectID string) (*projects.Stats, error)
	GoldenPool(ctx context.Context, projectID string) (golden.Pool, error)
	ProjectResults(ctx context.Context, projectID string, w io.Writer) error

	PoolStatus(ctx context.Context) (*ledger.PoolStatus, error)
	Leaderboard(ctx context.Context, limit int) ([]workers.Standing, error)
	Sweep(ctx context.Context) (sweeper.Result, error)
}

// Server wires HTTP routes for the marketplace API.
type Server struct {
	deps     Dependencies
	auth     *Authenticator
	maxLimit int
	maxBody  int64
	log      logger.Logger

	healthHandler *HealthHandler
	statsHandler  *StatsHandler
}

// Option configures the Server.
type Option func(*Server)

// WithAuthenticator requires bearer tokens on worker routes.
func WithAuthenticator(a *Authenticator) Option {
	return func(s *Server) { s.auth = a }
}

// WithMaxLimit caps list sizes such as the leaderboard.
func WithMaxLimit(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxLimit = n
		}
	}
}

// WithMaxBody caps request bodies in bytes.
func WithMaxBody(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBody = n
		}
	}
}

// WithLogger sets the logger used for internal errors.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, statsProvider StatsProvider, opts ...Option) *Server {
	s := &Server{
		deps:          deps,
		maxLimit:      defaultMaxLimit,
		maxBody:       defaultMaxBody,
		healthHandler: NewHealthHandler(),
		statsHandler:  NewStatsHandler(statsProvider),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.Get().Named("api")
	}
	return s
}

// Register attaches all HTTP routes to r.
func (s *Server) Register(_ context.Context, r *mux.Router) {
	r.Use(RecoveryMiddleware(s.log), MaxBodyMiddleware(s.maxBody))

	r.HandleFunc("/healthz", MetricsMiddleware(s.healthHandler.HandleHealth, "healthz")).Methods(http.MethodGet)
	r.HandleFunc("/stats", MetricsMiddleware(s.statsHandler.HandleStats, "stats")).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/workers", MetricsMiddleware(s.handleRegisterWorker, "register_worker")).Methods(http.MethodPost)
	v1.HandleFunc("/clients", MetricsMiddleware(s.handleRegisterClient, "register_client")).Methods(http.MethodPost)
	v1.HandleFunc("/clients/{id}/deposits", MetricsMiddleware(s.handleDeposit, "deposit")).Methods(http.MethodPost)
	v1.HandleFunc("/clients/{id}/projects", MetricsMiddleware(s.handleLaunch, "launch_project")).Methods(http.MethodPost)
	v1.HandleFunc("/clients/{id}/projects", MetricsMiddleware(s.handleListProjects, "list_projects")).Methods(http.MethodGet)
	v1.HandleFunc("/projects/{id}", MetricsMiddleware(s.handleProjectStats, "project_stats")).Methods(http.MethodGet)
	v1.HandleFunc("/projects/{id}/golden", MetricsMiddleware(s.handleGoldenPool, "golden_pool")).Methods(http.MethodGet)
	v1.HandleFunc("/projects/{id}/results", MetricsMiddleware(s.handleResults, "project_results")).Methods(http.MethodGet)
	v1.HandleFunc("/pool", MetricsMiddleware(s.handlePool, "pool")).Methods(http.MethodGet)
	v1.HandleFunc("/leaderboard", MetricsMiddleware(s.handleLeaderboard, "leaderboard")).Methods(http.MethodGet)

	admin := v1.PathPrefix("/admin").Subrouter()
	if s.auth != nil {
		admin.Use(s.auth.Middleware)
	}
	admin.HandleFunc("/sweep", MetricsMiddleware(s.handleSweep, "sweep")).Methods(http.MethodPost)

	// Worker routes act on behalf of one worker and are token-checked when
	// authentication is enabled.
	w := v1.NewRoute().Subrouter()
	if s.auth != nil {
		w.Use(s.auth.Middleware)
	}
	w.HandleFunc("/workers/{id}", MetricsMiddleware(s.handleGetWorker, "get_worker")).Methods(http.MethodGet)
	w.HandleFunc("/workers/{id}/tasks/next", MetricsMiddleware(s.handleNextTask, "next_task")).Methods(http.MethodGet)
	w.HandleFunc("/workers/{id}/tasks", MetricsMiddleware(s.handleHeldTasks, "held_tasks")).Methods(http.MethodGet)
	w.HandleFunc("/workers/{id}/points", MetricsMiddleware(s.handleBalance, "points_balance")).Methods(http.MethodGet)
	w.HandleFunc("/workers/{id}/redemptions", MetricsMiddleware(s.handleRedeem, "redeem")).Methods(http.MethodPost)
	w.HandleFunc("/workers/{id}/streak", MetricsMiddleware(s.handleStreak, "streak")).Methods(http.MethodGet)
	w.HandleFunc("/workers/{id}/referrals", MetricsMiddleware(s.handleReferrals, "referrals")).Methods(http.MethodGet)
	w.HandleFunc("/workers/{id}/transactions", MetricsMiddleware(s.handleTransactions, "transactions")).Methods(http.MethodGet)
	w.HandleFunc("/tasks/{id}/responses", MetricsMiddleware(s.handleSubmit, "submit_response")).Methods(http.MethodPost)
	w.HandleFunc("/tasks/{id}/return", MetricsMiddleware(s.handleReturn, "return_task")).Methods(http.MethodPost)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err onto a status and a machine-readable code. Errors
// without a kind are internal; their detail is logged, not returned.
func (s *Server) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	var re *ledger.RedeemError
	if errors.As(err, &re) {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Code: string(re.Reason), Message: err.Error()})
		return
	}

	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, ErrUnauthorized):
		status, code = http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, ErrForbidden):
		status, code = http.StatusForbidden, "forbidden"
	case errors.Is(err, fault.ErrValidation):
		status, code = http.StatusBadRequest, "validation_failed"
	case errors.Is(err, fault.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, fault.ErrBusiness):
		status, code = http.StatusUnprocessableEntity, "business_rule"
	case errors.Is(err, fault.ErrConflict):
		status, code = http.StatusConflict, "conflict"
	}
	msg := http.StatusText(status)
	if status == http.StatusInternalServerError {
		metrics.RecordError("api", "internal")
		s.log.Error(ctx, "request failed", logger.Error(err))
	} else if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Join(ErrBadBody, err)
	}
	return nil
}

// intQuery reads a non-negative integer query parameter, def when absent.
func intQuery(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, ErrBadRequest
	}
	return n, nil
}
