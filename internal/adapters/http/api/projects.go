package api

import (
	"bytes"
	"mime"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/okian/bawo/internal/app/projects"
	"github.com/okian/bawo/internal/domain/model"
	"github.com/shopspring/decimal"
)

type registerClientRequest struct {
	Name string `json:"name"`
}

type depositRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type depositResponse struct {
	ClientID   string          `json:"client_id"`
	BalanceUSD decimal.Decimal `json:"balance_usd"`
}

type launchRequest struct {
	Name             string                `json:"name"`
	Instructions     string                `json:"instructions"`
	Type             model.TaskType        `json:"task_type"`
	PricePerTask     decimal.Decimal       `json:"price_per_task"`
	Options          []string              `json:"options,omitempty"`
	TimeLimitSeconds int                   `json:"time_limit_seconds,omitempty"`
	Items            []string              `json:"items"`
	Golden           []projects.GoldenItem `json:"golden,omitempty"`
}

type sweepResponse struct {
	Reconciled int  `json:"reconciled"`
	Retried    int  `json:"retried"`
	Skipped    bool `json:"skipped"`
}

func (s *Server) handleRegisterClient(w http.ResponseWriter, r *http.Request) {
	const op = "api.register_client"
	var req registerClientRequest
	if err := decode(r, &req); err != nil {
		s.writeError(r.Context(), w, Wrap(op, err))
		return
	}
	c, err := s.deps.RegisterClient(r.Context(), strings.TrimSpace(req.Name))
	if err != nil {
		s.writeError(r.Context(), w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	const op = "api.deposit"
	var req depositRequest
	if err := decode(r, &req); err != nil {
		s.writeError(r.Context(), w, Wrap(op, err))
		return
	}
	id := mux.Vars(r)["id"]
	bal, err := s.deps.Deposit(r.Context(), id, req.Amount)
	if err != nil {
		s.writeError(r.Context(), w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, depositResponse{ClientID: id, BalanceUSD: bal})
}

// handleLaunch accepts either a JSON launch request or a CSV upload whose
// project settings come from the query string.
func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	const op = "api.launch_project"
	l, err := launchFrom(r)
	if err != nil {
		s.writeError(r.Context(), w, Wrap(op, err))
		return
	}
	l.ClientID = mux.Vars(r)["id"]
	out, err := s.deps.LaunchProject(r.Context(), l)
	if err != nil {
		s.writeError(r.Context(), w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func launchFrom(r *http.Request) (projects.Launch, error) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct != "text/csv" {
		var req launchRequest
		if err := decode(r, &req); err != nil {
			return projects.Launch{}, err
		}
		return projects.Launch{
			Name:             req.Name,
			Instructions:     req.Instructions,
			Type:             req.Type,
			PricePerTask:     req.PricePerTask,
			Options:          req.Options,
			TimeLimitSeconds: req.TimeLimitSeconds,
			Items:            req.Items,
			Golden:           req.Golden,
		}, nil
	}

	q := r.URL.Query()
	price, err := decimal.NewFromString(q.Get("price_per_task"))
	if err != nil {
		return projects.Launch{}, ErrBadRequest
	}
	items, golden, err := projects.ReadItems(r.Body)
	if err != nil {
		return projects.Launch{}, err
	}
	l := projects.Launch{
		Name:         q.Get("name"),
		Instructions: q.Get("instructions"),
		Type:         model.TaskType(q.Get("task_type")),
		PricePerTask: price,
		Items:        items,
		Golden:       golden,
	}
	if opts := q.Get("options"); opts != "" {
		l.Options = strings.Split(opts, ",")
	}
	return l, nil
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	const op = "api.list_projects"
	ps, err := s.deps.Projects(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(r.Context(), w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

func (s *Server) handleProjectStats(w http.ResponseWriter, r *http.Request) {
	const op = "api.project_stats"
	st, err := s.deps.ProjectStats(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(r.Context(), w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleGoldenPool(w http.ResponseWriter, r *http.Request) {
	const op = "api.golden_pool"
	pool, err := s.deps.GoldenPool(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(r.Context(), w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, pool)
}

// handleResults buffers the CSV so a failure midway still yields a JSON error.
func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	const op = "api.project_results"
	id := mux.Vars(r)["id"]
	var buf bytes.Buffer
	if err := s.deps.ProjectResults(r.Context(), id, &buf); err != nil {
		s.writeError(r.Context(), w, Wrap(op, err))
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+id+`.csv"`)
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	const op = "api.pool"
	pool, err := s.deps.PoolStatus(r.Context())
	if err != nil {
		s.writeError(r.Context(), w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, pool)
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	const op = "api.leaderboard"
	n, err := intQuery(r, "limit", 10)
	if err != nil || n < 1 {
		s.writeError(r.Context(), w, NewKind(op, ErrBadRequest))
		return
	}
	if n > s.maxLimit {
		writeJSON(w, http.StatusBadRequest, errorResponse{Code: "limit_exceeded", Message: "limit exceeds maximum"})
		return
	}
	rows, err := s.deps.Leaderboard(r.Context(), n)
	if err != nil {
		s.writeError(r.Context(), w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	const op = "api.sweep"
	res, err := s.deps.Sweep(r.Context())
	if err != nil {
		s.writeError(r.Context(), w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, sweepResponse{Reconciled: res.Reconciled, Retried: res.Retried, Skipped: res.Skipped})
}
