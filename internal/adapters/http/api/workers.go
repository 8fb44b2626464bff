package api

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/okian/bawo/internal/app/tasks"
	"github.com/okian/bawo/internal/domain/model"
)

type registerWorkerRequest struct {
	Address           string `json:"address"`
	VerificationLevel int    `json:"verification_level"`
	ReferralCode      string `json:"referral_code,omitempty"`
}

type registerWorkerResponse struct {
	Worker *model.Worker `json:"worker"`
	Token  string        `json:"token,omitempty"`
}

type nextTaskResponse struct {
	Task *model.Task `json:"task"`
}

type submitRequest struct {
	WorkerID       string  `json:"worker_id"`
	Response       string  `json:"response"`
	LatencySeconds float64 `json:"latency_seconds"`
}

type submitResponse struct {
	Response  *model.Response `json:"response"`
	Golden    *goldenResult   `json:"golden,omitempty"`
	Consensus *consensusView  `json:"consensus,omitempty"`
	PayoutIDs []string        `json:"payout_ids,omitempty"`
}

type goldenResult struct {
	Correct  bool    `json:"correct"`
	Accuracy float64 `json:"accuracy"`
	PayoutID string  `json:"payout_id,omitempty"`
}

type consensusView struct {
	Decision   string           `json:"decision"`
	Status     model.TaskStatus `json:"status"`
	Label      string           `json:"label,omitempty"`
	Confidence float64          `json:"confidence"`
}

type returnRequest struct {
	WorkerID string `json:"worker_id"`
}

type redeemRequest struct {
	Points      int64  `json:"points"`
	Destination string `json:"destination,omitempty"`
}

func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	const op = "api.register_worker"
	var req registerWorkerRequest
	if err := decode(r, &req); err != nil {
		s.writeError(r.Context(), w, Wrap(op, err))
		return
	}
	wk, err := s.deps.RegisterWorker(r.Context(), strings.TrimSpace(req.Address), req.VerificationLevel, req.ReferralCode)
	if err != nil {
		s.writeError(r.Context(), w, Wrap(op, err))
		return
	}
	out := registerWorkerResponse{Worker: wk}
	if s.auth != nil {
		if out.Token, err = s.auth.Issue(wk.ID); err != nil {
			s.writeError(r.Context(), w, Wrap(op, err))
			return
		}
	}
	writeJSON(w, http.StatusCreated, out)
}

// workerID returns the {id} path variable once the caller may act as it.
func workerID(r *http.Request) (string, error) {
	id := mux.Vars(r)["id"]
	if err := authorize(r.Context(), id); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Server) handleGetWorker(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_worker"
	id, err := workerID(r)
	if err != nil {
		s.writeError(r.Context(), w, Wrap(op, err))
		return
	}
	wk, err := s.deps.Worker(r.Context(), id)
	if err != nil {
		s.writeError(r.Context(), w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, wk)
}

func (s *Server) handleNextTask(w http.ResponseWriter, r *http.Request) {
	const op = "api.next_task"
	id, err := workerID(r)
	if err != nil {
		s.writeError(r.Context(), w, Wrap(op, err))
		return
	}
	t, err := s.deps.GetNextTask(r.Context(), id, model.TaskType(r.URL.Query().Get("type")))
	if err != nil {
		s.writeError(r.Context(), w, Wrap(op, err))
		return
	}
	if t == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, nextTaskResponse{Task: t})
}

func (s *Server) handleHeldTasks(w http.ResponseWriter, r *http.Request) {
	const op = "api.held_tasks"
	id, err := workerID(r)
	if err != nil {
		s.writeError(r.Context(), w, Wrap(op, err))
		return
	}
	held, err := s.deps.HeldTasks(r.Context(), id)
	if err != nil {
		s.writeError(r.Context(), w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, held)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	const op = "api.submit_response"
	var req submitRequest
	if err := decode(r, &req); err != nil {
		s.writeError(r.Context(), w, Wrap(op, err))
		return
	}
	if err := authorize(r.Context(), req.WorkerID); err != nil {
		s.writeError(r.Context(), w, Wrap(op, err))
		return
	}
	res, err := s.deps.SubmitResponse(r.Context(), tasks.Submission{
		TaskID:         mux.Vars(r)["id"],
		WorkerID:       req.WorkerID,
		Value:          req.Response,
		LatencySeconds: req.LatencySeconds,
	})
	if err != nil {
		s.writeError(r.Context(), w, Wrap(op, err))
		return
	}
	out := submitResponse{Response: res.Response, PayoutIDs: res.PayoutIDs}
	if g := res.Golden; g != nil {
		out.Golden = &goldenResult{Correct: g.Correct, Accuracy: g.Stats.Accuracy, PayoutID: g.PayoutID}
	}
	if c := res.Consensus; c != nil {
		out.Consensus = &consensusView{
			Decision:   string(c.Decision),
			Status:     c.Status,
			Label:      c.Result.Label,
			Confidence: c.Result.Confidence,
		}
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleReturn(w http.ResponseWriter, r *http.Request) {
	const op = "api.return_task"
	var req returnRequest
	if err := decode(r, &req); err != nil {
		s.writeError(r.Context(), w, Wrap(op, err))
		return
	}
	if err := authorize(r.Context(), req.WorkerID); err != nil {
		s.writeError(r.Context(), w, Wrap(op, err))
		return
	}
	if err := s.deps.ReturnTask(r.Context(), mux.Vars(r)["id"], req.WorkerID); err != nil {
		s.writeError(r.Context(), w, Wrap(op, err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	const op = "api.points_balance"
	id, err := workerID(r)
	if err != nil {
		s.writeError(r.Context(), w, Wrap(op, err))
		return
	}
	bal, err := s.deps.GetPointsBalance(r.Context(), id)
	if err != nil {
		s.writeError(r.Context(), w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	const op = "api.redeem"
	id, err := workerID(r)
	if err != nil {
		s.writeError(r.Context(), w, Wrap(op, err))
		return
	}
	var req redeemRequest
	if err := decode(r, &req); err != nil {
		s.writeError(r.Context(), w, Wrap(op, err))
		return
	}
	out, err := s.deps.RedeemPoints(r.Context(), id, strings.TrimSpace(req.Destination), req.Points)
	if err != nil {
		s.writeError(r.Context(), w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStreak(w http.ResponseWriter, r *http.Request) {
	const op = "api.streak"
	id, err := workerID(r)
	if err != nil {
		s.writeError(r.Context(), w, Wrap(op, err))
		return
	}
	st, err := s.deps.GetStreakStats(r.Context(), id)
	if err != nil {
		s.writeError(r.Context(), w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleReferrals(w http.ResponseWriter, r *http.Request) {
	const op = "api.referrals"
	id, err := workerID(r)
	if err != nil {
		s.writeError(r.Context(), w, Wrap(op, err))
		return
	}
	st, err := s.deps.GetReferralStats(r.Context(), id)
	if err != nil {
		s.writeError(r.Context(), w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	const op = "api.transactions"
	id, err := workerID(r)
	if err != nil {
		s.writeError(r.Context(), w, Wrap(op, err))
		return
	}
	limit, err := intQuery(r, "limit", 50)
	if err != nil || limit > s.maxLimit {
		s.writeError(r.Context(), w, NewKind(op, ErrBadRequest))
		return
	}
	offset, err := intQuery(r, "offset", 0)
	if err != nil {
		s.writeError(r.Context(), w, NewKind(op, ErrBadRequest))
		return
	}
	txs, err := s.deps.Transactions(r.Context(), id, limit, offset)
	if err != nil {
		s.writeError(r.Context(), w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, txs)
}
