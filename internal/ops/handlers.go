package ops

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/verihive/backend/internal/audit"
	"github.com/verihive/backend/internal/core"
	"github.com/verihive/backend/internal/orchestrator"
)

// ============================================================================
// RESPONSE HELPERS
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps domain sentinels onto HTTP status codes.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case core.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, core.ErrTaskNotFound),
		errors.Is(err, core.ErrWorkerNotFound),
		errors.Is(err, core.ErrAuctionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, core.ErrAuctionClosed),
		errors.Is(err, core.ErrInsufficientEligibleWorkers):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, core.ErrSuspiciousActivity):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, orchestrator.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Printf("❌ request failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// clientIP prefers the first X-Forwarded-For hop, falling back to the
// socket peer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// ============================================================================
// HEALTH & STATS
// ============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "healthy",
		"service":        "verihive-verifier",
		"env":            s.cfg.Server.Env,
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"collected_at": time.Now().UTC().Format(time.RFC3339),
	}
	if s.deps.Orchestrator != nil {
		stats["orchestrator"] = s.deps.Orchestrator.Stats()
	}
	if s.deps.Workers != nil {
		stats["workers"] = s.deps.Workers.Stats()
	}
	if s.deps.Auctions != nil {
		stats["auctions"] = s.deps.Auctions.Stats()
	}
	if s.deps.Detector != nil {
		stats["fraud"] = s.deps.Detector.Stats()
	}
	if s.deps.Activity != nil {
		stats["activity"] = s.deps.Activity.Stats()
	}
	if s.deps.Trail != nil {
		stats["audit"] = s.deps.Trail.Stats()
	}
	if s.deps.Queue != nil {
		stats["queue_depth"] = s.deps.Queue.Depth()
	}
	writeJSON(w, http.StatusOK, stats)
}

// ============================================================================
// TASKS
// ============================================================================

type createTaskRequest struct {
	ID                string                 `json:"id,omitempty"`
	Type              core.TaskType          `json:"type"`
	Priority          core.TaskPriority      `json:"priority,omitempty"`
	ConsensusStrategy core.ConsensusStrategy `json:"consensus_strategy,omitempty"`
	Requirements      core.TaskRequirements  `json:"requirements"`
	Payload           map[string]interface{} `json:"payload,omitempty"`
	RequesterID       string                 `json:"requester_id,omitempty"`
	ExpiresAt         *time.Time             `json:"expires_at,omitempty"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	task := &core.VerificationTask{
		ID:                req.ID,
		Type:              req.Type,
		Priority:          req.Priority,
		ConsensusStrategy: req.ConsensusStrategy,
		Requirements:      req.Requirements,
		Payload:           req.Payload,
		RequesterID:       req.RequesterID,
	}
	if req.ExpiresAt != nil {
		task.ExpiresAt = *req.ExpiresAt
	}

	assignment, err := s.deps.Orchestrator.OnTaskCreated(r.Context(), task)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"task_id":      task.ID,
		"status":       task.Status,
		"distribution": assignment,
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	task, err := s.deps.Tasks.GetTask(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if task == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("task %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	result, err := s.deps.Results.GetResult(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if result == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no result for task %s", id))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ============================================================================
// SUBMISSIONS
// ============================================================================

type submitRequest struct {
	WorkerID    string                  `json:"worker_id"`
	Result      map[string]interface{}  `json:"result"`
	Confidence  float64                 `json:"confidence"`
	StartedAt   time.Time               `json:"started_at"`
	CompletedAt time.Time               `json:"completed_at"`
	Fingerprint *core.DeviceFingerprint `json:"fingerprint,omitempty"`
}

// handleSubmit enqueues the submission for asynchronous verification.
// Screening happens in the consumer, so a 202 only acknowledges
// receipt, never acceptance.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["id"]

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "worker_id must not be empty")
		return
	}
	if len(req.Result) == 0 {
		writeError(w, http.StatusBadRequest, "result must not be empty")
		return
	}

	now := time.Now().UTC()
	if req.CompletedAt.IsZero() {
		req.CompletedAt = now
	}
	if req.StartedAt.IsZero() {
		req.StartedAt = req.CompletedAt
	}

	sub := core.WorkerSubmission{
		TaskID:      taskID,
		WorkerID:    req.WorkerID,
		Result:      req.Result,
		Confidence:  req.Confidence,
		StartedAt:   req.StartedAt,
		CompletedAt: req.CompletedAt,
		Fingerprint: req.Fingerprint,
		IPAddress:   clientIP(r),
	}

	msgID, err := s.deps.Queue.Publish(sub)
	if err != nil {
		if errors.Is(err, orchestrator.ErrQueueClosed) {
			writeError(w, http.StatusServiceUnavailable, "submission intake is closed")
			return
		}
		s.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"message_id":  msgID,
		"task_id":     taskID,
		"status":      "queued",
		"queue_depth": s.deps.Queue.Depth(),
	})
}

// ============================================================================
// WORKERS
// ============================================================================

type registerWorkerRequest struct {
	ID              string                    `json:"id,omitempty"`
	Skills          map[core.TaskType]float64 `json:"skills,omitempty"`
	Specializations []core.TaskType           `json:"specializations,omitempty"`
	Timezone        string                    `json:"timezone,omitempty"`
}

func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	var req registerWorkerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	profile := &core.WorkerProfile{
		ID:              req.ID,
		Skills:          req.Skills,
		Specializations: req.Specializations,
		Timezone:        req.Timezone,
	}
	if err := s.deps.Workers.CreateWorker(r.Context(), profile); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, profile)
}

func (s *Server) handleGetWorker(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	profile, err := s.deps.Workers.GetWorker(r.Context(), id, true)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

type workerStatusRequest struct {
	Status core.WorkerStatus `json:"status"`
	Reason string            `json:"reason,omitempty"`
}

func (s *Server) handleWorkerStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req workerStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.Reason == "" {
		req.Reason = "api request"
	}

	profile, err := s.deps.Workers.UpdateStatus(r.Context(), id, req.Status, req.Reason)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleWorkerReputation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	limit := queryInt(r, "limit", 50)

	profile, err := s.deps.Workers.GetWorker(r.Context(), id, true)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	resp := map[string]interface{}{
		"worker_id":         profile.ID,
		"level":             profile.Level,
		"reputation_score":  profile.ReputationScore,
		"reputation_points": profile.ReputationPoints,
	}
	if s.deps.Reputation != nil {
		history, herr := s.deps.Reputation.History(r.Context(), id, limit)
		if herr != nil {
			s.writeDomainError(w, herr)
			return
		}
		resp["history"] = history
	}
	writeJSON(w, http.StatusOK, resp)
}

// ============================================================================
// AUCTIONS
// ============================================================================

func (s *Server) handleGetAuction(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	a, err := s.deps.Auctions.Get(id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type placeBidRequest struct {
	WorkerID string  `json:"worker_id"`
	Amount   float64 `json:"amount"`
}

func (s *Server) handlePlaceBid(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req placeBidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	if err := s.deps.Auctions.PlaceBid(r.Context(), id, req.WorkerID, req.Amount); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"auction_id": id,
		"worker_id":  req.WorkerID,
		"status":     "bid placed",
	})
}

// ============================================================================
// ADMIN
// ============================================================================

func (s *Server) handleAdminSuspend(w http.ResponseWriter, r *http.Request) {
	s.adminStatusChange(w, r, core.WorkerSuspended, "suspended by operator")
}

func (s *Server) handleAdminActivate(w http.ResponseWriter, r *http.Request) {
	s.adminStatusChange(w, r, core.WorkerAvailable, "reactivated by operator")
}

func (s *Server) adminStatusChange(w http.ResponseWriter, r *http.Request, to core.WorkerStatus, reason string) {
	id := mux.Vars(r)["id"]

	profile, err := s.deps.Workers.UpdateStatus(r.Context(), id, to, reason)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if s.deps.Trail != nil {
		s.deps.Trail.Record(r.Context(), string(audit.CategoryAdmin), id, map[string]interface{}{
			"action": reason,
			"status": string(to),
			"source": clientIP(r),
		})
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleAdminDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	letters, err := s.deps.DeadLetters.ListDeadLetters(r.Context(), limit)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"dead_letters": letters,
		"count":        len(letters),
	})
}

// handleAdminReplay re-enqueues a parked submission. The dedup window
// has long expired for anything old enough to be replayed, so the
// consumer will process it as fresh input.
func (s *Server) handleAdminReplay(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	letters, err := s.deps.DeadLetters.ListDeadLetters(r.Context(), 0)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	for _, d := range letters {
		if d.ID != id {
			continue
		}
		msgID, perr := s.deps.Queue.Publish(d.Submission)
		if perr != nil {
			s.writeDomainError(w, perr)
			return
		}
		s.logger.Printf("🔄 dead letter %s replayed as %s", id, msgID)
		writeJSON(w, http.StatusAccepted, map[string]string{
			"dead_letter_id": id,
			"message_id":     msgID,
			"status":         "requeued",
		})
		return
	}
	writeError(w, http.StatusNotFound, fmt.Sprintf("dead letter %s not found", id))
}
