package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/clawinfra/evovariant/internal/classifier"
	"github.com/clawinfra/evovariant/internal/engine"
	"github.com/clawinfra/evovariant/internal/rsi"
	"github.com/clawinfra/evovariant/internal/types"
	"github.com/clawinfra/evovariant/internal/variants"
)

type selectRequest struct {
	Agent     string   `json:"agent_name"`
	Text      string   `json:"raw_text"`
	FilePaths []string `json:"file_paths,omitempty"`
}

type outcomeRequest struct {
	Agent      string        `json:"agent_name"`
	TaskType   string        `json:"task_type"`
	VariantID  string        `json:"variant_id"`
	Outcome    types.Outcome `json:"outcome"`
	Complexity string        `json:"complexity,omitempty"`
	FileCount  int           `json:"file_count,omitempty"`
}

type proposeRequest struct {
	MinSamples uint64 `json:"min_samples"`
}

type rollbackRequest struct {
	Agent    string `json:"agent_name"`
	TaskType string `json:"task_type"`
	From     string `json:"from_variant"`
	Reason   string `json:"reason"`
}

// handleStatus returns engine counters and uptime
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	resp := map[string]any{
		"engine":         s.core.Status(),
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
	}
	if s.sched != nil {
		resp["scheduler"] = s.sched.GetStats()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSelect classifies a request and returns the variant to run
func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req selectRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Agent == "" {
		writeError(w, http.StatusBadRequest, "agent_name is required")
		return
	}
	writeJSON(w, http.StatusOK, s.core.SelectVariant(r.Context(), req.Agent, req.Text, req.FilePaths))
}

// handleOutcome records the outcome of an attempt
func (s *Server) handleOutcome(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req outcomeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Agent == "" || req.TaskType == "" || req.VariantID == "" {
		writeError(w, http.StatusBadRequest, "agent_name, task_type and variant_id are required")
		return
	}
	if err := classifier.CheckTaskTypeName(req.TaskType); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	opts := []engine.RecordOption{engine.WithFileCount(req.FileCount)}
	if req.Complexity != "" {
		opts = append(opts, engine.WithComplexity(types.ParseComplexity(req.Complexity)))
	}
	res, err := s.core.RecordOutcome(r.Context(), req.Agent, req.TaskType, req.VariantID, req.Outcome, opts...)
	if err != nil {
		if errors.Is(err, variants.ErrVariantNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		if errors.Is(err, classifier.ErrInvalidTaskType) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("record outcome failed", "agent", req.Agent, "variant", req.VariantID, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleSafety returns the decision for one key, or for every key when no
// variant_id is given
func (s *Server) handleSafety(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()
	agent, taskType, variantID := q.Get("agent_name"), q.Get("task_type"), q.Get("variant_id")

	if agent == "" && taskType == "" && variantID == "" {
		decisions, err := s.core.SafetySweep(r.Context())
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, decisions)
		return
	}
	if agent == "" || taskType == "" || variantID == "" {
		writeError(w, http.StatusBadRequest, "agent_name, task_type and variant_id are required together")
		return
	}
	writeJSON(w, http.StatusOK, s.core.GetSafetyDecision(agent, taskType, variantID))
}

// handleProposals lists stored proposals (GET) or runs the proposer (POST)
func (s *Server) handleProposals(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list, err := s.core.Proposals().List()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if status := r.URL.Query().Get("status"); status != "" {
			filtered := list[:0]
			for _, p := range list {
				if strings.EqualFold(string(p.Status), status) {
					filtered = append(filtered, p)
				}
			}
			list = filtered
		}
		writeJSON(w, http.StatusOK, list)

	case http.MethodPost:
		var req proposeRequest
		if r.ContentLength != 0 {
			if err := decodeBody(w, r, &req); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
		}
		proposals, err := s.core.ProposeVariants(r.Context(), req.MinSamples)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if proposals == nil {
			proposals = []types.VariantProposal{}
		}
		writeJSON(w, http.StatusOK, proposals)

	default:
		w.Header().Set("Allow", "GET, POST")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleProposalReview handles POST /api/proposals/{id}/{approve|reject}.
// Reviewing only records the decision; nothing is applied.
func (s *Server) handleProposalReview(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/proposals/"), "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	var status types.ProposalStatus
	switch parts[1] {
	case "approve":
		status = types.ProposalApproved
	case "reject":
		status = types.ProposalRejected
	default:
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	p, err := s.core.Proposals().SetStatus(parts[0], status)
	if err != nil {
		if errors.Is(err, rsi.ErrProposalNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("proposal reviewed", "proposal", p.ID, "status", p.Status)
	writeJSON(w, http.StatusOK, p)
}

// handleRollback reverts an (agent, task type) away from a variant
func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req rollbackRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Agent == "" || req.TaskType == "" || req.From == "" {
		writeError(w, http.StatusBadRequest, "agent_name, task_type and from_variant are required")
		return
	}
	if req.Reason == "" {
		req.Reason = "manual rollback"
	}
	ev, ok := s.core.Rollback(r.Context(), req.Agent, req.TaskType, req.From, req.Reason)
	if !ok {
		writeError(w, http.StatusConflict, "no rollback target other than the current variant")
		return
	}
	writeJSON(w, http.StatusOK, ev)
}
