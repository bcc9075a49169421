package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/flow"
	"github.com/BTreeMap/ReplyPipe/internal/models"
)

// messagesResult is the body of an accepted POST /messages.
type messagesResult struct {
	Duplicate bool          `json:"duplicate"`
	Results   []flow.Result `json:"results"`
}

// messagesHandler ingests one inbound message (POST /messages).
func (s *Server) messagesHandler(w http.ResponseWriter, r *http.Request) {
	var msg models.InboundMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		slog.Warn("Server.messagesHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if strings.TrimSpace(msg.SenderID) == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: sender_id"))
		return
	}
	if msg.Channel == "" {
		msg.Channel = models.ChannelWebhook
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	results, duplicate, err := s.ingestor.Ingest(r.Context(), msg)
	if err != nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Message not processed: "+err.Error()))
		slog.Error("Server.messagesHandler: ingest failed", "sender", msg.SenderID, "error", err)
		return
	}
	if results == nil {
		results = []flow.Result{}
	}
	slog.Debug("Server.messagesHandler: message ingested", "sender", msg.SenderID, "matches", len(results), "duplicate", duplicate)
	writeJSONResponse(w, http.StatusAccepted, models.Accepted(messagesResult{Duplicate: duplicate, Results: results}))
}

func (s *Server) listFlowsHandler(w http.ResponseWriter, r *http.Request) {
	flows, err := s.engine.Flows(r.Context())
	if err != nil {
		writeError(w, "Server.listFlowsHandler", err)
		return
	}
	if flows == nil {
		flows = []models.FlowDefinition{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(flows))
}

// createFlowHandler validates and stores a flow definition (POST /flows).
// Posting an existing id replaces that definition.
func (s *Server) createFlowHandler(w http.ResponseWriter, r *http.Request) {
	var def models.FlowDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		slog.Warn("Server.createFlowHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if def.ID != "" {
		if existing, err := s.engine.Flow(r.Context(), def.ID); err == nil {
			def.CreatedAt = existing.CreatedAt
		}
	}
	stored, err := s.engine.RegisterFlow(r.Context(), def)
	if err != nil {
		writeError(w, "Server.createFlowHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Flow registered", stored))
}

func (s *Server) getFlowHandler(w http.ResponseWriter, r *http.Request) {
	def, err := s.engine.Flow(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, "Server.getFlowHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(def))
}

// flowPatch is the body of PATCH /flows/{id}.
type flowPatch struct {
	IsActive *bool `json:"is_active"`
}

// patchFlowHandler activates or deactivates a flow. Armed delays keep running.
func (s *Server) patchFlowHandler(w http.ResponseWriter, r *http.Request) {
	var p flowPatch
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil || p.IsActive == nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Body must be {\"is_active\": bool}"))
		return
	}
	id := r.PathValue("id")
	if err := s.engine.SetFlowActive(r.Context(), id, *p.IsActive); err != nil {
		writeError(w, "Server.patchFlowHandler", err)
		return
	}
	def, err := s.engine.Flow(r.Context(), id)
	if err != nil {
		writeError(w, "Server.patchFlowHandler", err)
		return
	}
	slog.Info("Server.patchFlowHandler: flow updated", "flowID", id, "active", *p.IsActive)
	writeJSONResponse(w, http.StatusOK, models.Success(def))
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Statistics(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, "Server.statsHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(stats))
}

// flushHandler cancels every armed delay of a flow (POST /flows/{id}/flush).
func (s *Server) flushHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.engine.Flow(r.Context(), id); err != nil {
		writeError(w, "Server.flushHandler", err)
		return
	}
	n, err := s.engine.FlushPending(r.Context(), id)
	if err != nil {
		writeError(w, "Server.flushHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Pending delays flushed", map[string]int{"flushed": n}))
}

func stateKey(r *http.Request) models.StateKey {
	return models.StateKey{FlowID: r.PathValue("id"), UserID: r.PathValue("userId")}
}

func (s *Server) getExecutionHandler(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.GetExecution(r.Context(), stateKey(r))
	if err != nil {
		writeError(w, "Server.getExecutionHandler", err)
		return
	}
	if st == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("No execution state for this user"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(st))
}

// resetExecutionHandler deletes one user's execution state so the flow starts over.
func (s *Server) resetExecutionHandler(w http.ResponseWriter, r *http.Request) {
	key := stateKey(r)
	if _, err := s.engine.Flow(r.Context(), key.FlowID); err != nil {
		writeError(w, "Server.resetExecutionHandler", err)
		return
	}
	if err := s.engine.ResetExecution(r.Context(), key); err != nil {
		writeError(w, "Server.resetExecutionHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Execution reset", nil))
}

func (s *Server) pendingHandler(w http.ResponseWriter, r *http.Request) {
	pending, err := s.engine.Pending(r.Context())
	if err != nil {
		writeError(w, "Server.pendingHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(pending))
}

// healthHandler provides a health check endpoint for monitoring and load balancing
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(s.startedAt).Round(time.Second).String(),
	}

	if pending, err := s.engine.Pending(ctx); err != nil {
		slog.Warn("Health check: failed to list armed delays", "error", err)
		healthData["status"] = "degraded"
		healthData["error"] = "Failed to read execution state"
	} else {
		healthData["armed_delays"] = len(pending)
	}

	statusCode := http.StatusOK
	if healthData["status"] == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, statusCode, healthData)
}
