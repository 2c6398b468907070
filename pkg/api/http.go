package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/raftkv/consensus-store/pkg/kv"
	"github.com/raftkv/consensus-store/pkg/metrics"
	"github.com/raftkv/consensus-store/pkg/raft"
)

// HTTPHandler is the client-facing boundary: SET/GET/DELETE submitted
// as a single command envelope on /command, cluster status on
// /status, a liveness probe on /health, and Prometheus exposition on
// /metrics when a Collector is supplied.
type HTTPHandler struct {
	node    *raft.Node
	store   *kv.Store
	metrics *metrics.Collector
	mux     *http.ServeMux
}

func NewHTTPHandler(node *raft.Node, store *kv.Store, collector *metrics.Collector) *HTTPHandler {
	h := &HTTPHandler{node: node, store: store, metrics: collector, mux: http.NewServeMux()}

	h.mux.HandleFunc("/command", h.handleCommand)
	h.mux.HandleFunc("/status", h.handleStatus)
	h.mux.HandleFunc("/health", h.handleHealth)
	if collector != nil {
		h.mux.Handle("/metrics", collector.Handler())
	}

	return h
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// commandRequest is the client-submitted envelope: type is one of
// "SET", "GET", or "DELETE"; value is required for SET only.
type commandRequest struct {
	Type      string  `json:"type"`
	Key       string  `json:"key"`
	Value     *string `json:"value,omitempty"`
	ClientID  string  `json:"client_id,omitempty"`
	RequestID uint64  `json:"request_id,omitempty"`
}

// commandResponse is the reply envelope: error is populated only on
// failure, and result only by a successful GET.
type commandResponse struct {
	Success bool    `json:"success"`
	Result  *string `json:"result"`
	Error   *string `json:"error"`
}

func (h *HTTPHandler) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, commandErrorf("failed to decode request: %v", err))
		return
	}

	switch strings.ToUpper(req.Type) {
	case "SET":
		h.handleSetCommand(w, r, req)
	case "GET":
		h.handleGetCommand(w, r, req)
	case "DELETE":
		h.handleDeleteCommand(w, r, req)
	default:
		writeJSON(w, http.StatusOK, commandErrorf("unknown command type: %s", req.Type))
	}
}

func (h *HTTPHandler) handleSetCommand(w http.ResponseWriter, r *http.Request, req commandRequest) {
	if req.Value == nil {
		writeJSON(w, http.StatusOK, commandErrorf("SET command requires a value"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	cmd := raft.Command{
		Type: raft.CommandSet, Key: req.Key, Value: *req.Value,
		ClientID: clientIDOrGenerate(req.ClientID), RequestID: req.RequestID,
	}

	if _, err := h.node.SubmitWithResult(ctx, cmd); err != nil {
		writeJSON(w, http.StatusOK, commandErrorf("%s", commandErrorMessage(err)))
		return
	}

	writeJSON(w, http.StatusOK, commandResponse{Success: true})
}

func (h *HTTPHandler) handleDeleteCommand(w http.ResponseWriter, r *http.Request, req commandRequest) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	cmd := raft.Command{
		Type: raft.CommandDelete, Key: req.Key,
		ClientID: clientIDOrGenerate(req.ClientID), RequestID: req.RequestID,
	}

	if _, err := h.node.SubmitWithResult(ctx, cmd); err != nil {
		writeJSON(w, http.StatusOK, commandErrorf("%s", commandErrorMessage(err)))
		return
	}

	writeJSON(w, http.StatusOK, commandResponse{Success: true})
}

func (h *HTTPHandler) handleGetCommand(w http.ResponseWriter, r *http.Request, req commandRequest) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	value, err := h.node.Read(ctx, req.Key)
	if err != nil {
		writeJSON(w, http.StatusOK, commandErrorf("%s", commandErrorMessage(err)))
		return
	}
	if !h.store.Exists(req.Key) {
		writeJSON(w, http.StatusOK, commandErrorf("key %q not found", req.Key))
		return
	}

	writeJSON(w, http.StatusOK, commandResponse{Success: true, Result: &value})
}

func commandErrorf(format string, args ...interface{}) commandResponse {
	msg := fmt.Sprintf(format, args...)
	return commandResponse{Success: false, Error: &msg}
}

func commandErrorMessage(err error) string {
	switch err {
	case raft.ErrNotLeader:
		return "not leader"
	case raft.ErrTimeout, context.DeadlineExceeded:
		return "request timeout"
	default:
		return err.Error()
	}
}

func clientIDOrGenerate(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

func (h *HTTPHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	term, isLeader := h.node.GetState()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"node_id":      h.node.GetID(),
		"state":        int(h.node.GetRole()),
		"role":         h.node.GetRole().String(),
		"is_leader":    isLeader,
		"current_term": term,
		"leader_id":    h.node.GetLeaderID(),
		"commit_index": h.node.GetCommitIndex(),
		"last_applied": h.node.GetLastApplied(),
		"log_length":   len(h.node.GetLog()),
		"cluster_size": h.node.GetClusterSize(),
		"peers":        h.node.GetPeers(),
	})
}

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
