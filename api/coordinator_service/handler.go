// Package coordinatorservice exposes the transaction coordinator service
// and the raft membership of its node over HTTP/JSON.
package coordinatorservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/gojodb-txncoord/core/async"
	fsm "github.com/sushant-115/gojodb-txncoord/core/replication/raft_consensus"
	"github.com/sushant-115/gojodb-txncoord/core/transaction"
)

const defaultCommitWaitTimeout = 30 * time.Second

// ClusterAdmin manages the raft group the node belongs to. It is nil when
// the node runs without raft.
type ClusterAdmin interface {
	IsLeader() bool
	Join(nodeID, raftAddr string) error
	Remove(nodeID string) error
	Status() fsm.Status
}

// TxnRequest names a transaction. Participants is only read by /txn/commit
// and Deadline only by /txn/create.
type TxnRequest struct {
	SessionID    transaction.SessionID       `json:"lsid"`
	TxnNumber    transaction.TxnNumber       `json:"txnNumber"`
	Participants []transaction.ParticipantID `json:"participants,omitempty"`
	Deadline     time.Time                   `json:"deadline,omitzero"`
}

// DecisionResponse is returned by /txn/commit and /txn/recover.
type DecisionResponse struct {
	Decision *transaction.Decision `json:"decision,omitempty"`
	Error    string                `json:"error,omitempty"`
}

// StatusResponse is returned by /status.
type StatusResponse struct {
	Primary      bool        `json:"primary"`
	CatalogState string      `json:"catalogState,omitempty"`
	Coordinators int         `json:"coordinators"`
	Raft         *fsm.Status `json:"raft,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler serves the coordinator API.
type Handler struct {
	svc    *transaction.Service
	admin  ClusterAdmin
	logger *zap.Logger

	// CommitWaitTimeout bounds how long /txn/commit and /txn/recover wait
	// for a decision. The coordinator keeps running after it expires.
	CommitWaitTimeout time.Duration
	// DefaultLifetime is the deadline given by /txn/create when the request
	// carries none.
	DefaultLifetime time.Duration
}

func NewHandler(svc *transaction.Service, admin ClusterAdmin, logger *zap.Logger) *Handler {
	return &Handler{
		svc:               svc,
		admin:             admin,
		logger:            logger.Named("coordinator_http"),
		CommitWaitTimeout: defaultCommitWaitTimeout,
		DefaultLifetime:   time.Minute,
	}
}

func (h *Handler) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/txn/create", h.handleCreate)
	mux.HandleFunc("/txn/commit", h.handleCommit)
	mux.HandleFunc("/txn/recover", h.handleRecover)
	mux.HandleFunc("/txn/cancel", h.handleCancel)
	mux.HandleFunc("/txn/coordinators", h.handleCoordinators)
	mux.HandleFunc("/status", h.handleStatus)
	if h.admin != nil {
		mux.HandleFunc("/join", h.handleJoin)
		mux.HandleFunc("/remove_peer", h.handleRemovePeer)
	}
}

func (h *Handler) decodeTxn(w http.ResponseWriter, r *http.Request) (TxnRequest, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return TxnRequest{}, false
	}
	var req TxnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return TxnRequest{}, false
	}
	if req.SessionID == (transaction.SessionID{}) {
		writeError(w, http.StatusBadRequest, errors.New("lsid is required"))
		return TxnRequest{}, false
	}
	return req, true
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeTxn(w, r)
	if !ok {
		return
	}
	deadline := req.Deadline
	if deadline.IsZero() {
		deadline = h.svc.Now().Add(h.DefaultLifetime)
	}
	if err := h.svc.CreateCoordinator(r.Context(), req.SessionID, req.TxnNumber, deadline); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) handleCommit(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeTxn(w, r)
	if !ok {
		return
	}
	future, found, err := h.svc.CoordinateCommit(r.Context(), req.SessionID, req.TxnNumber, req.Participants)
	h.writeDecision(w, r, req, future, found, err)
}

func (h *Handler) handleRecover(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeTxn(w, r)
	if !ok {
		return
	}
	future, found, err := h.svc.RecoverCommit(r.Context(), req.SessionID, req.TxnNumber)
	h.writeDecision(w, r, req, future, found, err)
}

func (h *Handler) writeDecision(w http.ResponseWriter, r *http.Request, req TxnRequest, future *async.Future[transaction.Decision], found bool, err error) {
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s", transaction.ErrNoSuchTransaction,
			transaction.TxnKey{SessionID: req.SessionID, TxnNumber: req.TxnNumber}))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.CommitWaitTimeout)
	defer cancel()
	decision, err := future.Wait(ctx)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, DecisionResponse{Decision: &decision})
	case errors.Is(err, context.DeadlineExceeded) && r.Context().Err() == nil:
		writeJSON(w, http.StatusGatewayTimeout, DecisionResponse{Error: "decision not reached in time, the coordinator is still running"})
	default:
		// The term ended under the coordinator. The decision it carries, if
		// any, is what was durable.
		resp := DecisionResponse{Error: err.Error()}
		if decision.IsCommit() || decision.AbortReason != "" {
			resp.Decision = &decision
		}
		writeJSON(w, statusFor(err), resp)
	}
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeTxn(w, r)
	if !ok {
		return
	}
	if err := h.svc.CancelIfCommitNotYetStarted(r.Context(), req.SessionID, req.TxnNumber); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleCoordinators(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	includeIdle := false
	if v := r.URL.Query().Get("includeIdle"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid includeIdle: %w", err))
			return
		}
		includeIdle = b
	}
	reports := h.svc.ReportCoordinators(includeIdle)
	if reports == nil {
		reports = []transaction.CoordinatorReport{}
	}
	writeJSON(w, http.StatusOK, reports)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	var status StatusResponse
	if state, ok := h.svc.CatalogState(); ok {
		status.Primary = true
		status.CatalogState = state.String()
		status.Coordinators = len(h.svc.ReportCoordinators(true))
	}
	if h.admin != nil {
		raftStatus := h.admin.Status()
		status.Raft = &raftStatus
	}
	writeJSON(w, http.StatusOK, status)
}

// handleJoin adds a voter to the raft group. Only the leader can do this.
func (h *Handler) handleJoin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	peerAddress := r.URL.Query().Get("peerAddress")
	nodeID := r.URL.Query().Get("nodeId")
	if peerAddress == "" || nodeID == "" {
		http.Error(w, "peerAddress and nodeId are required", http.StatusBadRequest)
		return
	}
	if !h.admin.IsLeader() {
		http.Error(w, "Not the Raft leader", http.StatusForbidden)
		return
	}
	if err := h.admin.Join(nodeID, peerAddress); err != nil {
		h.logger.Error("Failed to add voter", zap.String("nodeId", nodeID), zap.String("peerAddress", peerAddress), zap.Error(err))
		http.Error(w, fmt.Sprintf("Failed to add voter: %v", err), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "Node %s (%s) joined the Raft cluster", nodeID, peerAddress)
}

func (h *Handler) handleRemovePeer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	nodeID := r.URL.Query().Get("nodeId")
	if nodeID == "" {
		http.Error(w, "nodeId is required", http.StatusBadRequest)
		return
	}
	if !h.admin.IsLeader() {
		http.Error(w, "Not the Raft leader", http.StatusForbidden)
		return
	}
	if err := h.admin.Remove(nodeID); err != nil {
		h.logger.Error("Failed to remove peer", zap.String("nodeId", nodeID), zap.Error(err))
		http.Error(w, fmt.Sprintf("Failed to remove peer: %v", err), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		h.logger.Error("Coordinator request failed", zap.Error(err))
	}
	writeError(w, code, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, transaction.ErrNotPrimary):
		return http.StatusMisdirectedRequest
	case errors.Is(err, transaction.ErrCatalogNotReady), errors.Is(err, transaction.ErrSteppingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, transaction.ErrNoSuchTransaction):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return 499
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
