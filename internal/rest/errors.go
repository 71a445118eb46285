package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/KilimcininKorOglu/kervan/internal/kv"
	"github.com/KilimcininKorOglu/kervan/internal/raft"
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   code,
		Code:    status,
		Message: message,
	})
}

// writeNodeError maps a consensus or store error to an HTTP response.
// NotLeaderError responses carry the leader hint so clients can
// re-route.
func writeNodeError(w http.ResponseWriter, err error) {
	if nle, ok := raft.IsNotLeader(err); ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(ErrorResponse{
			Error:      "not_leader",
			Code:       http.StatusServiceUnavailable,
			Message:    err.Error(),
			LeaderID:   nle.LeaderID,
			LeaderAddr: nle.LeaderAddr,
		})
		return
	}

	switch {
	case errors.Is(err, kv.ErrKeyNotFound):
		writeError(w, http.StatusNotFound, "key_not_found", err.Error())
	case errors.Is(err, kv.ErrBadCommand), errors.Is(err, kv.ErrBadQuery):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, raft.ErrProposalDropped):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "proposal_dropped", err.Error())
	case errors.Is(err, raft.ErrMembershipInFlight):
		writeError(w, http.StatusConflict, "membership_in_flight", err.Error())
	case errors.Is(err, raft.ErrLeaseExpired):
		writeError(w, http.StatusServiceUnavailable, "lease_expired", err.Error())
	case errors.Is(err, raft.ErrLeadershipLost):
		// The command may still commit; clients must treat the outcome
		// as unknown and deduplicate on retry.
		writeError(w, http.StatusServiceUnavailable, "leadership_lost", err.Error())
	case errors.Is(err, raft.ErrNodeStopped):
		writeError(w, http.StatusServiceUnavailable, "node_stopped", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout", "operation timed out before commitment was confirmed")
	case errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, "canceled", "request canceled")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
