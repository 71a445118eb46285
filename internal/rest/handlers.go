package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/KilimcininKorOglu/kervan/internal/kv"
	"github.com/KilimcininKorOglu/kervan/internal/membership"
	"github.com/KilimcininKorOglu/kervan/internal/raft"
)

// Handlers serves the API against one consensus node and its store.
type Handlers struct {
	node           *raft.Node
	store          *kv.Store
	proposeTimeout time.Duration
	startTime      time.Time
	requestCount   int64
}

// NewHandlers creates handlers for the given node and store.
// proposeTimeout bounds every write and read forwarded to the node.
func NewHandlers(node *raft.Node, store *kv.Store, proposeTimeout time.Duration) *Handlers {
	if proposeTimeout <= 0 {
		proposeTimeout = 5 * time.Second
	}
	return &Handlers{
		node:           node,
		store:          store,
		proposeTimeout: proposeTimeout,
		startTime:      time.Now(),
	}
}

func (h *Handlers) opContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), h.proposeTimeout)
}

// HandleHealth handles GET /api/v1/health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.node.Err(); err != nil {
		writeError(w, http.StatusServiceUnavailable, "faulted", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// HandleStatus handles GET /api/v1/status.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&h.requestCount, 1)

	st, err := h.node.Status()
	if err != nil {
		writeNodeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, StatusResponse{
		ID:             st.ID,
		Role:           raft.RoleName(st.Role),
		Term:           st.Term,
		LeaderID:       st.LeaderID,
		LeaderAddr:     st.LeaderAddr,
		CommitIndex:    st.CommitIndex,
		LastApplied:    st.LastApplied,
		LastLogTerm:    st.LastLog.Term,
		LastLogIndex:   st.LastLog.Index,
		FirstLogIndex:  st.FirstIndex,
		SnapshotTerm:   st.Snapshot.Term,
		SnapshotIndex:  st.Snapshot.Index,
		Membership:     st.Membership,
		Voters:         st.Voters,
		Learners:       st.Learners,
		ChangePending:  st.MembershipInFlight,
		Keys:           h.store.Len(),
		UptimeSeconds:  int64(time.Since(h.startTime).Seconds()),
		RequestsServed: atomic.LoadInt64(&h.requestCount),
	})
}

// HandleGetKey handles GET /api/v1/kv/{key}.
func (h *Handlers) HandleGetKey(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&h.requestCount, 1)

	key, ok := pathKey(w, r)
	if !ok {
		return
	}

	req, err := kv.EncodeQuery(&kv.Query{Key: key})
	if err != nil {
		writeNodeError(w, err)
		return
	}

	ctx, cancel := h.opContext(r)
	defer cancel()

	result, err := h.node.Read(ctx, req)
	if err != nil {
		writeNodeError(w, err)
		return
	}

	value, _ := result.(string)
	writeJSON(w, http.StatusOK, KeyResponse{Key: key, Value: value})
}

// HandlePutKey handles PUT /api/v1/kv/{key}.
func (h *Handlers) HandlePutKey(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&h.requestCount, 1)

	key, ok := pathKey(w, r)
	if !ok {
		return
	}

	var body PutKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	h.propose(w, r, &kv.Command{Op: kv.OpSet, Key: key, Value: body.Value})
}

// HandleDeleteKey handles DELETE /api/v1/kv/{key}.
func (h *Handlers) HandleDeleteKey(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&h.requestCount, 1)

	key, ok := pathKey(w, r)
	if !ok {
		return
	}

	h.propose(w, r, &kv.Command{Op: kv.OpDelete, Key: key})
}

// propose replicates one command and answers with the commit position
// and the previous value.
func (h *Handlers) propose(w http.ResponseWriter, r *http.Request, cmd *kv.Command) {
	data, err := kv.EncodeCommand(cmd)
	if err != nil {
		writeNodeError(w, err)
		return
	}

	ctx, cancel := h.opContext(r)
	defer cancel()

	id, result, err := h.node.Propose(ctx, data)
	if err != nil {
		writeNodeError(w, err)
		return
	}

	resp := WriteResponse{Key: cmd.Key, Index: id.Index, Term: id.Term}
	if kr, ok := result.(*kv.Result); ok {
		resp.Previous = kr.Previous
		resp.Existed = kr.Existed
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleChangeVoters handles PUT /api/v1/cluster/voters.
func (h *Handlers) HandleChangeVoters(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&h.requestCount, 1)

	var body VotersRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if len(body.Voters) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "voter set must not be empty")
		return
	}

	peers := make([]membership.Peer, len(body.Voters))
	for i, m := range body.Voters {
		peers[i] = membership.Peer{ID: m.ID, Addr: m.Addr}
	}

	ctx, cancel := h.opContext(r)
	defer cancel()

	if err := h.node.ChangeMembership(ctx, peers); err != nil {
		writeNodeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

// HandleAddLearner handles POST /api/v1/cluster/learners.
func (h *Handlers) HandleAddLearner(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&h.requestCount, 1)

	var body MemberPayload
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if body.ID == 0 || body.Addr == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "learner id and addr are required")
		return
	}

	ctx, cancel := h.opContext(r)
	defer cancel()

	if err := h.node.AddLearner(ctx, membership.Peer{ID: body.ID, Addr: body.Addr}); err != nil {
		writeNodeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

// HandlePromoteLearner handles POST /api/v1/cluster/learners/{id}/promote.
func (h *Handlers) HandlePromoteLearner(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&h.requestCount, 1)

	id, ok := pathID(w, r)
	if !ok {
		return
	}

	ctx, cancel := h.opContext(r)
	defer cancel()

	if err := h.node.PromoteLearner(ctx, id); err != nil {
		writeNodeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MemberPayload{ID: id})
}

// HandleRemoveLearner handles DELETE /api/v1/cluster/learners/{id}.
func (h *Handlers) HandleRemoveLearner(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&h.requestCount, 1)

	id, ok := pathID(w, r)
	if !ok {
		return
	}

	ctx, cancel := h.opContext(r)
	defer cancel()

	if err := h.node.RemoveLearner(ctx, id); err != nil {
		writeNodeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MemberPayload{ID: id})
}

func pathKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw := Param(r, "key")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "missing_key", "key is required")
		return "", false
	}
	key, err := url.PathUnescape(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_key", "invalid key encoding")
		return "", false
	}
	return key, true
}

func pathID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	raw := Param(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "invalid_id", "id must be a positive integer")
		return 0, false
	}
	return id, true
}
