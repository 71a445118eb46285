package rest

// KeyResponse is the body of a successful read.
type KeyResponse struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// PutKeyRequest is the body of a write.
type PutKeyRequest struct {
	Value string `json:"value"`
}

// WriteResponse reports the outcome of a replicated write or delete.
type WriteResponse struct {
	Key      string `json:"key"`
	Index    uint64 `json:"index"`
	Term     uint64 `json:"term"`
	Previous string `json:"previous,omitempty"`
	Existed  bool   `json:"existed"`
}

// MemberPayload is one cluster member in requests and responses.
type MemberPayload struct {
	ID   uint64 `json:"id"`
	Addr string `json:"addr"`
}

// VotersRequest is the body of a membership change: the complete target
// voter set.
type VotersRequest struct {
	Voters []MemberPayload `json:"voters"`
}

// StatusResponse mirrors the node's status snapshot.
type StatusResponse struct {
	ID             uint64   `json:"id"`
	Role           string   `json:"role"`
	Term           uint64   `json:"term"`
	LeaderID       uint64   `json:"leaderId"`
	LeaderAddr     string   `json:"leaderAddr,omitempty"`
	CommitIndex    uint64   `json:"commitIndex"`
	LastApplied    uint64   `json:"lastApplied"`
	LastLogTerm    uint64   `json:"lastLogTerm"`
	LastLogIndex   uint64   `json:"lastLogIndex"`
	FirstLogIndex  uint64   `json:"firstLogIndex"`
	SnapshotTerm   uint64   `json:"snapshotTerm,omitempty"`
	SnapshotIndex  uint64   `json:"snapshotIndex,omitempty"`
	Membership     string   `json:"membership"`
	Voters         []uint64 `json:"voters"`
	Learners       []uint64 `json:"learners,omitempty"`
	ChangePending  bool     `json:"changePending"`
	Keys           int      `json:"keys"`
	UptimeSeconds  int64    `json:"uptimeSeconds"`
	RequestsServed int64    `json:"requestsServed"`
}

// HealthResponse is the liveness probe body.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the error envelope for every failed request.
type ErrorResponse struct {
	Error      string `json:"error"`
	Code       int    `json:"code"`
	Message    string `json:"message"`
	LeaderID   uint64 `json:"leaderId,omitempty"`
	LeaderAddr string `json:"leaderAddr,omitempty"`
}
