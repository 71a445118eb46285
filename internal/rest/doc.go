// Package rest provides the HTTP API the daemon exposes next to the
// consensus transport.
//
// # Endpoints
//
//	GET    /api/v1/health            liveness probe
//	GET    /api/v1/status            node and cluster status
//	GET    /api/v1/kv/{key}          linearizable read
//	PUT    /api/v1/kv/{key}          replicated write
//	DELETE /api/v1/kv/{key}          replicated delete
//	PUT    /api/v1/cluster/voters    joint membership change
//	POST   /api/v1/cluster/learners  add a learner
//	POST   /api/v1/cluster/learners/{id}/promote
//	DELETE /api/v1/cluster/learners/{id}
//
// Writes and reads must be sent to the leader. A non-leader answers 503
// with the current leader hint in the error body so clients can
// re-route; the hint names the leader's consensus address, not its API
// address.
//
// All responses are JSON. Errors use a single envelope:
//
//	{"error": "not_leader", "code": 503, "message": "...", "leaderId": 2, "leaderAddr": "10.0.0.2:7400"}
package rest
