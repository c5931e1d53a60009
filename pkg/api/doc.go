// Package api implements the plain-JSON HTTP submission and control
// surface: a thin adapter that translates requests into calls on the
// scheduler and the job store, plus the agent callback endpoint that
// feeds the callback bus and the telemetry/audit logs.
//
// The route table uses net/http.ServeMux's method+path patterns
// (Go 1.22+), with the health, readiness, liveness, and metrics routes
// registered on the same mux, rather than a gRPC+mTLS surface: a single-process scheduler has no
// leader-forwarding or multi-node membership to support, so a plain
// HTTP mux is the simpler fit.
package api
