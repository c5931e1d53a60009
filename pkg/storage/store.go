package storage

import (
	"time"

	"github.com/jacob-bach/icarusd/pkg/types"
)

// Store is the job store interface: a durable keyed collection of jobs
// plus append-only logs for telemetry, audits, and approvals.
// Implementations must make UpdateStatus atomic against concurrent
// readers and must refuse to overwrite a terminal status.
type Store interface {
	CreateJob(job *types.Job) error
	GetJob(id string) (*types.Job, error)
	// UpdateStatus performs the one legal read-modify-write transition
	// for a job's status, setting FailureReason and CompletedAt as
	// appropriate. Returns ErrInvalidTransition if status->next is not a
	// permitted edge, or if the job is already terminal.
	UpdateStatus(id string, next types.JobStatus, failureReason string) error
	// SetSandboxHandle records the Builder or Checker sandbox handle on
	// a job row without touching its status.
	SetSandboxHandle(id string, role types.SandboxRole, handle string) error
	// ListByRecency returns jobs newest-first, optionally filtered to a
	// single status. limit <= 0 means unbounded.
	ListByRecency(status types.JobStatus, limit int) ([]*types.Job, error)
	// ListNonTerminal returns every job not currently in a terminal
	// status -- used by startup reconciliation.
	ListNonTerminal() ([]*types.Job, error)

	AppendTelemetry(sample *types.TelemetrySample) error
	LatestTelemetry(jobID string) (*types.TelemetrySample, error)

	AppendAudit(report *types.AuditReport) error
	LatestAudit(jobID string) (*types.AuditReport, error)

	RecordApproval(record *types.ApprovalRecord) error
	GetApproval(jobID string) (*types.ApprovalRecord, error)

	Close() error
}

// ErrInvalidTransition is returned by UpdateStatus when the requested
// status is not a legal successor of the job's current status.
type ErrInvalidTransition struct {
	JobID string
	From  types.JobStatus
	To    types.JobStatus
}

func (e *ErrInvalidTransition) Error() string {
	return "storage: job " + e.JobID + " cannot transition from " + string(e.From) + " to " + string(e.To)
}

// ErrNotFound is returned when a lookup by ID finds nothing.
type ErrNotFound struct {
	Kind string
	ID   string
}

func (e *ErrNotFound) Error() string {
	return "storage: " + e.Kind + " " + e.ID + " not found"
}

// legalTransitions encodes the job status state machine. A status
// absent from this map (completed, failed, rejected) is terminal: no
// outgoing edge is legal.
//
// JobAwaitingApproval/JobApproved also carry an edge to JobFailed:
// startup reconciliation for jobs left non-terminal by an ungraceful
// shutdown marks every non-terminal job failed with reason "orphaned
// by restart" regardless of which non-terminal status it was found in.
var legalTransitions = map[types.JobStatus]map[types.JobStatus]bool{
	types.JobPending:          {types.JobBuilding: true, types.JobFailed: true},
	types.JobBuilding:         {types.JobChecking: true, types.JobFailed: true},
	types.JobChecking:         {types.JobAwaitingApproval: true, types.JobFailed: true},
	types.JobAwaitingApproval: {types.JobApproved: true, types.JobRejected: true, types.JobFailed: true},
	types.JobApproved:         {types.JobCompleted: true, types.JobFailed: true},
}

func isLegalTransition(from, to types.JobStatus) bool {
	if from == to {
		return false
	}
	edges, ok := legalTransitions[from]
	if !ok {
		return false // from is terminal
	}
	return edges[to]
}

// completionTime stamps CompletedAt for any transition into a terminal
// status: a terminal write must also set completion time.
func completionTime(status types.JobStatus) *time.Time {
	if status.Terminal() {
		now := time.Now()
		return &now
	}
	return nil
}
