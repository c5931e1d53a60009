// Package types defines the core domain model shared across icarusd:
// jobs, the sandbox lifecycle, telemetry, and the callback payloads
// agents send back to the scheduler.
package types

import "time"

// JobStatus is the lifecycle state of a Job. Transitions are
// one-directional; completed, failed, and rejected are terminal and
// refuse any further write.
type JobStatus string

const (
	JobPending          JobStatus = "pending"
	JobBuilding         JobStatus = "building"
	JobChecking         JobStatus = "checking"
	JobAwaitingApproval JobStatus = "awaiting_approval"
	JobApproved         JobStatus = "approved"
	JobRejected         JobStatus = "rejected"
	JobCompleted        JobStatus = "completed"
	JobFailed           JobStatus = "failed"
)

// Terminal reports whether a status is a final state the Job Store will
// refuse to overwrite.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobRejected:
		return true
	default:
		return false
	}
}

// SandboxRole distinguishes the two stages of the build/check pipeline. Each
// role gets a distinct mount profile from the Sandbox Driver.
type SandboxRole string

const (
	RoleBuilder SandboxRole = "builder"
	RoleChecker SandboxRole = "checker"
)

// AdmissionLevel is the Host Sentinel's current classification of host
// load.
type AdmissionLevel string

const (
	LevelGreen  AdmissionLevel = "green"
	LevelYellow AdmissionLevel = "yellow"
	LevelRed    AdmissionLevel = "red"
)

// Job is the unit of work the scheduler admits, runs, and tracks.
type Job struct {
	ID            string            `json:"id"`
	Repo          string            `json:"repo"`
	Ref           string            `json:"ref"`
	Instruction   string            `json:"instruction"`
	Image         string            `json:"image"`
	Status        JobStatus         `json:"status"`
	FailureReason string            `json:"failure_reason,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`

	BuilderSandboxID string `json:"builder_sandbox_id,omitempty"`
	CheckerSandboxID string `json:"checker_sandbox_id,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TelemetrySample is a single point-in-time resource reading for a job's
// active sandbox.
type TelemetrySample struct {
	JobID       string      `json:"job_id"`
	Stage       SandboxRole `json:"stage"`
	Timestamp   time.Time   `json:"timestamp"`
	CPUPercent  float64     `json:"cpu_percent"`
	MemoryBytes uint64      `json:"memory_bytes"`
	CurrentTool string      `json:"current_tool,omitempty"`
}

// AuditReport is the Checker stage's verdict on the Builder's output.
type AuditReport struct {
	JobID     string    `json:"job_id"`
	Passed    bool      `json:"passed"`
	Summary   string    `json:"summary"`
	Details   string    `json:"details,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ApprovalRecord captures a human decision on a job that reached
// awaiting_approval.
type ApprovalRecord struct {
	JobID     string    `json:"job_id"`
	Approved  bool      `json:"approved"`
	Approver  string    `json:"approver,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// HostStats is a snapshot of host resource pressure sampled by the Host
// Sentinel.
type HostStats struct {
	Timestamp   time.Time      `json:"timestamp"`
	CPUPercent  float64        `json:"cpu_percent"`
	MemPercent  float64        `json:"mem_percent"`
	DiskPercent float64        `json:"disk_percent"`
	Level       AdmissionLevel `json:"level"`
}

// CallbackKind identifies which variant of CallbackPayload is populated.
type CallbackKind string

const (
	CallbackTelemetry  CallbackKind = "telemetry"
	CallbackAudit      CallbackKind = "audit"
	CallbackError      CallbackKind = "error"
	CallbackCompletion CallbackKind = "completion"
)

// CallbackPayload is the closed variant type agents POST back to the
// scheduler. Exactly one of the pointer fields matching Kind is set.
type CallbackPayload struct {
	Kind       CallbackKind      `json:"kind"`
	JobID      string            `json:"job_id"`
	Telemetry  *TelemetrySample  `json:"telemetry,omitempty"`
	Audit      *AuditReport      `json:"audit,omitempty"`
	Error      *ErrorSignal      `json:"error,omitempty"`
	Completion *CompletionSignal `json:"completion,omitempty"`
}

// ErrorSignal is the agent-reported error outcome of a stage.
type ErrorSignal struct {
	Message string `json:"message"`
}

// CompletionSignal is the agent-reported successful outcome of a stage.
type CompletionSignal struct {
	Message string `json:"message,omitempty"`
}
