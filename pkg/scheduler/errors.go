package scheduler

import "fmt"

// SubmissionError is returned by Submit for invalid input. No job is
// created.
type SubmissionError struct {
	Reason string
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("scheduler: invalid submission: %s", e.Reason)
}

// InvalidStateError is returned by Approve/Reject when the job is not
// currently awaiting_approval. The job is left unchanged.
type InvalidStateError struct {
	JobID   string
	Current string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("scheduler: job %s is not awaiting approval (current status: %s)", e.JobID, e.Current)
}
