/*
Package types defines the core data structures shared across icarusd: the
Job lifecycle, telemetry and audit records, and the callback payload agents
send back to the scheduler.

A Job moves through JobStatus values in one direction, with the single
exception of a rejected job being resubmitted as a fresh pending job by the
caller. JobStatus.Terminal reports the three statuses the Job Store refuses
to overwrite once reached: completed, failed, rejected.

CallbackPayload is a closed variant: Kind selects which of the four pointer
fields is populated, mirroring the one-of-four outcomes an agent can report
for a running stage (a telemetry tick, an audit verdict, an error, or a
completion).
*/
package types
