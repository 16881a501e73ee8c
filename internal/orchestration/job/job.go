// Package job implements the job lifecycle and transport-adaptive polling
// controller: job records, adaptive poll intervals for pull callers, and a
// per-(session, job) rate limiter with exponential backoff.
package job

import "time"

// Status is the externally observable job state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// IsTerminal reports whether s is a final status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Transport is the delivery modality a job was started with. It is fixed
// at job creation; one session may run both transports for different jobs.
type Transport string

const (
	// TransportPull means the caller polls with GetJobResult.
	TransportPull Transport = "pull"
	// TransportPush means updates are delivered as jobProgress events and
	// every returned poll interval is zero.
	TransportPush Transport = "push"
)

// Valid reports whether t is a known transport.
func (t Transport) Valid() bool {
	return t == TransportPull || t == TransportPush
}

// Job is one unit of externally observable work.
type Job struct {
	JobID     string    `json:"jobId"`
	ToolName  string    `json:"toolName"`
	SessionID string    `json:"sessionId"`
	Status    Status    `json:"status"`
	Progress  int       `json:"progress"`
	Message   string    `json:"message,omitempty"`
	Transport Transport `json:"transportHint"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	// Result is present only when Status is COMPLETED.
	Result any `json:"result,omitempty"`
}

// Clone returns a copy safe to hand outside the controller's lock.
func (j *Job) Clone() Job {
	return *j
}

// Patch mutates a job as work proceeds. Nil fields are left unchanged.
type Patch struct {
	Status   *Status
	Progress *int
	Message  *string
	Result   any
}

// RateLimit tells a throttled caller how long to back off.
type RateLimit struct {
	// WaitTime is how long the caller must wait before the next poll.
	WaitTime time.Duration `json:"waitTime"`
	// NextAllowedAt is the earliest instant the next poll will be accepted.
	NextAllowedAt time.Time `json:"nextAllowedAt"`
}

// Result is the full answer to a GetJobResult call.
type Result struct {
	Job          Job           `json:"job"`
	PollInterval time.Duration `json:"pollInterval"`
	RateLimit    *RateLimit    `json:"rateLimit,omitempty"`
}
