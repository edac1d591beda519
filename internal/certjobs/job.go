// Package certjobs schedules asynchronous certificate issuance with bounded
// retries, tracking every job in Redis so callers can poll for the outcome.
package certjobs

import "time"

// State is the lifecycle position of a job.
type State string

const (
	// StateScheduled means the job is accepted but no attempt has started.
	StateScheduled State = "scheduled"
	// StateAttempting means an issuance attempt is in flight.
	StateAttempting State = "attempting"
	// StateFailed means the last attempt failed and a retry is pending.
	StateFailed State = "failed"
	// StateSucceeded is terminal: the certificate is issued and bound.
	StateSucceeded State = "succeeded"
	// StateExhausted is terminal: every attempt failed.
	StateExhausted State = "exhausted"
)

// Job records one issuance request and its progress.
type Job struct {
	ID       string `json:"jobId"`
	Domain   string `json:"domain"`
	Wildcard bool   `json:"wc"`
	Renew    bool   `json:"renew"`

	State     State  `json:"state"`
	Completed bool   `json:"completed"`
	Success   bool   `json:"success"`
	Attempts  int    `json:"attempts"`
	Error     string `json:"error,omitempty"`

	CertID    string    `json:"certId,omitempty"`
	CertMapID string    `json:"certMapId,omitempty"`
	CreatedAt time.Time `json:"creationTime"`
	UpdatedAt time.Time `json:"timeUpdated"`
}

// Terminal reports whether the job will never change again.
func (j *Job) Terminal() bool {
	return j.State == StateSucceeded || j.State == StateExhausted
}

// Public is the job projection exposed by listing endpoints. Error detail
// stays internal until the job is fetched by its ID.
type Public struct {
	ID       string `json:"jobId"`
	Domain   string `json:"domain"`
	Wildcard bool   `json:"wc"`
	Renew    bool   `json:"renew"`

	State     State `json:"state"`
	Completed bool  `json:"completed"`
	Success   bool  `json:"success"`
	Attempts  int   `json:"attempts"`

	CertID    string    `json:"certId,omitempty"`
	CertMapID string    `json:"certMapId,omitempty"`
	CreatedAt time.Time `json:"creationTime"`
	UpdatedAt time.Time `json:"timeUpdated"`
}

// Public returns the listing projection of the job.
func (j *Job) Public() Public {
	return Public{
		ID:        j.ID,
		Domain:    j.Domain,
		Wildcard:  j.Wildcard,
		Renew:     j.Renew,
		State:     j.State,
		Completed: j.Completed,
		Success:   j.Success,
		Attempts:  j.Attempts,
		CertID:    j.CertID,
		CertMapID: j.CertMapID,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	}
}
