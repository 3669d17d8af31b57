// Package token is the ledger of single-use callback tokens that correlate
// batch job results with the request that submitted them.
package token

import (
	"fmt"
	"time"

	"github.com/Cloud-V/Backend-sub002/internal/types"
)

// DefaultDuration is how long a token stays valid when none is configured.
const DefaultDuration = 43200 * time.Second

// JobType is the kind of work a token correlates.
type JobType int

const (
	JobUnknown JobType = iota
	JobSynthesis
	JobValidation
	JobSimulation
	JobSimulationNetlist
	JobCompilation
)

var jobTypeNames = map[JobType]string{
	JobUnknown:           "Unknown",
	JobSynthesis:         "Synthesis",
	JobValidation:        "Validation",
	JobSimulation:        "Simulation",
	JobSimulationNetlist: "SimulationNetlist",
	JobCompilation:       "Compilation",
}

// String implements fmt.Stringer.
func (t JobType) String() string {
	if name, ok := jobTypeNames[t]; ok {
		return name
	}
	return jobTypeNames[JobUnknown]
}

// MarshalText encodes the type by name.
func (t JobType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText decodes a type name.
func (t *JobType) UnmarshalText(text []byte) error {
	parsed, err := ParseJobType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseJobType parses a job type name.
func ParseJobType(s string) (JobType, error) {
	for t, name := range jobTypeNames {
		if name == s {
			return t, nil
		}
	}
	return JobUnknown, fmt.Errorf("unknown job type: %s", s)
}

// JobTypeFor maps a job kind to the token type that tracks it. Kinds that
// never run asynchronously map to JobUnknown.
func JobTypeFor(kind types.JobKind) JobType {
	switch kind {
	case types.KindSynthesis:
		return JobSynthesis
	case types.KindValidation:
		return JobValidation
	case types.KindSimulation:
		return JobSimulation
	case types.KindNetlistSimulation:
		return JobSimulationNetlist
	case types.KindCompilation:
		return JobCompilation
	default:
		return JobUnknown
	}
}

// Kind is the job kind a token type tracks.
func (t JobType) Kind() types.JobKind {
	for _, kind := range types.Kinds {
		if JobTypeFor(kind) == t && t != JobUnknown {
			return kind
		}
	}
	return ""
}

// Token is one callback token. Value is the secret handed to the batch job;
// ID is the ledger key.
type Token struct {
	ID           string        `json:"id"`
	User         string        `json:"user"`
	Repo         string        `json:"repo"`
	SourceEntry  string        `json:"source_entry"`
	ReportEntry  string        `json:"report_entry,omitempty"`
	Value        string        `json:"-"`
	JobType      JobType       `json:"job_type"`
	ResultBucket string        `json:"result_bucket,omitempty"`
	ResultPath   string        `json:"result_path,omitempty"`
	JobName      string        `json:"job_name,omitempty"`
	JobID        string        `json:"job_id,omitempty"`
	WebhookURL   string        `json:"webhook_url,omitempty"`
	Created      time.Time     `json:"created"`
	Duration     time.Duration `json:"duration"`
	Consumed     bool          `json:"consumed"`
	Expired      bool          `json:"expired"`
	Version      int           `json:"version"`
	Deleted      bool          `json:"-"`
}

// IsValid reports whether the token can still be consumed at now. Once it
// returns false it never returns true again for a later now.
func (t *Token) IsValid(now time.Time) bool {
	return !t.Consumed && !t.Expired && !t.Deleted && now.Sub(t.Created) <= t.Duration
}

// ExpiresAt is when the token stops being valid by age.
func (t *Token) ExpiresAt() time.Time {
	return t.Created.Add(t.Duration)
}

// Public status values.
const (
	StatusPending  = "pending"
	StatusConsumed = "consumed"
	StatusExpired  = "expired"
)

// Status summarizes the token for API callers.
func (t *Token) Status(now time.Time) string {
	switch {
	case t.Consumed:
		return StatusConsumed
	case t.Expired || now.Sub(t.Created) > t.Duration:
		return StatusExpired
	default:
		return StatusPending
	}
}

// View is the token as exposed by the API, without its value.
func (t *Token) View(now time.Time) types.TokenStatus {
	return types.TokenStatus{
		ID:        t.ID,
		JobType:   t.JobType.String(),
		Status:    t.Status(now),
		JobName:   t.JobName,
		JobID:     t.JobID,
		Created:   t.Created,
		ExpiresAt: t.ExpiresAt(),
	}
}
