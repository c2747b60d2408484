package models

import "time"

// ProbeKind identifies one verification probe run against a fresh clone
type ProbeKind string

const (
	ProbeCapability     ProbeKind = "capability"     // Browser can start and render against the clone
	ProbeAuthentication ProbeKind = "authentication" // Session cookies in the clone still authenticate
	ProbeFileIntegrity  ProbeKind = "file_integrity" // Required profile files are present and well-formed
)

// VerificationStatus is the aggregated verdict over all probes
type VerificationStatus string

const (
	VerificationSuccess VerificationStatus = "success"
	VerificationPartial VerificationStatus = "partial"
	VerificationFailed  VerificationStatus = "failed"
	VerificationTimeout VerificationStatus = "timeout"
)

// MethodResult is the outcome of one probe
type MethodResult struct {
	Kind     ProbeKind     `json:"kind"`
	Success  bool          `json:"success"`
	TimedOut bool          `json:"timed_out"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// VerificationResult aggregates the probe set for one profile
type VerificationResult struct {
	WorkerID   string             `json:"worker_id"`
	Status     VerificationStatus `json:"status"`
	Probes     []MethodResult     `json:"probes"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
	RetryCount int                `json:"retry_count"`
}

// Aggregate derives the overall status from the probe results:
// SUCCESS iff all probes succeeded, PARTIAL iff some did, FAILED if none,
// and TIMEOUT when any probe timed out without a single success.
func (v *VerificationResult) Aggregate() VerificationStatus {
	if len(v.Probes) == 0 {
		return VerificationFailed
	}

	succeeded := 0
	timedOut := false
	for _, p := range v.Probes {
		if p.Success {
			succeeded++
		}
		if p.TimedOut {
			timedOut = true
		}
	}

	switch {
	case succeeded == len(v.Probes):
		v.Status = VerificationSuccess
	case succeeded > 0:
		v.Status = VerificationPartial
	case timedOut:
		v.Status = VerificationTimeout
	default:
		v.Status = VerificationFailed
	}
	return v.Status
}

// Usable reports whether the profile may be used under the given policy
func (v *VerificationResult) Usable(allowPartial bool) bool {
	if v.Status == VerificationSuccess {
		return true
	}
	return allowPartial && v.Status == VerificationPartial
}
