package models

import "fmt"

// DriverStatus classifies the outcome reported by the automation driver
type DriverStatus string

const (
	DriverStatusOK           DriverStatus = "ok"
	DriverStatusNotFound     DriverStatus = "not_found"
	DriverStatusSessionLost  DriverStatus = "session_lost"
	DriverStatusPageError    DriverStatus = "page_error"
	DriverStatusUnauthorized DriverStatus = "unauthorized"
)

// DriverResult is the tagged outcome of one AutomationDriver call.
// It is validated at the boundary where the collaborator result enters the
// core; the core never inspects page content.
type DriverResult struct {
	Status          DriverStatus `json:"status"`
	StatusCode      int          `json:"status_code"`
	Message         string       `json:"message"`
	Artifacts       []string     `json:"artifacts,omitempty"`
	FoundCount      int          `json:"found_count"`
	DownloadedCount int          `json:"downloaded_count"`
}

// Success reports whether the driver completed the record
func (r *DriverResult) Success() bool {
	return r.Status == DriverStatusOK
}

// Validate checks the collaborator result before it enters the core
func (r *DriverResult) Validate() error {
	switch r.Status {
	case DriverStatusOK, DriverStatusNotFound, DriverStatusSessionLost,
		DriverStatusPageError, DriverStatusUnauthorized:
	default:
		return fmt.Errorf("driver result has unknown status %q", r.Status)
	}
	if r.FoundCount < 0 || r.DownloadedCount < 0 {
		return fmt.Errorf("driver result has negative counts (found=%d, downloaded=%d)", r.FoundCount, r.DownloadedCount)
	}
	if r.DownloadedCount > r.FoundCount {
		return fmt.Errorf("driver result downloaded %d of %d found", r.DownloadedCount, r.FoundCount)
	}
	if !r.Success() && r.Message == "" {
		return fmt.Errorf("driver result with status %s is missing a message", r.Status)
	}
	return nil
}
