package domain

import "time"

const (
	ReleaseStatusPending    = "pending"
	ReleaseStatusActive     = "active"
	ReleaseStatusSuperseded = "superseded"
	ReleaseStatusRolledBack = "rolled_back"
	ReleaseStatusFailed     = "failed"
)

// Release records one attempt to bind a bundle version to an environment.
type Release struct {
	ID             string
	EnvironmentID  string
	BundleVersion  string
	Status         string
	Variables      map[string]any
	Description    string
	DocumentSHA    string
	RolledBackFrom *string // release whose inputs this record restores
	CreatedBy      string
	Error          string
	CreatedAt      time.Time
	ActivatedAt    *time.Time
	SupersededAt   *time.Time
}

// Terminal reports whether the release can no longer change status.
func (r Release) Terminal() bool {
	switch r.Status {
	case ReleaseStatusSuperseded, ReleaseStatusRolledBack, ReleaseStatusFailed:
		return true
	}
	return false
}

// ReleaseAudit tracks actions applied to an environment's release history.
type ReleaseAudit struct {
	ID            int64
	EnvironmentID string
	ReleaseID     *string
	Actor         string
	Action        string
	Metadata      []byte
	CreatedAt     time.Time
}
