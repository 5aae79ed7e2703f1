package domain

import "time"

const (
	EventBundlePublished   = "bundle.published"
	EventReleasePending    = "release.pending"
	EventReleaseActivated  = "release.activated"
	EventReleaseFailed     = "release.failed"
	EventReleaseRolledBack = "release.rolled_back"
)

// Event is a broadcast notification about publisher or releaser activity.
type Event struct {
	Type          string    `json:"type"`
	Environment   string    `json:"environment,omitempty"`
	BundleVersion string    `json:"bundle_version,omitempty"`
	ReleaseID     string    `json:"release_id,omitempty"`
	Message       string    `json:"message,omitempty"`
	At            time.Time `json:"at"`
}
