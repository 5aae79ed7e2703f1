package domain

import "time"

// Bundle is an immutable, versioned set of static assets for one application.
type Bundle struct {
	Version     string
	Digest      string
	Tag         string
	TotalBytes  int64
	VarNames    []string
	Entrypoints []string
	PublishedAt time.Time
}

// BundleAsset is a single addressable file inside a bundle.
type BundleAsset struct {
	BundleVersion string
	Path          string
	SHA256        string
	SizeBytes     int64
	ContentType   string
}
