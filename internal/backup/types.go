// Package backup takes scheduled snapshots of the envelope store, keeps the
// newest few on local disk and ships each one, manifest included, to
// S3-compatible object storage when a bucket is configured.
package backup

import (
	"context"
	"time"

	"github.com/tinytelemetry/ingress/internal/model"
)

// Config controls the snapshot schedule and where snapshots go.
type Config struct {
	Enabled  bool
	Interval time.Duration
	LocalDir string
	// KeepLast bounds the local snapshots kept; remote copies are never pruned.
	KeepLast int
	Remote   RemoteConfig
}

// RemoteConfig points at the bucket snapshots are shipped to. An empty
// BucketURL keeps snapshots local.
type RemoteConfig struct {
	BucketURL    string
	Endpoint     string
	Region       string
	AccessKey    string
	SecretKey    string
	SessionToken string
	UseSSL       bool
}

// Snapshotter produces a consistent copy of the envelope store.
type Snapshotter interface {
	DBPath() string
	Snapshot(ctx context.Context, dstPath string) (model.SnapshotManifest, error)
}

// Uploader ships one snapshot and its manifest.
type Uploader interface {
	Upload(ctx context.Context, snapshotPath string, m model.SnapshotManifest) error
}
