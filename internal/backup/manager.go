package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tinytelemetry/ingress/internal/model"
)

const (
	defaultInterval = 6 * time.Hour
	defaultKeepLast = 24

	filePrefix = "ingressd-"
	fileSuffix = ".duckdb"
	// fixed-width so lexical order is chronological
	fileStamp = "20060102-150405.000000000"
)

var logger = logrus.WithField("component", "backup")

// Manager runs periodic local snapshots and optional remote uploads.
type Manager struct {
	store    Snapshotter
	cfg      Config
	uploader Uploader

	lastMu sync.Mutex
	last   model.SnapshotManifest

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewManager initializes backup manager. It returns nil when backups are disabled.
func NewManager(store Snapshotter, cfg Config) (*Manager, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if store == nil {
		return nil, fmt.Errorf("backup: nil snapshotter")
	}
	if strings.TrimSpace(store.DBPath()) == "" {
		return nil, fmt.Errorf("backup: db-path is empty (in-memory store)")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if strings.TrimSpace(cfg.LocalDir) == "" {
		return nil, fmt.Errorf("backup: local-dir is required when backup is enabled")
	}
	if cfg.KeepLast <= 0 {
		cfg.KeepLast = defaultKeepLast
	}
	if err := os.MkdirAll(cfg.LocalDir, 0755); err != nil {
		return nil, fmt.Errorf("backup: create local-dir: %w", err)
	}

	var uploader Uploader
	if remote := cfg.Remote; strings.TrimSpace(remote.BucketURL) != "" {
		s3u, err := NewS3Uploader(context.Background(), S3Config{
			BucketURL:    remote.BucketURL,
			Endpoint:     remote.Endpoint,
			Region:       remote.Region,
			AccessKey:    remote.AccessKey,
			SecretKey:    remote.SecretKey,
			SessionToken: remote.SessionToken,
			UseSSL:       remote.UseSSL,
			ContentType:  "application/octet-stream",
		})
		if err != nil {
			return nil, fmt.Errorf("backup: init s3 uploader: %w", err)
		}
		uploader = s3u
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:    store,
		cfg:      cfg,
		uploader: uploader,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	// startup snapshot shortens the recovery point after a restart
	if _, err := m.RunOnce(ctx); err != nil {
		logger.WithError(err).Warn("startup snapshot failed")
	}

	m.wg.Add(1)
	go m.loop()
	return m, nil
}

func (m *Manager) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := m.RunOnce(m.ctx); err != nil {
				logger.WithError(err).Warn("periodic snapshot failed")
			}
		case <-m.done:
			return
		}
	}
}

// RunOnce takes one snapshot, ships it when a bucket is configured and
// prunes old local copies. It returns the snapshot's manifest.
func (m *Manager) RunOnce(ctx context.Context) (model.SnapshotManifest, error) {
	fileName := filePrefix + time.Now().UTC().Format(fileStamp) + fileSuffix
	localPath := filepath.Join(m.cfg.LocalDir, fileName)

	manifest, err := m.store.Snapshot(ctx, localPath)
	if err != nil {
		return manifest, fmt.Errorf("snapshot: %w", err)
	}
	logger.WithFields(logrus.Fields{
		"path":      localPath,
		"envelopes": manifest.Envelopes,
		"bytes":     manifest.Bytes,
	}).Info("created snapshot")

	if m.uploader != nil {
		if err := m.uploader.Upload(ctx, localPath, manifest); err != nil {
			return manifest, fmt.Errorf("upload: %w", err)
		}
		logger.WithField("file", fileName).Info("uploaded snapshot")
	}

	m.lastMu.Lock()
	m.last = manifest
	m.lastMu.Unlock()

	if err := pruneLocalBackups(m.cfg.LocalDir, m.cfg.KeepLast); err != nil {
		return manifest, fmt.Errorf("prune local backups: %w", err)
	}
	return manifest, nil
}

// Last returns the manifest of the newest completed snapshot and false when
// none completed yet.
func (m *Manager) Last() (model.SnapshotManifest, bool) {
	m.lastMu.Lock()
	defer m.lastMu.Unlock()
	return m.last, !m.last.Taken.IsZero()
}

// Stop cancels any in-flight upload and terminates the periodic loop.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		close(m.done)
		m.wg.Wait()
	})
}

func pruneLocalBackups(localDir string, keepLast int) error {
	if keepLast <= 0 {
		return nil
	}

	matches, err := filepath.Glob(filepath.Join(localDir, filePrefix+"*"+fileSuffix))
	if err != nil {
		return err
	}
	if len(matches) <= keepLast {
		return nil
	}

	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	for _, oldPath := range matches[keepLast:] {
		for _, p := range []string{oldPath, oldPath + model.ManifestSuffix} {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
	}
	return nil
}
