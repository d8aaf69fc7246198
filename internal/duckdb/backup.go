package duckdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/tinytelemetry/ingress/internal/model"
)

// ErrInMemoryStore indicates the store uses an in-memory DB and cannot be snapshotted.
var ErrInMemoryStore = errors.New("duckdb: in-memory store cannot be snapshotted")

// DBPath returns the configured DuckDB path. Empty means in-memory DB.
func (s *Store) DBPath() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dbPath
}

// Snapshot checkpoints the database, copies its file to dstPath and writes
// a manifest describing the copy to dstPath+model.ManifestSuffix. The envelope
// counts are read under the same lock as the checkpoint, so they describe
// exactly what the copied file holds.
func (s *Store) Snapshot(ctx context.Context, dstPath string) (model.SnapshotManifest, error) {
	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return model.SnapshotManifest{}, fmt.Errorf("create snapshot dir: %w", err)
	}

	start := time.Now()
	m := model.SnapshotManifest{
		File:          filepath.Base(dstPath),
		Taken:         start.UTC(),
		SchemaVersion: s.schemaVersion,
	}

	s.mu.Lock()
	dbPath := s.dbPath
	if dbPath == "" {
		s.mu.Unlock()
		return model.SnapshotManifest{}, ErrInMemoryStore
	}
	err := s.describe(ctx, &m)
	if err == nil {
		_, err = s.db.ExecContext(ctx, "CHECKPOINT")
		if err != nil {
			err = fmt.Errorf("checkpoint: %w", err)
		}
	}
	s.mu.Unlock()
	if err != nil {
		return model.SnapshotManifest{}, err
	}

	n, sum, err := copyHashed(dbPath, dstPath)
	if err != nil {
		return model.SnapshotManifest{}, fmt.Errorf("copy duckdb file: %w", err)
	}
	m.Bytes, m.SHA256 = n, sum

	if err := writeManifest(dstPath+model.ManifestSuffix, m); err != nil {
		_ = os.Remove(dstPath)
		return model.SnapshotManifest{}, err
	}
	logger.WithField("dst", dstPath).
		WithField("envelopes", m.Envelopes).
		WithField("took", time.Since(start)).
		Debug("snapshot written")
	return m, nil
}

// describe fills the envelope totals of m. The caller holds s.mu.
func (s *Store) describe(ctx context.Context, m *model.SnapshotManifest) error {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM envelopes GROUP BY kind`)
	if err != nil {
		return fmt.Errorf("count kinds: %w", err)
	}
	defer rows.Close()
	m.Kinds = make(map[string]int64)
	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			return fmt.Errorf("count kinds: %w", err)
		}
		m.Kinds[kind] = n
		m.Envelopes += n
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("count kinds: %w", err)
	}

	var oldest, newest sql.NullTime
	if err := s.db.QueryRowContext(ctx, `SELECT MIN(timestamp), MAX(timestamp) FROM envelopes`).Scan(&oldest, &newest); err != nil {
		return fmt.Errorf("time range: %w", err)
	}
	if oldest.Valid {
		m.Oldest, m.Newest = oldest.Time.UTC(), newest.Time.UTC()
	}
	return nil
}

// ReadManifest loads the manifest written next to a snapshot.
func ReadManifest(snapshotPath string) (model.SnapshotManifest, error) {
	var m model.SnapshotManifest
	data, err := os.ReadFile(snapshotPath + model.ManifestSuffix)
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("decode manifest: %w", err)
	}
	return m, nil
}

// VerifySnapshot checks a snapshot file against its manifest.
func VerifySnapshot(snapshotPath string) (model.SnapshotManifest, error) {
	m, err := ReadManifest(snapshotPath)
	if err != nil {
		return m, err
	}
	f, err := os.Open(snapshotPath)
	if err != nil {
		return m, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return m, err
	}
	if n != m.Bytes || hex.EncodeToString(h.Sum(nil)) != m.SHA256 {
		return m, fmt.Errorf("snapshot %s does not match its manifest", filepath.Base(snapshotPath))
	}
	return m, nil
}

func writeManifest(path string, m model.SnapshotManifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return os.Rename(tmp, path)
}

// copyHashed copies srcPath to dstPath through a temp file and returns the
// byte count and SHA-256 of what was written.
func copyHashed(srcPath, dstPath string) (int64, string, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return 0, "", err
	}
	defer src.Close()

	tmp := dstPath + ".tmp"
	dst, err := os.Create(tmp)
	if err != nil {
		return 0, "", err
	}
	fail := func(err error) (int64, string, error) {
		dst.Close()
		_ = os.Remove(tmp)
		return 0, "", err
	}

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(dst, h), src)
	if err != nil {
		return fail(err)
	}
	if err := dst.Sync(); err != nil {
		return fail(err)
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(tmp)
		return 0, "", err
	}
	if err := os.Rename(tmp, dstPath); err != nil {
		return 0, "", err
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}
