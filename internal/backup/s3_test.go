package backup

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/ingress/internal/model"
)

func TestParseS3BucketURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		raw       string
		wantErr   bool
		wantBkt   string
		wantPre   string
		errSubstr string
	}{
		{name: "bucket only", raw: "s3://my-bucket", wantBkt: "my-bucket"},
		{name: "bucket with prefix", raw: "s3://my-bucket/ingressd/backups/", wantBkt: "my-bucket", wantPre: "ingressd/backups"},
		{name: "invalid scheme", raw: "https://my-bucket/ingressd", wantErr: true, errSubstr: "s3:// scheme"},
		{name: "missing bucket", raw: "s3:///ingressd", wantErr: true, errSubstr: "missing bucket"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			gotBkt, gotPre, err := parseS3BucketURL(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errSubstr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantBkt, gotBkt)
			assert.Equal(t, tt.wantPre, gotPre)
		})
	}
}

func TestNormalizeEndpoint(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "", normalizeEndpoint("  ", true))
	assert.Equal(t, "https://s3.example.com", normalizeEndpoint("s3.example.com", true))
	assert.Equal(t, "http://minio:9000", normalizeEndpoint("minio:9000", false))
	assert.Equal(t, "http://already", normalizeEndpoint("http://already", true))
}

func TestNewS3Uploader_HalfCredentials(t *testing.T) {
	t.Parallel()

	_, err := NewS3Uploader(context.Background(), S3Config{
		BucketURL: "s3://my-bucket/ingressd",
		AccessKey: "AKIA",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "set together")
}

type putCall struct {
	bucket, key, contentType string
	metadata                 map[string]string
	body                     []byte
}

type fakeS3 struct {
	puts []putCall
	err  error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.puts = append(f.puts, putCall{
		bucket:      aws.ToString(in.Bucket),
		key:         aws.ToString(in.Key),
		contentType: aws.ToString(in.ContentType),
		metadata:    in.Metadata,
		body:        body,
	})
	return &s3.PutObjectOutput{}, nil
}

func TestS3Uploader_UploadShipsSnapshotThenManifest(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ingressd-20260101-000000.000000000.duckdb")
	require.NoError(t, os.WriteFile(path, []byte("snapshot"), 0644))
	m := model.SnapshotManifest{File: filepath.Base(path), Bytes: 8, SHA256: "abc", SchemaVersion: 2, Envelopes: 7}

	fake := &fakeS3{}
	u := &S3Uploader{client: fake, bucket: "my-bucket", keyPrefix: "ingressd/backups", contentType: "application/octet-stream"}
	require.NoError(t, u.Upload(context.Background(), path, m))

	require.Len(t, fake.puts, 2)
	data := fake.puts[0]
	assert.Equal(t, "my-bucket", data.bucket)
	assert.Equal(t, "ingressd/backups/ingressd-20260101-000000.000000000.duckdb", data.key)
	assert.Equal(t, "application/octet-stream", data.contentType)
	assert.Equal(t, []byte("snapshot"), data.body)
	assert.Equal(t, map[string]string{"sha256": "abc", "envelopes": "7", "schema-version": "2"}, data.metadata)

	manifest := fake.puts[1]
	assert.Equal(t, data.key+model.ManifestSuffix, manifest.key)
	assert.Equal(t, "application/json", manifest.contentType)
	var got model.SnapshotManifest
	require.NoError(t, json.Unmarshal(manifest.body, &got))
	assert.Equal(t, int64(7), got.Envelopes)
}

func TestS3Uploader_UploadErrors(t *testing.T) {
	t.Parallel()

	u := &S3Uploader{client: &fakeS3{err: errors.New("access denied")}, bucket: "b"}
	err := u.Upload(context.Background(), filepath.Join(t.TempDir(), "missing.duckdb"), model.SnapshotManifest{})
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "x.duckdb")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
	err = u.Upload(context.Background(), path, model.SnapshotManifest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
}
