package migrate

import (
	"context"
	"database/sql"
	"testing"
	"testing/fstest"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("duckdb", "")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRunAppliesAllMigrations(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, NewRunner(db).Run(context.Background()))

	for _, table := range []string{"envelopes", "schema_migrations"} {
		var name string
		err := db.QueryRow("SELECT table_name FROM information_schema.tables WHERE table_name = ?", table).Scan(&name)
		assert.NoError(t, err, "table %s", table)
	}

	var sums int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE length(checksum) = 64").Scan(&sums))
	assert.Equal(t, 2, sums)
}

func TestRunIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	r := NewRunner(db)
	ctx := context.Background()

	require.NoError(t, r.Run(ctx))
	require.NoError(t, r.Run(ctx))

	cur, pending, err := r.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, cur)
	assert.Zero(t, pending)
}

func TestStatusReportsCorrectly(t *testing.T) {
	db := openTestDB(t)
	r := NewRunner(db)
	ctx := context.Background()

	cur, pending, err := r.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, cur)
	assert.Equal(t, 2, pending)

	require.NoError(t, r.Run(ctx))
	cur, pending, err = r.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, cur)
	assert.Zero(t, pending)
}

func TestRunRefusesModifiedMigration(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, NewRunner(db).Run(ctx))

	_, err := db.Exec("UPDATE schema_migrations SET checksum = 'stale' WHERE version = 1")
	require.NoError(t, err)

	err = NewRunner(db).Run(ctx)
	assert.ErrorIs(t, err, ErrDrift)
	_, _, err = NewRunner(db).Status(ctx)
	assert.ErrorIs(t, err, ErrDrift)
}

func TestLoadStepsRejectsBadNames(t *testing.T) {
	tests := []struct {
		name string
		fsys fstest.MapFS
	}{
		{"no description", fstest.MapFS{"m/001.sql": {Data: []byte("SELECT 1")}}},
		{"bad version", fstest.MapFS{"m/abc_init.sql": {Data: []byte("SELECT 1")}}},
		{"duplicate version", fstest.MapFS{
			"m/001_a.sql": {Data: []byte("SELECT 1")},
			"m/1_b.sql":   {Data: []byte("SELECT 2")},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadSteps(tt.fsys, "m")
			assert.Error(t, err)
		})
	}
}

func TestLoadStepsOrdersByVersion(t *testing.T) {
	steps, err := loadSteps(fstest.MapFS{
		"m/010_later.sql":  {Data: []byte("SELECT 10")},
		"m/002_second.sql": {Data: []byte("SELECT 2")},
		"m/README.md":      {Data: []byte("ignored")},
	}, "m")
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, 2, steps[0].version)
	assert.Equal(t, 10, steps[1].version)
	assert.NotEqual(t, steps[0].checksum, steps[1].checksum)
}
