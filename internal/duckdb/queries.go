package duckdb

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tinytelemetry/ingress/internal/model"
)

// maxQueryRows caps rows returned by ExecuteQuery.
const maxQueryRows = 1000

// dangerousKeywordPattern matches dangerous SQL keywords at word boundaries.
// This avoids false positives like "RESET" matching "SET".
var dangerousKeywordPattern = regexp.MustCompile(
	`(?i)\b(INSERT|UPDATE|DELETE|DROP|CREATE|ALTER|TRUNCATE|COPY|ATTACH|DETACH|LOAD|EXPORT|IMPORT|INSTALL|CALL|EXECUTE|PRAGMA|SET|CHECKPOINT)\b`,
)

var blockCommentPattern = regexp.MustCompile(`/\*[\s\S]*?\*/`)

// stripSQLComments removes -- line comments and /* */ block comments from a query.
func stripSQLComments(query string) string {
	cleaned := blockCommentPattern.ReplaceAllString(query, " ")
	var result strings.Builder
	for _, line := range strings.Split(cleaned, "\n") {
		if idx := strings.Index(line, "--"); idx >= 0 {
			line = line[:idx]
		}
		result.WriteString(line)
		result.WriteByte('\n')
	}
	return result.String()
}

// sourceFilter returns a WHERE clause and args when opts.SourceID is set.
func sourceFilter(opts model.QueryOpts) (clause string, args []any) {
	if opts.SourceID != "" {
		return "WHERE source_id = ?", []any{opts.SourceID}
	}
	return "", nil
}

// TotalEnvelopeCount returns the number of stored envelopes.
func (s *Store) TotalEnvelopeCount(opts model.QueryOpts) (int64, error) {
	ctx, done, err := s.readCtx()
	if err != nil {
		return 0, err
	}
	defer done()

	where, args := sourceFilter(opts)
	var total int64
	err = s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM envelopes %s`, where), args...).Scan(&total)
	return total, err
}

// CountsByKind returns stored envelope counts grouped by payload kind.
func (s *Store) CountsByKind(opts model.QueryOpts) (map[string]int64, error) {
	ctx, done, err := s.readCtx()
	if err != nil {
		return nil, err
	}
	defer done()

	where, args := sourceFilter(opts)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT kind, COUNT(*) AS count
		FROM envelopes %s
		GROUP BY kind`, where), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			logger.WithError(err).Warn("scan error (CountsByKind)")
			continue
		}
		counts[kind] = n
	}
	return counts, rows.Err()
}

// TopSources returns source IDs by descending envelope count.
func (s *Store) TopSources(limit int, opts model.QueryOpts) ([]model.DimensionCount, error) {
	ctx, done, err := s.readCtx()
	if err != nil {
		return nil, err
	}
	defer done()

	where, args := sourceFilter(opts)
	query := fmt.Sprintf(`
		SELECT COALESCE(NULLIF(source_id, ''), 'unknown') AS source, COUNT(*) AS count
		FROM envelopes %s
		GROUP BY source
		ORDER BY count DESC, source ASC
		LIMIT ?`, where)

	rows, err := s.db.QueryContext(ctx, query, append(args, limit)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []model.DimensionCount
	for rows.Next() {
		var item model.DimensionCount
		if err := rows.Scan(&item.Value, &item.Count); err != nil {
			logger.WithError(err).Warn("scan error (TopSources)")
			continue
		}
		results = append(results, item)
	}
	return results, rows.Err()
}

// RecentEnvelopes returns the newest envelopes in chronological order.
func (s *Store) RecentEnvelopes(limit int, opts model.QueryOpts) ([]model.StoredEnvelope, error) {
	ctx, done, err := s.readCtx()
	if err != nil {
		return nil, err
	}
	defer done()

	where, args := sourceFilter(opts)
	inner := fmt.Sprintf(`SELECT id, event_id, timestamp, received_at, source_id, instance_id, kind,
		level, name, message, value, CAST(tags AS VARCHAR) AS tags
		FROM envelopes %s ORDER BY timestamp DESC, id DESC LIMIT ?`, where)
	query := "SELECT * FROM (" + inner + ") ORDER BY timestamp ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, append(args, limit)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []model.StoredEnvelope
	for rows.Next() {
		var (
			e                    model.StoredEnvelope
			level, name, message sql.NullString
			value                sql.NullFloat64
			tags                 sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.EventID, &e.Timestamp, &e.ReceivedAt, &e.SourceID, &e.InstanceID, &e.Kind,
			&level, &name, &message, &value, &tags); err != nil {
			logger.WithError(err).Warn("scan error (RecentEnvelopes)")
			continue
		}
		e.Level, e.Name, e.Message = level.String, name.String, message.String
		if value.Valid {
			v := value.Float64
			e.Value = &v
		}
		if tags.Valid && tags.String != "" && tags.String != "{}" {
			e.Tags = make(map[string]string)
			if err := parseJSONMap(tags.String, e.Tags); err != nil {
				logger.WithError(err).Warn("bad tags column")
			}
		}
		results = append(results, e)
	}
	return results, rows.Err()
}

// ExecuteQuery runs a read-only SQL query and returns results as maps.
// Only SELECT/WITH read queries are allowed; DDL/DML is rejected.
func (s *Store) ExecuteQuery(query string) ([]map[string]interface{}, error) {
	trimmed := strings.TrimSpace(query)

	if strings.Contains(trimmed, ";") {
		return nil, fmt.Errorf("query must not contain semicolons")
	}

	// Keywords hidden in comments are still caught after stripping.
	stripped := strings.TrimSpace(stripSQLComments(trimmed))
	upper := strings.ToUpper(stripped)

	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return nil, fmt.Errorf("only SELECT/WITH queries are allowed")
	}
	if match := dangerousKeywordPattern.FindString(stripped); match != "" {
		return nil, fmt.Errorf("query contains disallowed keyword: %s", strings.ToUpper(match))
	}

	ctx, done, err := s.readCtx()
	if err != nil {
		return nil, err
	}
	defer done()

	rows, err := s.db.QueryContext(ctx, trimmed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var results []map[string]interface{}
	for rows.Next() && len(results) < maxQueryRows {
		values := make([]interface{}, len(columns))
		valuePtrs := make([]interface{}, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			logger.WithError(err).Warn("scan error (ExecuteQuery)")
			continue
		}
		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

// GetSchemaDescription returns a human-readable schema description.
func (s *Store) GetSchemaDescription() string {
	return `Table 'envelopes': id (BIGINT), event_id (VARCHAR), timestamp (TIMESTAMP), ` +
		`received_at (TIMESTAMP), source_id (VARCHAR), instance_id (VARCHAR), ` +
		`kind (VARCHAR: log/counter/gauge/timer/event), ` +
		`level (VARCHAR: TRACE/DEBUG/INFO/WARN/ERROR/FATAL, logs only), ` +
		`name (VARCHAR: counter/timer name, gauge metric names, event title), ` +
		`message (VARCHAR: log line or event body), value (DOUBLE: counter total, ` +
		`single gauge value, timer duration in ns), tags (JSON), payload (JSON).`
}

// TableRowCounts returns the row count for each known table using a hardcoded allowlist.
func (s *Store) TableRowCounts() (map[string]int64, error) {
	ctx, done, err := s.readCtx()
	if err != nil {
		return nil, err
	}
	defer done()

	allowedTables := []string{"envelopes"}
	counts := make(map[string]int64, len(allowedTables))
	for _, table := range allowedTables {
		var count int64
		// Table names are constants, not user input.
		if err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
			continue
		}
		counts[table] = count
	}
	return counts, nil
}

func parseJSONMap(jsonStr string, dest map[string]string) error {
	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(jsonStr), &raw); err != nil {
		return err
	}
	for k, v := range raw {
		dest[k] = fmt.Sprintf("%v", v)
	}
	return nil
}

var (
	_ model.ReadAPI        = (*Store)(nil)
	_ model.EnvelopeWriter = (*Store)(nil)
)
