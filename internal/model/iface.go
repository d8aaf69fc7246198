package model

// QueryOpts holds optional filters applied to most queries.
type QueryOpts struct {
	SourceID string // empty = all sources
}

// EnvelopeQuerier provides read-only queries on stored envelopes.
type EnvelopeQuerier interface {
	TotalEnvelopeCount(opts QueryOpts) (int64, error)
	CountsByKind(opts QueryOpts) (map[string]int64, error)
	TopSources(limit int, opts QueryOpts) ([]DimensionCount, error)
	RecentEnvelopes(limit int, opts QueryOpts) ([]StoredEnvelope, error)
}

// SchemaQuerier provides schema introspection and arbitrary read-only queries.
type SchemaQuerier interface {
	ExecuteQuery(query string) ([]map[string]interface{}, error)
	GetSchemaDescription() string
	TableRowCounts() (map[string]int64, error)
}

// EnvelopeWriter provides append-oriented writes of accepted envelopes.
type EnvelopeWriter interface {
	InsertEnvelopeBatch(records []*Envelope) error
}

// ReadAPI is the unified read contract for read surfaces (HTTP and socket RPC).
type ReadAPI interface {
	EnvelopeQuerier
	SchemaQuerier
}

// StatsSource exposes live ingest state to admin surfaces.
type StatsSource interface {
	Stats() IngressStats
	Sessions() []SessionInfo
}
