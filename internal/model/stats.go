package model

import "time"

// SessionInfo is a point-in-time view of one active ingest call.
type SessionInfo struct {
	ID       string    `json:"id" yaml:"id"`
	RPC      string    `json:"rpc" yaml:"rpc"`
	Producer string    `json:"producer" yaml:"producer"`
	State    string    `json:"state" yaml:"state"`
	Opened   time.Time `json:"opened" yaml:"opened"`
	Received uint64    `json:"received" yaml:"received"`
	Pending  int64     `json:"pending" yaml:"pending"`
	Credit   int64     `json:"credit" yaml:"credit"`
}

// IngressStats aggregates process-wide ingest counters.
type IngressStats struct {
	ActiveSessions   int               `json:"active_sessions" yaml:"active_sessions"`
	MaxSessions      int               `json:"max_sessions" yaml:"max_sessions"`
	ReservedInflight int64             `json:"reserved_inflight" yaml:"reserved_inflight"`
	MaxInflight      int64             `json:"max_inflight" yaml:"max_inflight"`
	Received         uint64            `json:"received" yaml:"received"`
	Dispositions     map[string]uint64 `json:"dispositions" yaml:"dispositions"`
	RejectedCalls    uint64            `json:"rejected_calls" yaml:"rejected_calls"`
	Uptime           string            `json:"uptime" yaml:"uptime"`
}

// StoredEnvelope is one flattened envelope read back from storage.
type StoredEnvelope struct {
	ID         int64             `json:"id"`
	EventID    string            `json:"event_id"`
	Timestamp  time.Time         `json:"timestamp"`
	ReceivedAt time.Time         `json:"received_at"`
	SourceID   string            `json:"source_id"`
	InstanceID string            `json:"instance_id"`
	Kind       string            `json:"kind"`
	Level      string            `json:"level,omitempty"`
	Name       string            `json:"name,omitempty"`
	Message    string            `json:"message,omitempty"`
	Value      *float64          `json:"value,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
}

// DimensionCount represents grouped counts by a single dimension value.
type DimensionCount struct {
	Value string `json:"value"`
	Count int64  `json:"count"`
}

// ManifestSuffix is appended to a snapshot path to name its manifest.
const ManifestSuffix = ".manifest.json"

// SnapshotManifest describes one database snapshot. It is written next to
// the snapshot file and shipped with it.
type SnapshotManifest struct {
	File          string           `json:"file"`
	Taken         time.Time        `json:"taken"`
	Bytes         int64            `json:"bytes"`
	SHA256        string           `json:"sha256"`
	SchemaVersion int              `json:"schema_version"`
	Envelopes     int64            `json:"envelopes"`
	Kinds         map[string]int64 `json:"kinds"`
	Oldest        time.Time        `json:"oldest,omitzero"`
	Newest        time.Time        `json:"newest,omitzero"`
}
