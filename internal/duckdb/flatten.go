package duckdb

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tinytelemetry/ingress/internal/logparse"
	"github.com/tinytelemetry/ingress/internal/model"
)

var eventIDCounter atomic.Uint64

// row is the column projection of one envelope.
type row struct {
	eventID    string
	timestamp  time.Time
	sourceID   string
	instanceID string
	kind       string
	level      sql.NullString
	name       sql.NullString
	message    sql.NullString
	value      sql.NullFloat64
	tags       string
	payload    string
}

func (r row) args() []any {
	return []any{
		r.eventID, r.timestamp, r.sourceID, r.instanceID, r.kind,
		r.level, r.name, r.message, r.value, r.tags, r.payload,
	}
}

func flatten(env *model.Envelope) (row, error) {
	r := row{
		eventID:    nextEventID(),
		timestamp:  time.Unix(0, env.Timestamp).UTC(),
		sourceID:   env.SourceID,
		instanceID: env.InstanceID,
		kind:       string(env.Kind()),
		tags:       "{}",
	}
	if len(env.Tags) > 0 {
		data, err := json.Marshal(env.Tags)
		if err != nil {
			return row{}, fmt.Errorf("marshal tags: %w", err)
		}
		r.tags = string(data)
	}

	var payload map[string]any
	switch p := env.Payload.(type) {
	case *model.Log:
		msg := string(p.Payload)
		r.level = nullString(logparse.ForLog(p))
		r.message = nullString(msg)
		payload = map[string]any{"type": p.Type.String(), "payload": msg}
	case *model.Counter:
		r.name = nullString(p.Name)
		r.value = sql.NullFloat64{Float64: float64(p.Total), Valid: true}
		payload = map[string]any{"name": p.Name, "delta": p.Delta, "total": p.Total}
	case *model.Gauge:
		names := p.Names()
		r.name = nullString(strings.Join(names, ","))
		if len(names) == 1 {
			r.value = sql.NullFloat64{Float64: p.Metrics[names[0]].Value, Valid: true}
		}
		metrics := make(map[string]any, len(p.Metrics))
		for name, m := range p.Metrics {
			metrics[name] = map[string]any{"unit": m.Unit, "value": m.Value}
		}
		payload = map[string]any{"metrics": metrics}
	case *model.Timer:
		r.name = nullString(p.Name)
		r.value = sql.NullFloat64{Float64: float64(p.Duration()), Valid: true}
		payload = map[string]any{"name": p.Name, "start": p.Start, "stop": p.Stop, "duration_ns": p.Duration()}
	case *model.Event:
		r.name = nullString(p.Title)
		r.message = nullString(p.Body)
		payload = map[string]any{"title": p.Title, "body": p.Body}
	default:
		return row{}, model.ErrMissingPayload
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return row{}, fmt.Errorf("marshal payload: %w", err)
	}
	r.payload = string(data)
	return r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nextEventID() string {
	n := eventIDCounter.Add(1)
	return fmt.Sprintf("%x-%x", time.Now().UTC().UnixNano(), n)
}
