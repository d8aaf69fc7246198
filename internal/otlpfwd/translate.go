package otlpfwd

import (
	"maps"
	"slices"
	"time"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"

	"github.com/tinytelemetry/ingress/internal/logparse"
	"github.com/tinytelemetry/ingress/internal/model"
)

const scopeName = "github.com/tinytelemetry/ingress"

var scope = &commonpb.InstrumentationScope{Name: scopeName}

// resourceKey groups envelopes that share a producer identity.
type resourceKey struct {
	sourceID   string
	instanceID string
}

func keyOf(env *model.Envelope) resourceKey {
	return resourceKey{sourceID: env.SourceID, instanceID: env.InstanceID}
}

func (k resourceKey) resource() *resourcepb.Resource {
	attrs := make([]*commonpb.KeyValue, 0, 2)
	if k.sourceID != "" {
		attrs = append(attrs, stringAttr("service.name", k.sourceID))
	}
	if k.instanceID != "" {
		attrs = append(attrs, stringAttr("service.instance.id", k.instanceID))
	}
	return &resourcepb.Resource{Attributes: attrs}
}

func stringAttr(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: value}},
	}
}

func tagAttrs(tags map[string]string) []*commonpb.KeyValue {
	if len(tags) == 0 {
		return nil
	}
	attrs := make([]*commonpb.KeyValue, 0, len(tags))
	for _, k := range slices.Sorted(maps.Keys(tags)) {
		attrs = append(attrs, stringAttr(k, tags[k]))
	}
	return attrs
}

// severityNumber maps a normalized level onto the OTLP severity ranges.
func severityNumber(level string) logspb.SeverityNumber {
	return logspb.SeverityNumber(1 + 4*(logparse.Rank(level)-1))
}

// isLogSignal reports whether env is exported as a log record.
func isLogSignal(env *model.Envelope) bool {
	switch env.Payload.(type) {
	case *model.Log, *model.Event:
		return true
	}
	return false
}

func logRecord(env *model.Envelope, observed time.Time) *logspb.LogRecord {
	rec := &logspb.LogRecord{
		TimeUnixNano:         uint64(env.Timestamp),
		ObservedTimeUnixNano: uint64(observed.UnixNano()),
		Attributes:           tagAttrs(env.Tags),
	}
	switch p := env.Payload.(type) {
	case *model.Log:
		level := logparse.ForLog(p)
		rec.SeverityText = level
		rec.SeverityNumber = severityNumber(level)
		rec.Body = &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: string(p.Payload)}}
		rec.Attributes = append(rec.Attributes, stringAttr("log.iostream", streamName(p.Type)))
	case *model.Event:
		rec.Body = &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: p.Body}}
		rec.Attributes = append(rec.Attributes, stringAttr("event.name", p.Title))
	}
	return rec
}

func streamName(t model.LogType) string {
	if t == model.LogErr {
		return "stderr"
	}
	return "stdout"
}

func metrics(env *model.Envelope) []*metricspb.Metric {
	ts := uint64(env.Timestamp)
	attrs := tagAttrs(env.Tags)
	switch p := env.Payload.(type) {
	case *model.Counter:
		return []*metricspb.Metric{{
			Name: p.Name,
			Data: &metricspb.Metric_Sum{Sum: &metricspb.Sum{
				AggregationTemporality: metricspb.AggregationTemporality_AGGREGATION_TEMPORALITY_CUMULATIVE,
				IsMonotonic:            true,
				DataPoints: []*metricspb.NumberDataPoint{{
					Attributes:   attrs,
					TimeUnixNano: ts,
					Value:        &metricspb.NumberDataPoint_AsInt{AsInt: int64(p.Total)},
				}},
			}},
		}}
	case *model.Gauge:
		out := make([]*metricspb.Metric, 0, len(p.Metrics))
		for _, name := range p.Names() {
			m := p.Metrics[name]
			out = append(out, gauge(name, m.Unit, ts, attrs, m.Value))
		}
		return out
	case *model.Timer:
		return []*metricspb.Metric{gauge(p.Name, "ns", ts, attrs, float64(p.Duration()))}
	}
	return nil
}

func gauge(name, unit string, ts uint64, attrs []*commonpb.KeyValue, v float64) *metricspb.Metric {
	return &metricspb.Metric{
		Name: name,
		Unit: unit,
		Data: &metricspb.Metric_Gauge{Gauge: &metricspb.Gauge{
			DataPoints: []*metricspb.NumberDataPoint{{
				Attributes:   attrs,
				TimeUnixNano: ts,
				Value:        &metricspb.NumberDataPoint_AsDouble{AsDouble: v},
			}},
		}},
	}
}

// logsRequest builds one export request, one ResourceLogs per producer,
// preserving first-seen producer order.
func logsRequest(envs []*model.Envelope, observed time.Time) *collogspb.ExportLogsServiceRequest {
	index := make(map[resourceKey]*logspb.ScopeLogs)
	req := &collogspb.ExportLogsServiceRequest{}
	for _, env := range envs {
		k := keyOf(env)
		sl, ok := index[k]
		if !ok {
			sl = &logspb.ScopeLogs{Scope: scope}
			index[k] = sl
			req.ResourceLogs = append(req.ResourceLogs, &logspb.ResourceLogs{
				Resource:  k.resource(),
				ScopeLogs: []*logspb.ScopeLogs{sl},
			})
		}
		sl.LogRecords = append(sl.LogRecords, logRecord(env, observed))
	}
	return req
}

func metricsRequest(envs []*model.Envelope) *colmetricspb.ExportMetricsServiceRequest {
	index := make(map[resourceKey]*metricspb.ScopeMetrics)
	req := &colmetricspb.ExportMetricsServiceRequest{}
	for _, env := range envs {
		k := keyOf(env)
		sm, ok := index[k]
		if !ok {
			sm = &metricspb.ScopeMetrics{Scope: scope}
			index[k] = sm
			req.ResourceMetrics = append(req.ResourceMetrics, &metricspb.ResourceMetrics{
				Resource:     k.resource(),
				ScopeMetrics: []*metricspb.ScopeMetrics{sm},
			})
		}
		sm.Metrics = append(sm.Metrics, metrics(env)...)
	}
	return req
}
