package model

import (
	"errors"
	"sort"
	"strconv"
)

// PayloadKind names the variant carried by an Envelope.
type PayloadKind string

const (
	KindLog     PayloadKind = "log"
	KindCounter PayloadKind = "counter"
	KindGauge   PayloadKind = "gauge"
	KindTimer   PayloadKind = "timer"
	KindEvent   PayloadKind = "event"
)

// KnownKind reports whether kind names one of the payload variants.
func KnownKind(kind string) bool {
	switch PayloadKind(kind) {
	case KindLog, KindCounter, KindGauge, KindTimer, KindEvent:
		return true
	}
	return false
}

var (
	ErrMissingTimestamp = errors.New("envelope has no timestamp")
	ErrMissingPayload   = errors.New("envelope has no recognized payload")
)

// Envelope is one self-describing telemetry record pushed by a producer.
// Timestamp is nanoseconds since the Unix epoch; zero means absent.
type Envelope struct {
	Timestamp  int64
	SourceID   string
	InstanceID string
	Tags       map[string]string
	Payload    Payload
}

// Payload is implemented by *Log, *Counter, *Gauge, *Timer and *Event.
type Payload interface {
	Kind() PayloadKind
	isPayload()
}

// LogType distinguishes stdout and stderr log lines.
type LogType int32

const (
	LogOut LogType = 0
	LogErr LogType = 1
)

func (t LogType) String() string {
	if t == LogErr {
		return "ERR"
	}
	return "OUT"
}

type Log struct {
	Payload []byte
	Type    LogType
}

type Counter struct {
	Name  string
	Delta uint64
	Total uint64
}

type GaugeValue struct {
	Unit  string
	Value float64
}

type Gauge struct {
	Metrics map[string]GaugeValue
}

// Names returns the gauge metric names in sorted order.
func (g *Gauge) Names() []string {
	names := make([]string, 0, len(g.Metrics))
	for name := range g.Metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Timer is a measured interval; Start and Stop are nanosecond timestamps.
type Timer struct {
	Name  string
	Start int64
	Stop  int64
}

// Duration returns Stop-Start in nanoseconds.
func (t *Timer) Duration() int64 { return t.Stop - t.Start }

type Event struct {
	Title string
	Body  string
}

func (*Log) Kind() PayloadKind     { return KindLog }
func (*Counter) Kind() PayloadKind { return KindCounter }
func (*Gauge) Kind() PayloadKind   { return KindGauge }
func (*Timer) Kind() PayloadKind   { return KindTimer }
func (*Event) Kind() PayloadKind   { return KindEvent }

func (*Log) isPayload()     {}
func (*Counter) isPayload() {}
func (*Gauge) isPayload()   {}
func (*Timer) isPayload()   {}
func (*Event) isPayload()   {}

// Kind returns the payload kind, or "" when the envelope carries none.
func (e *Envelope) Kind() PayloadKind {
	if e == nil || e.Payload == nil {
		return ""
	}
	return e.Payload.Kind()
}

// Validate checks structural well-formedness. It does not look at payload
// contents beyond their presence.
func (e *Envelope) Validate() error {
	if e == nil || e.Payload == nil {
		return ErrMissingPayload
	}
	if e.Timestamp == 0 {
		return ErrMissingTimestamp
	}
	return nil
}

// MergeLegacyTag records a deprecated typed tag unless a plain tag with the
// same key already exists.
func (e *Envelope) MergeLegacyTag(key string, v LegacyValue) {
	if e.Tags == nil {
		e.Tags = make(map[string]string)
	}
	if _, ok := e.Tags[key]; ok {
		return
	}
	e.Tags[key] = v.String()
}

// LegacyValue is the typed tag value of the deprecated_tags map.
type LegacyValue struct {
	Text    *string
	Integer *int64
	Decimal *float64
}

func (v LegacyValue) String() string {
	switch {
	case v.Text != nil:
		return *v.Text
	case v.Integer != nil:
		return strconv.FormatInt(*v.Integer, 10)
	case v.Decimal != nil:
		return strconv.FormatFloat(*v.Decimal, 'g', -1, 64)
	}
	return ""
}

// EnvelopeBatch is an ordered group of envelopes sent in one request.
type EnvelopeBatch struct {
	Envelopes []*Envelope
}
