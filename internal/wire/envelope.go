package wire

import (
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tinytelemetry/ingress/internal/model"
)

// Field numbers of loggregator.v2.Envelope.
const (
	envTimestamp      protowire.Number = 1
	envSourceID       protowire.Number = 2
	envDeprecatedTags protowire.Number = 3
	envLog            protowire.Number = 4
	envCounter        protowire.Number = 5
	envGauge          protowire.Number = 6
	envTimer          protowire.Number = 7
	envInstanceID     protowire.Number = 8
	envTags           protowire.Number = 9
	envEvent          protowire.Number = 10

	batchEnvelopes protowire.Number = 1
)

// AppendEnvelope appends the wire encoding of env to b.
func AppendEnvelope(b []byte, env *model.Envelope) []byte {
	b = appendVarint(b, envTimestamp, uint64(env.Timestamp))
	b = appendString(b, envSourceID, env.SourceID)
	switch p := env.Payload.(type) {
	case *model.Log:
		b = appendMessage(b, envLog, appendLog(nil, p))
	case *model.Counter:
		b = appendMessage(b, envCounter, appendCounter(nil, p))
	case *model.Gauge:
		b = appendMessage(b, envGauge, appendGauge(nil, p))
	case *model.Timer:
		b = appendMessage(b, envTimer, appendTimer(nil, p))
	case *model.Event:
		b = appendMessage(b, envEvent, appendEvent(nil, p))
	}
	b = appendString(b, envInstanceID, env.InstanceID)
	for _, k := range sortedKeys(env.Tags) {
		var entry []byte
		entry = appendString(entry, 1, k)
		entry = appendString(entry, 2, env.Tags[k])
		b = appendMessage(b, envTags, entry)
	}
	return b
}

// AppendBatch appends the wire encoding of batch to b.
func AppendBatch(b []byte, batch *model.EnvelopeBatch) []byte {
	for _, env := range batch.Envelopes {
		b = appendMessage(b, batchEnvelopes, AppendEnvelope(nil, env))
	}
	return b
}

func appendLog(b []byte, l *model.Log) []byte {
	if len(l.Payload) > 0 {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, l.Payload)
	}
	return appendVarint(b, 2, uint64(l.Type))
}

func appendCounter(b []byte, c *model.Counter) []byte {
	b = appendString(b, 1, c.Name)
	b = appendVarint(b, 2, c.Delta)
	return appendVarint(b, 3, c.Total)
}

func appendGauge(b []byte, g *model.Gauge) []byte {
	for _, name := range g.Names() {
		v := g.Metrics[name]
		var value []byte
		value = appendString(value, 1, v.Unit)
		value = appendDouble(value, 2, v.Value)

		var entry []byte
		entry = appendString(entry, 1, name)
		entry = appendMessage(entry, 2, value)
		b = appendMessage(b, 1, entry)
	}
	return b
}

func appendTimer(b []byte, t *model.Timer) []byte {
	b = appendString(b, 1, t.Name)
	b = appendVarint(b, 2, uint64(t.Start))
	return appendVarint(b, 3, uint64(t.Stop))
}

func appendEvent(b []byte, e *model.Event) []byte {
	b = appendString(b, 1, e.Title)
	return appendString(b, 2, e.Body)
}

// UnmarshalEnvelope decodes b into env, replacing its contents. Unknown
// fields are skipped, so an unrecognized payload kind leaves Payload nil.
func UnmarshalEnvelope(b []byte, env *model.Envelope) error {
	*env = model.Envelope{}
	type legacyTag struct {
		key   string
		value model.LegacyValue
	}
	var legacy []legacyTag

	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case envTimestamp:
			v, n, err := varintField(typ, b)
			env.Timestamp = int64(v)
			return n, err
		case envSourceID:
			s, n, err := stringField(typ, b)
			env.SourceID = s
			return n, err
		case envInstanceID:
			s, n, err := stringField(typ, b)
			env.InstanceID = s
			return n, err
		case envTags:
			raw, n, err := bytesField(typ, b)
			if err != nil {
				return 0, err
			}
			k, v, err := decodeStringEntry(raw)
			if err != nil {
				return 0, err
			}
			if env.Tags == nil {
				env.Tags = make(map[string]string)
			}
			env.Tags[k] = v
			return n, nil
		case envDeprecatedTags:
			raw, n, err := bytesField(typ, b)
			if err != nil {
				return 0, err
			}
			k, v, err := decodeLegacyEntry(raw)
			if err != nil {
				return 0, err
			}
			legacy = append(legacy, legacyTag{key: k, value: v})
			return n, nil
		case envLog, envCounter, envGauge, envTimer, envEvent:
			raw, n, err := bytesField(typ, b)
			if err != nil {
				return 0, err
			}
			p, err := decodePayload(num, raw)
			if err != nil {
				return 0, err
			}
			env.Payload = p
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return err
	}
	for _, t := range legacy {
		env.MergeLegacyTag(t.key, t.value)
	}
	return nil
}

// UnmarshalBatch decodes b into batch, replacing its contents.
func UnmarshalBatch(b []byte, batch *model.EnvelopeBatch) error {
	batch.Envelopes = nil
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != batchEnvelopes {
			return 0, nil
		}
		raw, n, err := bytesField(typ, b)
		if err != nil {
			return 0, err
		}
		env := new(model.Envelope)
		if err := UnmarshalEnvelope(raw, env); err != nil {
			return 0, err
		}
		batch.Envelopes = append(batch.Envelopes, env)
		return n, nil
	})
}

func decodePayload(num protowire.Number, b []byte) (model.Payload, error) {
	switch num {
	case envLog:
		l := new(model.Log)
		return l, walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch num {
			case 1:
				v, n, err := bytesField(typ, b)
				// the input buffer is recycled by the transport once decoding returns
				l.Payload = append([]byte(nil), v...)
				return n, err
			case 2:
				v, n, err := varintField(typ, b)
				l.Type = model.LogType(v)
				return n, err
			}
			return 0, nil
		})
	case envCounter:
		c := new(model.Counter)
		return c, walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch num {
			case 1:
				s, n, err := stringField(typ, b)
				c.Name = s
				return n, err
			case 2:
				v, n, err := varintField(typ, b)
				c.Delta = v
				return n, err
			case 3:
				v, n, err := varintField(typ, b)
				c.Total = v
				return n, err
			}
			return 0, nil
		})
	case envGauge:
		g := &model.Gauge{Metrics: make(map[string]model.GaugeValue)}
		return g, walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			if num != 1 {
				return 0, nil
			}
			raw, n, err := bytesField(typ, b)
			if err != nil {
				return 0, err
			}
			name, value, err := decodeGaugeEntry(raw)
			if err != nil {
				return 0, err
			}
			g.Metrics[name] = value
			return n, nil
		})
	case envTimer:
		t := new(model.Timer)
		return t, walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch num {
			case 1:
				s, n, err := stringField(typ, b)
				t.Name = s
				return n, err
			case 2:
				v, n, err := varintField(typ, b)
				t.Start = int64(v)
				return n, err
			case 3:
				v, n, err := varintField(typ, b)
				t.Stop = int64(v)
				return n, err
			}
			return 0, nil
		})
	default:
		e := new(model.Event)
		return e, walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch num {
			case 1:
				s, n, err := stringField(typ, b)
				e.Title = s
				return n, err
			case 2:
				s, n, err := stringField(typ, b)
				e.Body = s
				return n, err
			}
			return 0, nil
		})
	}
}

func decodeStringEntry(b []byte) (key, value string, err error) {
	err = walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			s, n, err := stringField(typ, b)
			key = s
			return n, err
		case 2:
			s, n, err := stringField(typ, b)
			value = s
			return n, err
		}
		return 0, nil
	})
	return key, value, err
}

func decodeLegacyEntry(b []byte) (key string, value model.LegacyValue, err error) {
	err = walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			s, n, err := stringField(typ, b)
			key = s
			return n, err
		case 2:
			raw, n, err := bytesField(typ, b)
			if err != nil {
				return 0, err
			}
			value, err = decodeLegacyValue(raw)
			return n, err
		}
		return 0, nil
	})
	return key, value, err
}

func decodeLegacyValue(b []byte) (model.LegacyValue, error) {
	var v model.LegacyValue
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			s, n, err := stringField(typ, b)
			v = model.LegacyValue{Text: &s}
			return n, err
		case 2:
			x, n, err := varintField(typ, b)
			i := int64(x)
			v = model.LegacyValue{Integer: &i}
			return n, err
		case 3:
			f, n, err := doubleField(typ, b)
			v = model.LegacyValue{Decimal: &f}
			return n, err
		}
		return 0, nil
	})
	return v, err
}

func decodeGaugeEntry(b []byte) (name string, value model.GaugeValue, err error) {
	err = walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			s, n, err := stringField(typ, b)
			name = s
			return n, err
		case 2:
			raw, n, err := bytesField(typ, b)
			if err != nil {
				return 0, err
			}
			return n, walk(raw, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				switch num {
				case 1:
					s, n, err := stringField(typ, b)
					value.Unit = s
					return n, err
				case 2:
					f, n, err := doubleField(typ, b)
					value.Value = f
					return n, err
				}
				return 0, nil
			})
		}
		return 0, nil
	})
	return name, value, err
}
