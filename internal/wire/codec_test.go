package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tinytelemetry/ingress/internal/model"
)

func TestEnvelopeRoundTripPerKind(t *testing.T) {
	t.Parallel()

	payloads := []model.Payload{
		&model.Log{Payload: []byte("hello"), Type: model.LogErr},
		&model.Counter{Name: "requests", Delta: 3, Total: 99},
		&model.Gauge{Metrics: map[string]model.GaugeValue{
			"cpu": {Unit: "percentage", Value: 12.5},
			"mem": {Unit: "bytes", Value: 1024},
		}},
		&model.Timer{Name: "http", Start: 100, Stop: 250},
		&model.Event{Title: "deploy", Body: "v2 rolled out"},
	}
	for _, p := range payloads {
		p := p
		t.Run(string(p.Kind()), func(t *testing.T) {
			t.Parallel()
			in := &model.Envelope{
				Timestamp:  1700000000000000000,
				SourceID:   "app-1",
				InstanceID: "0",
				Tags:       map[string]string{"env": "prod", "zone": "a"},
				Payload:    p,
			}
			var out model.Envelope
			require.NoError(t, UnmarshalEnvelope(AppendEnvelope(nil, in), &out))
			assert.Equal(t, in, &out)
		})
	}
}

func TestUnmarshalEnvelopeMergesDeprecatedTags(t *testing.T) {
	t.Parallel()

	legacyText := func(key, text string) []byte {
		var value []byte
		value = appendString(value, 1, text)
		var entry []byte
		entry = appendString(entry, 1, key)
		entry = appendMessage(entry, 2, value)
		return entry
	}
	var intValue []byte
	intValue = appendVarint(intValue, 2, 7)
	var intEntry []byte
	intEntry = appendString(intEntry, 1, "retries")
	intEntry = appendMessage(intEntry, 2, intValue)

	var tag []byte
	tag = appendString(tag, 1, "app")
	tag = appendString(tag, 2, "explicit")

	var b []byte
	b = appendVarint(b, envTimestamp, 5)
	b = appendMessage(b, envDeprecatedTags, legacyText("app", "legacy"))
	b = appendMessage(b, envDeprecatedTags, legacyText("team", "core"))
	b = appendMessage(b, envDeprecatedTags, intEntry)
	b = appendMessage(b, envTags, tag)
	b = appendMessage(b, envEvent, appendEvent(nil, &model.Event{Title: "x"}))

	var env model.Envelope
	require.NoError(t, UnmarshalEnvelope(b, &env))
	assert.Equal(t, map[string]string{"app": "explicit", "team": "core", "retries": "7"}, env.Tags)
}

func TestUnmarshalEnvelopeUnknownPayloadIsSkipped(t *testing.T) {
	t.Parallel()

	var b []byte
	b = appendVarint(b, envTimestamp, 5)
	b = appendMessage(b, 42, []byte{0x0a, 0x01, 'x'})

	var env model.Envelope
	require.NoError(t, UnmarshalEnvelope(b, &env))
	assert.Nil(t, env.Payload)
	assert.ErrorIs(t, env.Validate(), model.ErrMissingPayload)
}

func TestUnmarshalEnvelopeCopiesLogPayload(t *testing.T) {
	t.Parallel()

	b := AppendEnvelope(nil, &model.Envelope{Timestamp: 1, Payload: &model.Log{Payload: []byte("abc")}})
	var env model.Envelope
	require.NoError(t, UnmarshalEnvelope(b, &env))
	for i := range b {
		b[i] = 0
	}
	assert.Equal(t, []byte("abc"), env.Payload.(*model.Log).Payload)
}

func TestUnmarshalEnvelopeRejectsWrongWireType(t *testing.T) {
	t.Parallel()

	b := protowire.AppendTag(nil, envTimestamp, protowire.BytesType)
	b = protowire.AppendString(b, "not a number")

	var env model.Envelope
	assert.Error(t, UnmarshalEnvelope(b, &env))
	assert.Error(t, UnmarshalEnvelope([]byte{0x08}, &env), "truncated varint")
}

func TestBatchKeepsOrder(t *testing.T) {
	t.Parallel()

	in := &model.EnvelopeBatch{Envelopes: []*model.Envelope{
		{Timestamp: 1, Payload: &model.Event{Title: "a"}},
		{Timestamp: 2},
		{Timestamp: 3, Payload: &model.Event{Title: "c"}},
	}}
	var out model.EnvelopeBatch
	require.NoError(t, UnmarshalBatch(AppendBatch(nil, in), &out))
	require.Len(t, out.Envelopes, 3)
	assert.Equal(t, int64(2), out.Envelopes[1].Timestamp)
	assert.Nil(t, out.Envelopes[1].Payload)
	assert.Equal(t, "c", out.Envelopes[2].Payload.(*model.Event).Title)
}

func TestResponseRoundTrip(t *testing.T) {
	t.Parallel()

	in := &model.Response{
		SessionID:         "s-1",
		Accepted:          2,
		RejectedMalformed: 1,
		Items: []model.Ack{
			{Sequence: 0, Batch: 0, Index: 0, Disposition: model.Accepted},
			{Sequence: 1, Batch: 0, Index: 1, Disposition: model.RejectedMalformed, Reason: "bad"},
			{Sequence: 2, Batch: 0, Index: 2, Disposition: model.Accepted},
		},
		Batches:   []model.BatchAck{{Batch: 0, Size: 3, Accepted: 2, Status: model.BatchPartial}},
		Truncated: true,
	}
	var out model.Response
	require.NoError(t, UnmarshalResponse(AppendResponse(nil, in), &out))
	assert.Equal(t, in, &out)
}

func TestEmptyResponseEncodesToNothing(t *testing.T) {
	t.Parallel()

	b, err := Codec{}.Marshal(&model.Response{})
	require.NoError(t, err)
	assert.Empty(t, b)
}

func TestCodecFallsBackToProtoMessages(t *testing.T) {
	t.Parallel()

	in := &grpc_health_v1.HealthCheckResponse{Status: grpc_health_v1.HealthCheckResponse_SERVING}
	b, err := Codec{}.Marshal(in)
	require.NoError(t, err)

	out := new(grpc_health_v1.HealthCheckResponse)
	require.NoError(t, Codec{}.Unmarshal(b, out))
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, out.GetStatus())

	_, err = Codec{}.Marshal(struct{}{})
	assert.Error(t, err)
	assert.Equal(t, "proto", Codec{}.Name())
}
