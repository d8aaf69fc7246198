// Package ingest implements the server side of the ingress RPCs: stream
// sessions with credit-based flow control, the unary Send path, and the
// acknowledgement bookkeeping that ties sink outcomes back to producers.
package ingest

import (
	"context"

	"github.com/tinytelemetry/ingress/internal/model"
)

// ResolveFunc reports the outcome of one submitted envelope. It may be called
// from any goroutine, before or after Submit returns. Only the first call for
// an envelope has any effect.
type ResolveFunc func(model.Outcome)

// Sink receives well-formed envelopes. Submit should hand the envelope off
// quickly; slow work belongs behind the resolve callback.
type Sink interface {
	Submit(ctx context.Context, env *model.Envelope, resolve ResolveFunc)
}

// SinkFunc adapts a synchronous handler to Sink.
type SinkFunc func(ctx context.Context, env *model.Envelope) model.Outcome

func (f SinkFunc) Submit(ctx context.Context, env *model.Envelope, resolve ResolveFunc) {
	resolve(f(ctx, env))
}

// Discard accepts every envelope and keeps nothing.
var Discard Sink = SinkFunc(func(context.Context, *model.Envelope) model.Outcome {
	return model.Accept()
})
