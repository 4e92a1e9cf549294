// Package o11y carries tracing spans through a context. Code that wants a span asks the
// context for one and gets a no-op span when the caller never set a provider up, so
// packages can be instrumented without caring whether anyone is watching.
//
//	ctx, span := o11y.StartSpan(ctx, "harness: start")
//	defer o11y.End(span, &err)
package o11y

import (
	"context"
	"errors"
)

type Provider interface {
	// AddGlobalField adds a field to every span started afterwards, eg. version.
	AddGlobalField(key string, val interface{})

	// StartSpan begins a span named after the unit of work, conventionally "package: operation".
	// The caller must end it, usually with a deferred End.
	StartSpan(ctx context.Context, name string) (context.Context, Span)

	// AddField adds a field to the span active in ctx, under the app. namespace.
	AddField(ctx context.Context, key string, val interface{})

	// Log records an event as a span with no duration.
	Log(ctx context.Context, name string, fields ...Pair)

	Close(ctx context.Context)
}

type Span interface {
	// AddField adds a field under the app. namespace.
	AddField(key string, val interface{})

	// AddRawField adds a field with no namespace. It is meant for the fields End sets.
	AddRawField(key string, val interface{})

	End()
}

// Values of the result field set by End.
const (
	ResultSuccess  = "success"
	ResultError    = "error"
	ResultCanceled = "canceled"
)

type providerKey struct{}

func WithProvider(ctx context.Context, p Provider) context.Context {
	return context.WithValue(ctx, providerKey{}, p)
}

// FromContext returns the provider in ctx, or a no-op provider.
func FromContext(ctx context.Context) Provider {
	if p, ok := ctx.Value(providerKey{}).(Provider); ok {
		return p
	}
	return noop
}

func StartSpan(ctx context.Context, name string) (context.Context, Span) {
	return FromContext(ctx).StartSpan(ctx, name)
}

func AddField(ctx context.Context, key string, val interface{}) {
	FromContext(ctx).AddField(ctx, key, val)
}

func Log(ctx context.Context, name string, fields ...Pair) {
	FromContext(ctx).Log(ctx, name, fields...)
}

// LogError records a failed event. Cancellation is recorded as a warning rather than an error.
func LogError(ctx context.Context, name string, err error, fields ...Pair) {
	_, span := StartSpan(ctx, name)
	for _, f := range fields {
		span.AddField(f.Key, f.Value)
	}
	AddResultToSpan(span, err)
	span.End()
}

// End sets the result fields from *err and ends the span. Taking a pointer lets it be
// deferred straight after StartSpan and still see the named error return.
func End(span Span, err *error) {
	var e error
	if err != nil {
		e = *err
	}
	AddResultToSpan(span, e)
	span.End()
}

// AddResultToSpan sets the result field, and error or warning when err is not nil.
func AddResultToSpan(span Span, err error) {
	switch {
	case err == nil:
		span.AddRawField("result", ResultSuccess)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		span.AddRawField("result", ResultCanceled)
		span.AddRawField("warning", err.Error())
	default:
		span.AddRawField("result", ResultError)
		span.AddRawField("error", err.Error())
	}
}

type Pair struct {
	Key   string
	Value interface{}
}

func Field(key string, value interface{}) Pair {
	return Pair{Key: key, Value: value}
}

var noop Provider = noopProvider{}

type noopProvider struct{}

func (noopProvider) AddGlobalField(string, interface{}) {}

func (noopProvider) StartSpan(ctx context.Context, _ string) (context.Context, Span) {
	return ctx, noopSpan{}
}

func (noopProvider) AddField(context.Context, string, interface{}) {}
func (noopProvider) Log(context.Context, string, ...Pair)          {}
func (noopProvider) Close(context.Context)                         {}

type noopSpan struct{}

func (noopSpan) AddField(string, interface{})    {}
func (noopSpan) AddRawField(string, interface{}) {}
func (noopSpan) End()                            {}
