// Package otel contains an o11y.Provider backed by the open telemetry sdk. Spans are
// exported as single coloured console lines, which is what a test run wants to see
// interleaved with the output of the processes it launches.
package otel

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/circleci/disttest/o11y"
)

type Config struct {
	// Service is added to every span as the service field.
	Service string
	// Writer receives the text output. Defaults to os.Stdout.
	Writer io.Writer
	// DisableColour turns off the ANSI colouring of span names and trace ids.
	DisableColour bool
	// Batch exports spans asynchronously. Console ordering is only guaranteed when unset.
	Batch bool
}

type Provider struct {
	tp        *sdktrace.TracerProvider
	tracer    trace.Tracer
	annotator *annotator
}

var _ o11y.Provider = &Provider{}

func New(conf Config) (*Provider, error) {
	w := conf.Writer
	if w == nil {
		w = os.Stdout
	}

	exporter := newTextExporter(w, !conf.DisableColour)

	var sp sdktrace.SpanProcessor
	if conf.Batch {
		sp = sdktrace.NewBatchSpanProcessor(exporter)
	} else {
		sp = sdktrace.NewSimpleSpanProcessor(exporter)
	}

	a := &annotator{}
	if conf.Service != "" {
		a.addField("service", conf.Service)
	}

	tp := sdktrace.NewTracerProvider(
		// the annotator must run first so the global fields are visible to the exporter
		sdktrace.WithSpanProcessor(a),
		sdktrace.WithSpanProcessor(sp),
	)

	return &Provider{
		tp:        tp,
		tracer:    tp.Tracer("github.com/circleci/disttest"),
		annotator: a,
	}, nil
}

func (o *Provider) AddGlobalField(key string, val interface{}) {
	mustValidateKey(key)
	o.annotator.addField(key, val)
}

func (o *Provider) StartSpan(ctx context.Context, name string) (context.Context, o11y.Span) {
	ctx, span := o.tracer.Start(ctx, name)
	return ctx, &wrappedSpan{span: span}
}

func (o *Provider) AddField(ctx context.Context, key string, val interface{}) {
	mustValidateKey(key)
	trace.SpanFromContext(ctx).SetAttributes(attr("app."+key, val))
}

// Log emits a span that starts and ends immediately, carrying the fields.
func (o *Provider) Log(ctx context.Context, name string, fields ...o11y.Pair) {
	_, span := o.tracer.Start(ctx, name)
	for _, f := range fields {
		mustValidateKey(f.Key)
		span.SetAttributes(attr("app."+f.Key, f.Value))
	}
	span.End()
}

func (o *Provider) Close(ctx context.Context) {
	_ = o.tp.Shutdown(ctx)
}

type wrappedSpan struct {
	span trace.Span
}

func (s *wrappedSpan) AddField(key string, val interface{}) {
	s.AddRawField("app."+key, val)
}

func (s *wrappedSpan) AddRawField(key string, val interface{}) {
	mustValidateKey(key)
	if err, ok := val.(error); ok {
		val = err.Error()
	}
	s.span.SetAttributes(attr(key, val))
}

func (s *wrappedSpan) End() {
	s.span.End()
}

func mustValidateKey(key string) {
	if strings.Contains(key, "-") {
		panic(fmt.Errorf("key %q cannot contain '-'", key))
	}
}

var _ sdktrace.SpanProcessor = &annotator{}

// annotator is a SpanProcessor that adds the global fields to all started spans.
type annotator struct {
	attrs []attribute.KeyValue
}

func (a *annotator) addField(key string, value any) {
	a.attrs = append(a.attrs, attr(key, value))
}

func (a *annotator) OnStart(_ context.Context, s sdktrace.ReadWriteSpan) {
	s.SetAttributes(a.attrs...)
}
func (a *annotator) Shutdown(context.Context) error   { return nil }
func (a *annotator) ForceFlush(context.Context) error { return nil }
func (a *annotator) OnEnd(sdktrace.ReadOnlySpan)      {}
