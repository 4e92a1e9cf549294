package otel

import (
	"bytes"
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/fatih/color"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

var _ sdktrace.SpanExporter = &textExporter{}

// textExporter writes each span as one line: time, short trace id, duration, name, fields.
type textExporter struct {
	colour bool

	mu      sync.Mutex
	w       io.Writer
	stopped bool
}

func newTextExporter(w io.Writer, colour bool) *textExporter {
	return &textExporter{
		w:      w,
		colour: colour,
	}
}

func (e *textExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return nil
	}
	for _, s := range spans {
		_, _ = e.w.Write(e.format(s))
	}
	return nil
}

func (e *textExporter) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()

	return ctx.Err()
}

func (e *textExporter) format(s sdktrace.ReadOnlySpan) []byte {
	buf := new(bytes.Buffer)
	traceID := s.SpanContext().TraceID().String()
	_, _ = fmt.Fprintf(buf, "%s %s %.3fms %s",
		s.EndTime().Format("15:04:05"),
		e.hashColour(traceID[len(traceID)-5:]),
		float64(s.EndTime().Sub(s.StartTime()).Microseconds())/1000,
		e.hashColour(s.Name()),
	)

	attrs := sortedAttributes(s.Attributes())
	for _, a := range attrs {
		k := string(a.Key)
		if exclude(k) {
			continue
		}
		label := k
		if k == "error" && e.colour {
			label = errorHighlight.Sprint(k)
		}
		_, _ = fmt.Fprintf(buf, " %s=%v", label, a.Value.Emit())
	}
	buf.WriteString("\n")
	return buf.Bytes()
}

func exclude(k string) bool {
	if k == "service" {
		return true
	}
	return strings.HasPrefix(k, "meta.")
}

var errorHighlight = func() *color.Color {
	c := color.New(color.FgHiWhite, color.BgRed, color.Bold)
	c.EnableColor()
	return c
}()

// colours is the 256 colour palette codes that look ok against black
var colours = func() []int {
	var cs []int
	for i := 9; i <= 231; i++ {
		if i < 21 && i > 14 || i > 51 && i < 63 || i > 87 && i < 92 {
			continue
		}
		cs = append(cs, i)
	}
	return cs
}()

// hashColour picks a colour from a hash of the value, so the same name is always
// the same colour across runs.
func (e *textExporter) hashColour(value string) string {
	if !e.colour {
		return value
	}
	i := crc32.ChecksumIEEE([]byte(value)) % uint32(len(colours)) //nolint:gosec
	c := color.New(color.Bold, 38, 5, color.Attribute(colours[i]))
	c.EnableColor()
	return c.Sprint(value)
}

func sortedAttributes(attrs []attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, len(attrs))
	copy(out, attrs)
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key < out[j].Key
	})
	return out
}
