package harness

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// lineBuffer is an ordered, append only set of lines that is safe to read while a drain
// is appending to it.
type lineBuffer struct {
	mu    sync.RWMutex
	lines []string
}

func (b *lineBuffer) append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lines = append(b.lines, line)
}

func (b *lineBuffer) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lines = nil
}

func (b *lineBuffer) snapshot() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]string, len(b.lines))
	copy(out, b.lines)
	return out
}

// echoer writes captured lines through to the test log as they arrive. Both drains share
// one, so writes are serialised.
type echoer struct {
	mu  sync.Mutex
	w   io.Writer
	err *color.Color
}

func newEchoer(w io.Writer) *echoer {
	return &echoer{
		w:   w,
		err: color.New(color.FgRed),
	}
}

func (e *echoer) out(line string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, _ = fmt.Fprintln(e.w, line)
}

func (e *echoer) errLine(line string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, _ = e.err.Fprintln(e.w, line)
}

// drainLines reads r to EOF, appending every line to dst. Lines have no length cap and a
// final line with no terminating newline is kept.
func drainLines(r io.Reader, dst *lineBuffer, echo func(string)) error {
	br := bufio.NewReader(r)
	for {
		raw, err := br.ReadString('\n')
		if raw != "" {
			line := strings.TrimSuffix(strings.TrimSuffix(raw, "\n"), "\r")
			dst.append(line)
			echo(line)
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
