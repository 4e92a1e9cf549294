/*
Package launch gives tests one result shape whichever way the server was run.

A server can run as a separate OS process from its packaged distribution, or in the test
process by calling its main function directly. Assertions are written against Result and
never need to know which one produced it, although Mode records it.
*/
package launch

import (
	"strings"
)

// DefaultLaunchModeProperty is the system property telling the server it runs under test.
const DefaultLaunchModeProperty = "kc.launch.mode"

type Mode int

const (
	InProcess Mode = iota + 1
	Distribution
)

func (m Mode) String() string {
	switch m {
	case InProcess:
		return "in-process"
	case Distribution:
		return "distribution"
	}
	return "unknown"
}

// Result is an immutable snapshot of one completed (or torn down) run.
type Result struct {
	mode        Mode
	outputLines []string
	errorLines  []string
	exitCode    int
}

func NewResult(mode Mode, outputLines, errorLines []string, exitCode int) Result {
	return Result{
		mode:        mode,
		outputLines: clone(outputLines),
		errorLines:  clone(errorLines),
		exitCode:    exitCode,
	}
}

func (r Result) Mode() Mode {
	return r.mode
}

func (r Result) IsDistribution() bool {
	return r.mode == Distribution
}

func (r Result) OutputLines() []string {
	return clone(r.outputLines)
}

func (r Result) ErrorLines() []string {
	return clone(r.errorLines)
}

func (r Result) ExitCode() int {
	return r.exitCode
}

// Output is the output lines joined with newlines, convenient for substring assertions.
func (r Result) Output() string {
	return strings.Join(r.outputLines, "\n")
}

func (r Result) ErrorOutput() string {
	return strings.Join(r.errorLines, "\n")
}

func clone(lines []string) []string {
	if lines == nil {
		return []string{}
	}
	out := make([]string, len(lines))
	copy(out, lines)
	return out
}
