package launch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/circleci/disttest/o11y"
)

type Launcher interface {
	Launch(ctx context.Context, args ...string) (Result, error)
}

// Harness is the part of harness.Harness a distribution launch needs.
type Harness interface {
	Start(ctx context.Context, args ...string) error
	Result() Result
}

type DistributionLauncher struct {
	harness Harness
}

func NewDistribution(h Harness) *DistributionLauncher {
	return &DistributionLauncher{harness: h}
}

// Launch runs the distribution to completion. The result is returned even when err is not
// nil, so whatever output was captured can still be reported.
func (d *DistributionLauncher) Launch(ctx context.Context, args ...string) (Result, error) {
	err := d.harness.Start(ctx, args...)
	return d.harness.Result(), err
}

// MainFunc is a server entry point that can be called in the test process.
type MainFunc func(ctx context.Context, args []string, stdout, stderr io.Writer) int

type InProcessLauncher struct {
	Main               MainFunc
	LaunchModeProperty string
}

func (l InProcessLauncher) Launch(ctx context.Context, args ...string) (_ Result, err error) {
	ctx, span := o11y.StartSpan(ctx, "launch: in-process")
	defer o11y.End(span, &err)
	span.AddField("args", args)

	if l.Main == nil {
		return NewResult(InProcess, nil, nil, -1), errors.New("no main function to launch")
	}
	prop := l.LaunchModeProperty
	if prop == "" {
		prop = DefaultLaunchModeProperty
	}

	var stdout, stderr bytes.Buffer
	code, err := l.call(ctx, append([]string{"-D" + prop + "=test"}, args...), &stdout, &stderr)
	span.AddField("exit_code", code)
	return NewResult(InProcess, splitLines(stdout.String()), splitLines(stderr.String()), code), err
}

func (l InProcessLauncher) call(ctx context.Context, args []string, stdout, stderr io.Writer) (code int, err error) {
	defer func() {
		if r := recover(); r != nil {
			code = -1
			err = fmt.Errorf("main panicked: %v", r)
		}
	}()
	return l.Main(ctx, args, stdout, stderr), nil
}

// splitLines splits captured output the same way the process harness reads it.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.Split(strings.TrimSuffix(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}
