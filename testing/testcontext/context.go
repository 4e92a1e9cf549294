// Package testcontext gives tests a context whose spans are printed, so a failing test shows
// what the harness was doing interleaved with the output of the processes it launched.
package testcontext

import (
	"context"
	"io"
	"os"

	"github.com/circleci/disttest/o11y"
	"github.com/circleci/disttest/o11y/otel"
)

// QuietEnv turns span output off when set to any non-empty value.
const QuietEnv = "DISTTEST_QUIET_SPANS"

// one provider per test binary keeps the console lines in span order
var ctx = newContext(os.Getenv(QuietEnv) != "")

// Background returns a context for use in tests which contains a working o11y provider.
func Background() context.Context {
	return ctx
}

func newContext(quiet bool) context.Context {
	var w io.Writer = os.Stdout
	if quiet {
		w = io.Discard
	}
	p, err := otel.New(otel.Config{
		Service:       "disttest-test",
		Writer:        w,
		DisableColour: os.Getenv("NO_COLOR") != "",
	})
	if err != nil {
		panic(err)
	}
	return o11y.WithProvider(context.Background(), p)
}
