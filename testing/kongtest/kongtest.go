// Package kongtest helps test kong command line structs.
package kongtest

import (
	"bytes"
	"testing"

	"github.com/alecthomas/kong"
	"gotest.tools/v3/assert"
	"gotest.tools/v3/assert/cmp"
)

type exited int

// Help parses --help against cli, with any leading args such as a command name, and returns
// the rendered help. Kong exits after printing help, so the exit is trapped rather than
// letting parsing continue into required flags and commands.
func Help(t testing.TB, cli interface{}, args ...string) string {
	t.Helper()

	w := bytes.NewBuffer(nil)
	app, err := kong.New(cli,
		kong.Name("test-app"),
		kong.Writers(w, w),
		kong.Exit(func(i int) {
			panic(exited(i))
		}),
	)
	assert.Assert(t, err)

	rc := parse(app, append(args, "--help"))
	assert.Check(t, cmp.Equal(rc, 0), "output:\n%s", w.String())
	return w.String()
}

func parse(app *kong.Kong, args []string) (rc int) {
	rc = -1
	defer func() {
		if r := recover(); r != nil {
			e, ok := r.(exited)
			if !ok {
				panic(r)
			}
			rc = int(e)
		}
	}()
	_, _ = app.Parse(args)
	return rc
}
