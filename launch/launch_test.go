package launch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	gocmp "github.com/google/go-cmp/cmp"
	"gotest.tools/v3/assert"
	"gotest.tools/v3/assert/cmp"

	"github.com/circleci/disttest/testing/testcontext"
)

var compareResults = gocmp.AllowUnexported(Result{})

func TestNewResult(t *testing.T) {
	a := NewResult(InProcess, nil, []string{"oops"}, 2)
	b := NewResult(InProcess, []string{}, []string{"oops"}, 2)
	assert.Check(t, cmp.DeepEqual(a, b, compareResults), "nil and empty lines are the same result")
	assert.Check(t, !gocmp.Equal(a, NewResult(Distribution, nil, []string{"oops"}, 2), compareResults))
}

func TestResult_IsASnapshot(t *testing.T) {
	out := []string{"a", "b"}
	r := NewResult(Distribution, out, nil, 0)
	out[0] = "changed"

	lines := r.OutputLines()
	assert.Check(t, cmp.DeepEqual(lines, []string{"a", "b"}))
	lines[1] = "changed"
	assert.Check(t, cmp.DeepEqual(r.OutputLines(), []string{"a", "b"}))

	assert.Check(t, cmp.DeepEqual(r.ErrorLines(), []string{}))
	assert.Check(t, cmp.Equal(r.Output(), "a\nb"))
	assert.Check(t, r.IsDistribution())
	assert.Check(t, cmp.Equal(r.Mode().String(), "distribution"))
}

func TestInProcessLauncher_Launch(t *testing.T) {
	ctx := testcontext.Background()

	var gotArgs []string
	l := InProcessLauncher{
		Main: func(_ context.Context, args []string, stdout, stderr io.Writer) int {
			gotArgs = args
			fmt.Fprint(stdout, "line one\r\nline two\n")
			fmt.Fprint(stderr, "partial")
			return 3
		},
	}

	res, err := l.Launch(ctx, "show-config", "all")
	assert.Assert(t, err)

	assert.Check(t, cmp.DeepEqual(gotArgs, []string{"-Dkc.launch.mode=test", "show-config", "all"}))
	assert.Check(t, cmp.DeepEqual(res.OutputLines(), []string{"line one", "line two"}))
	assert.Check(t, cmp.DeepEqual(res.ErrorLines(), []string{"partial"}))
	assert.Check(t, cmp.Equal(res.ExitCode(), 3))
	assert.Check(t, cmp.Equal(res.Mode(), InProcess))
	assert.Check(t, !res.IsDistribution())
}

func TestInProcessLauncher_Panic(t *testing.T) {
	ctx := testcontext.Background()

	l := InProcessLauncher{
		LaunchModeProperty: "the.mode",
		Main: func(_ context.Context, args []string, stdout, _ io.Writer) int {
			fmt.Fprintln(stdout, args[0])
			panic("boom")
		},
	}

	res, err := l.Launch(ctx)
	assert.Check(t, cmp.ErrorContains(err, "main panicked: boom"))
	assert.Check(t, cmp.DeepEqual(res.OutputLines(), []string{"-Dthe.mode=test"}))
	assert.Check(t, cmp.Equal(res.ExitCode(), -1))
}

type fakeHarness struct {
	args []string
	err  error
}

func (f *fakeHarness) Start(_ context.Context, args ...string) error {
	f.args = args
	return f.err
}

func (f *fakeHarness) Result() Result {
	return NewResult(Distribution, f.args, nil, 0)
}

func TestDistributionLauncher_Launch(t *testing.T) {
	ctx := testcontext.Background()

	t.Run("success", func(t *testing.T) {
		h := &fakeHarness{}
		res, err := NewDistribution(h).Launch(ctx, "show-config")
		assert.Assert(t, err)
		assert.Check(t, cmp.DeepEqual(res, NewResult(Distribution, []string{"show-config"}, nil, 0), compareResults))
	})

	t.Run("result is returned with the error", func(t *testing.T) {
		h := &fakeHarness{err: errors.New("did not start")}
		res, err := NewDistribution(h).Launch(ctx, "start")
		assert.Check(t, cmp.ErrorContains(err, "did not start"))
		assert.Check(t, cmp.DeepEqual(res.OutputLines(), []string{"start"}))
	})
}

func TestSplitLines(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{in: "", want: nil},
		{in: "\n", want: []string{""}},
		{in: "a", want: []string{"a"}},
		{in: "a\n\nb\n", want: []string{"a", "", "b"}},
		{in: "a\r\nb\r\n", want: []string{"a", "b"}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.in), func(t *testing.T) {
			assert.Check(t, cmp.DeepEqual(splitLines(tt.in), tt.want))
		})
	}
}
