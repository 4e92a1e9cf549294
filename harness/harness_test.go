package harness

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	"gotest.tools/v3/assert/cmp"
	"gotest.tools/v3/fs"
	"gotest.tools/v3/poll"

	"github.com/circleci/disttest/distribution"
	"github.com/circleci/disttest/testing/testcontext"
)

func TestHarness_Start(t *testing.T) {
	ctx := testcontext.Background()
	inst := newInstallation(t, `
echo "launch=$1"
shift
echo "args=$*"
echo "admin=$KEYCLOAK_ADMIN password=$KEYCLOAK_ADMIN_PASSWORD"
echo "extra=$EXTRA"
[ -f ./kc.sh ] && echo "in bin"
echo "oops" >&2
exit 3
`)
	echo := &bytes.Buffer{}
	h := New(inst, WithEcho(echo), WithEnv("EXTRA=extra"))
	assert.Check(t, cmp.Equal(h.ExitCode(), NotExited))

	err := h.Start(ctx, "show-config", "all")
	assert.Assert(t, err)

	t.Run("output lines", func(t *testing.T) {
		assert.Check(t, cmp.DeepEqual(h.OutputLines(), []string{
			"launch=-Dkc.launch.mode=test",
			"args=show-config all",
			"admin=admin password=admin",
			"extra=extra",
			"in bin",
		}))
	})

	t.Run("error lines", func(t *testing.T) {
		assert.Check(t, cmp.DeepEqual(h.ErrorLines(), []string{"oops"}))
	})

	t.Run("exit code", func(t *testing.T) {
		assert.Check(t, cmp.Equal(h.ExitCode(), 3))
	})

	t.Run("lines are echoed", func(t *testing.T) {
		assert.Check(t, cmp.Contains(echo.String(), "args=show-config all\n"))
		assert.Check(t, cmp.Contains(echo.String(), "oops"))
	})

	t.Run("result", func(t *testing.T) {
		res := h.Result()
		assert.Check(t, res.IsDistribution())
		assert.Check(t, cmp.Equal(res.ExitCode(), 3))
		assert.Check(t, cmp.Contains(res.Output(), "extra=extra"))
		assert.Check(t, cmp.Equal(res.ErrorOutput(), "oops"))
	})
}

func TestHarness_Start_Options(t *testing.T) {
	ctx := testcontext.Background()
	inst := newInstallation(t, `
echo "$1"
echo "admin=$KEYCLOAK_ADMIN user=$BOOT_USER"
`)
	h := New(inst,
		WithEcho(io.Discard),
		WithLaunchModeProperty("app.mode"),
		WithBootstrapEnv("BOOT_USER=root"),
	)

	assert.Assert(t, h.Start(ctx))
	assert.Check(t, cmp.DeepEqual(h.OutputLines(), []string{
		"-Dapp.mode=test",
		"admin= user=root",
	}))
	assert.Check(t, cmp.Equal(h.ExitCode(), 0))
}

func TestHarness_Start_DrainsBothStreams(t *testing.T) {
	ctx := testcontext.Background()
	// Well over a pipe buffer on each stream, so an undrained stream would stall the script.
	const n = 20000
	inst := newInstallation(t, fmt.Sprintf(`
i=0
while [ $i -lt %d ]; do
  echo "out $i"
  echo "err $i" >&2
  i=$((i+1))
done
printf 'no newline'
printf 'crlf\r\n' >&2
`, n))
	h := New(inst, WithEcho(io.Discard))

	assert.Assert(t, h.Start(ctx))

	out := h.OutputLines()
	assert.Assert(t, cmp.Len(out, n+1))
	for i := 0; i < n; i++ {
		if out[i] != fmt.Sprintf("out %d", i) {
			t.Fatalf("line %d was %q", i, out[i])
		}
	}
	assert.Check(t, cmp.Equal(out[n], "no newline"))

	errLines := h.ErrorLines()
	assert.Assert(t, cmp.Len(errLines, n+1))
	for i := 0; i < n; i++ {
		if errLines[i] != fmt.Sprintf("err %d", i) {
			t.Fatalf("error line %d was %q", i, errLines[i])
		}
	}
	assert.Check(t, cmp.Equal(errLines[n], "crlf"))
}

func TestHarness_Start_LongLine(t *testing.T) {
	ctx := testcontext.Background()
	inst := newInstallation(t, `
i=0
while [ $i -lt 20000 ]; do
  printf 'abcdefghij'
  i=$((i+1))
done
echo
`)
	h := New(inst, WithEcho(io.Discard))

	assert.Assert(t, h.Start(ctx))
	out := h.OutputLines()
	assert.Assert(t, cmp.Len(out, 1))
	assert.Check(t, cmp.Equal(out[0], strings.Repeat("abcdefghij", 20000)))
}

func TestHarness_Start_DeletesDataDir(t *testing.T) {
	ctx := testcontext.Background()
	inst := newInstallation(t, `
if [ -e ../data/marker ]; then echo present; else echo absent; fi
mkdir -p ../data
touch ../data/marker
`)
	assert.Assert(t, os.MkdirAll(inst.DataDir(), 0755))
	assert.Assert(t, os.WriteFile(filepath.Join(inst.DataDir(), "marker"), nil, 0600))

	h := New(inst, WithEcho(io.Discard))
	for i := 0; i < 2; i++ {
		assert.Assert(t, h.Start(ctx))
		assert.Check(t, cmp.DeepEqual(h.OutputLines(), []string{"absent"}))
	}
}

func TestHarness_Start_BackToBack(t *testing.T) {
	ctx := testcontext.Background()
	inst := newInstallation(t, `
echo "$2"
echo "$2" >&2
exit $3
`)
	h := New(inst, WithEcho(io.Discard))

	assert.Assert(t, h.Start(ctx, "first", "4"))
	assert.Check(t, cmp.DeepEqual(h.OutputLines(), []string{"first"}))
	assert.Check(t, cmp.Equal(h.ExitCode(), 4))

	assert.Assert(t, h.Start(ctx, "second", "0"))
	assert.Check(t, cmp.DeepEqual(h.OutputLines(), []string{"second"}))
	assert.Check(t, cmp.DeepEqual(h.ErrorLines(), []string{"second"}))
	assert.Check(t, cmp.Equal(h.ExitCode(), 0))
}

func TestHarness_Stop_Idle(t *testing.T) {
	ctx := testcontext.Background()
	h := New(newInstallation(t, "echo hi\n"), WithEcho(io.Discard))

	t.Run("never started", func(t *testing.T) {
		assert.Check(t, h.Stop())
		assert.Check(t, cmp.Equal(h.ExitCode(), NotExited))
	})

	t.Run("after a completed run", func(t *testing.T) {
		assert.Assert(t, h.Start(ctx))
		assert.Check(t, h.Stop())
		assert.Check(t, h.Stop())
		assert.Check(t, cmp.Equal(h.ExitCode(), 0))
		assert.Check(t, cmp.DeepEqual(h.OutputLines(), []string{"hi"}))
	})
}

func TestHarness_Stop_Graceful(t *testing.T) {
	ctx := testcontext.Background()
	inst := newInstallation(t, `
trap 'echo stopping; exit 0' TERM
echo ready
while true; do sleep 0.1; done
`)
	h := New(inst, WithEcho(io.Discard), WithStopTimeout(5*time.Second))

	startErr := make(chan error, 1)
	go func() {
		startErr <- h.Start(ctx)
	}()
	waitForLine(t, h, "ready")

	assert.Check(t, h.Stop())
	assert.Check(t, <-startErr)
	assert.Check(t, cmp.Equal(h.ExitCode(), 0))
	assert.Check(t, cmp.DeepEqual(h.OutputLines(), []string{"ready", "stopping"}))
}

func TestHarness_Stop_KillsWhenTermIgnored(t *testing.T) {
	skipOnWindows(t)
	ctx := testcontext.Background()
	inst := newInstallation(t, `
trap '' TERM
echo ready
while true; do sleep 0.1; done
`)
	h := New(inst, WithEcho(io.Discard), WithStopTimeout(500*time.Millisecond))

	startErr := make(chan error, 1)
	go func() {
		startErr <- h.Start(ctx)
	}()
	waitForLine(t, h, "ready")

	err := h.Stop()
	var stopErr *StopError
	assert.Assert(t, errors.As(err, &stopErr), "got %v", err)
	assert.Check(t, cmp.Equal(stopErr.Timeout, 500*time.Millisecond))

	assert.Check(t, <-startErr)
	assert.Check(t, cmp.Equal(h.ExitCode(), 137))
}

func TestHarness_Start_CancelledWhileDraining(t *testing.T) {
	skipOnWindows(t)
	ctx, cancel := context.WithTimeout(testcontext.Background(), 500*time.Millisecond)
	defer cancel()
	inst := newInstallation(t, `
trap '' TERM
echo ready
while true; do sleep 0.1; done
`)
	h := New(inst, WithEcho(io.Discard), WithStopTimeout(200*time.Millisecond))

	err := h.Start(ctx, "start")

	var launchErr *LaunchError
	assert.Assert(t, errors.As(err, &launchErr), "got %v", err)
	assert.Check(t, cmp.DeepEqual(launchErr.Args, []string{"start"}))
	assert.Check(t, cmp.ErrorIs(err, context.DeadlineExceeded))

	var stopErr *StopError
	assert.Check(t, errors.As(err, &stopErr), "the best effort stop was not reported")
	assert.Check(t, cmp.Equal(h.ExitCode(), 137))
	assert.Check(t, cmp.DeepEqual(h.OutputLines(), []string{"ready"}))
}

func TestHarness_Start_CancelledOutputIsFinal(t *testing.T) {
	skipOnWindows(t)
	ctx, cancel := context.WithTimeout(testcontext.Background(), 300*time.Millisecond)
	defer cancel()
	inst := newInstallation(t, `
trap '' TERM
while true; do echo busy; done
`)
	h := New(inst, WithEcho(io.Discard), WithStopTimeout(200*time.Millisecond))

	err := h.Start(ctx)
	assert.Check(t, cmp.ErrorIs(err, context.DeadlineExceeded))

	lines := len(h.OutputLines())
	assert.Check(t, lines > 0)
	time.Sleep(200 * time.Millisecond)
	assert.Check(t, cmp.Len(h.OutputLines(), lines), "output changed after Start returned")
}

func TestHarness_Start_PreviousRunKilled(t *testing.T) {
	skipOnWindows(t)
	ctx := testcontext.Background()
	inst := newInstallation(t, `
trap '' TERM
echo ready
while true; do sleep 0.1; done
`)
	h := New(inst, WithEcho(io.Discard), WithStopTimeout(300*time.Millisecond))

	firstErr := make(chan error, 1)
	go func() {
		firstErr <- h.Start(ctx, "start")
	}()
	waitForLine(t, h, "ready")

	err := h.Start(ctx, "show-config")
	var launchErr *LaunchError
	assert.Assert(t, errors.As(err, &launchErr), "got %v", err)
	assert.Check(t, cmp.DeepEqual(launchErr.Args, []string{"show-config"}))
	var stopErr *StopError
	assert.Check(t, errors.As(err, &stopErr), "the kill of the previous run was not reported")

	assert.Check(t, <-firstErr)
	assert.Check(t, cmp.Equal(h.ExitCode(), 137))
	assert.Check(t, cmp.DeepEqual(h.OutputLines(), []string{"ready"}), "the killed run's output should be kept")
}

func TestHarness_Start_OutputHeldOpenByDescendant(t *testing.T) {
	ctx := testcontext.Background()
	inst := newInstallation(t, `
(sleep 30; echo late) &
echo parent
`)
	h := New(inst, WithEcho(io.Discard), WithStopTimeout(300*time.Millisecond))

	start := time.Now()
	err := h.Start(ctx)
	assert.Check(t, time.Since(start) < 10*time.Second)

	var launchErr *LaunchError
	assert.Assert(t, errors.As(err, &launchErr), "got %v", err)
	assert.Check(t, cmp.ErrorContains(err, "output still open"))
	assert.Check(t, cmp.Equal(h.ExitCode(), 0))
}

func TestHarness_Start_MissingLauncher(t *testing.T) {
	ctx := testcontext.Background()
	dir := fs.NewDir(t, "install", fs.WithDir("bin"))
	h := New(distribution.Installation{Dir: dir.Path()}, WithEcho(io.Discard))

	err := h.Start(ctx, "show-config")

	var launchErr *LaunchError
	assert.Assert(t, errors.As(err, &launchErr), "got %v", err)
	assert.Check(t, cmp.ErrorIs(err, os.ErrNotExist))
	assert.Check(t, cmp.Equal(h.ExitCode(), NotExited))
	assert.Check(t, cmp.Len(h.OutputLines(), 0))
}

func newInstallation(t *testing.T, script string) distribution.Installation {
	t.Helper()
	skipOnWindows(t)

	dir := fs.NewDir(t, "install",
		fs.WithDir("bin",
			fs.WithFile("kc.sh", "#!/bin/sh\n"+script, fs.WithMode(0755)),
		),
	)
	return distribution.Installation{Dir: dir.Path(), LauncherName: "kc.sh"}
}

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("launcher scripts need a posix shell")
	}
}

func waitForLine(t *testing.T, h *Harness, line string) {
	t.Helper()
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		for _, l := range h.OutputLines() {
			if l == line {
				return poll.Success()
			}
		}
		return poll.Continue("waiting for %q in %v", line, h.OutputLines())
	}, poll.WithTimeout(10*time.Second), poll.WithDelay(10*time.Millisecond))
}
