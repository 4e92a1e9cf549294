/*
Package harness runs a prepared distribution as a real OS process and captures what it prints.

A Harness owns at most one live process. Start is a fire-and-collect call: it launches the
distribution's launcher script, drains stdout and stderr concurrently until the process has
exited and both streams are at EOF, then records the exit code. Neither stream can stall the
other, so a server that writes heavily to one of them cannot deadlock the test.

Stop asks the process to terminate gracefully and waits a bounded time before killing it. A
kill is always reported as a StopError, since a server that will not shut down is a defect.

	h := harness.New(inst, harness.WithStopTimeout(5*time.Second))
	err := h.Start(ctx, "show-config")
	fmt.Println(h.ExitCode(), h.OutputLines())
*/
package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/circleci/disttest/distribution"
	"github.com/circleci/disttest/launch"
	"github.com/circleci/disttest/o11y"
)

// NotExited is the exit code reported while no run has completed.
const NotExited = -1

const DefaultStopTimeout = 10 * time.Second

type Option func(*Harness)

// WithStopTimeout bounds how long Stop waits for a graceful exit before killing.
func WithStopTimeout(d time.Duration) Option {
	return func(h *Harness) {
		h.stopTimeout = d
	}
}

// WithEcho sets where captured lines are echoed as they arrive. Defaults to os.Stdout.
func WithEcho(w io.Writer) Option {
	return func(h *Harness) {
		h.echoTo = w
	}
}

// WithEnv adds environment variables, in key=value form, to every launch.
func WithEnv(kv ...string) Option {
	return func(h *Harness) {
		h.env = append(h.env, kv...)
	}
}

// WithBootstrapEnv replaces the credentials used to seed the admin account on first boot.
func WithBootstrapEnv(kv ...string) Option {
	return func(h *Harness) {
		h.bootstrapEnv = kv
	}
}

// WithLaunchModeProperty sets the system property passed as -D<name>=test.
func WithLaunchModeProperty(name string) Option {
	return func(h *Harness) {
		h.launchModeProperty = name
	}
}

type Harness struct {
	inst               distribution.Installation
	stopTimeout        time.Duration
	echoTo             io.Writer
	echo               *echoer
	env                []string
	bootstrapEnv       []string
	launchModeProperty string

	stdout lineBuffer
	stderr lineBuffer

	mu       sync.Mutex
	proc     *process
	exitCode int
}

func New(inst distribution.Installation, opts ...Option) *Harness {
	h := &Harness{
		inst:        inst,
		stopTimeout: DefaultStopTimeout,
		echoTo:      os.Stdout,
		bootstrapEnv: []string{
			"KEYCLOAK_ADMIN=admin",
			"KEYCLOAK_ADMIN_PASSWORD=admin",
		},
		launchModeProperty: launch.DefaultLaunchModeProperty,
		exitCode:           NotExited,
	}
	for _, o := range opts {
		o(h)
	}
	h.echo = newEchoer(h.echoTo)
	return h
}

func (h *Harness) Installation() distribution.Installation {
	return h.inst
}

// Start runs the distribution with args and blocks until it has exited and all of its
// output has been read. Any live process from an earlier Start is stopped first.
func (h *Harness) Start(ctx context.Context, args ...string) (err error) {
	ctx, span := o11y.StartSpan(ctx, "harness: start")
	defer o11y.End(span, &err)
	defer func() {
		span.AddField("exit_code", h.ExitCode())
	}()
	span.AddField("args", args)
	span.AddField("dir", h.inst.Dir)
	span.AddField("run_id", uuid.NewString())

	if stopErr := h.Stop(); stopErr != nil {
		// the previous process had to be killed, which is a failure of that run
		o11y.LogError(ctx, "harness: stop previous", stopErr)
		return &LaunchError{Args: args, Err: stopErr}
	}
	h.reset()

	defer func() {
		if err == nil {
			return
		}
		err = &LaunchError{Args: args, Err: err}
		if stopErr := h.Stop(); stopErr != nil {
			err = errors.Join(err, stopErr)
		}
	}()

	p, stdout, stderr, err := h.spawn(args)
	if err != nil {
		return err
	}
	defer func() {
		_ = stdout.Close()
		_ = stderr.Close()
	}()
	span.AddField("pid", p.cmd.Process.Pid)

	err = h.drain(ctx, p, stdout, stderr)
	if err != nil {
		return err
	}
	return h.Stop()
}

func (h *Harness) spawn(args []string) (_ *process, stdout, stderr *os.File, err error) {
	err = os.RemoveAll(h.inst.DataDir())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("could not remove data directory: %w", err)
	}

	launcher := h.inst.Launcher()
	//#nosec:G204 // running the distribution is the point
	cmd := exec.Command(launcher, h.commandArgs(args)...)
	cmd.Args[0] = "./" + filepath.Base(launcher)
	cmd.Dir = h.inst.BinDir()
	cmd.Env = h.environ()
	setProcessGroup(cmd)

	stdout, outW, err := os.Pipe()
	if err != nil {
		return nil, nil, nil, err
	}
	stderr, errW, err := os.Pipe()
	if err != nil {
		_ = stdout.Close()
		_ = outW.Close()
		return nil, nil, nil, err
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	err = cmd.Start()
	// the child has its own copies of the write ends, EOF depends on ours being closed
	_ = outW.Close()
	_ = errW.Close()
	if err != nil {
		_ = stdout.Close()
		_ = stderr.Close()
		return nil, nil, nil, fmt.Errorf("failed to start: %w", err)
	}

	p := newProcess(cmd)
	h.mu.Lock()
	h.proc = p
	h.mu.Unlock()
	return p, stdout, stderr, nil
}

// drain returns once the process has exited and both streams are at EOF. Streams still
// open a stop timeout after the process exited mean a descendant is holding them, and
// that is treated as a failure. On any early return the streams are closed and both
// readers have finished before drain returns, so no line can land in a later run.
func (h *Harness) drain(ctx context.Context, p *process, stdout, stderr *os.File) error {
	var g errgroup.Group
	g.Go(func() error {
		return drainLines(stdout, &h.stdout, h.echo.out)
	})
	g.Go(func() error {
		return drainLines(stderr, &h.stderr, h.echo.errLine)
	})
	drainedCh := make(chan error, 1)
	go func() {
		drainedCh <- g.Wait()
	}()

	drained := (<-chan error)(drainedCh)
	defer func() {
		if drained == nil {
			return
		}
		_ = stdout.Close()
		_ = stderr.Close()
		<-drained
	}()

	exited := p.done
	var grace <-chan time.Time
	for drained != nil || exited != nil {
		select {
		case err := <-drained:
			drained = nil
			if err != nil {
				return fmt.Errorf("failed to read output: %w", err)
			}
		case <-exited:
			exited = nil
			timer := time.NewTimer(h.stopTimeout)
			defer timer.Stop()
			grace = timer.C
		case <-grace:
			_ = kill(p.cmd.Process)
			return fmt.Errorf("output still open %s after the process exited", h.stopTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Stop terminates the live process, if there is one. It waits up to the stop timeout for
// a graceful exit, then kills the process and returns a StopError.
func (h *Harness) Stop() error {
	h.mu.Lock()
	p := h.proc
	h.mu.Unlock()
	if p == nil {
		return nil
	}

	select {
	case <-p.done:
		h.finish(p)
		return nil
	default:
	}

	// a failed signal is caught by the wait below
	_ = terminate(p.cmd.Process)

	timer := time.NewTimer(h.stopTimeout)
	defer timer.Stop()
	select {
	case <-p.done:
		h.finish(p)
		return nil
	case <-timer.C:
	}

	_ = kill(p.cmd.Process)
	<-p.done
	h.finish(p)
	return &StopError{Timeout: h.stopTimeout}
}

func (h *Harness) finish(p *process) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.proc != p {
		return
	}
	h.proc = nil
	h.exitCode = p.exitCode()
}

func (h *Harness) reset() {
	h.stdout.reset()
	h.stderr.reset()

	h.mu.Lock()
	defer h.mu.Unlock()
	h.exitCode = NotExited
}

func (h *Harness) commandArgs(args []string) []string {
	out := make([]string, 0, len(args)+1)
	out = append(out, "-D"+h.launchModeProperty+"=test")
	return append(out, args...)
}

func (h *Harness) environ() []string {
	env := os.Environ()
	env = append(env, h.bootstrapEnv...)
	return append(env, h.env...)
}

func (h *Harness) OutputLines() []string {
	return h.stdout.snapshot()
}

func (h *Harness) ErrorLines() []string {
	return h.stderr.snapshot()
}

func (h *Harness) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.exitCode
}

// Result snapshots the last run.
func (h *Harness) Result() launch.Result {
	return launch.NewResult(launch.Distribution, h.OutputLines(), h.ErrorLines(), h.ExitCode())
}

type process struct {
	cmd  *exec.Cmd
	done chan struct{}

	// state is written before done is closed
	state *os.ProcessState
}

func newProcess(cmd *exec.Cmd) *process {
	p := &process{
		cmd:  cmd,
		done: make(chan struct{}),
	}
	go func() {
		// the exit status is taken from the process state, not this error
		_ = cmd.Wait()
		p.state = cmd.ProcessState
		close(p.done)
	}()
	return p
}

func (p *process) exitCode() int {
	if p.state == nil {
		return NotExited
	}
	return exitCode(p.state)
}
