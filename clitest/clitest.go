/*
Package clitest runs a suite of command line tests against the server, either as its packaged
distribution in a separate process or in the test process.

The choice is made once per suite. Each test then launches the server with its arguments and
asserts on the Result, which has the same shape in both modes:

	func TestShowConfig(t *testing.T) {
		s := clitest.New(t, clitest.Config{
			Distribution: &distribution.Config{Resolver: artifact.Path(zip)},
		})
		res := s.Launch(ctx, t, "show-config")
		assert.Check(t, cmp.Contains(res.Output(), "Runtime Configuration"))
	}
*/
package clitest

import (
	"context"
	"sync"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/circleci/disttest/distribution"
	"github.com/circleci/disttest/harness"
	"github.com/circleci/disttest/launch"
	"github.com/circleci/disttest/testing/testcontext"
)

// ReInstall controls when the suite's installation is prepared.
type ReInstall int

const (
	// Never prepares the installation on the first distribution launch.
	Never ReInstall = iota
	// BeforeAll prepares a fresh installation as the suite is created.
	BeforeAll
)

type Config struct {
	// Distribution selects the distribution mode. When nil the suite runs InProcess.
	Distribution   *distribution.Config
	InProcess      launch.MainFunc
	ReInstall      ReInstall
	HarnessOptions []harness.Option
}

type Suite struct {
	cfg      Config
	preparer *distribution.Preparer

	mu       sync.Mutex
	launcher launch.Launcher
	harness  *harness.Harness
}

func New(t testing.TB, cfg Config) *Suite {
	t.Helper()

	s := &Suite{cfg: cfg}
	if cfg.Distribution == nil {
		assert.Assert(t, cfg.InProcess != nil, "clitest: no distribution or in-process main configured")
		s.launcher = launch.InProcessLauncher{Main: cfg.InProcess}
		return s
	}

	s.preparer = distribution.New(*cfg.Distribution)
	t.Cleanup(func() {
		s.stop(t)
	})
	if cfg.ReInstall == BeforeAll {
		s.distributionLauncher(testcontext.Background(), t)
	}
	return s
}

// IsDistribution reports whether launches run the packaged distribution.
func (s *Suite) IsDistribution() bool {
	return s.cfg.Distribution != nil
}

// Launch runs the server to completion with args, failing the test if it could not be
// launched or stopped cleanly.
func (s *Suite) Launch(ctx context.Context, t testing.TB, args ...string) launch.Result {
	t.Helper()

	res, err := s.launcherFor(ctx, t).Launch(ctx, args...)
	assert.NilError(t, err, "output:\n%s\nerrors:\n%s", res.Output(), res.ErrorOutput())
	return res
}

func (s *Suite) launcherFor(ctx context.Context, t testing.TB) launch.Launcher {
	t.Helper()
	if !s.IsDistribution() {
		return s.launcher
	}
	return s.distributionLauncher(ctx, t)
}

func (s *Suite) distributionLauncher(ctx context.Context, t testing.TB) launch.Launcher {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.launcher != nil {
		return s.launcher
	}
	inst, err := s.preparer.Prepare(ctx)
	assert.NilError(t, err)

	s.harness = harness.New(inst, s.cfg.HarnessOptions...)
	s.launcher = launch.NewDistribution(s.harness)
	return s.launcher
}

func (s *Suite) stop(t testing.TB) {
	s.mu.Lock()
	h := s.harness
	s.mu.Unlock()

	if h != nil {
		assert.Check(t, h.Stop())
	}
}
