/*
Package distribution prepares a runnable server installation from a packaged artifact.

An installation is the extracted distribution zip: a directory holding bin/<launcher> and,
once the server has run, a data directory. The Preparer always extracts afresh the first
time it is asked for an installation, so no state leaks in from an earlier test run.
*/
package distribution

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/circleci/disttest/archive"
	"github.com/circleci/disttest/artifact"
	"github.com/circleci/disttest/o11y"
)

const (
	DefaultLauncher     = "kc.sh"
	DefaultArtifactName = "keycloak-server-x-dist"
	DefaultInstallName  = "keycloak.x"
)

var ErrLauncherMissing = errors.New("launcher missing from distribution")

type ReinstallPolicy int

const (
	// ReinstallNever extracts on the first Prepare and hands back the same installation after.
	ReinstallNever ReinstallPolicy = iota
	// ReinstallAlways removes and re-extracts the installation on every Prepare.
	ReinstallAlways
)

func (p ReinstallPolicy) String() string {
	switch p {
	case ReinstallNever:
		return "never"
	case ReinstallAlways:
		return "always"
	}
	return fmt.Sprintf("ReinstallPolicy(%d)", int(p))
}

type Config struct {
	// ScratchDir is where installations are extracted. Defaults to kc-tests in the temp dir.
	ScratchDir string
	Resolver   artifact.Resolver

	// ArtifactName is the part of the artifact file name replaced by InstallName to give
	// the installation directory name, e.g. keycloak-server-x-dist-1.0.zip -> keycloak.x-1.0
	ArtifactName string
	InstallName  string

	// Launcher is the script in the bin directory used to start the server.
	Launcher string

	Reinstall ReinstallPolicy
	// ReuseExisting allows the first Prepare to return an installation left behind by an
	// earlier run instead of re-extracting it.
	ReuseExisting bool
}

type Installation struct {
	Dir          string
	LauncherName string
}

func (i Installation) BinDir() string {
	return filepath.Join(i.Dir, "bin")
}

// Launcher is the absolute path to the launcher script.
func (i Installation) Launcher() string {
	name := i.LauncherName
	if name == "" {
		name = DefaultLauncher
	}
	return filepath.Join(i.BinDir(), name)
}

func (i Installation) DataDir() string {
	return filepath.Join(i.Dir, "data")
}

type Preparer struct {
	cfg Config

	mu       sync.Mutex
	prepared *Installation
}

func New(cfg Config) *Preparer {
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = filepath.Join(os.TempDir(), "kc-tests")
	}
	if cfg.ArtifactName == "" {
		cfg.ArtifactName = DefaultArtifactName
	}
	if cfg.InstallName == "" {
		cfg.InstallName = DefaultInstallName
	}
	if cfg.Launcher == "" {
		cfg.Launcher = DefaultLauncher
	}
	return &Preparer{cfg: cfg}
}

// Prepare returns a ready installation, extracting the artifact when the reinstall policy
// asks for it. It is safe to call from multiple goroutines.
func (p *Preparer) Prepare(ctx context.Context) (_ Installation, err error) {
	ctx, span := o11y.StartSpan(ctx, "distribution: prepare")
	defer o11y.End(span, &err)
	span.AddField("reinstall", p.cfg.Reinstall.String())

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.prepared != nil && p.cfg.Reinstall == ReinstallNever {
		span.AddField("memoized", true)
		return *p.prepared, nil
	}

	root, err := filepath.Abs(p.cfg.ScratchDir)
	if err != nil {
		return Installation{}, &PreparationError{Op: "scratch", Err: err}
	}
	err = os.MkdirAll(root, 0755) //#nosec:G301 // the scratch dir holds world-readable installs
	if err != nil {
		return Installation{}, &PreparationError{Op: "scratch", Err: err}
	}

	if p.cfg.Resolver == nil {
		return Installation{}, &PreparationError{Op: "resolve", Err: errors.New("no artifact resolver configured")}
	}
	artifactPath, err := p.cfg.Resolver.Resolve(ctx)
	if err != nil {
		return Installation{}, &PreparationError{Op: "resolve", Err: err}
	}
	span.AddField("artifact", artifactPath)

	inst := Installation{
		Dir:          filepath.Join(root, p.installName(artifactPath)),
		LauncherName: p.cfg.Launcher,
	}
	span.AddField("dir", inst.Dir)

	reuse := p.cfg.ReuseExisting && p.prepared == nil && isFile(inst.Launcher())
	span.AddField("reused", reuse)
	if !reuse {
		err = os.RemoveAll(inst.Dir)
		if err != nil {
			return Installation{}, &PreparationError{Op: "clean", Artifact: artifactPath, Err: err}
		}
		err = archive.Unzip(ctx, artifactPath, root)
		if err != nil {
			return Installation{}, &PreparationError{Op: "extract", Artifact: artifactPath, Err: err}
		}
	}

	err = makeExecutable(inst.Launcher())
	if err != nil {
		return Installation{}, &PreparationError{Op: "install", Artifact: artifactPath, Err: err}
	}

	p.prepared = &inst
	return inst, nil
}

func (p *Preparer) installName(artifactPath string) string {
	name := filepath.Base(artifactPath)
	name = strings.TrimSuffix(name, filepath.Ext(name))
	return strings.Replace(name, p.cfg.ArtifactName, p.cfg.InstallName, 1)
}

func makeExecutable(launcher string) error {
	info, err := os.Stat(launcher)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrLauncherMissing, launcher)
		}
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrLauncherMissing, launcher)
	}
	//#nosec:G302 // the launcher has to be executable
	return os.Chmod(launcher, info.Mode().Perm()|0755)
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
