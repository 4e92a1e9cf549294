package compiler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/circleci/disttest/o11y"
)

type Compiler struct {
	dir         string
	ldFlags     string
	parallelism int
}

func New() *Compiler {
	tempDir, err := os.MkdirTemp("", "acceptance-tests")
	if err != nil {
		panic(err)
	}

	return &Compiler{
		dir:         tempDir,
		ldFlags:     "-w -s",
		parallelism: 2,
	}
}

// Dir is where compiled binaries are written.
func (c *Compiler) Dir() string {
	return c.dir
}

func (c *Compiler) Cleanup() {
	_ = os.RemoveAll(c.dir)
}

type Work struct {
	Name string
	// Target is the directory the build runs in, usually the module root.
	Target string
	// Source is the main package, relative to Target.
	Source      string
	Environment []string

	// Result, when set, receives the binary path.
	Result *string
}

// Compile a binary for testing.
func (c *Compiler) Compile(ctx context.Context, work Work) (_ string, err error) {
	ctx, span := o11y.StartSpan(ctx, "compiler: compile")
	defer o11y.End(span, &err)
	span.AddField("name", work.Name)
	span.AddField("source", work.Source)

	err = validate(work)
	if err != nil {
		return "", err
	}

	cwd, err := filepath.Abs(work.Target)
	if err != nil {
		return "", err
	}

	goos := runtime.GOOS
	for _, e := range work.Environment {
		if v, ok := strings.CutPrefix(e, "GOOS="); ok {
			goos = v
		}
	}

	path := binaryPath(work.Name, c.dir, goos)
	// #nosec - this is fine
	cmd := exec.CommandContext(ctx, goPath(), "build",
		"-ldflags="+c.ldFlags,
		"-o", path,
		work.Source,
	)
	cmd.Dir = cwd
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0")
	cmd.Env = append(cmd.Env, work.Environment...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	err = cmd.Run()
	if err != nil {
		return "", fmt.Errorf("could not compile %s: %w", work.Source, err)
	}

	if work.Result != nil {
		*work.Result = path
	}
	return path, nil
}

// CompileAll compiles the work two at a time. Work that already has a Result is skipped.
func (c *Compiler) CompileAll(ctx context.Context, work ...Work) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.parallelism)
	for _, w := range work {
		if w.Result != nil && *w.Result != "" {
			continue
		}
		g.Go(func() error {
			_, err := c.Compile(ctx, w)
			return err
		})
	}
	return g.Wait()
}

func validate(work Work) error {
	switch {
	case work.Name == "":
		return errors.New("work.Name not set")
	case work.Target == "":
		return errors.New("work.Target not set")
	case work.Source == "":
		return errors.New("work.Source not set")
	}
	return nil
}

func goPath() string {
	goroot := os.Getenv("GOROOT")
	if goroot == "" {
		return "go"
	}
	return filepath.Join(goroot, "bin", "go")
}

func binaryPath(name, dir, goos string) string {
	path := filepath.Join(dir, name)
	if goos == "windows" {
		return path + ".exe"
	}
	return path
}
