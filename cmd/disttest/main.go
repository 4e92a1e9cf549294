package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alecthomas/kong"

	"github.com/circleci/disttest/artifact"
	"github.com/circleci/disttest/config/secret"
	"github.com/circleci/disttest/distribution"
	"github.com/circleci/disttest/harness"
	"github.com/circleci/disttest/o11y"
	"github.com/circleci/disttest/o11y/otel"
)

// Version is set at build time.
var Version = "dev"

type cli struct {
	O11yEnabled bool   `name:"o11y" env:"DISTTEST_O11Y" default:"true" negatable:"" help:"Print trace spans to stderr"`
	O11yFormat  string `name:"o11y-format" env:"DISTTEST_O11Y_FORMAT" enum:"color,text" default:"color" help:"Format used for span output"`

	Run runCmd `cmd:"" help:"Prepare a distribution and launch it once, exiting with its exit code."`
}

type runCmd struct {
	Artifact    string        `required:"" env:"DISTTEST_ARTIFACT" help:"The distribution zip, as a path, an http(s) URL or s3://bucket/key"`
	ScratchDir  string        `env:"DISTTEST_SCRATCH_DIR" help:"Where the distribution is installed (defaults to kc-tests in the temp dir)"`
	StopTimeout time.Duration `env:"DISTTEST_STOP_TIMEOUT" default:"10s" help:"How long to wait for a graceful stop before killing"`
	Reuse       bool          `env:"DISTTEST_REUSE" help:"Reuse an installation left by an earlier run instead of re-extracting"`

	S3Region    string        `name:"s3-region" env:"DISTTEST_S3_REGION" default:"us-east-1"`
	S3Endpoint  string        `name:"s3-endpoint" env:"DISTTEST_S3_ENDPOINT" help:"Endpoint of an S3 compatible store"`
	S3AccessKey string        `name:"s3-access-key" env:"DISTTEST_S3_ACCESS_KEY"`
	S3SecretKey secret.String `name:"s3-secret-key" env:"DISTTEST_S3_SECRET_KEY"`

	Args []string `arg:"" optional:"" passthrough:"" help:"Arguments for the launcher"`
}

type exit int

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) (code int) {
	c := cli{}
	parser, err := kong.New(&c,
		kong.Name("disttest"),
		kong.Description("Runs a packaged server distribution the way its tests do."),
		kong.Writers(stdout, stderr),
		kong.Exit(func(code int) {
			panic(exit(code))
		}),
	)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	defer func() {
		if r := recover(); r != nil {
			e, ok := r.(exit)
			if !ok {
				panic(r)
			}
			code = int(e)
		}
	}()

	kctx, err := parser.Parse(args)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "disttest: error: %v\n", err)
		return 2
	}

	ctx, cleanup, err := loadO11y(ctx, c, stderr)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	defer cleanup(ctx)

	switch kctx.Command() {
	case "run", "run <args>":
		return c.Run.run(ctx, stdout, stderr)
	}
	_, _ = fmt.Fprintf(stderr, "disttest: unknown command %q\n", kctx.Command())
	return 2
}

func loadO11y(ctx context.Context, c cli, stderr io.Writer) (context.Context, func(context.Context), error) {
	if !c.O11yEnabled {
		return ctx, func(context.Context) {}, nil
	}
	p, err := otel.New(otel.Config{
		Service:       "disttest",
		Writer:        stderr,
		DisableColour: c.O11yFormat == "text",
	})
	if err != nil {
		return nil, nil, err
	}
	p.AddGlobalField("version", Version)
	return o11y.WithProvider(ctx, p), p.Close, nil
}

func (r *runCmd) run(ctx context.Context, stdout, stderr io.Writer) (code int) {
	var err error
	ctx, span := o11y.StartSpan(ctx, "main: run")
	defer o11y.End(span, &err)

	resolver, err := r.resolver(ctx)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}

	inst, err := distribution.New(distribution.Config{
		ScratchDir:    r.ScratchDir,
		Resolver:      resolver,
		ReuseExisting: r.Reuse,
	}).Prepare(ctx)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}

	h := harness.New(inst,
		harness.WithStopTimeout(r.StopTimeout),
		harness.WithEcho(stdout),
	)
	err = h.Start(ctx, r.Args...)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		// a process that was killed still has an exit code worth reporting
		if code := h.ExitCode(); code != harness.NotExited && code != 0 {
			return code
		}
		return 1
	}
	return h.ExitCode()
}

func (r *runCmd) resolver(ctx context.Context) (artifact.Resolver, error) {
	downloads := filepath.Join(os.TempDir(), "disttest-downloads")
	if r.ScratchDir != "" {
		downloads = filepath.Join(r.ScratchDir, "downloads")
	}

	switch {
	case strings.HasPrefix(r.Artifact, "http://"), strings.HasPrefix(r.Artifact, "https://"):
		return artifact.HTTP{URL: r.Artifact, Dir: downloads}, nil
	case strings.HasPrefix(r.Artifact, "s3://"):
		bucket, key, ok := strings.Cut(strings.TrimPrefix(r.Artifact, "s3://"), "/")
		if !ok || bucket == "" || key == "" {
			return nil, fmt.Errorf("invalid s3 artifact %q, want s3://bucket/key", r.Artifact)
		}
		client, err := artifact.NewS3Client(ctx, artifact.S3Config{
			Region:    r.S3Region,
			Endpoint:  r.S3Endpoint,
			AccessKey: r.S3AccessKey,
			SecretKey: r.S3SecretKey,
		})
		if err != nil {
			return nil, err
		}
		return artifact.S3{Client: client, Bucket: bucket, Key: key, Dir: downloads}, nil
	}
	return artifact.Path(r.Artifact), nil
}
