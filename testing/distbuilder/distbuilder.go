/*
Package distbuilder packages the server under test the way a release would: a zip holding a
top level keycloak.x-<version> directory with the launcher script in bin, the compiled
server in lib and its default configuration in conf.
*/
package distbuilder

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/circleci/disttest/archive"
	"github.com/circleci/disttest/o11y"
	"github.com/circleci/disttest/testing/compiler"
)

const (
	DefaultVersion = "999.0.0-SNAPSHOT"
	DefaultSource  = "./internal/testserver/cmd/kc"
)

// DefaultProperties is the conf/keycloak.properties shipped in the distribution.
const DefaultProperties = `# Distribution defaults
kc.db=dev-file
kc.cache=local
`

const launcherScript = `#!/bin/sh
# Starts the server, telling it where the installation lives.
RESOLVED_HOME=$(cd "$(dirname "$0")/.." && pwd)
exec "$RESOLVED_HOME/lib/kc" "-Dkc.home.dir=$RESOLVED_HOME" "$@"
`

type Config struct {
	// Dir receives the zip.
	Dir     string
	Version string

	// ModuleRoot is the module root relative to the working directory, usually a number of ../
	ModuleRoot string
	// Source is the server main package relative to ModuleRoot.
	Source     string
	Properties string
}

// Build compiles the server and returns the path of the packaged distribution, named
// keycloak-server-x-dist-<version>.zip.
func Build(ctx context.Context, c *compiler.Compiler, cfg Config) (_ string, err error) {
	ctx, span := o11y.StartSpan(ctx, "distbuilder: build")
	defer o11y.End(span, &err)

	if cfg.Version == "" {
		cfg.Version = DefaultVersion
	}
	if cfg.Source == "" {
		cfg.Source = DefaultSource
	}
	if cfg.Properties == "" {
		cfg.Properties = DefaultProperties
	}
	span.AddField("version", cfg.Version)

	binary, err := c.Compile(ctx, compiler.Work{
		Name:   "kc-" + cfg.Version,
		Target: cfg.ModuleRoot,
		Source: cfg.Source,
	})
	if err != nil {
		return "", err
	}

	stage, err := os.MkdirTemp("", "distbuilder")
	if err != nil {
		return "", err
	}
	defer func() {
		_ = os.RemoveAll(stage)
	}()

	err = writeFile(stage, "bin/kc.sh", []byte(launcherScript), 0755)
	if err != nil {
		return "", fmt.Errorf("could not stage launcher: %w", err)
	}
	err = writeFile(stage, "conf/keycloak.properties", []byte(cfg.Properties), 0644)
	if err != nil {
		return "", fmt.Errorf("could not stage configuration: %w", err)
	}
	err = copyFile(binary, filepath.Join(stage, "lib", "kc"), 0755)
	if err != nil {
		return "", fmt.Errorf("could not stage server: %w", err)
	}

	err = os.MkdirAll(cfg.Dir, 0755) //#nosec:G301 // build output
	if err != nil {
		return "", err
	}
	target := filepath.Join(cfg.Dir, fmt.Sprintf("keycloak-server-x-dist-%s.zip", cfg.Version))
	err = archive.Zip(stage, target, "keycloak.x-"+cfg.Version)
	if err != nil {
		return "", err
	}
	return filepath.Abs(target)
}

func writeFile(root, name string, content []byte, mode os.FileMode) error {
	path := filepath.Join(root, filepath.FromSlash(name))
	err := os.MkdirAll(filepath.Dir(path), 0755) //#nosec:G301 // staged distribution
	if err != nil {
		return err
	}
	return os.WriteFile(path, content, mode) //#nosec:G306 // the launcher must be executable
}

func copyFile(src, dst string, mode os.FileMode) (err error) {
	err = os.MkdirAll(filepath.Dir(dst), 0755) //#nosec:G301 // staged distribution
	if err != nil {
		return err
	}

	//#nosec:G304 // src is the compiler output
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close() //nolint:errcheck // read only

	//#nosec:G304 // dst is in the staging dir
	out, err := os.OpenFile(dst, os.O_RDWR|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer func() {
		cerr := out.Close()
		if err == nil {
			err = cerr
		}
	}()

	_, err = io.Copy(out, in)
	return err
}
