/*
Package artifact locates the packaged distribution a harness installs.

Resolution is deliberately separate from installation: a resolver only has to hand back a
path to an archive on local disk, whether that archive came from the build output directory,
an HTTP server or an S3 bucket.
*/
package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"github.com/circleci/disttest/o11y"
)

var ErrNotFound = errors.New("artifact not found")

type Resolver interface {
	// Resolve returns the path of the artifact on local disk.
	Resolve(ctx context.Context) (string, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context) (string, error)

func (f ResolverFunc) Resolve(ctx context.Context) (string, error) {
	return f(ctx)
}

// Path is an artifact at a fixed location.
type Path string

func (p Path) Resolve(_ context.Context) (string, error) {
	info, err := os.Stat(string(p))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %q", ErrNotFound, string(p))
		}
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %q is a directory", ErrNotFound, string(p))
	}
	return filepath.Abs(string(p))
}

// Coordinates identify an artifact by name, optional classifier and type, following
// the <name>[-<version>][-<classifier>].<type> file naming of build outputs.
type Coordinates struct {
	Name       string
	Classifier string
	Type       string
}

func (c Coordinates) String() string {
	s := c.Name
	if c.Classifier != "" {
		s += ":" + c.Classifier
	}
	return s + ":" + c.Type
}

// Match reports whether the file name (not path) is an artifact with these coordinates.
func (c Coordinates) Match(file string) bool {
	ext := "." + c.Type
	if !strings.HasPrefix(file, c.Name) || !strings.HasSuffix(file, ext) {
		return false
	}
	rest := strings.TrimSuffix(strings.TrimPrefix(file, c.Name), ext)
	if c.Classifier != "" {
		if !strings.HasSuffix(rest, "-"+c.Classifier) {
			return false
		}
		rest = strings.TrimSuffix(rest, "-"+c.Classifier)
	}
	if rest == "" {
		return true
	}
	// what is left must be a version, anything else is a different artifact sharing a prefix
	return len(rest) > 1 && rest[0] == '-' && unicode.IsDigit(rune(rest[1]))
}

// Local finds an artifact in a set of directories, typically build output directories.
// When more than one file matches, the most recently modified wins.
type Local struct {
	Dirs        []string
	Coordinates Coordinates
}

func (l Local) Resolve(ctx context.Context) (_ string, err error) {
	_, span := o11y.StartSpan(ctx, "artifact: local")
	defer o11y.End(span, &err)
	span.AddField("coordinates", l.Coordinates.String())

	type candidate struct {
		path string
		mod  int64
	}
	var found []candidate
	for _, dir := range l.Dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", err
		}
		for _, e := range entries {
			if e.IsDir() || !l.Coordinates.Match(e.Name()) {
				continue
			}
			info, err := e.Info()
			if err != nil {
				return "", err
			}
			found = append(found, candidate{
				path: filepath.Join(dir, e.Name()),
				mod:  info.ModTime().UnixNano(),
			})
		}
	}
	if len(found) == 0 {
		return "", fmt.Errorf("%w: %s in %v", ErrNotFound, l.Coordinates, l.Dirs)
	}

	sort.SliceStable(found, func(i, j int) bool {
		return found[i].mod > found[j].mod
	})
	span.AddField("candidates", len(found))
	span.AddField("path", found[0].path)
	return filepath.Abs(found[0].path)
}
