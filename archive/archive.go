/*
Package archive unpacks and packs the zip distributions the harness installs.

Zip does not reliably carry unix permission bits (it depends on the tool that built the
archive), so callers should re-apply any executable bit they depend on after Unzip.
*/
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/circleci/disttest/o11y"
)

var ErrIllegalPath = errors.New("illegal path in archive")

// Unzip extracts the archive at src into the directory dst, which is created if needed.
func Unzip(ctx context.Context, src, dst string) (err error) {
	ctx, span := o11y.StartSpan(ctx, "archive: unzip")
	defer o11y.End(span, &err)
	span.AddField("src", src)
	span.AddField("dst", dst)

	r, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("could not open archive: %w", err)
	}
	defer closeWithErr(r, &err)

	dst, err = filepath.Abs(dst)
	if err != nil {
		return err
	}
	err = os.MkdirAll(dst, 0755) //#nosec:G301 // extracted distributions are intentionally world-readable
	if err != nil {
		return err
	}

	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		err = extractFile(f, dst)
		if err != nil {
			return err
		}
	}
	span.AddField("files", len(r.File))
	return nil
}

func extractFile(f *zip.File, dst string) (err error) {
	target, err := safeJoin(dst, f.Name)
	if err != nil {
		return err
	}

	mode := f.Mode()
	if mode.IsDir() {
		return os.MkdirAll(target, 0755) //#nosec:G301 // see above
	}

	err = os.MkdirAll(filepath.Dir(target), 0755) //#nosec:G301 // see above
	if err != nil {
		return err
	}

	perm := mode.Perm()
	if perm == 0 {
		perm = 0644
	}

	in, err := f.Open()
	if err != nil {
		return fmt.Errorf("could not open %q in archive: %w", f.Name, err)
	}
	defer closeWithErr(in, &err)

	//#nosec:G304 // the target has been checked to be inside dst
	out, err := os.OpenFile(target, os.O_RDWR|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("could not create %q: %w", target, err)
	}
	defer closeWithErr(out, &err)

	//#nosec:G110 // distributions are trusted build outputs
	_, err = io.Copy(out, in)
	if err != nil {
		return fmt.Errorf("could not write %q: %w", target, err)
	}
	return nil
}

// safeJoin guards against entries like ../../etc/passwd escaping the destination.
func safeJoin(dst, name string) (string, error) {
	target := filepath.Join(dst, filepath.FromSlash(name))
	if target != dst && !strings.HasPrefix(target, dst+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %q", ErrIllegalPath, name)
	}
	return target, nil
}

// Zip writes the directory tree at src into a new archive at dst. Every entry is nested
// under prefix, which is how distributions carry their top level installation directory.
func Zip(src, dst, prefix string) (err error) {
	//#nosec:G304 // the caller chooses where the archive goes
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer closeWithErr(out, &err)

	w := zip.NewWriter(out)
	defer closeWithErr(w, &err)

	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." && prefix == "" {
			return nil
		}
		name := filepath.ToSlash(filepath.Join(prefix, rel))

		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = name
		if d.IsDir() {
			hdr.Name += "/"
			_, err = w.CreateHeader(hdr)
			return err
		}
		hdr.Method = zip.Deflate

		fw, err := w.CreateHeader(hdr)
		if err != nil {
			return err
		}
		return copyFile(fw, path)
	})
}

func copyFile(w io.Writer, path string) (err error) {
	//#nosec:G304 // walking a tree the caller chose
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer closeWithErr(in, &err)

	_, err = io.Copy(w, in)
	return err
}

// closeWithErr closes c, keeping any earlier error over the close error.
func closeWithErr(c io.Closer, in *error) {
	cerr := c.Close()
	if *in == nil {
		*in = cerr
	}
}
