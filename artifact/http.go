package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/circleci/disttest/o11y"
)

// HTTP downloads the artifact from URL into Dir, once. A file already present in Dir is
// treated as cached and returned without a request.
type HTTP struct {
	URL string
	Dir string

	// AttemptTimeout bounds each request. Defaults to 30 seconds.
	AttemptTimeout time.Duration
	// MaxElapsedTime bounds all attempts. Defaults to 2 minutes.
	MaxElapsedTime time.Duration
	// Client defaults to http.DefaultClient.
	Client *http.Client
}

func (h HTTP) Resolve(ctx context.Context) (_ string, err error) {
	ctx, span := o11y.StartSpan(ctx, "artifact: http")
	defer o11y.End(span, &err)
	span.AddField("url", h.URL)

	u, err := url.Parse(h.URL)
	if err != nil {
		return "", fmt.Errorf("cannot parse URL: %w", err)
	}
	name := path.Base(u.Path)
	if name == "/" || name == "." {
		return "", fmt.Errorf("URL %q does not name a file", h.URL)
	}

	target, err := filepath.Abs(filepath.Join(h.Dir, name))
	if err != nil {
		return "", err
	}
	if isCached(target) {
		span.AddField("cached", true)
		return target, nil
	}

	err = os.MkdirAll(filepath.Dir(target), 0755) //#nosec:G301 // downloads are intentionally world-readable
	if err != nil {
		return "", fmt.Errorf("could not create directory: %w", err)
	}

	tmp := target + ".tmp"
	defer func() {
		// Don't leave half-downloaded files hanging around
		_ = os.Remove(tmp)
	}()

	attempts := 0
	err = backoff.Retry(func() error {
		attempts++
		return h.download(ctx, tmp)
	}, backoff.WithContext(h.backOff(), ctx))
	span.AddField("attempts", attempts)
	if err != nil {
		return "", fmt.Errorf("could not get URL %q: %w", h.URL, err)
	}

	err = os.Rename(tmp, target)
	if err != nil {
		return "", err
	}
	return target, nil
}

func (h HTTP) backOff() backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     100 * time.Millisecond,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          2,
		MaxInterval:         5 * time.Second,
		MaxElapsedTime:      2 * time.Minute,
		Clock:               backoff.SystemClock,
	}
	if h.MaxElapsedTime != 0 {
		b.MaxElapsedTime = h.MaxElapsedTime
	}
	b.Reset()
	return b
}

func (h HTTP) download(ctx context.Context, target string) (err error) {
	timeout := 30 * time.Second
	if h.AttemptTimeout != 0 {
		timeout = h.AttemptTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return backoff.Permanent(err)
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close() //nolint:errcheck // read only

	switch {
	case res.StatusCode == http.StatusNotFound:
		return backoff.Permanent(fmt.Errorf("%w: %s", ErrNotFound, h.URL))
	case res.StatusCode >= 500 || res.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("unexpected status: %d", res.StatusCode)
	case res.StatusCode >= 300:
		return backoff.Permanent(fmt.Errorf("unexpected status: %d", res.StatusCode))
	}

	//#nosec:G304 // the target is derived from the configured directory
	out, err := os.OpenFile(target, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("could not create file: %w", err))
	}
	defer func() {
		cerr := out.Close()
		if err == nil {
			err = cerr
		}
	}()

	_, err = io.Copy(out, res.Body)
	return err
}

func isCached(target string) bool {
	info, err := os.Stat(target)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// IsNotFound reports whether err means the artifact does not exist, as opposed to
// the resolver failing to look.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
