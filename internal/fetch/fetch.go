// Package fetch retrieves artifact sources into a local staging directory.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/bpsync/pkg/api"
)

// Fetcher retrieves source into destDir and returns the staged file path.
// Implementations must be safe to call again for the same source.
type Fetcher interface {
	Fetch(ctx context.Context, source, destDir string) (string, error)
}

// Registry dispatches to a Fetcher by URI scheme.
type Registry struct {
	fetchers map[string]Fetcher
}

func NewRegistry() *Registry {
	return &Registry{fetchers: map[string]Fetcher{}}
}

// Register binds f to each of the given schemes.
func (r *Registry) Register(f Fetcher, schemes ...string) {
	for _, s := range schemes {
		r.fetchers[strings.ToLower(s)] = f
	}
}

func (r *Registry) Get(scheme string) (Fetcher, error) {
	f, ok := r.fetchers[strings.ToLower(scheme)]
	if !ok {
		return nil, fmt.Errorf("no fetcher registered for scheme %q", scheme)
	}
	return f, nil
}

// Fetch implements Fetcher. Every failure is returned as *api.FetchError.
func (r *Registry) Fetch(ctx context.Context, source, destDir string) (string, error) {
	u, err := url.Parse(source)
	if err != nil {
		// *url.Error repeats the raw source.
		var ue *url.Error
		if errors.As(err, &ue) {
			err = fmt.Errorf("invalid source URI: %w", ue.Err)
		}
		return "", &api.FetchError{Source: source, Err: err}
	}
	f, err := r.Get(u.Scheme)
	if err != nil {
		return "", &api.FetchError{Source: source, Err: err}
	}
	p, err := f.Fetch(ctx, source, destDir)
	if err != nil {
		var fe *api.FetchError
		if errors.As(err, &fe) {
			return "", err
		}
		return "", &api.FetchError{Source: source, Err: err}
	}
	return p, nil
}

// FileName returns the base name of the source URI's path.
func FileName(source string) (string, error) {
	u, err := url.Parse(source)
	if err != nil {
		return "", err
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		return "", fmt.Errorf("source %q has no file name", source)
	}
	return name, nil
}

// stage writes the file produced by fill into destDir/name via a .part file.
// An already staged file is reused.
func stage(destDir, name string, fill func(w io.Writer) error) (string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}
	dest := filepath.Join(destDir, name)
	if st, err := os.Stat(dest); err == nil && st.Mode().IsRegular() {
		log.Debug().Str("path", dest).Msg("File already staged")
		return dest, nil
	}
	part := dest + ".part"
	f, err := os.Create(part)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", part, err)
	}
	if err := fill(f); err != nil {
		f.Close()
		_ = os.Remove(part)
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(part)
		return "", fmt.Errorf("sync %s: %w", part, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(part)
		return "", fmt.Errorf("close %s: %w", part, err)
	}
	if err := os.Rename(part, dest); err != nil {
		return "", fmt.Errorf("rename %s: %w", part, err)
	}
	return dest, nil
}

// FileFetcher copies file:// sources.
type FileFetcher struct{}

func (FileFetcher) Fetch(ctx context.Context, source, destDir string) (string, error) {
	u, err := url.Parse(source)
	if err != nil {
		return "", err
	}
	name, err := FileName(source)
	if err != nil {
		return "", err
	}
	return stage(destDir, name, func(w io.Writer) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		src, err := os.Open(filepath.FromSlash(u.Path))
		if err != nil {
			return fmt.Errorf("open source: %w", err)
		}
		defer src.Close()
		if _, err := io.Copy(w, src); err != nil {
			return fmt.Errorf("copy: %w", err)
		}
		return nil
	})
}

// Options configures the default fetchers.
type Options struct {
	Timeout   time.Duration
	Retry     RetryConfig
	UserAgent string

	SSHUser        string
	SSHKeyPath     string
	KnownHostsPath string
}

// NewDefault returns a registry serving http, https, file and sftp sources.
func NewDefault(opts Options) *Registry {
	r := NewRegistry()
	r.Register(NewHTTPFetcher(opts.Timeout, opts.Retry, opts.UserAgent), "http", "https")
	r.Register(FileFetcher{}, "file")
	r.Register(&SFTPFetcher{
		User:           opts.SSHUser,
		KeyPath:        opts.SSHKeyPath,
		KnownHostsPath: opts.KnownHostsPath,
		Timeout:        opts.Timeout,
		Retries:        opts.Retry.MaxRetries,
		Backoff:        opts.Retry.InitialDelay,
	}, "sftp")
	return r
}
