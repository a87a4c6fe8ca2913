package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SFTPFetcher downloads sftp://[user[:password]@]host[:port]/path sources.
// Host keys are always checked against a known_hosts file.
type SFTPFetcher struct {
	User           string
	KeyPath        string
	KnownHostsPath string
	Timeout        time.Duration
	Retries        int
	Backoff        time.Duration

	connect func(ctx context.Context, u *url.URL) (*sftp.Client, io.Closer, error)
}

func (f *SFTPFetcher) Fetch(ctx context.Context, source, destDir string) (string, error) {
	u, err := url.Parse(source)
	if err != nil {
		return "", err
	}
	name, err := FileName(source)
	if err != nil {
		return "", err
	}
	return stage(destDir, name, func(w io.Writer) error {
		connect := f.connect
		if connect == nil {
			connect = f.dial
		}
		sf, conn, err := connect(ctx, u)
		if err != nil {
			return err
		}
		defer conn.Close()
		defer sf.Close()

		src, err := sf.Open(u.Path)
		if err != nil {
			return fmt.Errorf("open remote: %w", err)
		}
		defer src.Close()
		n, err := io.Copy(w, src)
		if err != nil {
			return fmt.Errorf("copy: %w", err)
		}
		log.Info().Str("url", u.Redacted()).Int64("bytes", n).Msg("Downloaded")
		return nil
	})
}

func (f *SFTPFetcher) dial(ctx context.Context, u *url.URL) (*sftp.Client, io.Closer, error) {
	cfg, err := f.clientConfig(u)
	if err != nil {
		return nil, nil, err
	}
	addr := u.Host
	if u.Port() == "" {
		addr = net.JoinHostPort(u.Hostname(), "22")
	}

	retries := max(f.Retries, 0)
	backoff := f.Backoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		cli, err := dialContext(ctx, addr, cfg)
		if err == nil {
			sf, err := sftp.NewClient(cli)
			if err != nil {
				_ = cli.Close()
				return nil, nil, fmt.Errorf("sftp client: %w", err)
			}
			return sf, cli, nil
		}
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		lastErr = err
		if attempt < retries {
			log.Warn().Err(err).Str("addr", addr).Int("attempt", attempt+1).Msg("SSH dial failed, retrying")
			if err := sleep(ctx, backoff*time.Duration(attempt+1)); err != nil {
				return nil, nil, err
			}
		}
	}
	return nil, nil, fmt.Errorf("ssh dial %s: %w", addr, lastErr)
}

func (f *SFTPFetcher) clientConfig(u *url.URL) (*xssh.ClientConfig, error) {
	user := f.User
	var auth []xssh.AuthMethod
	if u.User != nil {
		user = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			auth = append(auth, xssh.Password(pw))
		}
	}
	if f.KeyPath != "" {
		signer, err := LoadPrivateKeySigner(f.KeyPath)
		if err != nil {
			return nil, err
		}
		auth = append(auth, xssh.PublicKeys(signer))
	}
	if len(auth) == 0 {
		return nil, errors.New("sftp: no ssh key or password configured")
	}
	if user == "" {
		return nil, errors.New("sftp: no user configured")
	}

	khPath := f.KnownHostsPath
	if khPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home: %w", err)
		}
		khPath = filepath.Join(home, ".ssh", "known_hosts")
	}
	hostKeys, err := LoadKnownHostsCallback(khPath)
	if err != nil {
		return nil, err
	}
	return &xssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         f.Timeout,
	}, nil
}

func dialContext(ctx context.Context, addr string, cfg *xssh.ClientConfig) (*xssh.Client, error) {
	type res struct {
		cli *xssh.Client
		err error
	}
	ch := make(chan res, 1)
	go func() {
		cli, err := xssh.Dial("tcp", addr, cfg)
		ch <- res{cli: cli, err: err}
	}()
	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.cli != nil {
				_ = r.cli.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-ch:
		return r.cli, r.err
	}
}

// LoadPrivateKeySigner reads an unencrypted OpenSSH/PEM private key file.
func LoadPrivateKeySigner(path string) (xssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	signer, err := xssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}

// LoadKnownHostsCallback returns a strict host key callback backed by path,
// creating an empty file if none exists.
func LoadKnownHostsCallback(path string) (xssh.HostKeyCallback, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("mkdir known_hosts dir: %w", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, nil, 0o600); err != nil {
			return nil, fmt.Errorf("create known_hosts: %w", err)
		}
	}
	return knownhosts.New(path)
}
