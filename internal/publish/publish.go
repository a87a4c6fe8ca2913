// Package publish uploads staged artifacts to an OCI registry or an
// S3-compatible bucket.
package publish

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/3cpo-dev/bpsync/pkg/api"
)

// Publisher uploads localPath to targetRef and returns the remote location.
// Publishing the same file to the same ref twice must succeed.
type Publisher interface {
	Publish(ctx context.Context, localPath, targetRef string, creds api.Credentials) (string, error)
}

const s3Scheme = "s3://"

// Options configures the transport of the publisher returned by New.
type Options struct {
	// PlainHTTP talks to the registry over http.
	PlainHTTP bool
	// Insecure skips TLS verification.
	Insecure  bool
	UserAgent string

	S3Endpoint string
	S3Region   string
	S3UseSSL   bool
}

// New picks the publisher for target: s3://bucket[/prefix] goes to MinIO,
// anything else is treated as an OCI repository.
func New(target string, opts Options) (Publisher, error) {
	if target == "" {
		return nil, &api.ConfigError{Field: "registry", Message: "is required unless fetch-only"}
	}
	if IsS3(target) {
		if _, _, err := splitS3(target); err != nil {
			return nil, &api.ConfigError{Field: "registry", Message: err.Error()}
		}
		if opts.S3Endpoint == "" {
			return nil, &api.ConfigError{Field: "s3.endpoint", Message: "is required for s3:// targets"}
		}
		return NewMinIOPublisher(MinIOConfig{
			Endpoint: opts.S3Endpoint,
			Region:   opts.S3Region,
			UseSSL:   opts.S3UseSSL && !opts.PlainHTTP,
		}), nil
	}
	if strings.Contains(target, "://") {
		return nil, &api.ConfigError{Field: "registry", Message: fmt.Sprintf("unsupported target %q", target)}
	}
	return NewORASPublisher(ORASConfig{PlainHTTP: opts.PlainHTTP, Insecure: opts.Insecure, UserAgent: opts.UserAgent}), nil
}

// IsS3 reports whether target names an S3 bucket.
func IsS3(target string) bool {
	return strings.HasPrefix(target, s3Scheme)
}

// TargetRef derives the ref localPath is published under. OCI targets get
// `<target>:<tag>` with the file name as tag; S3 targets get the object URL.
func TargetRef(target, localPath string) string {
	name := filepath.Base(localPath)
	if IsS3(target) {
		return strings.TrimRight(target, "/") + "/" + name
	}
	return target + ":" + Tag(name)
}

// QualifiedRef is TargetRef for a file whose name is already taken by
// another source. qualifier is appended to the tag, or becomes a key
// directory on S3.
func QualifiedRef(target, localPath, qualifier string) string {
	name := filepath.Base(localPath)
	if IsS3(target) {
		return strings.TrimRight(target, "/") + "/" + qualifier + "/" + name
	}
	tag := Tag(name)
	if n := maxTagLen - len(qualifier) - 1; len(tag) > n {
		tag = tag[:n]
	}
	return target + ":" + tag + "-" + Tag(qualifier)
}

const maxTagLen = 128

// Tag maps name onto the OCI tag grammar [A-Za-z0-9_][A-Za-z0-9._-]{0,127}.
func Tag(name string) string {
	var b strings.Builder
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		case (r == '.' || r == '-') && i > 0:
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	tag := b.String()
	if tag == "" {
		return "_"
	}
	if len(tag) > maxTagLen {
		tag = tag[:maxTagLen]
	}
	return tag
}

// splitRef splits "host/repo:tag" at the tag separator.
func splitRef(ref string) (repo, tag string, err error) {
	i := strings.LastIndex(ref, ":")
	if i < 0 || i < strings.LastIndex(ref, "/") || i == len(ref)-1 {
		return "", "", fmt.Errorf("reference %q has no tag", ref)
	}
	return ref[:i], ref[i+1:], nil
}
