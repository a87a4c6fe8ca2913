package api

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrTasksFailed is returned by the CLI when a run finished with failed tasks.
var ErrTasksFailed = errors.New("one or more artifacts failed to sync")

// ConfigError reports invalid or conflicting run options.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("config error: %s", e.Message)
	}
	return fmt.Sprintf("config error: %s: %s", e.Field, e.Message)
}

// ManifestError reports an unreadable or malformed manifest.
type ManifestError struct {
	Path string
	Err  error
}

func (e *ManifestError) Error() string {
	return fmt.Sprintf("manifest %s: %v", e.Path, e.Err)
}

func (e *ManifestError) Unwrap() error { return e.Err }

// CorruptLedgerError reports persisted state that could not be read back.
// The ledger is never discarded automatically; see `bpsync reset`.
type CorruptLedgerError struct {
	Path string
	Err  error
}

func (e *CorruptLedgerError) Error() string {
	return fmt.Sprintf("corrupt ledger %s: %v", e.Path, e.Err)
}

func (e *CorruptLedgerError) Unwrap() error { return e.Err }

// InvalidTransitionError reports a task state change outside the transition table.
type InvalidTransitionError struct {
	ID     string
	From   string
	To     string
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("invalid transition for %s: %s -> %s", e.ID, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// FetchError is a per-task failure of the fetch phase.
type FetchError struct {
	Source string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", RedactSource(e.Source), e.Err)
}

// RedactSource hides the password of a source URI. Sources that do not parse
// lose their whole userinfo.
func RedactSource(source string) string {
	if u, err := url.Parse(source); err == nil {
		return u.Redacted()
	}
	scheme, rest, ok := strings.Cut(source, "://")
	if !ok {
		return source
	}
	host := rest
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		host = rest[:i]
	}
	if i := strings.LastIndexByte(host, '@'); i >= 0 {
		return scheme + "://xxxxx@" + rest[i+1:]
	}
	return source
}

func (e *FetchError) Unwrap() error { return e.Err }

// PublishError is a per-task failure of the publish phase.
type PublishError struct {
	Ref string
	Err error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s: %v", e.Ref, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// RewriteError fails the rewrite step only.
type RewriteError struct {
	Path string
	Err  error
}

func (e *RewriteError) Error() string {
	return fmt.Sprintf("rewrite %s: %v", e.Path, e.Err)
}

func (e *RewriteError) Unwrap() error { return e.Err }
