package core

import (
	"github.com/3cpo-dev/bpsync/pkg/api"
)

// Options are the inputs of one pipeline run.
type Options struct {
	ManifestPath string
	// Target is an OCI repository (host/path) or s3://bucket/prefix.
	Target      string
	Credentials api.Credentials
	StagingDir  string
	Concurrency int
	FetchOnly   bool
	PublishOnly bool
	// Rewrite writes RewriteOutput (or buildpack-modified.toml next to the
	// manifest) once the publish phase is over.
	Rewrite       bool
	RewriteOutput string
	// Prune drops ledger tasks whose entry left the manifest.
	Prune bool
}

// ResolveMode returns the run mode. Requesting both restricted modes is a
// configuration error.
func (o Options) ResolveMode() (api.Mode, error) {
	switch {
	case o.FetchOnly && o.PublishOnly:
		return "", &api.ConfigError{Field: "mode", Message: "fetch-only and publish-only are mutually exclusive"}
	case o.FetchOnly:
		return api.ModeFetchOnly, nil
	case o.PublishOnly:
		return api.ModePublishOnly, nil
	default:
		return api.ModeFull, nil
	}
}

// Validate checks the options without touching the filesystem or network.
func (o Options) Validate() error {
	mode, err := o.ResolveMode()
	if err != nil {
		return err
	}
	if o.Concurrency <= 0 {
		return &api.ConfigError{Field: "concurrency", Message: "must be a positive integer"}
	}
	if o.ManifestPath == "" {
		return &api.ConfigError{Field: "manifest", Message: "is required"}
	}
	if mode.RunsFetch() && o.StagingDir == "" {
		return &api.ConfigError{Field: "temp-dir", Message: "is required"}
	}
	if mode.RunsPublish() && o.Target == "" {
		return &api.ConfigError{Field: "registry", Message: "is required unless fetch-only"}
	}
	return nil
}
