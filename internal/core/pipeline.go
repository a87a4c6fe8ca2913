// Package core drives a sync run: it reconciles the ledger with the manifest,
// runs the fetch and publish phases through the worker pool, and rewrites the
// manifest when asked.
package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/bpsync/internal/fetch"
	"github.com/3cpo-dev/bpsync/internal/ledger"
	"github.com/3cpo-dev/bpsync/internal/manifest"
	"github.com/3cpo-dev/bpsync/internal/pool"
	"github.com/3cpo-dev/bpsync/internal/publish"
	"github.com/3cpo-dev/bpsync/internal/telemetry"
	"github.com/3cpo-dev/bpsync/pkg/api"
)

// Deps are the collaborators of a pipeline. Publisher and Rewriter may be nil
// when the run never needs them.
type Deps struct {
	Reader    manifest.Reader
	Store     ledger.Store
	Fetcher   fetch.Fetcher
	Publisher publish.Publisher
	Rewriter  manifest.Rewriter
	Telemetry *telemetry.Collector
}

// Pipeline runs one sync.
type Pipeline struct {
	opts   Options
	deps   Deps
	logger zerolog.Logger
	runID  string

	state   api.RunState
	ledger  *ledger.Ledger
	entries map[string]manifest.Entry
	refs    map[string]string
}

type Option func(*Pipeline)

// WithLogger overrides the global logger.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithRunID fixes the run id instead of generating one.
func WithRunID(id string) Option {
	return func(p *Pipeline) { p.runID = id }
}

func NewPipeline(opts Options, deps Deps, options ...Option) *Pipeline {
	p := &Pipeline{opts: opts, deps: deps, logger: log.Logger, state: api.RunInit}
	for _, o := range options {
		o(p)
	}
	if p.runID == "" {
		p.runID = uuid.NewString()
	}
	p.logger = p.logger.With().Str("run_id", p.runID).Logger()
	return p
}

// State returns the run state reached so far.
func (p *Pipeline) State() api.RunState { return p.state }

// Run executes the pipeline. A non-nil error is a run-level failure; task
// failures are reported in the summary only. The summary is returned
// whenever the ledger was loaded, even on error.
func (p *Pipeline) Run(ctx context.Context) (*api.Summary, error) {
	started := time.Now()
	summary, err := p.run(ctx)
	if err != nil {
		p.enter(api.RunAborted)
		p.logger.Error().Err(err).Msg("Run aborted")
	}
	p.deps.Telemetry.Timer("run_duration", time.Since(started), map[string]string{"state": string(p.state)})
	p.deps.Telemetry.Flush(p.logger)
	return summary, err
}

func (p *Pipeline) run(ctx context.Context) (*api.Summary, error) {
	p.enter(api.RunInit)
	if err := p.opts.Validate(); err != nil {
		return nil, err
	}
	mode, _ := p.opts.ResolveMode()
	if mode.RunsPublish() && p.deps.Publisher == nil {
		return nil, &api.ConfigError{Field: "registry", Message: "no publisher configured"}
	}
	if p.opts.Rewrite && p.deps.Rewriter == nil {
		return nil, &api.ConfigError{Field: "rewrite-toml", Message: "no rewriter configured"}
	}

	entries, err := p.deps.Reader.Read(p.opts.ManifestPath)
	if err != nil {
		return nil, err
	}
	p.entries = make(map[string]manifest.Entry, len(entries))
	for _, e := range entries {
		p.entries[e.ID] = e
	}

	l, err := p.deps.Store.Load(ctx)
	if err != nil {
		return nil, err
	}
	p.ledger = l
	if ids := l.Recover(); len(ids) > 0 {
		p.logger.Warn().Strs("ids", ids).Msg("Recovered tasks interrupted by a previous run")
		if err := p.save(ctx); err != nil {
			return p.summary(mode, nil), err
		}
	}

	p.enter(api.RunReconciling)
	ledgerEntries := manifest.LedgerEntries(entries)
	p.ledger = ledger.Reconcile(p.ledger, ledgerEntries)
	stale := ledger.Stale(p.ledger, ledgerEntries)
	if len(stale) > 0 {
		if p.opts.Prune {
			p.ledger = ledger.Prune(p.ledger, ledgerEntries)
			p.logger.Info().Int("count", len(stale)).Msg("Pruned stale tasks")
		} else {
			p.logger.Warn().Strs("ids", stale).Msg("Ledger holds tasks no longer in the manifest")
		}
	}
	if err := p.save(ctx); err != nil {
		return p.summary(mode, stale), err
	}
	p.deps.Telemetry.Gauge("ledger_tasks", float64(p.ledger.Len()), nil)

	workers, err := pool.New(p.opts.Concurrency, pool.WithLogger(p.logger))
	if err != nil {
		return nil, err
	}

	if mode.RunsFetch() {
		p.enter(api.RunFetching)
		tasks := p.ledger.Filter(func(t ledger.Task) bool { return p.inManifest(t) && t.NeedsFetch() })
		outcomes, err := workers.RunPhase(ctx, pool.PhaseFetch, tasks, p.fetchOp, p)
		p.recordDurations(pool.PhaseFetch, outcomes)
		if err != nil {
			return p.summary(mode, stale), err
		}
		p.enter(api.RunFetched)
	}

	if mode.RunsPublish() {
		p.enter(api.RunPublishing)
		tasks := p.ledger.Filter(func(t ledger.Task) bool { return p.inManifest(t) && t.NeedsPublish() })
		p.assignRefs(tasks)
		outcomes, err := workers.RunPhase(ctx, pool.PhasePublish, tasks, p.publishOp, p)
		p.recordDurations(pool.PhasePublish, outcomes)
		if err != nil {
			return p.summary(mode, stale), err
		}
	}

	p.enter(api.RunDone)
	summary := p.summary(mode, stale)
	if p.opts.Rewrite {
		path, err := p.rewrite()
		if err != nil {
			p.logger.Error().Err(err).Msg("Rewrite failed")
			summary.RewriteErr = err
		} else {
			summary.Rewritten = path
		}
	}
	p.logger.Info().
		Str("mode", string(mode)).
		Int("published", summary.Published).
		Int("failed", summary.Failed).
		Int("pending", summary.Pending).
		Int("stale", summary.Stale).
		Msg("Run finished")
	return summary, nil
}

func (p *Pipeline) enter(s api.RunState) {
	if p.state == s {
		return
	}
	p.logger.Debug().Str("from", string(p.state)).Str("to", string(s)).Msg("Run state")
	p.state = s
}

func (p *Pipeline) inManifest(t ledger.Task) bool {
	_, ok := p.entries[t.ID]
	return ok
}

func (p *Pipeline) save(ctx context.Context) error {
	if err := p.deps.Store.Save(context.WithoutCancel(ctx), p.ledger); err != nil {
		return fmt.Errorf("persist ledger: %w", err)
	}
	return nil
}

// Start implements pool.Recorder.
func (p *Pipeline) Start(phase pool.Phase, id string) (ledger.Task, error) {
	to := ledger.Fetching
	if phase == pool.PhasePublish {
		to = ledger.Publishing
	}
	t, err := p.ledger.Transition(id, to, ledger.Update{})
	if err != nil {
		return t, err
	}
	return t, p.save(context.Background())
}

// Finish implements pool.Recorder.
func (p *Pipeline) Finish(phase pool.Phase, id string, u ledger.Update, opErr error) (ledger.Task, error) {
	var (
		t   ledger.Task
		err error
	)
	result := "ok"
	switch {
	case opErr != nil:
		result = "failed"
		t, err = p.ledger.Transition(id, ledger.Failed, ledger.Update{Error: opErr.Error()})
	case phase == pool.PhaseFetch:
		t, err = p.ledger.Transition(id, ledger.Fetched, u)
	default:
		t, err = p.ledger.Transition(id, ledger.Published, u)
	}
	if err != nil {
		return t, err
	}
	p.deps.Telemetry.Counter("tasks", 1, map[string]string{"phase": string(phase), "result": result})
	return t, p.save(context.Background())
}

func (p *Pipeline) recordDurations(phase pool.Phase, outcomes []pool.Outcome) {
	for _, o := range outcomes {
		result := "ok"
		if o.Err != nil {
			result = "failed"
		}
		p.deps.Telemetry.Timer(string(phase)+"_duration", o.Duration, map[string]string{"result": result})
	}
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._@-]+`)

// stagingDir is the per-task download directory.
func (p *Pipeline) stagingDir(id string) string {
	return filepath.Join(p.opts.StagingDir, unsafeChars.ReplaceAllString(id, "_"))
}

func (p *Pipeline) fetchOp(ctx context.Context, t ledger.Task) (ledger.Update, error) {
	local, err := p.deps.Fetcher.Fetch(ctx, t.Source, p.stagingDir(t.ID))
	if err != nil {
		return ledger.Update{}, err
	}
	if err := verifyChecksum(local, p.entries[t.ID].SHA256); err != nil {
		// Drop the file so the next attempt downloads it again.
		_ = os.Remove(local)
		return ledger.Update{}, &api.FetchError{Source: t.Source, Err: err}
	}
	return ledger.Update{LocalPath: local}, nil
}

// assignRefs fixes the ref of every task about to be published. Refs held by
// published tasks, and by tasks earlier in the manifest, are kept; a task
// whose file name maps onto a taken ref gets one qualified by its source.
func (p *Pipeline) assignRefs(tasks []ledger.Task) {
	taken := map[string]string{}
	for _, t := range p.ledger.Tasks() {
		if t.State == ledger.Published && p.inManifest(t) {
			taken[t.RemoteLocation] = t.ID
		}
	}
	p.refs = make(map[string]string, len(tasks))
	for _, t := range tasks {
		ref := publish.TargetRef(p.opts.Target, t.LocalPath)
		if owner, ok := taken[ref]; ok && owner != t.ID {
			ref = publish.QualifiedRef(p.opts.Target, t.LocalPath, manifest.SourceDigest(t.Source))
			p.logger.Warn().Str("id", t.ID).Str("owner", owner).Str("ref", ref).Msg("File name already published by another dependency")
		}
		taken[ref] = t.ID
		p.refs[t.ID] = ref
	}
}

func (p *Pipeline) publishOp(ctx context.Context, t ledger.Task) (ledger.Update, error) {
	ref, ok := p.refs[t.ID]
	if !ok {
		ref = publish.TargetRef(p.opts.Target, t.LocalPath)
	}
	if _, err := os.Stat(t.LocalPath); err != nil {
		return ledger.Update{}, &api.PublishError{Ref: ref, Err: fmt.Errorf("staged file: %w", err)}
	}
	loc, err := p.deps.Publisher.Publish(ctx, t.LocalPath, ref, p.opts.Credentials)
	if err != nil {
		return ledger.Update{}, err
	}
	return ledger.Update{RemoteLocation: loc}, nil
}

// summary counts the manifest's tasks; stale tasks are only counted.
func (p *Pipeline) summary(mode api.Mode, stale []string) *api.Summary {
	s := &api.Summary{RunID: p.runID, Mode: mode, Stale: len(stale)}
	if p.ledger == nil {
		return s
	}
	for _, t := range p.ledger.Tasks() {
		if !p.inManifest(t) {
			continue
		}
		switch t.State {
		case ledger.Published:
			s.Published++
		case ledger.Failed:
			s.Failed++
			s.Failures = append(s.Failures, api.TaskFailure{ID: t.ID, Source: t.Source, Error: t.LastError})
		default:
			s.Pending++
		}
	}
	return s
}

// Mapping returns source → remote location for every published task.
func Mapping(l *ledger.Ledger) map[string]string {
	out := map[string]string{}
	for _, t := range l.Tasks() {
		if t.State == ledger.Published {
			out[t.Source] = t.RemoteLocation
		}
	}
	return out
}

func (p *Pipeline) rewrite() (string, error) {
	dst := p.opts.RewriteOutput
	if dst == "" {
		dst = manifest.RewritePath(p.opts.ManifestPath)
	}
	mapping := Mapping(p.ledger)
	if len(mapping) == 0 {
		return "", &api.RewriteError{Path: dst, Err: errors.New("no task has been published")}
	}
	if err := p.deps.Rewriter.Rewrite(p.opts.ManifestPath, dst, mapping); err != nil {
		var re *api.RewriteError
		if errors.As(err, &re) {
			return "", err
		}
		return "", &api.RewriteError{Path: dst, Err: err}
	}
	return dst, nil
}
