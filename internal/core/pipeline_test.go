package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/bpsync/internal/ledger"
	"github.com/3cpo-dev/bpsync/internal/manifest"
	"github.com/3cpo-dev/bpsync/internal/telemetry"
	"github.com/3cpo-dev/bpsync/pkg/api"
)

type fakeReader struct {
	entries []manifest.Entry
	err     error
	calls   int
}

func (r *fakeReader) Read(string) ([]manifest.Entry, error) {
	r.calls++
	return r.entries, r.err
}

// fakeFetcher writes "<source>" into destDir and counts calls per source.
type fakeFetcher struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]error
	hook  func(source string)
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{calls: map[string]int{}, fail: map[string]error{}}
}

func (f *fakeFetcher) Fetch(_ context.Context, source, destDir string) (string, error) {
	f.mu.Lock()
	f.calls[source]++
	err := f.fail[source]
	hook := f.hook
	f.mu.Unlock()
	if hook != nil {
		hook(source)
	}
	if err != nil {
		return "", &api.FetchError{Source: source, Err: err}
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", err
	}
	p := filepath.Join(destDir, filepath.Base(source))
	return p, os.WriteFile(p, []byte(source), 0o644)
}

func (f *fakeFetcher) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

// fakePublisher publishes to "<ref>" and fails the first failures[path] calls.
type fakePublisher struct {
	mu       sync.Mutex
	calls    int
	failures map[string]int
	creds    []api.Credentials
}

func (p *fakePublisher) Publish(_ context.Context, localPath, targetRef string, creds api.Credentials) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.creds = append(p.creds, creds)
	name := filepath.Base(localPath)
	if p.failures[name] > 0 {
		p.failures[name]--
		return "", &api.PublishError{Ref: targetRef, Err: errors.New("503 service unavailable")}
	}
	return targetRef, nil
}

type fakeRewriter struct {
	calls   int
	mapping map[string]string
	err     error
}

func (r *fakeRewriter) Rewrite(_, _ string, mapping map[string]string) error {
	r.calls++
	r.mapping = mapping
	return r.err
}

// countingStore wraps a real store and counts I/O.
type countingStore struct {
	ledger.Store
	loads, saves int
	failSave     error
}

func (s *countingStore) Load(ctx context.Context) (*ledger.Ledger, error) {
	s.loads++
	return s.Store.Load(ctx)
}

func (s *countingStore) Save(ctx context.Context, l *ledger.Ledger) error {
	s.saves++
	if s.failSave != nil {
		return s.failSave
	}
	return s.Store.Save(ctx, l)
}

const (
	urlA = "https://example.com/dist/a.tgz"
	urlB = "https://example.com/dist/b.tgz"
)

type harness struct {
	dir       string
	reader    *fakeReader
	store     *countingStore
	fetcher   *fakeFetcher
	publisher *fakePublisher
	rewriter  *fakeRewriter
	telemetry *telemetry.Collector
}

func newHarness(t *testing.T, sources ...string) *harness {
	t.Helper()
	dir := t.TempDir()
	var entries []manifest.Entry
	for _, s := range sources {
		entries = append(entries, manifest.Entry{ID: manifest.TaskID("dep", "1.0", s), Source: s})
	}
	return &harness{
		dir:       dir,
		reader:    &fakeReader{entries: entries},
		store:     &countingStore{Store: ledger.NewFileStore(filepath.Join(dir, "ledger.json"))},
		fetcher:   newFakeFetcher(),
		publisher: &fakePublisher{failures: map[string]int{}},
		rewriter:  &fakeRewriter{},
		telemetry: telemetry.NewCollector(true),
	}
}

func (h *harness) options() Options {
	return Options{
		ManifestPath: filepath.Join(h.dir, "buildpack.toml"),
		Target:       "registry.example.com/deps",
		Credentials:  api.Credentials{Username: "robot", Password: "pw"},
		StagingDir:   filepath.Join(h.dir, "staging"),
		Concurrency:  2,
	}
}

func (h *harness) run(t *testing.T, ctx context.Context, opts Options) (*api.Summary, error) {
	t.Helper()
	p := NewPipeline(opts, Deps{
		Reader:    h.reader,
		Store:     h.store,
		Fetcher:   h.fetcher,
		Publisher: h.publisher,
		Rewriter:  h.rewriter,
		Telemetry: h.telemetry,
	}, WithLogger(zerolog.Nop()), WithRunID("test-run"))
	return p.Run(ctx)
}

func (h *harness) load(t *testing.T) *ledger.Ledger {
	t.Helper()
	l, err := ledger.NewFileStore(filepath.Join(h.dir, "ledger.json")).Load(context.Background())
	require.NoError(t, err)
	return l
}

func (h *harness) task(t *testing.T, source string) ledger.Task {
	t.Helper()
	for _, task := range h.load(t).Tasks() {
		if task.Source == source {
			return task
		}
	}
	t.Fatalf("no task for %s", source)
	return ledger.Task{}
}

func TestRunEndToEnd(t *testing.T) {
	h := newHarness(t, urlA, urlB)
	opts := h.options()
	opts.Rewrite = true

	summary, err := h.run(t, context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Published)
	assert.Zero(t, summary.Failed)
	assert.Zero(t, summary.Pending)
	assert.Equal(t, "test-run", summary.RunID)
	assert.Equal(t, api.ModeFull, summary.Mode)
	assert.Equal(t, filepath.Join(h.dir, manifest.DefaultRewriteName), summary.Rewritten)

	remoteA := "registry.example.com/deps:a.tgz"
	remoteB := "registry.example.com/deps:b.tgz"
	assert.Equal(t, map[string]string{urlA: remoteA, urlB: remoteB}, h.rewriter.mapping)

	timed := map[string]int{}
	for _, a := range h.telemetry.Aggregates() {
		if a.Type == telemetry.Timer && a.Labels["result"] == "ok" {
			timed[a.Name] += a.Count
		}
	}
	assert.Equal(t, map[string]int{"fetch_duration": 2, "publish_duration": 2}, timed)

	a := h.task(t, urlA)
	assert.Equal(t, ledger.Published, a.State)
	assert.Equal(t, remoteA, a.RemoteLocation)
	assert.Equal(t, 1, a.Attempts, "publishing a fresh fetch continues the same attempt")
	for _, c := range h.publisher.creds {
		assert.Equal(t, "robot", c.Username)
	}
}

func TestRunRetriesFailedPublish(t *testing.T) {
	h := newHarness(t, urlA, urlB)
	h.publisher.failures["b.tgz"] = 1

	summary, err := h.run(t, context.Background(), h.options())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Published)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, urlB, summary.Failures[0].Source)
	assert.Contains(t, summary.Failures[0].Error, "503")

	b := h.task(t, urlB)
	assert.Equal(t, ledger.Failed, b.State)
	assert.NotEmpty(t, b.LocalPath, "local path survives a publish failure")
	fetches := h.fetcher.total()

	opts := h.options()
	opts.PublishOnly = true
	summary, err = h.run(t, context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Published)
	assert.Zero(t, summary.Failed)
	assert.Equal(t, fetches, h.fetcher.total(), "publish-only never fetches")

	b = h.task(t, urlB)
	assert.Equal(t, ledger.Published, b.State)
	assert.Empty(t, b.LastError)
}

func TestRunPartialFetchFailure(t *testing.T) {
	h := newHarness(t, urlA, urlB)
	h.fetcher.fail[urlA] = errors.New("404 not found")

	summary, err := h.run(t, context.Background(), h.options())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Published)
	assert.Equal(t, 1, summary.Failed)

	a := h.task(t, urlA)
	assert.Equal(t, ledger.Failed, a.State)
	assert.Empty(t, a.LocalPath)
	assert.Contains(t, a.LastError, "404")

	// The next run fetches a again and leaves b alone.
	delete(h.fetcher.fail, urlA)
	summary, err = h.run(t, context.Background(), h.options())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Published)
	assert.Equal(t, 2, h.fetcher.calls[urlA])
	assert.Equal(t, 1, h.fetcher.calls[urlB])
}

func TestRunResumesAfterCancel(t *testing.T) {
	sources := make([]string, 5)
	for i := range sources {
		sources[i] = fmt.Sprintf("https://example.com/dist/%d.tgz", i)
	}
	h := newHarness(t, sources...)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	done := 0
	h.fetcher.hook = func(string) {
		mu.Lock()
		defer mu.Unlock()
		if done++; done == 2 {
			cancel()
		}
	}
	opts := h.options()
	opts.Concurrency = 1

	_, err := h.run(t, ctx, opts)
	require.ErrorIs(t, err, context.Canceled)
	first := h.load(t)
	for _, task := range first.Tasks() {
		assert.False(t, task.State.InFlight(), "no task may be left in flight: %s", task.ID)
	}
	assert.Equal(t, 2, first.Counts()[ledger.Fetched])

	h.fetcher.hook = nil
	summary, err := h.run(t, context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, 5, summary.Published)
	for _, s := range sources {
		assert.Equal(t, 1, h.fetcher.calls[s], "fetched once: %s", s)
	}
}

func TestRunRecoversInterruptedTasks(t *testing.T) {
	h := newHarness(t, urlA, urlB)
	idA := h.reader.entries[0].ID
	idB := h.reader.entries[1].ID
	staged := filepath.Join(h.dir, "staging", "b.tgz")
	require.NoError(t, os.MkdirAll(filepath.Dir(staged), 0o755))
	require.NoError(t, os.WriteFile(staged, []byte("b"), 0o644))

	l, err := ledger.FromTasks([]ledger.Task{
		{ID: idA, Source: urlA, State: ledger.Fetching, Attempts: 1},
		{ID: idB, Source: urlB, State: ledger.Publishing, LocalPath: staged, Attempts: 2},
	})
	require.NoError(t, err)
	require.NoError(t, h.store.Store.Save(context.Background(), l))

	summary, err := h.run(t, context.Background(), h.options())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Published)
	assert.Equal(t, 1, h.fetcher.calls[urlA])
	assert.Zero(t, h.fetcher.calls[urlB], "b resumes at publish")
	assert.Equal(t, 3, h.task(t, urlB).Attempts)
}

func TestRunRejectsConflictingModesWithoutIO(t *testing.T) {
	h := newHarness(t, urlA)
	opts := h.options()
	opts.FetchOnly = true
	opts.PublishOnly = true

	summary, err := h.run(t, context.Background(), opts)
	var cfg *api.ConfigError
	require.True(t, errors.As(err, &cfg))
	assert.Nil(t, summary)
	assert.Zero(t, h.reader.calls)
	assert.Zero(t, h.store.loads)
	assert.Zero(t, h.store.saves)
	assert.Zero(t, h.fetcher.total())
	assert.Zero(t, h.publisher.calls)
	_, statErr := os.Stat(filepath.Join(h.dir, "ledger.json"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunRejectsBadConcurrency(t *testing.T) {
	h := newHarness(t, urlA)
	opts := h.options()
	opts.Concurrency = 0
	_, err := h.run(t, context.Background(), opts)
	var cfg *api.ConfigError
	assert.True(t, errors.As(err, &cfg))
	assert.Zero(t, h.reader.calls)
}

func TestRunFetchOnly(t *testing.T) {
	h := newHarness(t, urlA, urlB)
	opts := h.options()
	opts.FetchOnly = true
	opts.Target = ""

	summary, err := h.run(t, context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Pending)
	assert.Zero(t, h.publisher.calls)
	assert.Equal(t, 2, h.load(t).Counts()[ledger.Fetched])
}

func TestRunManifestErrorLeavesLedgerUntouched(t *testing.T) {
	h := newHarness(t, urlA)
	h.reader.err = &api.ManifestError{Path: "buildpack.toml", Err: errors.New("bad toml")}

	_, err := h.run(t, context.Background(), h.options())
	var me *api.ManifestError
	require.True(t, errors.As(err, &me))
	assert.Zero(t, h.store.loads)
	assert.Zero(t, h.store.saves)
}

func TestRunCorruptLedgerAborts(t *testing.T) {
	h := newHarness(t, urlA)
	path := filepath.Join(h.dir, "ledger.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	p := NewPipeline(h.options(), Deps{
		Reader: h.reader, Store: h.store, Fetcher: h.fetcher, Publisher: h.publisher,
	}, WithLogger(zerolog.Nop()))
	_, err := p.Run(context.Background())
	var ce *api.CorruptLedgerError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, api.RunAborted, p.State())
	assert.Zero(t, h.fetcher.total())

	b, readErr := os.ReadFile(path)
	require.NoError(t, readErr)
	assert.Equal(t, "{not json", string(b), "corrupt ledger is never overwritten")
}

func TestRunSaveFailureAborts(t *testing.T) {
	h := newHarness(t, urlA)
	h.store.failSave = errors.New("disk full")
	_, err := h.run(t, context.Background(), h.options())
	assert.ErrorContains(t, err, "disk full")
	assert.Zero(t, h.fetcher.total())
}

func TestRunStaleTasks(t *testing.T) {
	h := newHarness(t, urlA, urlB)
	_, err := h.run(t, context.Background(), h.options())
	require.NoError(t, err)

	// b leaves the manifest.
	h.reader.entries = h.reader.entries[:1]
	summary, err := h.run(t, context.Background(), h.options())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Stale)
	assert.Equal(t, 1, summary.Published)
	assert.Equal(t, 2, h.load(t).Len(), "stale tasks are retained by default")

	opts := h.options()
	opts.Prune = true
	summary, err = h.run(t, context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Stale)
	assert.Equal(t, 1, h.load(t).Len())
}

func TestRunChecksumMismatch(t *testing.T) {
	h := newHarness(t, urlA)
	h.reader.entries[0].SHA256 = "0000000000000000000000000000000000000000000000000000000000000000"

	summary, err := h.run(t, context.Background(), h.options())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	a := h.task(t, urlA)
	assert.Contains(t, a.LastError, "checksum mismatch")
	assert.Empty(t, a.LocalPath)
	assert.Zero(t, h.publisher.calls)
}

func TestRunRewriteSkippedWhenNothingPublished(t *testing.T) {
	h := newHarness(t, urlA)
	h.fetcher.fail[urlA] = errors.New("timeout")
	opts := h.options()
	opts.Rewrite = true

	summary, err := h.run(t, context.Background(), opts)
	require.NoError(t, err)
	var re *api.RewriteError
	require.True(t, errors.As(summary.RewriteErr, &re))
	assert.Zero(t, h.rewriter.calls)
	assert.Empty(t, summary.Rewritten)
}

func TestRunRewriteFailureKeepsLedger(t *testing.T) {
	h := newHarness(t, urlA)
	h.rewriter.err = errors.New("read-only filesystem")
	opts := h.options()
	opts.Rewrite = true

	summary, err := h.run(t, context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Published)
	var re *api.RewriteError
	assert.True(t, errors.As(summary.RewriteErr, &re))
	assert.Equal(t, ledger.Published, h.task(t, urlA).State)
}

func TestRunSameFileNameFromTwoSources(t *testing.T) {
	srcA := "https://a.example.com/v1/node.tgz"
	srcB := "https://b.example.com/v2/node.tgz"
	h := newHarness(t, srcA, srcB)
	opts := h.options()
	opts.Rewrite = true

	summary, err := h.run(t, context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Published)

	remoteA := "registry.example.com/deps:node.tgz"
	remoteB := "registry.example.com/deps:node.tgz-" + manifest.SourceDigest(srcB)
	assert.Equal(t, remoteA, h.task(t, srcA).RemoteLocation)
	assert.Equal(t, remoteB, h.task(t, srcB).RemoteLocation)
	assert.Equal(t, map[string]string{srcA: remoteA, srcB: remoteB}, h.rewriter.mapping)
}

func TestRunRetryKeepsRefOfPublishedNamesake(t *testing.T) {
	srcA := "https://a.example.com/v1/node.tgz"
	srcB := "https://b.example.com/v2/node.tgz"
	h := newHarness(t, srcA, srcB)
	h.fetcher.fail[srcA] = errors.New("connection reset")

	summary, err := h.run(t, context.Background(), h.options())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Published)
	assert.Equal(t, "registry.example.com/deps:node.tgz", h.task(t, srcB).RemoteLocation)

	// The first source now maps onto the ref its namesake already holds.
	delete(h.fetcher.fail, srcA)
	summary, err = h.run(t, context.Background(), h.options())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Published)
	assert.Equal(t, "registry.example.com/deps:node.tgz-"+manifest.SourceDigest(srcA), h.task(t, srcA).RemoteLocation)
	assert.Equal(t, "registry.example.com/deps:node.tgz", h.task(t, srcB).RemoteLocation)
}
