// Package pool runs one sync phase over a set of tasks with bounded
// parallelism. Workers never touch the ledger: every state change is sent to
// a single consumer goroutine that applies it through a Recorder, one at a
// time.
package pool

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/3cpo-dev/bpsync/internal/ledger"
	"github.com/3cpo-dev/bpsync/pkg/api"
)

// DefaultConcurrency is used when no concurrency is configured.
const DefaultConcurrency = 4

// Phase names the step a pool run drives tasks through.
type Phase string

const (
	PhaseFetch   Phase = "fetch"
	PhasePublish Phase = "publish"
)

// Op performs the side effect of a phase for one task.
type Op func(ctx context.Context, t ledger.Task) (ledger.Update, error)

// Recorder applies and persists task transitions. The pool calls it from a
// single goroutine only.
type Recorder interface {
	// Start moves the task into the phase's in-flight state.
	Start(phase Phase, id string) (ledger.Task, error)
	// Finish records the op result; opErr non-nil means the task failed.
	Finish(phase Phase, id string, u ledger.Update, opErr error) (ledger.Task, error)
}

// Outcome is the result of one task in a phase.
type Outcome struct {
	ID       string
	Task     ledger.Task
	Err      error
	Duration time.Duration
}

// Pool is a bounded-concurrency phase executor.
type Pool struct {
	concurrency int
	logger      zerolog.Logger
}

type Option func(*Pool)

// WithLogger overrides the global logger.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// New returns a pool running at most concurrency ops at once.
func New(concurrency int, opts ...Option) (*Pool, error) {
	if concurrency <= 0 {
		return nil, &api.ConfigError{Field: "concurrency", Message: "must be a positive integer"}
	}
	p := &Pool{concurrency: concurrency, logger: log.Logger}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

type msgKind int

const (
	msgStart msgKind = iota
	msgFinish
)

type message struct {
	kind     msgKind
	id       string
	update   ledger.Update
	err      error
	duration time.Duration
	reply    chan reply
}

type reply struct {
	task ledger.Task
	err  error
}

// RunPhase attempts every task once. Op failures are recorded on the task and
// returned in the outcomes; they never stop sibling tasks. A Recorder error
// cancels the phase and is returned. If ctx is cancelled, unclaimed tasks are
// not started and ctx.Err() is returned along with the outcomes so far.
func (p *Pool) RunPhase(ctx context.Context, phase Phase, tasks []ledger.Task, op Op, rec Recorder) ([]Outcome, error) {
	tasks = unique(tasks)
	if len(tasks) == 0 {
		return nil, nil
	}
	logger := p.logger.With().Str("phase", string(phase)).Logger()

	msgs := make(chan message)
	outcomes := make([]Outcome, 0, len(tasks))
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		for m := range msgs {
			switch m.kind {
			case msgStart:
				t, err := rec.Start(phase, m.id)
				m.reply <- reply{task: t, err: err}
			case msgFinish:
				t, err := rec.Finish(phase, m.id, m.update, m.err)
				if err == nil {
					outcomes = append(outcomes, Outcome{ID: m.id, Task: t, Err: m.err, Duration: m.duration})
				}
				m.reply <- reply{task: t, err: err}
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	jobs := make(chan ledger.Task)
	g.Go(func() error {
		defer close(jobs)
		for _, t := range tasks {
			select {
			case jobs <- t:
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})

	workers := min(p.concurrency, len(tasks))
	logger.Info().Int("tasks", len(tasks)).Int("workers", workers).Msg("Phase started")
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			for t := range jobs {
				if gctx.Err() != nil {
					continue
				}
				if err := p.runOne(gctx, logger.With().Int("worker", w).Logger(), t, op, msgs); err != nil {
					return err
				}
			}
			return nil
		})
	}

	err := g.Wait()
	close(msgs)
	<-consumerDone

	if err == nil {
		err = ctx.Err()
	}
	failed := 0
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
		}
	}
	logger.Info().Int("attempted", len(outcomes)).Int("failed", failed).Msg("Phase finished")
	return outcomes, err
}

func (p *Pool) runOne(ctx context.Context, logger zerolog.Logger, t ledger.Task, op Op, msgs chan<- message) error {
	replies := make(chan reply, 1)

	msgs <- message{kind: msgStart, id: t.ID, reply: replies}
	started := <-replies
	if started.err != nil {
		return started.err
	}

	begin := time.Now()
	upd, opErr := op(ctx, started.task)
	elapsed := time.Since(begin)
	if opErr != nil {
		logger.Warn().Str("id", t.ID).Err(opErr).Dur("took", elapsed).Msg("Task failed")
	} else {
		logger.Debug().Str("id", t.ID).Dur("took", elapsed).Msg("Task done")
	}

	msgs <- message{kind: msgFinish, id: t.ID, update: upd, err: opErr, duration: elapsed, reply: replies}
	return (<-replies).err
}

func unique(tasks []ledger.Task) []ledger.Task {
	seen := make(map[string]struct{}, len(tasks))
	out := make([]ledger.Task, 0, len(tasks))
	for _, t := range tasks {
		if _, ok := seen[t.ID]; ok {
			continue
		}
		seen[t.ID] = struct{}{}
		out = append(out, t)
	}
	return out
}
