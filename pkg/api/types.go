package api

// v0 contains public types for callers embedding the sync pipeline.

// Mode selects which phases a run executes.
type Mode string

const (
	ModeFull        Mode = "full"
	ModeFetchOnly   Mode = "fetch-only"
	ModePublishOnly Mode = "publish-only"
)

// RunsFetch reports whether the fetch phase is part of the mode.
func (m Mode) RunsFetch() bool { return m == ModeFull || m == ModeFetchOnly }

// RunsPublish reports whether the publish phase is part of the mode.
func (m Mode) RunsPublish() bool { return m == ModeFull || m == ModePublishOnly }

// RunState is the pipeline-level state, distinct from per-task state.
type RunState string

const (
	RunInit        RunState = "init"
	RunReconciling RunState = "reconciling"
	RunFetching    RunState = "fetching"
	RunFetched     RunState = "fetched"
	RunPublishing  RunState = "publishing"
	RunDone        RunState = "done"
	RunAborted     RunState = "aborted"
)

// Credentials are handed to publishers as-is.
type Credentials struct {
	Username string `json:"username,omitempty" yaml:"username"`
	Password string `json:"-" yaml:"password"`
}

// Empty reports whether no credentials were supplied.
func (c Credentials) Empty() bool { return c.Username == "" && c.Password == "" }

// TaskFailure identifies a failed artifact for targeted retry.
type TaskFailure struct {
	ID     string `json:"id" yaml:"id"`
	Source string `json:"source" yaml:"source"`
	Error  string `json:"error" yaml:"error"`
}

// Summary is reported at the end of every run.
type Summary struct {
	RunID     string        `json:"run_id" yaml:"run_id"`
	Mode      Mode          `json:"mode" yaml:"mode"`
	Published int           `json:"published" yaml:"published"`
	Failed    int           `json:"failed" yaml:"failed"`
	Pending   int           `json:"pending" yaml:"pending"`
	Stale     int           `json:"stale" yaml:"stale"`
	Failures  []TaskFailure `json:"failures,omitempty" yaml:"failures,omitempty"`
	// Rewritten is the path of the rewritten manifest, empty if none was written.
	Rewritten string `json:"rewritten,omitempty" yaml:"rewritten,omitempty"`
	// RewriteErr is set when the rewrite step was requested but failed.
	RewriteErr error `json:"-" yaml:"-"`
}
