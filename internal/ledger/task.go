package ledger

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/3cpo-dev/bpsync/pkg/api"
)

// State is the synchronization state of one artifact.
type State string

const (
	Pending    State = "pending"
	Fetching   State = "fetching"
	Fetched    State = "fetched"
	Publishing State = "publishing"
	Published  State = "published"
	Failed     State = "failed"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case Pending, Fetching, Fetched, Publishing, Published, Failed:
		return true
	}
	return false
}

// InFlight reports whether s is only ever observed while an op is running.
func (s State) InFlight() bool { return s == Fetching || s == Publishing }

// Task is one artifact's synchronization record.
type Task struct {
	ID             string `json:"id" yaml:"id"`
	Source         string `json:"source" yaml:"source"`
	LocalPath      string `json:"local_path,omitempty" yaml:"local_path,omitempty"`
	RemoteLocation string `json:"remote_location,omitempty" yaml:"remote_location,omitempty"`
	State          State  `json:"state" yaml:"state"`
	LastError      string `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	Attempts       int    `json:"attempts" yaml:"attempts"`
}

// Update carries the fields an op produced for a transition.
type Update struct {
	LocalPath      string
	RemoteLocation string
	Error          string
}

// NeedsFetch reports whether the fetch phase should pick the task up.
func (t Task) NeedsFetch() bool {
	return t.State == Pending || (t.State == Failed && t.LocalPath == "")
}

// NeedsPublish reports whether the publish phase should pick the task up.
func (t Task) NeedsPublish() bool {
	return t.State == Fetched || (t.State == Failed && t.LocalPath != "")
}

// Validate checks the per-task invariants.
func (t Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task id is required")
	}
	if t.Source == "" {
		return fmt.Errorf("task %s: source is required", t.ID)
	}
	if !t.State.Valid() {
		return fmt.Errorf("task %s: unknown state %q", t.ID, t.State)
	}
	if t.Attempts < 0 {
		return fmt.Errorf("task %s: negative attempts", t.ID)
	}
	for _, f := range []string{t.ID, t.Source, t.LocalPath, t.RemoteLocation, t.LastError} {
		if !utf8.ValidString(f) {
			return fmt.Errorf("task %q: invalid UTF-8 in %q", t.ID, f)
		}
	}
	switch t.State {
	case Fetched, Publishing, Published:
		if t.LocalPath == "" {
			return fmt.Errorf("task %s: %s requires local_path", t.ID, t.State)
		}
	case Pending, Fetching:
		if t.LocalPath != "" {
			return fmt.Errorf("task %s: %s must not carry local_path", t.ID, t.State)
		}
	}
	if (t.State == Published) != (t.RemoteLocation != "") {
		return fmt.Errorf("task %s: remote_location is set only when published", t.ID)
	}
	if (t.State == Failed) != (t.LastError != "") {
		return fmt.Errorf("task %s: last_error is set only when failed", t.ID)
	}
	return nil
}

// apply returns the task after moving it to the given state, or an error
// when the move is not in the transition table. t is never modified.
func (t Task) apply(to State, u Update) (Task, error) {
	reject := func(reason string) (Task, error) {
		return t, &api.InvalidTransitionError{ID: t.ID, From: string(t.State), To: string(to), Reason: reason}
	}
	next := t
	switch {
	case t.State == Pending && to == Fetching,
		t.State == Failed && to == Fetching && t.LocalPath == "":
		next.Attempts++
		next.LastError = ""
	case t.State == Fetching && to == Fetched:
		if u.LocalPath == "" {
			return reject("local path required")
		}
		next.LocalPath = u.LocalPath
	case t.State == Fetched && to == Publishing:
	case t.State == Failed && to == Publishing && t.LocalPath != "":
		next.Attempts++
		next.LastError = ""
	case t.State == Publishing && to == Published:
		if u.RemoteLocation == "" {
			return reject("remote location required")
		}
		next.RemoteLocation = u.RemoteLocation
	case (t.State == Fetching || t.State == Publishing) && to == Failed:
		if u.Error == "" {
			return reject("error message required")
		}
		// Stored as it will read back from a JSON ledger.
		next.LastError = strings.ToValidUTF8(u.Error, "\uFFFD")
	default:
		return reject("")
	}
	next.State = to
	return next, nil
}
