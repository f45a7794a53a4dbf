package ingest

import (
	"fmt"

	"github.com/eunmann/maude-sync/pkg/catalog"
	"github.com/eunmann/maude-sync/pkg/ledger"
)

// State is the position of one request in the sync state machine.
type State int

const (
	StatePending State = iota
	StateResolving
	StateFetching
	StateFingerprinting
	StateImporting
	StateSkipped
	StateDone
	StateFailed
)

var stateNames = [...]string{
	StatePending:        "pending",
	StateResolving:      "resolving",
	StateFetching:       "fetching",
	StateFingerprinting: "fingerprinting",
	StateImporting:      "importing",
	StateSkipped:        "skipped",
	StateDone:           "done",
	StateFailed:         "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateSkipped || s == StateDone || s == StateFailed
}

// Kind classifies a finished request.
type Kind int

const (
	KindSkipped Kind = iota
	KindImported
	KindFailed
)

func (k Kind) String() string {
	switch k {
	case KindSkipped:
		return "skipped"
	case KindImported:
		return "imported"
	case KindFailed:
		return "failed"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Outcome is the result of one request of a Sync call.
type Outcome struct {
	Request catalog.Request
	Kind    Kind
	// State is the last state reached; Failed outcomes keep the state
	// they failed in via FailedIn.
	State    State
	FailedIn State

	// Rows is the number of rows written. Zero for skipped requests.
	Rows int64
	Err  error

	// Locator is the source the request resolved to. EffectiveYear shows
	// which through-year actually supplied the data.
	Locator     catalog.Locator
	Fingerprint ledger.Fingerprint
	Warnings    []string
}

func (o Outcome) String() string {
	switch o.Kind {
	case KindImported:
		return fmt.Sprintf("%s: imported %d rows from %s", o.Request, o.Rows, o.Locator.Filename)
	case KindSkipped:
		return fmt.Sprintf("%s: skipped (unchanged)", o.Request)
	default:
		return fmt.Sprintf("%s: failed while %s: %v", o.Request, o.FailedIn, o.Err)
	}
}

func (o *Outcome) warn(format string, args ...any) {
	o.Warnings = append(o.Warnings, fmt.Sprintf(format, args...))
}

func (o *Outcome) fail(in State, err error) {
	o.Kind = KindFailed
	o.State = StateFailed
	o.FailedIn = in
	o.Err = err
}

func (o *Outcome) skip(fp ledger.Fingerprint) {
	o.Kind = KindSkipped
	o.State = StateSkipped
	o.Fingerprint = fp
}

func (o *Outcome) done(fp ledger.Fingerprint, rows int64) {
	o.Kind = KindImported
	o.State = StateDone
	o.Fingerprint = fp
	o.Rows = rows
}

// Failed counts failed outcomes.
func Failed(outcomes []Outcome) int {
	n := 0
	for _, o := range outcomes {
		if o.Kind == KindFailed {
			n++
		}
	}
	return n
}
