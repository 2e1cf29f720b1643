package site

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jmgilman/go/errors"
)

type State int32

const (
	Starting State = iota
	Started
	Standby
	Stopping
	Stopped
	Inactive
	Deleted
)

var stateNames = [...]string{"STARTING", "STARTED", "STANDBY", "STOPPING", "STOPPED", "INACTIVE", "DELETED"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for i, n := range stateNames {
		if n == string(b) {
			*s = State(i)
			return nil
		}
	}
	return errors.Newf(errors.CodeInvalidInput, "unknown site state %q", b)
}

// Serving reports whether content may be delivered in this state.
func (s State) Serving() bool { return s == Started || s == Standby }

var transitions = map[State][]State{
	Starting: {Started, Stopping, Stopped},
	Started:  {Standby, Stopping},
	Standby:  {Started, Stopping},
	Stopping: {Stopped},
	Stopped:  {Starting, Inactive, Deleted},
	Inactive: {Starting, Deleted},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Lifecycle holds a site's state and its in-flight request counter.
type Lifecycle struct {
	state    atomic.Int32
	inFlight atomic.Int64
}

func newLifecycle(initial State) *Lifecycle {
	l := &Lifecycle{}
	l.state.Store(int32(initial))
	return l
}

func (l *Lifecycle) State() State { return State(l.state.Load()) }

func (l *Lifecycle) InFlight() int64 { return l.inFlight.Load() }

// Transition moves from the current state to to, failing when the move is
// not allowed or another transition won the race.
func (l *Lifecycle) Transition(to State) (State, error) {
	for {
		from := l.State()
		if !canTransition(from, to) {
			return from, errors.WithContext(
				errors.Newf(errors.CodeConflict, "illegal transition %s -> %s", from, to),
				"state", from.String())
		}
		if l.state.CompareAndSwap(int32(from), int32(to)) {
			return from, nil
		}
	}
}

// move performs from -> to only if the site is currently in from.
func (l *Lifecycle) move(from, to State) error {
	if !canTransition(from, to) || !l.state.CompareAndSwap(int32(from), int32(to)) {
		cur := l.State()
		return errors.WithContext(
			errors.Newf(errors.CodeConflict, "cannot move %s -> %s", from, to),
			"state", cur.String())
	}
	return nil
}

// Enter registers an in-flight request. It fails, leaving the counter
// unchanged, when the site is not serving; a request that entered keeps the
// site in STOPPING until it calls Exit.
func (l *Lifecycle) Enter() bool {
	l.inFlight.Add(1)
	if !l.State().Serving() {
		l.inFlight.Add(-1)
		return false
	}
	return true
}

func (l *Lifecycle) Exit() { l.inFlight.Add(-1) }

// WaitIdle blocks until no request is in flight or ctx is done.
func (l *Lifecycle) WaitIdle(ctx context.Context) error {
	if l.InFlight() <= 0 {
		return nil
	}
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return errors.WithContext(
				errors.Wrap(ctx.Err(), errors.CodeTimeout, "in-flight requests did not drain"),
				"inFlight", l.InFlight())
		case <-t.C:
			if l.InFlight() <= 0 {
				return nil
			}
		}
	}
}
