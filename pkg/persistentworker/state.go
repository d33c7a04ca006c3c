package persistentworker

import "sync/atomic"

// requestState is the lifecycle of an active request.
// Transitions only ever move forward: notStarted -> started -> finished,
// or straight from either of the first two to finished.
type requestState int32

const (
	stateNotStarted requestState = iota
	stateStarted
	stateFinished
)

func (s requestState) String() string {
	switch s {
	case stateNotStarted:
		return "NOT_STARTED"
	case stateStarted:
		return "STARTED"
	case stateFinished:
		return "FINISHED"
	}
	return "UNKNOWN"
}

// stateCell holds a requestState that is only ever changed by compare-and-swap,
// so whoever moves it into stateFinished owns the request's single response.
type stateCell struct {
	v atomic.Int32
}

func (c *stateCell) load() requestState {
	return requestState(c.v.Load())
}

// transition moves the cell from one state to another.
// It reports whether this caller performed the transition.
func (c *stateCell) transition(from, to requestState) bool {
	return c.v.CompareAndSwap(int32(from), int32(to))
}

// finish moves the cell into stateFinished from whichever state it is in.
// It reports false if another caller already finished it.
func (c *stateCell) finish() bool {
	for {
		s := c.load()
		if s == stateFinished {
			return false
		}
		if c.transition(s, stateFinished) {
			return true
		}
	}
}
