package adjudication

import (
	"errors"
	"sync"
)

var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrTimeoutExceeded = errors.New("stage timeout exceeded")
	ErrExternalLookup  = errors.New("external lookup failed")
	ErrCancelled       = errors.New("adjudication cancelled")
)

type State string

const (
	StateReceived    State = "received"
	StateDimensioned State = "dimensioned"
	StateRedacted    State = "redacted"
	StateGeoChecked  State = "geo_checked"
	StateClassified  State = "classified"
	StateFinalized   State = "finalized"
	StateFailed      State = "failed"
	StateCancelled   State = "cancelled"
)

func (s State) Terminal() bool {
	return s == StateFinalized || s == StateFailed || s == StateCancelled
}

type stage uint8

const (
	stageDimension stage = 1 << iota
	stageRedaction
	stageGeo
	stagePermit
)

// progress tracks one report. The middle stages complete in any order; the
// reported state is the furthest point of the canonical sequence whose
// predecessors have all completed.
type progress struct {
	mu         sync.Mutex
	done       stage
	classified bool
	terminal   State
	notify     func(State)
}

const allStages = stageDimension | stageRedaction | stageGeo | stagePermit

func (p *progress) complete(s stage) {
	p.mu.Lock()
	p.done |= s
	p.publish()
	p.mu.Unlock()
}

func (p *progress) classify() {
	p.mu.Lock()
	p.classified = true
	p.publish()
	p.mu.Unlock()
}

// finish moves to a terminal state once; later calls are ignored.
func (p *progress) finish(s State) {
	p.mu.Lock()
	if p.terminal == "" {
		p.terminal = s
		p.publish()
	}
	p.mu.Unlock()
}

func (p *progress) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current()
}

// publish must be called with mu held so observers see states in order.
func (p *progress) publish() {
	if p.notify != nil {
		p.notify(p.current())
	}
}

func (p *progress) current() State {
	switch {
	case p.terminal != "":
		return p.terminal
	case p.classified:
		return StateClassified
	case p.done&allStages == allStages:
		return StateGeoChecked
	case p.done&(stageDimension|stageRedaction) == stageDimension|stageRedaction:
		return StateRedacted
	case p.done&stageDimension != 0:
		return StateDimensioned
	}
	return StateReceived
}
