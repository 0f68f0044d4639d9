package system

import "time"

// Phase defines execution ordering within a single tick.
type Phase int

const (
	PhaseInput    Phase = iota // 0: apply queued client inputs
	PhaseSimulate              // 1: authoritative movement and rules
	PhaseSnapshot              // 2: record history for rewind
	PhaseOutput                // 3: build + send packets
)

func (p Phase) String() string {
	switch p {
	case PhaseInput:
		return "input"
	case PhaseSimulate:
		return "simulate"
	case PhaseSnapshot:
		return "snapshot"
	case PhaseOutput:
		return "output"
	}
	return "unknown"
}

// System is one step of the server tick.
type System interface {
	Phase() Phase
	Update(dt time.Duration)
}

// Func adapts a plain function to System.
type Func struct {
	P  Phase
	Fn func(dt time.Duration)
}

func (f Func) Phase() Phase { return f.P }

func (f Func) Update(dt time.Duration) { f.Fn(dt) }
