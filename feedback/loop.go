// Package feedback turns the current deviation into steering cues.
package feedback

import (
	"math"
	"time"

	"github.com/tevino/abool/v2"

	"github.com/fieldline/swathguide/common"
	"github.com/fieldline/swathguide/guidance"
)

// Cue is an audible steering instruction.
type Cue int

const (
	CueNone Cue = iota
	CueSteerLeft
	CueSteerRight
)

func (c Cue) String() string {
	switch c {
	case CueSteerLeft:
		return "steer-left"
	case CueSteerRight:
		return "steer-right"
	}
	return "none"
}

func (c Cue) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Policy maps a deviation to a cue and the delay before the next one.
type Policy struct {
	// SilenceThreshold is the largest deviation in metres that stays silent.
	SilenceThreshold float64
	// Gain sets the repeat interval: Gain / |deviation| seconds.
	Gain        float64
	MinInterval time.Duration
	MaxInterval time.Duration
	// Poll is the re-check delay while silent.
	Poll time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		SilenceThreshold: 0.03,
		Gain:             0.1,
		MinInterval:      250 * time.Millisecond,
		MaxInterval:      2 * time.Second,
		Poll:             100 * time.Millisecond,
	}
}

// CueFor returns the cue for st and how long to wait before asking again.
func (p Policy) CueFor(st guidance.State) (Cue, time.Duration) {
	dev := math.Abs(st.LateralMeters)
	if dev <= p.SilenceThreshold {
		return CueNone, p.Poll
	}

	var cue Cue
	switch st.Side {
	case guidance.SideRight:
		cue = CueSteerLeft
	case guidance.SideLeft:
		cue = CueSteerRight
	default:
		return CueNone, p.Poll
	}

	d := time.Duration(p.Gain / dev * float64(time.Second))
	if d < p.MinInterval {
		d = p.MinInterval
	}
	if p.MaxInterval > 0 && d > p.MaxInterval {
		d = p.MaxInterval
	}
	return cue, d
}

// Loop polls the latest deviation on its own timer and emits cues.
type Loop struct {
	policy Policy
	source func() (guidance.State, bool)
	emit   func(Cue)

	eh      *common.ExitHelper
	running *abool.AtomicBool
}

// NewLoop returns a stopped loop. source reports the latest deviation and
// whether guidance is active; emit is called from the loop goroutine.
func NewLoop(p Policy, source func() (guidance.State, bool), emit func(Cue)) *Loop {
	return &Loop{
		policy:  p,
		source:  source,
		emit:    emit,
		eh:      common.NewExitHelper(),
		running: abool.New(),
	}
}

func (l *Loop) Start() {
	if !l.running.SetToIf(false, true) {
		return
	}
	l.eh.Go(l.run)
}

// Stop ends the loop. No cue is emitted after Stop returns.
func (l *Loop) Stop() {
	l.eh.Exit()
	l.running.UnSet()
}

func (l *Loop) Running() bool {
	return l.running.IsSet()
}

func (l *Loop) run(exit <-chan struct{}) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-exit:
			return
		case <-timer.C:
		}

		cue, next := CueNone, l.policy.Poll
		if st, ok := l.source(); ok {
			cue, next = l.policy.CueFor(st)
		}
		if cue != CueNone {
			l.emit(cue)
		}
		if next <= 0 {
			next = 100 * time.Millisecond
		}
		timer.Reset(next)
	}
}
