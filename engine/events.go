package engine

import (
	"time"

	"github.com/fieldline/swathguide/feedback"
	"github.com/fieldline/swathguide/gps"
	"github.com/fieldline/swathguide/guidance"
	"github.com/fieldline/swathguide/ntrip"
	"github.com/fieldline/swathguide/ubx"
)

type EventKind string

const (
	EventPosition   EventKind = "position"
	EventDeviation  EventKind = "deviation"
	EventCue        EventKind = "cue"
	EventConnection EventKind = "connection"
)

// Link names the two connections of a session.
const (
	LinkDevice      = "device"
	LinkCorrections = "corrections"
)

// Event is delivered to listeners. Exactly one of the payload fields is set,
// matching Kind.
type Event struct {
	Kind       EventKind        `json:"kind"`
	Time       time.Time        `json:"time"`
	Position   *PositionUpdate  `json:"position,omitempty"`
	Deviation  *Deviation       `json:"deviation,omitempty"`
	Cue        feedback.Cue     `json:"cue,omitempty"`
	Connection *ConnectionEvent `json:"connection,omitempty"`
}

// Listener receives session events. It must not block.
type Listener func(Event)

// PositionUpdate is the vehicle position of one fix. Footprint is set once a
// vehicle is known and the heading is valid.
type PositionUpdate struct {
	Time         time.Time        `json:"time"`
	Position     guidance.LatLon  `json:"position"`
	HeadingDeg   float64          `json:"heading_deg"`
	HeadingValid bool             `json:"heading_valid"`
	Footprint    guidance.Polygon `json:"footprint,omitempty"`
}

// Deviation is a guidance state stamped with the host time it was computed
// and the time of the fix it came from.
type Deviation struct {
	Time    time.Time `json:"time"`
	FixTime time.Time `json:"fix_time"`
	guidance.State
}

type ConnectionEvent struct {
	Link  string `json:"link"`
	Name  string `json:"name"`
	From  string `json:"from"`
	To    string `json:"to"`
	Error string `json:"error,omitempty"`
}

func connectionEvent(link, name, from, to string, err error, t time.Time) Event {
	ce := &ConnectionEvent{Link: link, Name: name, From: from, To: to}
	if err != nil {
		ce.Error = err.Error()
	}
	return Event{Kind: EventConnection, Time: t, Connection: ce}
}

type ConnectionStatus struct {
	Name  string `json:"name"`
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

type RelayStats struct {
	Batches uint64 `json:"batches"`
	Bytes   uint64 `json:"bytes"`
	Dropped uint64 `json:"dropped"`
}

// Snapshot is a point-in-time view of a session for diagnostics.
type Snapshot struct {
	Time            time.Time            `json:"time"`
	Device          ConnectionStatus     `json:"device"`
	Corrections     ConnectionStatus     `json:"corrections"`
	DeviceStats     gps.Stats            `json:"device_stats"`
	CorrectionStats ntrip.Stats          `json:"correction_stats"`
	Relay           RelayStats           `json:"relay"`
	Frames          ubx.DecoderStats     `json:"frames"`
	Messages        ubx.MessageStats     `json:"messages"`
	Fixes           map[ubx.Kind]ubx.Fix `json:"fixes"`
	Position        *PositionUpdate      `json:"position,omitempty"`
	GuidanceActive  bool                 `json:"guidance_active"`
	Lines           int                  `json:"lines"`
	Deviation       *Deviation           `json:"deviation,omitempty"`
	Cues            uint64               `json:"cues"`
}

func status(name string, state interface{ String() string }, err error) ConnectionStatus {
	cs := ConnectionStatus{Name: name, State: state.String()}
	if err != nil {
		cs.Error = err.Error()
	}
	return cs
}

func (s *Session) Snapshot() Snapshot {
	devState, devErr := s.dev.State()
	corrState, corrErr := s.ntrip.State()
	snap := Snapshot{
		Time:            time.Now(),
		Device:          status(s.dev.Name(), devState, devErr),
		Corrections:     status(s.cfg.NTRIP.Host+"/"+s.cfg.NTRIP.Mountpoint, corrState, corrErr),
		DeviceStats:     s.dev.Stats(),
		CorrectionStats: s.ntrip.Stats(),
		Relay:           s.relayStats(),
		Frames:          s.frames.Stats(),
		Messages:        s.msgs.Stats(),
		Fixes:           s.fixes.All(),
		Position:        s.position.Load(),
		GuidanceActive:  s.guiding.IsSet(),
		Lines:           len(s.lines.Lines()),
		Cues:            s.cues.Load(),
	}
	if snap.GuidanceActive {
		snap.Deviation = s.deviation.Load()
	}
	return snap
}

func (s *Session) relayStats() RelayStats {
	return RelayStats{
		Batches: s.relayBatches.Load(),
		Bytes:   s.relayBytes.Load(),
		Dropped: s.relayDropped.Load(),
	}
}
