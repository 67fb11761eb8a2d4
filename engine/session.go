// Package engine runs a guidance session: it relays corrections to the
// receiver, decodes the receiver's output and keeps the deviation from the
// active guidance line current.
package engine

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tevino/abool/v2"

	"github.com/fieldline/swathguide/common"
	"github.com/fieldline/swathguide/feedback"
	"github.com/fieldline/swathguide/gps"
	"github.com/fieldline/swathguide/guidance"
	"github.com/fieldline/swathguide/ntrip"
	"github.com/fieldline/swathguide/ubx"
)

var (
	ErrNoGuidance         = errors.New("engine: no guidance lines")
	ErrNoCorrectionSource = errors.New("engine: no correction source configured")
)

// Below this ground speed the course over ground is noise.
const minHeadingSpeedMM = 300

type Config struct {
	Device     gps.Dialer
	Connection gps.ConnectionConfig
	NTRIP      ntrip.Config
	Builder    guidance.Builder
	Tracker    guidance.Tracker
	Feedback   feedback.Policy
	// StaleAfter silences feedback when no deviation was computed for this
	// long.
	StaleAfter time.Duration
	// StateLogInterval is the period of the state log line. Zero disables
	// it.
	StateLogInterval time.Duration
	Debug            bool
	// Now is the host clock used for GPS week reconstruction.
	Now func() time.Time
}

// Session owns one receiver connection and one correction stream.
type Session struct {
	cfg Config

	dev    *gps.DeviceConnection
	ntrip  *ntrip.Client
	frames *ubx.Decoder
	msgs   *ubx.MessageDecoder
	fixes  *FixCache
	lines  *guidance.LineSet
	loop   *feedback.Loop

	rxCh        chan []byte
	devStateCh  chan gps.StateChange
	corrCh      chan []byte
	corrStateCh chan ntrip.StateChange

	eh      *common.ExitHelper
	started *abool.AtomicBool
	guiding *abool.AtomicBool

	vehicle   atomic.Pointer[guidance.Vehicle]
	position  atomic.Pointer[PositionUpdate]
	deviation atomic.Pointer[Deviation]

	lmu       sync.RWMutex
	listeners []Listener

	relayBatches atomic.Uint64
	relayBytes   atomic.Uint64
	relayDropped atomic.Uint64
	cues         atomic.Uint64
}

// NewSession returns an idle session. cfg.Device must be set.
func NewSession(cfg Config) *Session {
	if cfg.Feedback == (feedback.Policy{}) {
		cfg.Feedback = feedback.DefaultPolicy()
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 2 * time.Second
	}

	s := &Session{
		cfg:         cfg,
		frames:      ubx.NewDecoder(),
		msgs:        ubx.NewMessageDecoder(),
		fixes:       NewFixCache(),
		lines:       &guidance.LineSet{Builder: cfg.Builder},
		rxCh:        make(chan []byte, 32),
		devStateCh:  make(chan gps.StateChange, 16),
		corrCh:      make(chan []byte, 32),
		corrStateCh: make(chan ntrip.StateChange, 16),
		eh:          common.NewExitHelper(),
		started:     abool.New(),
		guiding:     abool.New(),
	}
	s.msgs.Now = cfg.Now
	s.dev = gps.NewDeviceConnection(cfg.Device, cfg.Connection, s.rxCh, s.devStateCh)
	s.ntrip = ntrip.NewClient(cfg.NTRIP, s.corrCh, s.corrStateCh)
	s.loop = feedback.NewLoop(cfg.Feedback, s.currentDeviation, s.cue)
	return s
}

// Start runs the processing loops. Connecting a device or a correction
// source starts them implicitly.
func (s *Session) Start() {
	if !s.started.SetToIf(false, true) {
		return
	}
	s.eh.Go(s.deviceLoop)
	s.eh.Go(s.correctionLoop)
	if s.cfg.StateLogInterval > 0 {
		s.eh.Go(s.stateLogger)
	}
}

// ConnectDevice starts connecting to the receiver. Unexpected drops are
// redialled until DisconnectDevice.
func (s *Session) ConnectDevice() {
	s.Start()
	s.dev.Connect()
}

func (s *Session) DisconnectDevice() {
	s.dev.Disconnect()
}

// ConnectCorrections opens the correction stream. It does not retry; call
// it again after the stream ends.
func (s *Session) ConnectCorrections(ctx context.Context) error {
	if s.cfg.NTRIP.Host == "" {
		return ErrNoCorrectionSource
	}
	s.Start()
	return s.ntrip.Connect(ctx)
}

func (s *Session) DisconnectCorrections() {
	s.ntrip.Disconnect()
}

// SourceTable lists the mountpoints of the configured caster.
func (s *Session) SourceTable(ctx context.Context) (*ntrip.SourceTable, error) {
	if s.cfg.NTRIP.Host == "" {
		return nil, ErrNoCorrectionSource
	}
	return ntrip.FetchSourceTable(ctx, s.cfg.NTRIP)
}

// SetGuidance builds the swath lines for a field and vehicle. The lines are
// rebuilt only when one of the inputs changed. An empty result means no
// guidance is available for these inputs.
func (s *Session) SetGuidance(ref guidance.Line, field guidance.Polygon, v guidance.Vehicle) []guidance.GuidanceLine {
	s.vehicle.Store(&v)
	lines := s.lines.Set(ref, field, v.Width)
	log.Printf("engine: %d guidance lines for %.2fm implement (%d boundary points)", len(lines), v.Width, len(field))
	return lines
}

func (s *Session) Lines() []guidance.GuidanceLine {
	return s.lines.Lines()
}

// StartGuidance enables deviation tracking and audible feedback.
func (s *Session) StartGuidance() error {
	if len(s.lines.Lines()) == 0 {
		return ErrNoGuidance
	}
	s.Start()
	s.guiding.Set()
	s.loop.Start()
	log.Printf("engine: guidance started")
	return nil
}

// StopGuidance stops feedback. No cue is emitted after it returns.
func (s *Session) StopGuidance() {
	if !s.guiding.SetToIf(true, false) {
		return
	}
	s.loop.Stop()
	s.deviation.Store(nil)
	log.Printf("engine: guidance stopped")
}

// Subscribe registers l for session events. l is called from the session's
// processing goroutines and must not block.
func (s *Session) Subscribe(l Listener) {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Close stops guidance, releases both connections and stops all loops.
func (s *Session) Close() {
	s.StopGuidance()
	s.dev.Disconnect()
	s.ntrip.Disconnect()
	s.eh.Exit()
	s.started.UnSet()
}

func (s *Session) publish(e Event) {
	s.lmu.RLock()
	defer s.lmu.RUnlock()
	for _, l := range s.listeners {
		l(e)
	}
}

func (s *Session) deviceLoop(exit <-chan struct{}) {
	for {
		select {
		case <-exit:
			return
		case sc := <-s.devStateCh:
			if sc.To == gps.Connected {
				s.frames.Reset()
			}
			s.publish(connectionEvent(LinkDevice, sc.Name, sc.From.String(), sc.To.String(), sc.Err, sc.Time))
		case chunk := <-s.rxCh:
			for _, f := range s.frames.Feed(chunk) {
				fix, ok := s.msgs.Decode(f)
				if !ok {
					if s.cfg.Debug {
						log.Printf("engine: ignoring UBX %02X-%02X (%d bytes)", f.Class, f.ID, len(f.Payload))
					}
					continue
				}
				s.handleFix(fix)
			}
		}
	}
}

func (s *Session) correctionLoop(exit <-chan struct{}) {
	name := s.cfg.NTRIP.Host + "/" + s.cfg.NTRIP.Mountpoint
	for {
		select {
		case <-exit:
			return
		case sc := <-s.corrStateCh:
			s.publish(connectionEvent(LinkCorrections, name, sc.From.String(), sc.To.String(), sc.Err, sc.Time))
		case b := <-s.corrCh:
			s.relay(b)
		}
	}
}

// relay hands one correction batch to the receiver. A batch the device
// cannot take right now is dropped; the next one supersedes it.
func (s *Session) relay(b []byte) {
	if !s.dev.Write(b) {
		s.relayDropped.Add(1)
		return
	}
	s.relayBatches.Add(1)
	s.relayBytes.Add(uint64(len(b)))
}

func (s *Session) handleFix(fix ubx.Fix) {
	s.fixes.Set(fix)

	var (
		pos guidance.Position
		ok  bool
	)
	switch f := fix.(type) {
	case *ubx.NavPVT:
		s.ntrip.SetPosition(ggaPosition(f))
		pos, ok = positionFromPVT(f)
	case *ubx.NavPosLLH:
		// Receivers that send PVT drive guidance from PVT only.
		if _, havePVT := s.fixes.PVT(); havePVT {
			return
		}
		pos, ok = s.positionFromLLH(f)
	default:
		return
	}
	if !ok {
		s.deviation.Store(nil)
		return
	}
	s.onPosition(fix.Time(), pos)
}

func (s *Session) onPosition(fixTime time.Time, pos guidance.Position) {
	now := time.Now()
	upd := &PositionUpdate{
		Time:         fixTime,
		Position:     pos.LatLon,
		HeadingDeg:   pos.HeadingDeg,
		HeadingValid: pos.HeadingValid,
	}
	if v := s.vehicle.Load(); v != nil && pos.HeadingValid {
		upd.Footprint = guidance.Footprint(pos.LatLon, pos.HeadingDeg, *v)
	}
	s.position.Store(upd)
	s.publish(Event{Kind: EventPosition, Time: now, Position: upd})

	if !s.guiding.IsSet() {
		return
	}
	st, ok := s.cfg.Tracker.Update(pos, s.lines.Lines())
	if !ok {
		s.deviation.Store(nil)
		return
	}
	d := &Deviation{Time: now, FixTime: fixTime, State: st}
	s.deviation.Store(d)
	if s.cfg.Debug {
		log.Printf("engine: line %d %+.2fm %s locked=%t", st.ActiveLineIndex, st.LateralMeters, st.Side, st.HeadingLocked)
	}
	s.publish(Event{Kind: EventDeviation, Time: now, Deviation: d})
}

// currentDeviation feeds the feedback loop.
func (s *Session) currentDeviation() (guidance.State, bool) {
	if !s.guiding.IsSet() {
		return guidance.State{}, false
	}
	d := s.deviation.Load()
	if d == nil || time.Since(d.Time) > s.cfg.StaleAfter {
		return guidance.State{}, false
	}
	return d.State, true
}

func (s *Session) cue(c feedback.Cue) {
	s.cues.Add(1)
	if s.cfg.Debug {
		log.Printf("engine: cue %s", c)
	}
	s.publish(Event{Kind: EventCue, Time: time.Now(), Cue: c})
}

func usableFix(t ubx.FixType) bool {
	return t == ubx.Fix2D || t == ubx.Fix3D || t == ubx.FixGNSSDeadReckoning
}

func positionFromPVT(p *ubx.NavPVT) (guidance.Position, bool) {
	if !p.GNSSFixOK || !usableFix(p.FixType) {
		return guidance.Position{}, false
	}
	pos := guidance.Position{LatLon: guidance.LatLon{Lat: p.Lat, Lon: p.Lon}}
	switch {
	case p.HeadVehOK:
		pos.HeadingDeg, pos.HeadingValid = p.HeadVeh, true
	case p.GSpeedMM >= minHeadingSpeedMM:
		pos.HeadingDeg, pos.HeadingValid = p.HeadMot, true
	}
	return pos, true
}

func (s *Session) positionFromLLH(p *ubx.NavPosLLH) (guidance.Position, bool) {
	if st, ok := s.fixes.Status(); ok && (!st.GNSSFixOK || !usableFix(st.FixType)) {
		return guidance.Position{}, false
	}
	pos := guidance.Position{LatLon: guidance.LatLon{Lat: p.Lat, Lon: p.Lon}}
	if v, ok := s.fixes.VelNED(); ok && v.GroundSpeedCM*10 >= minHeadingSpeedMM {
		pos.HeadingDeg, pos.HeadingValid = v.Heading, true
	}
	return pos, true
}

// ggaPosition is the rover report sent to the caster. PVT carries no HDOP;
// PDOP stands in for it.
func ggaPosition(p *ubx.NavPVT) ntrip.Position {
	q := ntrip.QualityInvalid
	switch {
	case !p.GNSSFixOK:
	case p.Carrier == ubx.CarrierFixed:
		q = ntrip.QualityRTKFixed
	case p.Carrier == ubx.CarrierFloat:
		q = ntrip.QualityRTKFloat
	case p.DiffSoln:
		q = ntrip.QualityDGPS
	default:
		q = ntrip.QualityGPS
	}
	t, ok := p.UTC()
	if !ok {
		t = p.Time()
	}
	return ntrip.Position{
		Time:    t,
		Lat:     p.Lat,
		Lon:     p.Lon,
		AltMSL:  float64(p.HMSLmm) / 1000,
		Quality: q,
		NumSV:   int(p.NumSV),
		HDOP:    p.PDOP,
	}
}
