package engine

import (
	"fmt"
	"log"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/fieldline/swathguide/ubx"
)

func (s *Session) stateLogger(exit <-chan struct{}) {
	t := time.NewTicker(s.cfg.StateLogInterval)
	defer t.Stop()
	for {
		select {
		case <-exit:
			return
		case <-t.C:
			log.Printf("engine: %s", formatState(s.Snapshot()))
		}
	}
}

// formatState renders the one-line periodic state summary.
func formatState(snap Snapshot) string {
	fix := "none"
	if p, ok := snap.Fixes[ubx.KindPVT].(*ubx.NavPVT); ok {
		fix = fmt.Sprintf("%s/%s sv=%d hacc=%.2fm", p.FixType, p.Carrier, p.NumSV, float64(p.HAccMM)/1000)
	}

	dev := "-"
	if d := snap.Deviation; d != nil {
		dev = fmt.Sprintf("%+.2fm %s line %d", d.LateralMeters, d.Side, d.ActiveLineIndex)
	}

	return fmt.Sprintf("device %s (rx %s, tx %s) corrections %s (rx %s, relayed %s, dropped %d) frames %s ckerr %d fix %s lines %d deviation %s",
		snap.Device.State,
		humanize.Bytes(snap.DeviceStats.BytesRX),
		humanize.Bytes(snap.DeviceStats.BytesTX),
		snap.Corrections.State,
		humanize.Bytes(snap.CorrectionStats.BytesRX),
		humanize.Bytes(snap.Relay.Bytes),
		snap.Relay.Dropped,
		humanize.Comma(int64(snap.Frames.Frames)),
		snap.Frames.ChecksumErrors,
		fix,
		snap.Lines,
		dev,
	)
}
