package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "swathguide"

// Collectors exposes the session counters. Values are read when scraped.
func (s *Session) Collectors() []prometheus.Collector {
	counter := func(subsystem, name, help string, f func() uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(f()) })
	}
	gauge := func(subsystem, name, help string, f func() float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, f)
	}

	return []prometheus.Collector{
		counter("device", "rx_bytes_total", "Bytes received from the receiver.", func() uint64 { return s.dev.Stats().BytesRX }),
		counter("device", "tx_bytes_total", "Bytes written to the receiver.", func() uint64 { return s.dev.Stats().BytesTX }),
		counter("device", "tx_dropped_total", "Correction batches the receiver could not take.", func() uint64 { return s.dev.Stats().TXDropped }),
		counter("device", "connects_total", "Successful receiver connections.", func() uint64 { return s.dev.Stats().Connects }),
		counter("device", "dial_errors_total", "Failed receiver connection attempts.", func() uint64 { return s.dev.Stats().DialErrors }),
		gauge("device", "state", "Receiver connection state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting, 4 error).", func() float64 {
			st, _ := s.dev.State()
			return float64(st)
		}),

		counter("ntrip", "rx_bytes_total", "Correction bytes received from the caster.", func() uint64 { return s.ntrip.Stats().BytesRX }),
		counter("ntrip", "gga_sent_total", "Position reports sent to the caster.", func() uint64 { return s.ntrip.Stats().GGASent }),
		gauge("ntrip", "state", "Correction stream state (0 disconnected, 1 connecting, 2 connected, 3 error).", func() float64 {
			st, _ := s.ntrip.State()
			return float64(st)
		}),

		counter("relay", "batches_total", "Correction batches forwarded to the receiver.", func() uint64 { return s.relayBatches.Load() }),
		counter("relay", "bytes_total", "Correction bytes forwarded to the receiver.", func() uint64 { return s.relayBytes.Load() }),
		counter("relay", "dropped_total", "Correction batches dropped.", func() uint64 { return s.relayDropped.Load() }),

		counter("ubx", "frames_total", "Valid UBX frames.", func() uint64 { return s.frames.Stats().Frames }),
		counter("ubx", "checksum_errors_total", "UBX frames dropped for a bad checksum.", func() uint64 { return s.frames.Stats().ChecksumErrors }),
		counter("ubx", "oversize_total", "UBX frames dropped for an oversize length.", func() uint64 { return s.frames.Stats().Oversize }),
		counter("ubx", "decoded_total", "Navigation messages decoded.", func() uint64 { return s.msgs.Stats().Decoded }),
		counter("ubx", "unsupported_total", "UBX messages of an unsupported type.", func() uint64 { return s.msgs.Stats().Unsupported }),
		counter("ubx", "decode_errors_total", "Malformed navigation messages.", func() uint64 { return s.msgs.Stats().DecodeErrors }),

		gauge("guidance", "active", "1 while guidance is running.", func() float64 {
			if s.guiding.IsSet() {
				return 1
			}
			return 0
		}),
		gauge("guidance", "lines", "Number of guidance lines.", func() float64 { return float64(len(s.lines.Lines())) }),
		gauge("guidance", "lateral_meters", "Signed distance from the active line, positive on the left.", func() float64 {
			if d := s.deviation.Load(); d != nil && s.guiding.IsSet() {
				return d.LateralMeters
			}
			return 0
		}),
		counter("feedback", "cues_total", "Steering cues emitted.", func() uint64 { return s.cues.Load() }),
	}
}

// RegisterMetrics registers the session collectors with reg.
func (s *Session) RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range s.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
