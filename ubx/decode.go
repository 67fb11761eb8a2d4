package ubx

import (
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/fieldline/swathguide/common"
)

const (
	lenNavStatus   = 16
	lenNavPosLLH   = 28
	lenNavVelNED   = 36
	lenNavSatHead  = 8
	lenNavSatBlock = 12
	lenNavPVT      = 92

	degScale     = 1e-7 // lat/lon
	headingScale = 1e-5 // headings, course accuracy
)

// MessageStats are running diagnostic counters of a MessageDecoder.
type MessageStats struct {
	Decoded      uint64 `json:"decoded"`
	Unsupported  uint64 `json:"unsupported"`
	DecodeErrors uint64 `json:"decode_errors"`
}

// MessageDecoder maps Frames to typed Fixes by (class, id).
//
// The absolute timestamp of a fix combines its time of week with the GPS
// week derived from the host clock, not from the message. Close to a week
// rollover, or with a skewed host clock, the timestamp can be off by a week.
type MessageDecoder struct {
	// Now is the host clock used for week reconstruction. nil uses time.Now.
	Now func() time.Time

	decoded      atomic.Uint64
	unsupported  atomic.Uint64
	decodeErrors atomic.Uint64
}

func NewMessageDecoder() *MessageDecoder {
	return &MessageDecoder{}
}

// Decode returns the Fix carried by f. Unknown (class, id) pairs and
// malformed payloads yield false; malformed payloads are counted as decode
// errors.
func (m *MessageDecoder) Decode(f Frame) (Fix, bool) {
	if f.Class != ClassNAV {
		m.unsupported.Add(1)
		return nil, false
	}

	var (
		fix Fix
		ok  bool
	)
	switch f.ID {
	case IDNavStatus:
		fix, ok = m.decodeStatus(f.Payload)
	case IDNavPosLLH:
		fix, ok = m.decodePosLLH(f.Payload)
	case IDNavVelNED:
		fix, ok = m.decodeVelNED(f.Payload)
	case IDNavSat:
		fix, ok = m.decodeSat(f.Payload)
	case IDNavPVT:
		fix, ok = m.decodePVT(f.Payload)
	default:
		m.unsupported.Add(1)
		return nil, false
	}

	if !ok {
		m.decodeErrors.Add(1)
		return nil, false
	}
	m.decoded.Add(1)
	return fix, true
}

func (m *MessageDecoder) Stats() MessageStats {
	return MessageStats{
		Decoded:      m.decoded.Load(),
		Unsupported:  m.unsupported.Load(),
		DecodeErrors: m.decodeErrors.Load(),
	}
}

func (m *MessageDecoder) epoch(p []byte) Epoch {
	itow := binary.LittleEndian.Uint32(p[0:4])
	now := time.Now
	if m.Now != nil {
		now = m.Now
	}
	return Epoch{ITOW: itow, Timestamp: TimeFromTOW(itow, now())}
}

// TimeFromTOW places a GPS time of week inside the GPS week that contains
// now. Leap seconds are not applied; the result is on the GPS time scale.
func TimeFromTOW(itowMS uint32, now time.Time) time.Time {
	week := now.UTC().Sub(common.GPSEpoch) / common.GPSWeek
	start := common.GPSEpoch.Add(week * common.GPSWeek)
	return start.Add(time.Duration(itowMS) * time.Millisecond)
}

func (m *MessageDecoder) decodeStatus(p []byte) (Fix, bool) {
	if len(p) < lenNavStatus {
		return nil, false
	}
	flags := p[5]
	fixStat := p[6]
	flags2 := p[7]
	return &NavStatus{
		Epoch:        m.epoch(p),
		FixType:      FixType(p[4]),
		GNSSFixOK:    flags&0x01 != 0,
		DiffSoln:     flags&0x02 != 0,
		WeekValid:    flags&0x04 != 0,
		TOWValid:     flags&0x08 != 0,
		DiffCorr:     fixStat&0x01 != 0,
		CarrierValid: fixStat&0x02 != 0,
		Carrier:      CarrierSolution((flags2 >> 6) & 0x03),
		TTFF:         time.Duration(binary.LittleEndian.Uint32(p[8:12])) * time.Millisecond,
		SinceStartup: time.Duration(binary.LittleEndian.Uint32(p[12:16])) * time.Millisecond,
	}, true
}

func (m *MessageDecoder) decodePosLLH(p []byte) (Fix, bool) {
	if len(p) < lenNavPosLLH {
		return nil, false
	}
	return &NavPosLLH{
		Epoch:    m.epoch(p),
		Lon:      float64(i32(p, 4)) * degScale,
		Lat:      float64(i32(p, 8)) * degScale,
		HeightMM: i32(p, 12),
		HMSLmm:   i32(p, 16),
		HAccMM:   u32(p, 20),
		VAccMM:   u32(p, 24),
	}, true
}

func (m *MessageDecoder) decodeVelNED(p []byte) (Fix, bool) {
	if len(p) < lenNavVelNED {
		return nil, false
	}
	return &NavVelNED{
		Epoch:         m.epoch(p),
		VelNcm:        i32(p, 4),
		VelEcm:        i32(p, 8),
		VelDcm:        i32(p, 12),
		SpeedCM:       u32(p, 16),
		GroundSpeedCM: u32(p, 20),
		Heading:       float64(i32(p, 24)) * headingScale,
		SAccCM:        u32(p, 28),
		CAcc:          float64(u32(p, 32)) * headingScale,
	}, true
}

func (m *MessageDecoder) decodeSat(p []byte) (Fix, bool) {
	if len(p) < lenNavSatHead {
		return nil, false
	}
	numSvs := int(p[5])
	if len(p) < lenNavSatHead+numSvs*lenNavSatBlock {
		return nil, false
	}
	sat := &NavSat{
		Epoch:      m.epoch(p),
		Version:    p[4],
		Satellites: make([]SatelliteInfo, 0, numSvs),
	}
	for i := 0; i < numSvs; i++ {
		b := p[lenNavSatHead+i*lenNavSatBlock:]
		flags := u32(b, 8)
		sat.Satellites = append(sat.Satellites, SatelliteInfo{
			GNSSID:    b[0],
			SVID:      b[1],
			CNO:       b[2],
			Elevation: int8(b[3]),
			Azimuth:   int16(binary.LittleEndian.Uint16(b[4:6])),
			PRResM:    float64(int16(binary.LittleEndian.Uint16(b[6:8]))) * 0.1,
			Quality:   uint8(flags & 0x07),
			Used:      flags&0x08 != 0,
			Health:    uint8((flags >> 4) & 0x03),
		})
	}
	return sat, true
}

func (m *MessageDecoder) decodePVT(p []byte) (Fix, bool) {
	if len(p) < lenNavPVT {
		return nil, false
	}
	valid := p[11]
	flags := p[21]
	return &NavPVT{
		Epoch: m.epoch(p),
		Year:  binary.LittleEndian.Uint16(p[4:6]),
		Month: p[6],
		Day:   p[7],
		Hour:  p[8],
		Min:   p[9],
		Sec:   p[10],
		Valid: PVTValidity{
			Date:          valid&0x01 != 0,
			Time:          valid&0x02 != 0,
			FullyResolved: valid&0x04 != 0,
			MagDec:        valid&0x08 != 0,
		},
		TAccNS:    u32(p, 12),
		NanoNS:    i32(p, 16),
		FixType:   FixType(p[20]),
		GNSSFixOK: flags&0x01 != 0,
		DiffSoln:  flags&0x02 != 0,
		HeadVehOK: flags&0x20 != 0,
		Carrier:   CarrierSolution((flags >> 6) & 0x03),
		NumSV:     p[23],
		Lon:       float64(i32(p, 24)) * degScale,
		Lat:       float64(i32(p, 28)) * degScale,
		HeightMM:  i32(p, 32),
		HMSLmm:    i32(p, 36),
		HAccMM:    u32(p, 40),
		VAccMM:    u32(p, 44),
		VelNmm:    i32(p, 48),
		VelEmm:    i32(p, 52),
		VelDmm:    i32(p, 56),
		GSpeedMM:  i32(p, 60),
		HeadMot:   float64(i32(p, 64)) * headingScale,
		SAccMM:    u32(p, 68),
		HeadAcc:   float64(u32(p, 72)) * headingScale,
		PDOP:      float64(binary.LittleEndian.Uint16(p[76:78])) * 0.01,
		HeadVeh:   float64(i32(p, 84)) * headingScale,
		MagDec:    float64(int16(binary.LittleEndian.Uint16(p[88:90]))) * 1e-2,
		MagAcc:    float64(binary.LittleEndian.Uint16(p[90:92])) * 1e-2,
	}, true
}

func u32(p []byte, off int) uint32 {
	return binary.LittleEndian.Uint32(p[off : off+4])
}

func i32(p []byte, off int) int32 {
	return int32(binary.LittleEndian.Uint32(p[off : off+4]))
}
