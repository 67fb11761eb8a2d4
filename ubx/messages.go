package ubx

import (
	"time"
)

// Message classes and IDs handled by the MessageDecoder.
const (
	ClassNAV = 0x01
	ClassCFG = 0x06

	IDNavPosLLH = 0x02
	IDNavStatus = 0x03
	IDNavPVT    = 0x07
	IDNavVelNED = 0x12
	IDNavSat    = 0x35

	IDCfgMsg  = 0x01
	IDCfgRate = 0x08
)

// Kind names the variant of a Fix.
type Kind string

const (
	KindStatus    Kind = "status"
	KindPosLLH    Kind = "posllh"
	KindVelNED    Kind = "velned"
	KindSatellite Kind = "sat"
	KindPVT       Kind = "pvt"
)

// Fix is one decoded navigation message. The concrete type is one of
// *NavStatus, *NavPosLLH, *NavVelNED, *NavSat or *NavPVT.
type Fix interface {
	Kind() Kind
	// TimeOfWeek is the GPS time of week in milliseconds.
	TimeOfWeek() uint32
	// Time is the absolute time reconstructed from TimeOfWeek.
	Time() time.Time

	isFix()
}

// Epoch carries the timing fields common to all navigation messages.
type Epoch struct {
	ITOW      uint32    `json:"itow_ms"`
	Timestamp time.Time `json:"timestamp"`
}

func (e Epoch) TimeOfWeek() uint32 { return e.ITOW }
func (e Epoch) Time() time.Time    { return e.Timestamp }

// FixType is the GNSS fix type reported by NAV-STATUS and NAV-PVT.
type FixType uint8

const (
	FixNone FixType = iota
	FixDeadReckoning
	Fix2D
	Fix3D
	FixGNSSDeadReckoning
	FixTimeOnly
)

func (f FixType) String() string {
	switch f {
	case FixNone:
		return "no-fix"
	case FixDeadReckoning:
		return "dead-reckoning"
	case Fix2D:
		return "2d"
	case Fix3D:
		return "3d"
	case FixGNSSDeadReckoning:
		return "gnss+dr"
	case FixTimeOnly:
		return "time-only"
	}
	return "unknown"
}

// CarrierSolution is the RTK state of the solution.
type CarrierSolution uint8

const (
	CarrierNone CarrierSolution = iota
	CarrierFloat
	CarrierFixed
)

func (c CarrierSolution) String() string {
	switch c {
	case CarrierNone:
		return "none"
	case CarrierFloat:
		return "rtk-float"
	case CarrierFixed:
		return "rtk-fixed"
	}
	return "unknown"
}

// NavStatus is UBX-NAV-STATUS (0x01 0x03).
type NavStatus struct {
	Epoch
	FixType      FixType         `json:"fix_type"`
	GNSSFixOK    bool            `json:"gnss_fix_ok"`
	DiffSoln     bool            `json:"diff_soln"`
	WeekValid    bool            `json:"week_valid"`
	TOWValid     bool            `json:"tow_valid"`
	DiffCorr     bool            `json:"diff_corr"`
	CarrierValid bool            `json:"carrier_valid"`
	Carrier      CarrierSolution `json:"carrier"`
	TTFF         time.Duration   `json:"ttff"`
	SinceStartup time.Duration   `json:"since_startup"`
}

// NavPosLLH is UBX-NAV-POSLLH (0x01 0x02).
type NavPosLLH struct {
	Epoch
	Lon      float64 `json:"lon"`
	Lat      float64 `json:"lat"`
	HeightMM int32   `json:"height_mm"`
	HMSLmm   int32   `json:"hmsl_mm"`
	HAccMM   uint32  `json:"hacc_mm"`
	VAccMM   uint32  `json:"vacc_mm"`
}

// NavVelNED is UBX-NAV-VELNED (0x01 0x12).
type NavVelNED struct {
	Epoch
	VelNcm        int32   `json:"vel_n_cms"`
	VelEcm        int32   `json:"vel_e_cms"`
	VelDcm        int32   `json:"vel_d_cms"`
	SpeedCM       uint32  `json:"speed_cms"`
	GroundSpeedCM uint32  `json:"gspeed_cms"`
	Heading       float64 `json:"heading_deg"`
	SAccCM        uint32  `json:"sacc_cms"`
	CAcc          float64 `json:"cacc_deg"`
}

// SatelliteInfo is one NAV-SAT repeated block.
type SatelliteInfo struct {
	GNSSID    uint8   `json:"gnss_id"`
	SVID      uint8   `json:"sv_id"`
	CNO       uint8   `json:"cno"`
	Elevation int8    `json:"elev"`
	Azimuth   int16   `json:"azim"`
	PRResM    float64 `json:"pr_res_m"`
	Quality   uint8   `json:"quality"`
	Used      bool    `json:"used"`
	Health    uint8   `json:"health"`
}

// NavSat is UBX-NAV-SAT (0x01 0x35).
type NavSat struct {
	Epoch
	Version    uint8           `json:"version"`
	Satellites []SatelliteInfo `json:"satellites"`
}

// UsedCount is the number of satellites in the navigation solution.
func (s *NavSat) UsedCount() int {
	n := 0
	for _, sv := range s.Satellites {
		if sv.Used {
			n++
		}
	}
	return n
}

// PVTValidity holds the NAV-PVT "valid" bits.
type PVTValidity struct {
	Date          bool `json:"date"`
	Time          bool `json:"time"`
	FullyResolved bool `json:"fully_resolved"`
	MagDec        bool `json:"mag_dec"`
}

// NavPVT is UBX-NAV-PVT (0x01 0x07). Date and time fields are only
// meaningful when the matching Valid bit is set; MagDec only when
// Valid.MagDec.
type NavPVT struct {
	Epoch
	Year      uint16          `json:"year"`
	Month     uint8           `json:"month"`
	Day       uint8           `json:"day"`
	Hour      uint8           `json:"hour"`
	Min       uint8           `json:"min"`
	Sec       uint8           `json:"sec"`
	Valid     PVTValidity     `json:"valid"`
	TAccNS    uint32          `json:"tacc_ns"`
	NanoNS    int32           `json:"nano_ns"`
	FixType   FixType         `json:"fix_type"`
	GNSSFixOK bool            `json:"gnss_fix_ok"`
	DiffSoln  bool            `json:"diff_soln"`
	HeadVehOK bool            `json:"head_veh_valid"`
	Carrier   CarrierSolution `json:"carrier"`
	NumSV     uint8           `json:"num_sv"`
	Lon       float64         `json:"lon"`
	Lat       float64         `json:"lat"`
	HeightMM  int32           `json:"height_mm"`
	HMSLmm    int32           `json:"hmsl_mm"`
	HAccMM    uint32          `json:"hacc_mm"`
	VAccMM    uint32          `json:"vacc_mm"`
	VelNmm    int32           `json:"vel_n_mms"`
	VelEmm    int32           `json:"vel_e_mms"`
	VelDmm    int32           `json:"vel_d_mms"`
	GSpeedMM  int32           `json:"gspeed_mms"`
	HeadMot   float64         `json:"head_mot_deg"`
	SAccMM    uint32          `json:"sacc_mms"`
	HeadAcc   float64         `json:"head_acc_deg"`
	PDOP      float64         `json:"pdop"`
	HeadVeh   float64         `json:"head_veh_deg"`
	MagDec    float64         `json:"mag_dec_deg"`
	MagAcc    float64         `json:"mag_acc_deg"`
}

// UTC returns the receiver's UTC time when date and time are valid.
func (p *NavPVT) UTC() (time.Time, bool) {
	if !p.Valid.Date || !p.Valid.Time {
		return time.Time{}, false
	}
	return time.Date(int(p.Year), time.Month(p.Month), int(p.Day),
		int(p.Hour), int(p.Min), int(p.Sec), int(p.NanoNS), time.UTC), true
}

func (*NavStatus) Kind() Kind { return KindStatus }
func (*NavPosLLH) Kind() Kind { return KindPosLLH }
func (*NavVelNED) Kind() Kind { return KindVelNED }
func (*NavSat) Kind() Kind    { return KindSatellite }
func (*NavPVT) Kind() Kind    { return KindPVT }

func (*NavStatus) isFix() {}
func (*NavPosLLH) isFix() {}
func (*NavVelNED) isFix() {}
func (*NavSat) isFix()    {}
func (*NavPVT) isFix()    {}
