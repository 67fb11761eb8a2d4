package ntrip

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"golang.org/x/exp/slices"
)

// Carrier is the carrier phase content of a mountpoint stream.
type Carrier int

const (
	CarrierNone Carrier = iota
	CarrierL1
	CarrierL1L2
)

func (c Carrier) String() string {
	switch c {
	case CarrierNone:
		return "none"
	case CarrierL1:
		return "L1"
	case CarrierL1L2:
		return "L1+L2"
	}
	return "unknown"
}

// Mountpoint is one STR record of a caster source table.
type Mountpoint struct {
	Name           string  `json:"name"`
	Identifier     string  `json:"identifier"`
	Format         string  `json:"format"`
	FormatDetails  string  `json:"format_details"`
	Carrier        Carrier `json:"carrier"`
	NavSystem      string  `json:"nav_system"`
	Network        string  `json:"network"`
	Country        string  `json:"country"`
	Lat            float64 `json:"lat"`
	Lon            float64 `json:"lon"`
	NMEA           bool    `json:"nmea"`
	NetworkRTK     bool    `json:"network_rtk"`
	Generator      string  `json:"generator"`
	Compression    string  `json:"compression"`
	Authentication string  `json:"authentication"`
	Fee            bool    `json:"fee"`
	Bitrate        int     `json:"bitrate"`
	Misc           string  `json:"misc"`
}

// SourceTable is a parsed caster source table. CAS and NET records are kept
// as raw lines.
type SourceTable struct {
	Mountpoints []Mountpoint `json:"mountpoints"`
	Casters     []string     `json:"casters,omitempty"`
	Networks    []string     `json:"networks,omitempty"`
	// Skipped counts STR records that could not be parsed.
	Skipped int `json:"skipped"`
}

// Find returns the mountpoint with the given name.
func (t *SourceTable) Find(name string) (Mountpoint, bool) {
	i := slices.IndexFunc(t.Mountpoints, func(m Mountpoint) bool { return m.Name == name })
	if i < 0 {
		return Mountpoint{}, false
	}
	return t.Mountpoints[i], true
}

// ParseSourceTable reads records up to ENDSOURCETABLE or the end of r.
func ParseSourceTable(r io.Reader) (*SourceTable, error) {
	t := &SourceTable{}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "ENDSOURCETABLE":
			return t, nil
		case strings.HasPrefix(line, "STR;"):
			if m, ok := parseSTR(line); ok {
				t.Mountpoints = append(t.Mountpoints, m)
			} else {
				t.Skipped++
			}
		case strings.HasPrefix(line, "CAS;"):
			t.Casters = append(t.Casters, line)
		case strings.HasPrefix(line, "NET;"):
			t.Networks = append(t.Networks, line)
		}
	}
	return t, sc.Err()
}

// STR;mountpoint;identifier;format;format-details;carrier;nav-system;network;
// country;latitude;longitude;nmea;solution;generator;compr-encryp;
// authentication;fee;bitrate;misc
func parseSTR(line string) (Mountpoint, bool) {
	f := strings.Split(line, ";")
	if len(f) < 18 {
		return Mountpoint{}, false
	}
	carrier, err := strconv.Atoi(f[5])
	if err != nil || carrier < 0 || carrier > 2 {
		return Mountpoint{}, false
	}
	lat, err1 := strconv.ParseFloat(f[9], 64)
	lon, err2 := strconv.ParseFloat(f[10], 64)
	if err1 != nil || err2 != nil {
		return Mountpoint{}, false
	}
	bitrate, _ := strconv.Atoi(f[17])

	m := Mountpoint{
		Name:           f[1],
		Identifier:     f[2],
		Format:         f[3],
		FormatDetails:  f[4],
		Carrier:        Carrier(carrier),
		NavSystem:      f[6],
		Network:        f[7],
		Country:        f[8],
		Lat:            lat,
		Lon:            lon,
		NMEA:           f[11] == "1",
		NetworkRTK:     f[12] == "1",
		Generator:      f[13],
		Compression:    f[14],
		Authentication: f[15],
		Fee:            f[16] == "Y",
		Bitrate:        bitrate,
	}
	if len(f) > 18 {
		m.Misc = strings.Join(f[18:], ";")
	}
	return m, true
}
