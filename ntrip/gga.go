package ntrip

import (
	"fmt"
	"math"
	"time"

	"github.com/fieldline/swathguide/common"
)

// GGA fix quality values.
const (
	QualityInvalid  = 0
	QualityGPS      = 1
	QualityDGPS     = 2
	QualityRTKFixed = 4
	QualityRTKFloat = 5
)

// Position is what a caster needs to know about the rover.
type Position struct {
	Time    time.Time
	Lat     float64
	Lon     float64
	AltMSL  float64
	Quality int
	NumSV   int
	HDOP    float64
}

// GGA formats p as a $GPGGA sentence.
func GGA(p Position) []byte {
	t := p.Time.UTC()
	body := fmt.Sprintf("GPGGA,%02d%02d%02d.%02d,%s,%s,%d,%02d,%.1f,%.1f,M,0.0,M,,",
		t.Hour(), t.Minute(), t.Second(), t.Nanosecond()/1e7,
		ddmm(p.Lat, 2, "N", "S"), ddmm(p.Lon, 3, "E", "W"),
		p.Quality, p.NumSV, p.HDOP, p.AltMSL)
	return common.MakeNMEACmd(body)
}

// ddmm renders degrees as NMEA (d)ddmm.mmmmm plus hemisphere.
func ddmm(deg float64, width int, pos, neg string) string {
	hemi := pos
	if deg < 0 {
		hemi = neg
	}
	minutes := math.Round(math.Abs(deg)*60*1e5) / 1e5
	d := int(minutes / 60)
	m := minutes - float64(d*60)
	return fmt.Sprintf("%0*d%08.5f,%s", width, d, m, hemi)
}
