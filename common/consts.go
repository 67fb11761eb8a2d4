package common

import "time"

const (
	EarthRadiusMeters = 6371008.8 // mean earth radius
	KnotsPerMPS       = 1.943844
)

// GPSEpoch is the start of GPS week 0.
var GPSEpoch = time.Date(1980, time.January, 6, 0, 0, 0, 0, time.UTC)

const GPSWeek = 7 * 24 * time.Hour
