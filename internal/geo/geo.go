// Package geo validates claimed locations against a circular geofence and scores
// them for signs of spoofing. Everything here is pure; callers supply the previous
// sample when they have one.
package geo

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// EarthRadiusMeters is the mean Earth radius used by Distance.
const EarthRadiusMeters = 6371000.0

// Point is a WGS84 coordinate pair in degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Sample is a single location reading reported by a client. Optional readings are
// nil when the device did not report them.
type Sample struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
	Altitude  *float64  `json:"altitude,omitempty"`
	Heading   *float64  `json:"heading,omitempty"`
	Speed     *float64  `json:"speed,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Point returns the sample coordinates.
func (s Sample) Point() Point { return Point{Lat: s.Lat, Lng: s.Lng} }

// DeviceType classifies the reporting device for radius tolerance.
type DeviceType string

const (
	DeviceMobile  DeviceType = "mobile"
	DeviceTablet  DeviceType = "tablet"
	DeviceDesktop DeviceType = "desktop"
)

// DefaultDeviceTolerance gives desktops and tablets more slack because their
// positioning is usually network based.
var DefaultDeviceTolerance = map[DeviceType]float64{
	DeviceMobile:  1.0,
	DeviceTablet:  1.2,
	DeviceDesktop: 1.5,
}

// AdaptiveConfig widens the allowed radius by the reported accuracy.
type AdaptiveConfig struct {
	Enabled            bool                   `json:"enabled"`
	BaseRadius         float64                `json:"base_radius"`
	MaxRadius          float64                `json:"max_radius"`
	AccuracyMultiplier float64                `json:"accuracy_multiplier"`
	DeviceTolerance    map[DeviceType]float64 `json:"device_tolerance,omitempty"`
}

// Fence is a circular geofence.
type Fence struct {
	Center           Point          `json:"center"`
	Radius           float64        `json:"radius"`
	RequiredAccuracy float64        `json:"required_accuracy"`
	Adaptive         AdaptiveConfig `json:"adaptive"`
}

// Flag is a soft signal produced by validation.
type Flag string

const (
	FlagSpoofingSuspected Flag = "LOCATION_SPOOFING_SUSPECTED"
	FlagLowAccuracy       Flag = "LOW_GPS_ACCURACY"
)

// Reason identifies why validation failed.
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonInvalidFormat  Reason = "INVALID_LOCATION"
	ReasonOutsideFence   Reason = "OUTSIDE_GEOFENCE"
	ReasonSuspicious     Reason = "LOCATION_SUSPICIOUS"
	ReasonAccuracyTooLow Reason = "LOW_ACCURACY"
)

// Result is the outcome of Validate.
type Result struct {
	Valid         bool        `json:"valid"`
	Reason        Reason      `json:"reason,omitempty"`
	Message       string      `json:"message,omitempty"`
	Distance      float64     `json:"distance"`
	AllowedRadius float64     `json:"allowed_radius"`
	Spoof         SpoofReport `json:"spoof"`
	Flags         []Flag      `json:"flags,omitempty"`
}

// Distance returns the great-circle distance in meters using the haversine formula.
func Distance(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	if h > 1 {
		h = 1
	}
	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(h))
}

// AllowedRadius returns the effective radius for a reading. Without adaptive mode
// it is the fence radius.
func AllowedRadius(f Fence, accuracy *float64, device DeviceType) float64 {
	if !f.Adaptive.Enabled {
		return f.Radius
	}
	base := f.Adaptive.BaseRadius
	if base <= 0 {
		base = f.Radius
	}
	mult := f.Adaptive.AccuracyMultiplier
	if mult <= 0 {
		mult = 1
	}
	tol := toleranceFor(f.Adaptive.DeviceTolerance, device)

	acc := 0.0
	if accuracy != nil && *accuracy > 0 {
		acc = *accuracy
	}
	r := base + acc*mult*tol
	if f.Adaptive.MaxRadius > 0 && r > f.Adaptive.MaxRadius {
		r = f.Adaptive.MaxRadius
	}
	return r
}

func toleranceFor(custom map[DeviceType]float64, device DeviceType) float64 {
	if v, ok := custom[device]; ok && v > 0 {
		return v
	}
	if v, ok := DefaultDeviceTolerance[device]; ok {
		return v
	}
	return 1.0
}

// ValidateFormat checks that a sample is a plausible coordinate reading.
func ValidateFormat(s Sample) error {
	if math.IsNaN(s.Lat) || math.IsNaN(s.Lng) || math.IsInf(s.Lat, 0) || math.IsInf(s.Lng, 0) {
		return fmt.Errorf("coordinates must be finite numbers")
	}
	if s.Lat < -90 || s.Lat > 90 {
		return fmt.Errorf("latitude %v out of range", s.Lat)
	}
	if s.Lng < -180 || s.Lng > 180 {
		return fmt.Errorf("longitude %v out of range", s.Lng)
	}
	if s.Accuracy != nil && (*s.Accuracy < 0 || math.IsNaN(*s.Accuracy)) {
		return fmt.Errorf("accuracy must be a non-negative number")
	}
	if s.Speed != nil && (*s.Speed < 0 || math.IsNaN(*s.Speed)) {
		return fmt.Errorf("speed must be a non-negative number")
	}
	return nil
}

// Validate checks a sample against a fence. In strict mode spoofing suspicion and
// insufficient accuracy are failures; otherwise they come back as flags for the
// caller to weigh. The boundary is inclusive.
func Validate(f Fence, s Sample, previous *Sample, device DeviceType, strict bool) Result {
	if err := ValidateFormat(s); err != nil {
		return Result{Reason: ReasonInvalidFormat, Message: err.Error()}
	}

	res := Result{
		Distance:      Distance(f.Center, s.Point()),
		AllowedRadius: AllowedRadius(f, s.Accuracy, device),
		Spoof:         SpoofScore(s, previous),
	}

	if res.Distance > res.AllowedRadius {
		res.Reason = ReasonOutsideFence
		res.Message = fmt.Sprintf("you are %.0fm from the session location; allowed radius is %.0fm",
			res.Distance, res.AllowedRadius)
		return res
	}

	lowAccuracy := f.RequiredAccuracy > 0 && (s.Accuracy == nil || *s.Accuracy > f.RequiredAccuracy)

	if strict {
		if res.Spoof.Suspicious {
			res.Reason = ReasonSuspicious
			res.Message = "location reading looks unreliable; disable mock location apps and retry"
			return res
		}
		if lowAccuracy {
			res.Reason = ReasonAccuracyTooLow
			res.Message = fmt.Sprintf("location accuracy must be %.0fm or better", f.RequiredAccuracy)
			return res
		}
	}

	if res.Spoof.Suspicious {
		res.Flags = append(res.Flags, FlagSpoofingSuspected)
	}
	if lowAccuracy {
		res.Flags = append(res.Flags, FlagLowAccuracy)
	}
	res.Valid = true
	return res
}

// decimalPlaces counts the significant fractional digits of v.
func decimalPlaces(v float64) int {
	s := strconv.FormatFloat(math.Abs(v), 'f', -1, 64)
	i := strings.IndexByte(s, '.')
	if i < 0 {
		return 0
	}
	return len(s) - i - 1
}

// roundEnding reports whether the fractional part ends in three identical digits,
// which real GPS noise rarely produces.
func roundEnding(v float64) bool {
	s := strconv.FormatFloat(math.Abs(v), 'f', -1, 64)
	i := strings.IndexByte(s, '.')
	if i < 0 {
		return false
	}
	frac := s[i+1:]
	if len(frac) < 4 {
		return false
	}
	tail := frac[len(frac)-3:]
	return tail[0] == tail[1] && tail[1] == tail[2]
}
