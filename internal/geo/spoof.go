package geo

import "math"

// Spoofing heuristics. Weights are policy knobs, not invariants.
const (
	SuspiciousThreshold = 30

	tooPreciseAccuracy = 3.0
	tooCoarseAccuracy  = 500.0
	teleportSpeed      = 300.0
	sustainedSpeed     = 50.0
	speedMismatchRatio = 0.5
	minComparableSpeed = 1.0
)

// Indicator names a single spoofing heuristic that fired.
type Indicator string

const (
	IndicatorTooPrecise    Indicator = "accuracy_too_precise"
	IndicatorTooCoarse     Indicator = "accuracy_too_coarse"
	IndicatorNoAccuracy    Indicator = "accuracy_missing"
	IndicatorZeroAltitude  Indicator = "altitude_zero"
	IndicatorLowPrecision  Indicator = "coordinate_precision_low"
	IndicatorRoundValue    Indicator = "coordinate_round_value"
	IndicatorTeleport      Indicator = "implied_speed_teleport"
	IndicatorHighSpeed     Indicator = "implied_speed_high"
	IndicatorSpeedMismatch Indicator = "reported_speed_mismatch"
)

var indicatorWeight = map[Indicator]int{
	IndicatorTooPrecise:    20,
	IndicatorTooCoarse:     10,
	IndicatorNoAccuracy:    5,
	IndicatorZeroAltitude:  10,
	IndicatorLowPrecision:  15,
	IndicatorRoundValue:    15,
	IndicatorTeleport:      50,
	IndicatorHighSpeed:     20,
	IndicatorSpeedMismatch: 25,
}

// SpoofReport is the accumulated spoofing score for one sample.
type SpoofReport struct {
	Score        int         `json:"score"`
	Suspicious   bool        `json:"suspicious"`
	Indicators   []Indicator `json:"indicators,omitempty"`
	ImpliedSpeed float64     `json:"implied_speed,omitempty"`
}

func (r *SpoofReport) add(i Indicator) {
	r.Score += indicatorWeight[i]
	r.Indicators = append(r.Indicators, i)
}

// SpoofScore scores a sample for signs of a mocked or replayed location. previous
// may be nil; speed checks need it and a later timestamp on s.
func SpoofScore(s Sample, previous *Sample) SpoofReport {
	var r SpoofReport

	switch {
	case s.Accuracy == nil:
		r.add(IndicatorNoAccuracy)
	case *s.Accuracy < tooPreciseAccuracy:
		r.add(IndicatorTooPrecise)
	case *s.Accuracy > tooCoarseAccuracy:
		r.add(IndicatorTooCoarse)
	}

	if s.Altitude != nil && *s.Altitude == 0 {
		r.add(IndicatorZeroAltitude)
	}

	if decimalPlaces(s.Lat) < 4 || decimalPlaces(s.Lng) < 4 {
		r.add(IndicatorLowPrecision)
	} else if roundEnding(s.Lat) || roundEnding(s.Lng) {
		r.add(IndicatorRoundValue)
	}

	if previous != nil && !previous.Timestamp.IsZero() && s.Timestamp.After(previous.Timestamp) {
		dt := s.Timestamp.Sub(previous.Timestamp).Seconds()
		implied := Distance(previous.Point(), s.Point()) / dt
		r.ImpliedSpeed = implied

		switch {
		case implied > teleportSpeed:
			r.add(IndicatorTeleport)
		case implied > sustainedSpeed:
			r.add(IndicatorHighSpeed)
		}

		if s.Speed != nil && implied >= minComparableSpeed {
			if math.Abs(*s.Speed-implied)/implied > speedMismatchRatio {
				r.add(IndicatorSpeedMismatch)
			}
		}
	}

	r.Suspicious = r.Score >= SuspiciousThreshold
	return r
}
