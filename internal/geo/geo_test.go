package geo

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var campus = Point{Lat: 12.971598, Lng: 77.594562}

func ptr(v float64) *float64 { return &v }

// northOf returns a point d meters due north of p.
func northOf(p Point, d float64) Point {
	return Point{Lat: p.Lat + d/(EarthRadiusMeters*math.Pi/180), Lng: p.Lng}
}

func sampleAt(p Point, accuracy float64) Sample {
	return Sample{Lat: p.Lat, Lng: p.Lng, Accuracy: ptr(accuracy), Altitude: ptr(920.4), Timestamp: time.Now()}
}

func TestDistance(t *testing.T) {
	t.Run("identical points are zero apart", func(t *testing.T) {
		assert.Equal(t, 0.0, Distance(campus, campus))
	})

	t.Run("distance is symmetric", func(t *testing.T) {
		other := Point{Lat: 12.935192, Lng: 77.624481}
		assert.InDelta(t, Distance(campus, other), Distance(other, campus), 1e-9)
	})

	t.Run("meridian offset matches arc length", func(t *testing.T) {
		assert.InDelta(t, 200.0, Distance(campus, northOf(campus, 200)), 0.01)
	})

	t.Run("one degree of longitude at the equator", func(t *testing.T) {
		d := Distance(Point{0, 0}, Point{0, 1})
		assert.InDelta(t, 111194.9, d, 1)
	})
}

func TestAllowedRadius(t *testing.T) {
	fence := Fence{Center: campus, Radius: 50}

	t.Run("adaptive disabled uses fence radius", func(t *testing.T) {
		assert.Equal(t, 50.0, AllowedRadius(fence, ptr(80), DeviceDesktop))
	})

	adaptive := fence
	adaptive.Adaptive = AdaptiveConfig{Enabled: true, BaseRadius: 50, MaxRadius: 150, AccuracyMultiplier: 1}

	t.Run("mobile adds accuracy", func(t *testing.T) {
		assert.InDelta(t, 70.0, AllowedRadius(adaptive, ptr(20), DeviceMobile), 1e-9)
	})

	t.Run("desktop gets more slack", func(t *testing.T) {
		assert.InDelta(t, 80.0, AllowedRadius(adaptive, ptr(20), DeviceDesktop), 1e-9)
	})

	t.Run("capped at max radius", func(t *testing.T) {
		assert.Equal(t, 150.0, AllowedRadius(adaptive, ptr(400), DeviceTablet))
	})

	t.Run("missing accuracy falls back to base", func(t *testing.T) {
		assert.Equal(t, 50.0, AllowedRadius(adaptive, nil, DeviceMobile))
	})

	t.Run("custom tolerance overrides default", func(t *testing.T) {
		custom := adaptive
		custom.Adaptive.DeviceTolerance = map[DeviceType]float64{DeviceMobile: 2}
		assert.InDelta(t, 90.0, AllowedRadius(custom, ptr(20), DeviceMobile), 1e-9)
	})
}

func TestValidate(t *testing.T) {
	t.Run("far submission rejected with distance in message", func(t *testing.T) {
		fence := Fence{Center: campus, Radius: 50, RequiredAccuracy: 100}
		res := Validate(fence, sampleAt(northOf(campus, 200), 10), nil, DeviceMobile, false)

		require.False(t, res.Valid)
		assert.Equal(t, ReasonOutsideFence, res.Reason)
		assert.InDelta(t, 200.0, res.Distance, 0.5)
		assert.Equal(t, 50.0, res.AllowedRadius)
		assert.Contains(t, res.Message, "200m")
		assert.Contains(t, res.Message, "50m")
	})

	t.Run("boundary is inclusive", func(t *testing.T) {
		p := northOf(campus, 50)
		fence := Fence{Center: campus, Radius: Distance(campus, p)}
		res := Validate(fence, sampleAt(p, 10), nil, DeviceMobile, false)
		assert.True(t, res.Valid)
	})

	t.Run("just outside boundary fails", func(t *testing.T) {
		p := northOf(campus, 50.5)
		fence := Fence{Center: campus, Radius: 50}
		res := Validate(fence, sampleAt(p, 10), nil, DeviceMobile, false)
		assert.False(t, res.Valid)
	})

	t.Run("invalid coordinates", func(t *testing.T) {
		res := Validate(Fence{Center: campus, Radius: 50}, Sample{Lat: 91, Lng: 0}, nil, DeviceMobile, false)
		assert.False(t, res.Valid)
		assert.Equal(t, ReasonInvalidFormat, res.Reason)
	})

	t.Run("standard mode flags low accuracy", func(t *testing.T) {
		fence := Fence{Center: campus, Radius: 50, RequiredAccuracy: 20}
		res := Validate(fence, sampleAt(northOf(campus, 10), 45), nil, DeviceMobile, false)
		require.True(t, res.Valid)
		assert.Contains(t, res.Flags, FlagLowAccuracy)
	})

	t.Run("strict mode rejects low accuracy", func(t *testing.T) {
		fence := Fence{Center: campus, Radius: 50, RequiredAccuracy: 20}
		res := Validate(fence, sampleAt(northOf(campus, 10), 45), nil, DeviceMobile, true)
		assert.False(t, res.Valid)
		assert.Equal(t, ReasonAccuracyTooLow, res.Reason)
	})

	t.Run("strict mode rejects suspicious reading", func(t *testing.T) {
		fence := Fence{Center: campus, Radius: 5000}
		s := Sample{Lat: 12.97, Lng: 77.59, Accuracy: ptr(1), Altitude: ptr(0)}
		res := Validate(fence, s, nil, DeviceMobile, true)
		assert.False(t, res.Valid)
		assert.Equal(t, ReasonSuspicious, res.Reason)
	})

	t.Run("standard mode passes suspicious reading with flag", func(t *testing.T) {
		fence := Fence{Center: campus, Radius: 5000}
		s := Sample{Lat: 12.97, Lng: 77.59, Accuracy: ptr(1), Altitude: ptr(0)}
		res := Validate(fence, s, nil, DeviceMobile, false)
		require.True(t, res.Valid)
		assert.Contains(t, res.Flags, FlagSpoofingSuspected)
		assert.True(t, res.Spoof.Suspicious)
	})
}

func TestSpoofScore(t *testing.T) {
	now := time.Now()

	t.Run("clean reading scores zero", func(t *testing.T) {
		r := SpoofScore(sampleAt(campus, 12), nil)
		assert.Equal(t, 0, r.Score)
		assert.False(t, r.Suspicious)
		assert.Empty(t, r.Indicators)
	})

	t.Run("accuracy heuristics", func(t *testing.T) {
		assert.Equal(t, 20, SpoofScore(sampleAt(campus, 2), nil).Score)
		assert.Equal(t, 10, SpoofScore(sampleAt(campus, 900), nil).Score)

		missing := sampleAt(campus, 0)
		missing.Accuracy = nil
		assert.Equal(t, 5, SpoofScore(missing, nil).Score)
	})

	t.Run("zero altitude", func(t *testing.T) {
		s := sampleAt(campus, 12)
		s.Altitude = ptr(0)
		r := SpoofScore(s, nil)
		assert.Equal(t, 10, r.Score)
		assert.Contains(t, r.Indicators, IndicatorZeroAltitude)
	})

	t.Run("low coordinate precision", func(t *testing.T) {
		s := sampleAt(Point{Lat: 12.971, Lng: 77.594562}, 12)
		r := SpoofScore(s, nil)
		assert.Equal(t, 15, r.Score)
		assert.Contains(t, r.Indicators, IndicatorLowPrecision)
	})

	t.Run("round ending", func(t *testing.T) {
		s := sampleAt(Point{Lat: 12.971111, Lng: 77.594562}, 12)
		r := SpoofScore(s, nil)
		assert.Equal(t, 15, r.Score)
		assert.Contains(t, r.Indicators, IndicatorRoundValue)
	})

	t.Run("teleport between samples", func(t *testing.T) {
		prev := sampleAt(campus, 12)
		prev.Timestamp = now.Add(-10 * time.Second)
		cur := sampleAt(northOf(campus, 5000), 12)
		cur.Timestamp = now

		r := SpoofScore(cur, &prev)
		assert.Contains(t, r.Indicators, IndicatorTeleport)
		assert.GreaterOrEqual(t, r.Score, 50)
		assert.True(t, r.Suspicious)
		assert.InDelta(t, 500.0, r.ImpliedSpeed, 1)
	})

	t.Run("sustained high speed", func(t *testing.T) {
		prev := sampleAt(campus, 12)
		prev.Timestamp = now.Add(-10 * time.Second)
		cur := sampleAt(northOf(campus, 1000), 12)
		cur.Timestamp = now

		r := SpoofScore(cur, &prev)
		assert.Contains(t, r.Indicators, IndicatorHighSpeed)
		assert.NotContains(t, r.Indicators, IndicatorTeleport)
	})

	t.Run("reported speed disagrees with movement", func(t *testing.T) {
		prev := sampleAt(campus, 12)
		prev.Timestamp = now.Add(-10 * time.Second)
		cur := sampleAt(northOf(campus, 100), 12)
		cur.Timestamp = now
		cur.Speed = ptr(0)

		r := SpoofScore(cur, &prev)
		assert.Contains(t, r.Indicators, IndicatorSpeedMismatch)
	})

	t.Run("previous sample without later timestamp is ignored", func(t *testing.T) {
		prev := sampleAt(northOf(campus, 5000), 12)
		prev.Timestamp = now
		cur := sampleAt(campus, 12)
		cur.Timestamp = now

		r := SpoofScore(cur, &prev)
		assert.Equal(t, 0, r.Score)
	})
}
