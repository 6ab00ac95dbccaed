package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDistanceKm(t *testing.T) {
	tests := []struct {
		name   string
		a, b   Coordinates
		wantKm float64
		delta  float64
	}{
		{
			name:   "same point",
			a:      Coordinates{17.3850, 78.4867},
			b:      Coordinates{17.3850, 78.4867},
			wantKm: 0,
			delta:  0.0001,
		},
		{
			name:   "hyderabad to secunderabad",
			a:      Coordinates{17.3850, 78.4867},
			b:      Coordinates{17.4399, 78.4983},
			wantKm: 6.23,
			delta:  0.1,
		},
		{
			name:   "london to paris",
			a:      Coordinates{51.5074, -0.1278},
			b:      Coordinates{48.8566, 2.3522},
			wantKm: 343.5,
			delta:  1.0,
		},
		{
			name:   "across the antimeridian",
			a:      Coordinates{0, 179.5},
			b:      Coordinates{0, -179.5},
			wantKm: 111.19,
			delta:  0.5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.wantKm, DistanceKm(tt.a, tt.b), tt.delta)
			assert.InDelta(t, tt.wantKm, DistanceKm(tt.b, tt.a), tt.delta, "distance must be symmetric")
		})
	}
}

func TestBearingDegrees(t *testing.T) {
	origin := Coordinates{0, 0}

	tests := []struct {
		name string
		to   Coordinates
		want float64
	}{
		{"due north", Coordinates{1, 0}, 0},
		{"due east", Coordinates{0, 1}, 90},
		{"due south", Coordinates{-1, 0}, 180},
		{"due west", Coordinates{0, -1}, 270},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BearingDegrees(origin, tt.to)
			assert.InDelta(t, tt.want, got, 0.01)
			assert.GreaterOrEqual(t, got, 0.0)
			assert.Less(t, got, 360.0)
		})
	}
}

func TestBoundingBox(t *testing.T) {
	// 5km box around central Hyderabad.
	box := NewBoundingBox(17.3850, 78.4867, 5000)

	t.Run("contains the center", func(t *testing.T) {
		assert.True(t, box.Contains(Coordinates{17.3850, 78.4867}))
	})

	t.Run("contains a point ~3km north", func(t *testing.T) {
		assert.True(t, box.Contains(Coordinates{17.4120, 78.4867}))
	})

	t.Run("excludes a point ~10km away", func(t *testing.T) {
		assert.False(t, box.Contains(Coordinates{17.4750, 78.4867}))
	})

	t.Run("longitude delta widens with latitude", func(t *testing.T) {
		equator := NewBoundingBox(0, 0, 5000)
		north := NewBoundingBox(60, 0, 5000)
		assert.Greater(t, north.MaxLon-north.MinLon, equator.MaxLon-equator.MinLon)
		assert.InDelta(t, equator.MaxLat-equator.MinLat, north.MaxLat-north.MinLat, 1e-9)
	})
}
