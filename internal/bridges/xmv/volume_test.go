package xmv

import (
	"math"
	"testing"
)

func TestDBToFraction(t *testing.T) {
	r := VolumeRange{MinDB: -80, MaxDB: 0}

	tests := []struct {
		db   float64
		want float64
	}{
		{-80, 0},
		{0, 1},
		{-40, 0.5},
		{-20, 0.75},
		{-100, 0},
		{12, 1},
		{math.Inf(-1), 0},
		{math.Inf(1), 1},
		{math.NaN(), 0},
	}

	for _, tt := range tests {
		if got := DBToFraction(tt.db, r); math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("DBToFraction(%v) = %v, want %v", tt.db, got, tt.want)
		}
	}
}

func TestFractionToDB(t *testing.T) {
	r := VolumeRange{MinDB: -80, MaxDB: 0}

	tests := []struct {
		fraction float64
		want     float64
	}{
		{0, -80},
		{1, 0},
		{0.5, -40},
		{0.25, -60},
		{-0.5, -80},
		{1.5, 0},
		{math.NaN(), -80},
	}

	for _, tt := range tests {
		if got := FractionToDB(tt.fraction, r); math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("FractionToDB(%v) = %v, want %v", tt.fraction, got, tt.want)
		}
	}
}

func TestVolumeRoundTrip(t *testing.T) {
	ranges := []VolumeRange{
		{MinDB: -80, MaxDB: 0},
		{MinDB: -138, MaxDB: 10},
		{MinDB: -0.5, MaxDB: 0.5},
		{MinDB: 3, MaxDB: 4},
	}

	for _, r := range ranges {
		for i := 0; i <= 1000; i++ {
			f := float64(i) / 1000
			if got := DBToFraction(FractionToDB(f, r), r); math.Abs(got-f) > 1e-9 {
				t.Fatalf("range %v: fraction %v round-trips to %v", r, f, got)
			}

			db := r.MinDB + f*(r.MaxDB-r.MinDB)
			if got := FractionToDB(DBToFraction(db, r), r); math.Abs(got-db) > 1e-9 {
				t.Fatalf("range %v: %v dB round-trips to %v", r, db, got)
			}
		}
	}
}

func TestVolumeRangeValid(t *testing.T) {
	tests := []struct {
		r    VolumeRange
		want bool
	}{
		{VolumeRange{MinDB: -80, MaxDB: 0}, true},
		{VolumeRange{MinDB: 0, MaxDB: 0}, false},
		{VolumeRange{MinDB: 0, MaxDB: -80}, false},
		{VolumeRange{MinDB: math.NaN(), MaxDB: 0}, false},
		{VolumeRange{MinDB: math.Inf(-1), MaxDB: 0}, false},
	}

	for _, tt := range tests {
		if got := tt.r.Valid(); got != tt.want {
			t.Errorf("%v.Valid() = %v, want %v", tt.r, got, tt.want)
		}
	}
}
