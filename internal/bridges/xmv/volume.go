package xmv

import "math"

// VolumeRange is the dB span mapped onto the 0.0-1.0 control range.
// MinDB must be strictly less than MaxDB.
type VolumeRange struct {
	MinDB float64 `json:"min_db" yaml:"min_db"`
	MaxDB float64 `json:"max_db" yaml:"max_db"`
}

// Valid reports whether the range is usable.
func (r VolumeRange) Valid() bool {
	return !math.IsNaN(r.MinDB) && !math.IsNaN(r.MaxDB) &&
		!math.IsInf(r.MinDB, 0) && !math.IsInf(r.MaxDB, 0) &&
		r.MinDB < r.MaxDB
}

// DBToFraction maps a dB value onto [0, 1], saturating outside the range.
func DBToFraction(db float64, r VolumeRange) float64 {
	if math.IsNaN(db) || db <= r.MinDB {
		return 0
	}
	if db >= r.MaxDB {
		return 1
	}
	return (db - r.MinDB) / (r.MaxDB - r.MinDB)
}

// FractionToDB maps a control fraction onto the dB range.
// Fractions outside [0, 1] saturate at the range boundaries.
func FractionToDB(fraction float64, r VolumeRange) float64 {
	if math.IsNaN(fraction) || fraction <= 0 {
		return r.MinDB
	}
	if fraction >= 1 {
		return r.MaxDB
	}
	return r.MinDB + fraction*(r.MaxDB-r.MinDB)
}
