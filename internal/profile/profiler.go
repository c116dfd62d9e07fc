// Package profile derives an hourly energy-delivery profile from raw
// cumulative charge readings.
package profile

import (
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNoProfile means no consecutive pair of readings carried values, so no
// hourly profile can be derived.
var ErrNoProfile = errors.New("no energy profile derivable")

// RawEnergySample is one observation of the charger's cumulative energy
// counter. The counter is monotonic in intent only; resets and noise happen.
type RawEnergySample struct {
	Timestamp     time.Time
	CumulativeKWh decimal.NullDecimal
}

var one = decimal.NewFromInt(1)

// ScaleFactor reconciles the two independently measured session totals,
// returning used/added. It falls back to 1 when either total is missing,
// added is zero, or the ratio itself is zero (a zero multiplier would wipe
// the whole profile, which is never what a zero-usage reading means).
func ScaleFactor(used, added decimal.NullDecimal) decimal.Decimal {
	if !used.Valid || !added.Valid || added.Decimal.IsZero() {
		return one
	}
	scale := used.Decimal.Div(added.Decimal)
	if scale.IsZero() {
		return one
	}
	return scale
}

// BuildHourly walks consecutive sample pairs and accumulates each scaled
// delta into the UTC hour bucket of the later reading. Negative deltas
// (counter reset) are clamped to zero rather than subtracted. A sample with
// no value breaks the delta chain: the next pair is skipped and accumulation
// resumes at the following pair with both values present.
//
// The sum over all buckets equals scale times the sum of the clamped deltas.
func BuildHourly(samples []RawEnergySample, scale decimal.Decimal) (map[time.Time]decimal.Decimal, error) {
	buckets := make(map[time.Time]decimal.Decimal)
	var prev decimal.NullDecimal

	for _, s := range samples {
		if prev.Valid && s.CumulativeKWh.Valid {
			delta := s.CumulativeKWh.Decimal.Sub(prev.Decimal)
			if delta.IsNegative() {
				delta = decimal.Zero
			}
			hour := s.Timestamp.UTC().Truncate(time.Hour)
			buckets[hour] = buckets[hour].Add(delta.Mul(scale))
		}
		prev = s.CumulativeKWh
	}

	if len(buckets) == 0 {
		return nil, ErrNoProfile
	}
	return buckets, nil
}

// SortedHours returns the bucket keys in ascending order, for deterministic
// reporting.
func SortedHours(buckets map[time.Time]decimal.Decimal) []time.Time {
	hours := make([]time.Time, 0, len(buckets))
	for h := range buckets {
		hours = append(hours, h)
	}
	sort.Slice(hours, func(i, j int) bool { return hours[i].Before(hours[j]) })
	return hours
}
