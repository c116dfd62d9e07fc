package profile

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func ts(h, m int) time.Time {
	return time.Date(2024, 3, 10, h, m, 0, 0, time.UTC)
}

func sample(t time.Time, kwh string) RawEnergySample {
	d := decimal.RequireFromString(kwh)
	return RawEnergySample{Timestamp: t, CumulativeKWh: decimal.NullDecimal{Decimal: d, Valid: true}}
}

func blankSample(t time.Time) RawEnergySample {
	return RawEnergySample{Timestamp: t}
}

func TestScaleFactor(t *testing.T) {
	null := decimal.NullDecimal{}
	val := func(s string) decimal.NullDecimal {
		return decimal.NullDecimal{Decimal: decimal.RequireFromString(s), Valid: true}
	}

	tests := []struct {
		name        string
		used, added decimal.NullDecimal
		want        string
	}{
		{"both present", val("9.5"), val("10.0"), "0.95"},
		{"used missing", null, val("10.0"), "1"},
		{"added missing", val("9.5"), null, "1"},
		{"added zero", val("9.5"), val("0"), "1"},
		{"zero usage falls back to one", val("0"), val("10.0"), "1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ScaleFactor(tt.used, tt.added)
			if !got.Equal(decimal.RequireFromString(tt.want)) {
				t.Errorf("ScaleFactor() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestBuildHourlyBucketsDeltasByLaterReadingHour(t *testing.T) {
	samples := []RawEnergySample{
		sample(ts(0, 0), "10.0"),
		sample(ts(0, 30), "12.0"),
		sample(ts(1, 15), "13.0"),
	}

	buckets, err := BuildHourly(samples, decimal.NewFromInt(1))
	if err != nil {
		t.Fatalf("BuildHourly() error = %v", err)
	}
	if len(buckets) != 2 {
		t.Fatalf("expected 2 buckets, got %d", len(buckets))
	}
	if got := buckets[ts(0, 0)]; !got.Equal(decimal.NewFromInt(2)) {
		t.Errorf("bucket 00:00 = %s, want 2", got)
	}
	if got := buckets[ts(1, 0)]; !got.Equal(decimal.NewFromInt(1)) {
		t.Errorf("bucket 01:00 = %s, want 1", got)
	}
}

func TestBuildHourlyClampsCounterReset(t *testing.T) {
	samples := []RawEnergySample{
		sample(ts(0, 0), "10.0"),
		sample(ts(1, 0), "2.0"),
	}

	buckets, err := BuildHourly(samples, decimal.NewFromInt(1))
	if err != nil {
		t.Fatalf("BuildHourly() error = %v", err)
	}
	got, ok := buckets[ts(1, 0)]
	if !ok {
		t.Fatal("expected a zero-valued bucket for the reset hour")
	}
	if !got.IsZero() {
		t.Errorf("bucket 01:00 = %s, want 0", got)
	}
}

func TestBuildHourlyAppliesScale(t *testing.T) {
	samples := []RawEnergySample{
		sample(ts(0, 0), "0"),
		sample(ts(0, 30), "4.0"),
	}

	buckets, err := BuildHourly(samples, decimal.RequireFromString("0.5"))
	if err != nil {
		t.Fatalf("BuildHourly() error = %v", err)
	}
	if got := buckets[ts(0, 0)]; !got.Equal(decimal.NewFromInt(2)) {
		t.Errorf("scaled bucket = %s, want 2", got)
	}
}

func TestBuildHourlyMissingValueBreaksDeltaChain(t *testing.T) {
	samples := []RawEnergySample{
		sample(ts(0, 0), "10.0"),
		blankSample(ts(0, 20)),
		sample(ts(0, 40), "15.0"),
		sample(ts(0, 50), "16.0"),
	}

	buckets, err := BuildHourly(samples, decimal.NewFromInt(1))
	if err != nil {
		t.Fatalf("BuildHourly() error = %v", err)
	}
	// The 10.0 -> (blank) and (blank) -> 15.0 pairs contribute nothing; only
	// 15.0 -> 16.0 survives.
	if got := buckets[ts(0, 0)]; !got.Equal(decimal.NewFromInt(1)) {
		t.Errorf("bucket 00:00 = %s, want 1", got)
	}
}

func TestBuildHourlyConservesTotalEnergy(t *testing.T) {
	samples := []RawEnergySample{
		sample(ts(0, 0), "0"),
		sample(ts(0, 15), "1.3"),
		sample(ts(0, 45), "2.9"),
		sample(ts(1, 10), "2.5"), // reset, clamped
		sample(ts(2, 5), "4.0"),
		sample(ts(2, 55), "4.7"),
	}
	scale := decimal.RequireFromString("0.9")

	buckets, err := BuildHourly(samples, scale)
	if err != nil {
		t.Fatalf("BuildHourly() error = %v", err)
	}

	total := decimal.Zero
	for _, kwh := range buckets {
		total = total.Add(kwh)
	}
	// Clamped deltas: 1.3 + 1.6 + 0 + 1.5 + 0.7 = 5.1, scaled by 0.9.
	want := decimal.RequireFromString("5.1").Mul(scale)
	if !total.Equal(want) {
		t.Errorf("total energy = %s, want %s", total, want)
	}
}

func TestBuildHourlyEmptyInput(t *testing.T) {
	for _, samples := range [][]RawEnergySample{
		nil,
		{sample(ts(0, 0), "10.0")},
		{blankSample(ts(0, 0)), blankSample(ts(0, 30))},
	} {
		_, err := BuildHourly(samples, decimal.NewFromInt(1))
		if !errors.Is(err, ErrNoProfile) {
			t.Errorf("BuildHourly(%d samples) error = %v, want ErrNoProfile", len(samples), err)
		}
	}
}

func TestSortedHours(t *testing.T) {
	buckets := map[time.Time]decimal.Decimal{
		ts(2, 0): decimal.Zero,
		ts(0, 0): decimal.Zero,
		ts(1, 0): decimal.Zero,
	}
	hours := SortedHours(buckets)
	for i := 1; i < len(hours); i++ {
		if !hours[i-1].Before(hours[i]) {
			t.Fatalf("hours out of order: %v", hours)
		}
	}
}
