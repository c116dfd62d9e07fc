// Package reconcile joins a session's hourly energy profile with hourly
// electricity prices and produces the session's total cost.
package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"charge-cost/internal/pricing"
	"charge-cost/internal/profile"
)

// ErrSessionNotFound is returned by gateways when the session id is unknown.
var ErrSessionNotFound = errors.New("charging session not found")

// SessionContext is the session metadata needed for a calculation run.
type SessionContext struct {
	ID          int64
	EnergyUsed  decimal.NullDecimal
	EnergyAdded decimal.NullDecimal
	GeofenceID  sql.NullInt64
}

// SessionGateway supplies session metadata and raw readings, and accepts the
// final cost. Re-saving a cost for the same session overwrites the previous
// value.
type SessionGateway interface {
	Session(ctx context.Context, id int64) (SessionContext, error)
	Samples(ctx context.Context, id int64) ([]profile.RawEnergySample, error)
	SaveCost(ctx context.Context, id int64, cost decimal.Decimal) error
}

// PriceSource yields hourly price frames for one UTC calendar day. A day with
// no retrievable prices yields an empty slice, never an error.
type PriceSource interface {
	FetchDay(ctx context.Context, day time.Time) []pricing.PriceFrame
}

// HourCost is one hour's line in the calculation breakdown.
type HourCost struct {
	Hour         time.Time
	KWh          decimal.Decimal
	Price        decimal.Decimal
	Cost         decimal.Decimal
	PriceMissing bool
}

// CalculationResult is the outcome of one run. The breakdown exists for
// observability only and is never persisted.
type CalculationResult struct {
	SessionID int64
	Total     decimal.Decimal
	Breakdown []HourCost
}

// Reconciler orchestrates one cost calculation per ended charging session.
type Reconciler struct {
	Gateway SessionGateway
	Prices  PriceSource

	// HomeGeofence limits calculation to sessions at the home location.
	// Zero disables the gate.
	HomeGeofence int64

	// DisplayTZ is the timezone used for human-readable breakdown logs.
	// Bucket keys themselves are always UTC.
	DisplayTZ *time.Location

	Logger *slog.Logger
}

// Compute runs the full calculation for one session: scale factor, hourly
// profile, day-span price fetch, join, rounding, write-back.
//
// A nil result with a nil error means the run was a deliberate no-op (session
// unknown, not at the home location, or no usable energy data); the reason is
// logged. Errors are reserved for unexpected faults such as failing session
// reads. Data-quality gaps (missing readings, missing prices) and write-back
// failures never fail the run.
func (r *Reconciler) Compute(ctx context.Context, sessionID int64) (*CalculationResult, error) {
	log := r.Logger.With("session_id", sessionID, "run_id", uuid.NewString())
	log.Info("calculating charging cost")

	sess, err := r.Gateway.Session(ctx, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		log.Warn("charging session not found, skipping")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	if r.HomeGeofence != 0 && (!sess.GeofenceID.Valid || sess.GeofenceID.Int64 != r.HomeGeofence) {
		log.Info("session not at home location, skipping", "geofence_id", sess.GeofenceID.Int64)
		return nil, nil
	}

	scale := profile.ScaleFactor(sess.EnergyUsed, sess.EnergyAdded)
	if scale.Equal(decimal.NewFromInt(1)) {
		log.Info("no usable energy totals, skipping scale correction")
	} else {
		log.Info("applying energy scale correction", "scale", scale.StringFixed(3))
	}

	samples, err := r.Gateway.Samples(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load energy readings: %w", err)
	}

	buckets, err := profile.BuildHourly(samples, scale)
	if errors.Is(err, profile.ErrNoProfile) {
		log.Warn("no energy readings for session, skipping")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	prices := r.collectPrices(ctx, buckets)

	result := r.join(log, sessionID, buckets, prices)
	log.Info("session cost calculated",
		"total", result.Total.StringFixed(2), "hours", len(result.Breakdown))

	if err := r.Gateway.SaveCost(ctx, sessionID, result.Total); err != nil {
		// The computed result stays valid for the caller even when durable
		// storage fails.
		log.Error("failed to persist session cost", "error", err)
	} else {
		log.Info("session cost persisted", "total", result.Total.StringFixed(2))
	}
	return result, nil
}

// collectPrices enumerates every UTC calendar day touched by the session,
// from the first bucket's day up to the hour after the last bucket, fetching
// each day once and merging the frames.
func (r *Reconciler) collectPrices(ctx context.Context, buckets map[time.Time]decimal.Decimal) pricing.PriceMap {
	hours := profile.SortedHours(buckets)
	first, last := hours[0], hours[len(hours)-1]

	sessionEnd := last.Add(time.Hour)
	prices := pricing.PriceMap{}
	day := time.Date(first.Year(), first.Month(), first.Day(), 0, 0, 0, 0, time.UTC)
	for day.Before(sessionEnd) {
		prices.Merge(r.Prices.FetchDay(ctx, day))
		day = day.AddDate(0, 0, 1)
	}
	return prices
}

// join walks buckets in ascending hour order, pricing each one. Hours with
// no price contribute nothing to the total and are flagged in the breakdown.
// The total is rounded half-up to 2 decimal digits, once, at the end.
func (r *Reconciler) join(log *slog.Logger, sessionID int64, buckets map[time.Time]decimal.Decimal, prices pricing.PriceMap) *CalculationResult {
	result := &CalculationResult{SessionID: sessionID}
	total := decimal.Zero

	for _, hour := range profile.SortedHours(buckets) {
		kwh := buckets[hour]
		price, ok := prices[hour]
		if !ok {
			log.Warn("no price for hour", "hour", hour.Format(time.RFC3339))
			result.Breakdown = append(result.Breakdown, HourCost{
				Hour: hour, KWh: kwh, PriceMissing: true,
			})
			continue
		}

		cost := kwh.Mul(price)
		total = total.Add(cost)
		result.Breakdown = append(result.Breakdown, HourCost{
			Hour: hour, KWh: kwh, Price: price, Cost: cost,
		})
		log.Info("priced hour",
			"hour", r.displayTime(hour),
			"kwh", kwh.StringFixed(3),
			"price", price.StringFixed(2),
			"cost", cost.StringFixed(2))
	}

	result.Total = total.Round(2)
	return result
}

func (r *Reconciler) displayTime(hour time.Time) string {
	if r.DisplayTZ != nil {
		hour = hour.In(r.DisplayTZ)
	}
	return hour.Format("2006-01-02 15:04")
}
