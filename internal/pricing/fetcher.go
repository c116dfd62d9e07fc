// Package pricing retrieves hourly electricity price quotes from the
// external pricing API.
package pricing

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"charge-cost/pkg/platform"
)

// PriceFrame is one hour's quote as returned by the upstream source.
type PriceFrame struct {
	Start      time.Time       `json:"start"`
	End        time.Time       `json:"end"`
	PriceGross decimal.Decimal `json:"price_gross"`
}

type framesResponse struct {
	Frames []PriceFrame `json:"frames"`
}

// Archiver receives successfully fetched frames for offline analysis.
// Archive failures never affect a calculation run.
type Archiver interface {
	WriteFrames(ctx context.Context, day time.Time, frames []PriceFrame) error
}

// Fetcher pulls hourly price frames for one UTC calendar day per request.
// All failure modes degrade to an empty frame list so a calculation run can
// continue with missing prices; nothing here raises to the caller.
type Fetcher struct {
	BaseURL string
	APIKey  string
	HTTP    *platform.HTTPClient
	Archive Archiver // optional
	Logger  *slog.Logger
}

// DefaultRetries and DefaultBackoff match the upstream's tolerance: three
// attempts with linearly growing delay.
const (
	DefaultRetries = 3
	DefaultBackoff = 2 * time.Second
	DefaultTimeout = 10 * time.Second
)

func NewFetcher(baseURL, apiKey string, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTP:    platform.NewHTTPClient(DefaultRetries, DefaultBackoff, DefaultTimeout),
		Logger:  logger,
	}
}

// FetchDay requests hourly frames for the 24-hour window starting at the
// given day's 00:00 UTC. A missing API key short-circuits without a request;
// transient failures are retried by the HTTP client; a definitive rejection
// aborts. In every failure case the day simply yields no frames.
func (f *Fetcher) FetchDay(ctx context.Context, day time.Time) []PriceFrame {
	if f.APIKey == "" {
		f.Logger.Error("pricing API key not configured, skipping price fetch")
		return nil
	}

	windowStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	windowEnd := windowStart.Add(24 * time.Hour)

	params := url.Values{}
	params.Set("resolution", "hour")
	params.Set("window_start", windowStart.Format(time.RFC3339))
	params.Set("window_end", windowEnd.Format(time.RFC3339))

	header := http.Header{}
	header.Set("Authorization", f.APIKey)
	header.Set("Accept", "application/json")

	var resp framesResponse
	err := f.HTTP.GetJSON(ctx, f.BaseURL, header, params, &resp)
	if err != nil {
		var se *platform.StatusError
		if errors.As(err, &se) && se.Code < http.StatusInternalServerError {
			f.Logger.Error("pricing API rejected request",
				"day", windowStart.Format("2006-01-02"), "status", se.Code, "body", se.Body)
		} else {
			f.Logger.Error("giving up fetching prices",
				"day", windowStart.Format("2006-01-02"), "error", err)
		}
		return nil
	}

	f.Logger.Info("fetched price frames",
		"day", windowStart.Format("2006-01-02"), "frames", len(resp.Frames))

	if f.Archive != nil && len(resp.Frames) > 0 {
		if err := f.Archive.WriteFrames(ctx, windowStart, resp.Frames); err != nil {
			f.Logger.Warn("failed to archive price frames", "error", err)
		}
	}
	return resp.Frames
}

// PriceMap maps hour-aligned UTC instants to gross prices, merged across
// every day fetched for a session's span.
type PriceMap map[time.Time]decimal.Decimal

// Merge folds frames into the map, truncating each frame start to the hour.
func (m PriceMap) Merge(frames []PriceFrame) {
	for _, fr := range frames {
		m[fr.Start.UTC().Truncate(time.Hour)] = fr.PriceGross
	}
}
