package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"tradeflow/pkg/types"
)

// HistoryConfig configures the historical bars REST client.
type HistoryConfig struct {
	BaseURL        string
	Key            string
	Secret         string
	RequestTimeout time.Duration // per-request deadline, default 30s
	PageLimit      int           // bars per page, default 1000

	// Token bucket guarding the vendor's request cap.
	Burst         float64 // default 30
	RatePerSecond float64 // default 3
}

func (c *HistoryConfig) applyDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.PageLimit <= 0 {
		c.PageLimit = 1000
	}
	if c.Burst <= 0 {
		c.Burst = 30
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 3
	}
}

// HistoryClient fetches historical bars over REST. Requests are
// rate-limited through a token bucket and retried on 429/5xx.
type HistoryClient struct {
	http      *resty.Client
	rl        *TokenBucket
	pageLimit int
	logger    *slog.Logger
}

// NewHistoryClient creates a REST client with rate limiting and retry.
func NewHistoryClient(cfg HistoryConfig, logger *slog.Logger) *HistoryClient {
	cfg.applyDefaults()

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.RequestTimeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500 || r.StatusCode() == http.StatusTooManyRequests
		}).
		SetHeader("APCA-API-KEY-ID", cfg.Key).
		SetHeader("APCA-API-SECRET-KEY", cfg.Secret)

	return &HistoryClient{
		http:      httpClient,
		rl:        NewTokenBucket(cfg.Burst, cfg.RatePerSecond),
		pageLimit: cfg.PageLimit,
		logger:    logger.With("component", "history"),
	}
}

// Bars fetches all bars for [start, end], following pagination tokens, and
// returns them sorted by timestamp ascending.
func (c *HistoryClient) Bars(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]types.Bar, error) {
	var out []types.Bar
	pageToken := ""

	for {
		if err := c.rl.Wait(ctx); err != nil {
			return nil, err
		}

		var page types.BarsPage
		req := c.http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"timeframe": timeframe,
				"start":     start.UTC().Format(time.RFC3339),
				"end":       end.UTC().Format(time.RFC3339),
				"limit":     strconv.Itoa(c.pageLimit),
			}).
			SetResult(&page)
		if pageToken != "" {
			req.SetQueryParam("page_token", pageToken)
		}

		resp, err := req.Get("/v2/stocks/" + symbol + "/bars")
		if err != nil {
			return nil, fmt.Errorf("get bars %s: %w", symbol, err)
		}
		switch resp.StatusCode() {
		case http.StatusOK:
		case http.StatusUnauthorized, http.StatusForbidden:
			return nil, fmt.Errorf("get bars %s: status %d: %w", symbol, resp.StatusCode(), ErrAuthFailed)
		default:
			return nil, fmt.Errorf("get bars %s: status %d: %s", symbol, resp.StatusCode(), resp.String())
		}

		for _, wb := range page.Bars {
			out = append(out, wb.Bar(symbol))
		}

		if page.NextPageToken == nil || *page.NextPageToken == "" {
			break
		}
		pageToken = *page.NextPageToken
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })

	c.logger.Debug("fetched historical bars",
		"symbol", symbol,
		"timeframe", timeframe,
		"count", len(out),
	)
	return out, nil
}
