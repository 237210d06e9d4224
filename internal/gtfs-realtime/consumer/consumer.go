package consumer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"github.com/transitdelay-data/internal/common/logger"
)

const (
	UserAgent = "transitdelay-data/1.0"

	// FeedTripUpdates and FeedVehiclePositions label the two polled feeds in logs and metrics.
	FeedTripUpdates      = "trip_updates"
	FeedVehiclePositions = "vehicle_positions"

	maxFeedBytes = 32 << 20
)

// ErrFeedUnavailable marks a cycle in which at least one feed could not be fetched or decoded.
var ErrFeedUnavailable = errors.New("feed unavailable")

// FetchMetrics receives per-fetch outcomes. A nil FetchMetrics is allowed.
type FetchMetrics interface {
	FetchObserve(feed string, d time.Duration, err error)
}

type Config struct {
	Timeout      time.Duration
	APIKey       string
	APIKeyHeader string
}

type Consumer struct {
	config     Config
	httpClient *http.Client
	logger     logger.Logger
	metrics    FetchMetrics
}

func NewConsumer(cfg Config, log logger.Logger, m FetchMetrics) *Consumer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := &http.Client{
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 5,
			IdleConnTimeout:     30 * time.Second,
		},
	}

	return &Consumer{
		config:     cfg,
		httpClient: client,
		logger:     log,
		metrics:    m,
	}
}

// Fetch downloads and decodes one feed. Transport and decode failures are
// logged and reported as a nil message; callers skip the cycle.
func (c *Consumer) Fetch(ctx context.Context, url string) *gtfsrt.FeedMessage {
	msg, err := c.FetchFeed(ctx, url)
	if err != nil {
		c.logger.Error("Failed to fetch feed", "url", url, "error", err)
		return nil
	}
	return msg
}

// FetchFeed is Fetch with the underlying error exposed.
func (c *Consumer) FetchFeed(ctx context.Context, url string) (*gtfsrt.FeedMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "application/x-protobuf")
	if c.config.APIKey != "" && c.config.APIKeyHeader != "" {
		req.Header.Set(c.config.APIKeyHeader, c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP error: %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	feedMessage := &gtfsrt.FeedMessage{}
	if err := proto.Unmarshal(body, feedMessage); err != nil {
		return nil, fmt.Errorf("failed to unmarshal protobuf: %w", err)
	}

	c.logger.Debug("Successfully fetched feed", "url", url, "entities", len(feedMessage.GetEntity()))
	return feedMessage, nil
}

// FeedPair is the result of polling both feeds for one cycle.
type FeedPair struct {
	TripUpdates      *gtfsrt.FeedMessage
	VehiclePositions *gtfsrt.FeedMessage
}

// FetchPair fetches trip updates then vehicle positions. If either is missing the
// returned error wraps ErrFeedUnavailable and names the feed(s) that failed.
func (c *Consumer) FetchPair(ctx context.Context, tripUpdatesURL, vehiclePositionsURL string) (FeedPair, error) {
	var pair FeedPair
	var missing []string

	pair.TripUpdates = c.fetchObserved(ctx, FeedTripUpdates, tripUpdatesURL)
	if pair.TripUpdates == nil {
		missing = append(missing, FeedTripUpdates)
	}
	pair.VehiclePositions = c.fetchObserved(ctx, FeedVehiclePositions, vehiclePositionsURL)
	if pair.VehiclePositions == nil {
		missing = append(missing, FeedVehiclePositions)
	}

	if len(missing) > 0 {
		return pair, fmt.Errorf("%w: %v", ErrFeedUnavailable, missing)
	}
	return pair, nil
}

func (c *Consumer) fetchObserved(ctx context.Context, feed, url string) *gtfsrt.FeedMessage {
	start := time.Now()
	msg, err := c.FetchFeed(ctx, url)
	if c.metrics != nil {
		c.metrics.FetchObserve(feed, time.Since(start), err)
	}
	if err != nil {
		c.logger.Error("Failed to fetch feed", "feed", feed, "url", url, "error", err)
		return nil
	}
	return msg
}
