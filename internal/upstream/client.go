// Package upstream is the façade over the ERP attendance API. All pacing of
// the upstream — concurrency cap, rate reservoir, minimum spacing, retries —
// is centralised here so every caller shares one budget.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/shiftwire/shiftwire/internal/types"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// checkinResource is the ERP document type attendance events are posted to.
const checkinResource = "Employee Checkin"

// erpTimeLayout is the timestamp format the ERP expects: local-naive, no zone suffix.
const erpTimeLayout = "2006-01-02 15:04:05"

// Config holds upstream client settings. Zero timeout, retry, concurrency,
// reservoir, spacing and batch-size values fall back to defaults; a zero
// BatchDelay means no pause between slices.
type Config struct {
	BaseURL   string
	APIKey    string
	APISecret string

	Timeout        time.Duration
	RetryCount     int
	RetryBaseDelay time.Duration

	MaxConcurrent    int64
	Reservoir        int
	ReservoirRefresh int
	ReservoirWindow  time.Duration
	MinSpacing       time.Duration

	BatchSize  int
	BatchDelay time.Duration

	// BreakerThreshold is the consecutive availability-failure count that
	// opens the circuit. 0 disables the breaker.
	BreakerThreshold uint32
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.RetryCount <= 0 {
		c.RetryCount = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = time.Second
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 3
	}
	if c.Reservoir <= 0 {
		c.Reservoir = 100
	}
	if c.ReservoirRefresh <= 0 {
		c.ReservoirRefresh = 100
	}
	if c.ReservoirWindow <= 0 {
		c.ReservoirWindow = time.Minute
	}
	if c.MinSpacing <= 0 {
		c.MinSpacing = 300 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.BatchDelay < 0 {
		c.BatchDelay = 0
	}
	return c
}

// Outcome is the per-record result of an upstream submission.
// Partial success in a batch is represented, not raised.
type Outcome struct {
	Success bool            `json:"success"`
	Status  int             `json:"status,omitempty"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Client submits attendance events to the ERP.
type Client struct {
	cfg        Config
	httpClient *http.Client
	sem        *semaphore.Weighted
	spacing    *rate.Limiter
	reservoir  *reservoir
	breaker    *gobreaker.CircuitBreaker
	endpoint   string
}

// New creates an upstream client from config.
func New(cfg Config) *Client {
	cfg = cfg.withDefaults()

	// Some proxies in front of the ERP answer 417 to Expect: 100-continue,
	// so the handshake is disabled entirely at the transport.
	transport := &http.Transport{
		ExpectContinueTimeout: 0,
		MaxIdleConnsPerHost:   int(cfg.MaxConcurrent),
	}

	c := &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		sem:       semaphore.NewWeighted(cfg.MaxConcurrent),
		spacing:   rate.NewLimiter(rate.Every(cfg.MinSpacing), 1),
		reservoir: newReservoir(cfg.Reservoir, cfg.ReservoirRefresh, cfg.ReservoirWindow),
		endpoint:  cfg.BaseURL + "/api/resource/" + url.PathEscape(checkinResource),
	}

	if cfg.BreakerThreshold > 0 {
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "erp",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.BreakerThreshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("upstream breaker state change",
					"component", "upstream",
					"action", "breaker_transition",
					"from", from.String(),
					"to", to.String(),
				)
			},
		})
	}

	return c
}

// checkinPayload is the ERP wire format for one attendance event.
type checkinPayload struct {
	Employee  string   `json:"employee"`
	Time      string   `json:"time"`
	LogType   string   `json:"log_type"`
	DeviceID  string   `json:"device_id,omitempty"`
	Site      string   `json:"custom_site,omitempty"`
	Latitude  *float64 `json:"custom_latitude,omitempty"`
	Longitude *float64 `json:"custom_longitude,omitempty"`
}

func buildPayload(e types.AttendanceEvent) checkinPayload {
	logType := "IN"
	if e.Kind == types.KindClockOut {
		logType = "OUT"
	}
	return checkinPayload{
		Employee:  e.EmployeeID,
		Time:      e.Timestamp.UTC().Format(erpTimeLayout),
		LogType:   logType,
		DeviceID:  e.DeviceID,
		Site:      e.SiteID,
		Latitude:  e.Latitude,
		Longitude: e.Longitude,
	}
}

// SubmitOne delivers a single event, applying the shared pacing and retry policy.
func (c *Client) SubmitOne(ctx context.Context, event types.AttendanceEvent) Outcome {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return Outcome{Error: fmt.Sprintf("acquire slot: %v", err)}
	}
	defer c.sem.Release(1)

	if err := c.reservoir.wait(ctx); err != nil {
		return Outcome{Error: fmt.Sprintf("rate reservoir: %v", err)}
	}

	var out Outcome
	backoff := retry.WithMaxRetries(uint64(c.cfg.RetryCount), retry.NewExponential(c.cfg.RetryBaseDelay))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := c.spacing.Wait(ctx); err != nil {
			return err
		}

		attempt, err := c.attempt(ctx, event)
		out = attempt
		if err != nil {
			// Network errors, 5xx and 417 are recoverable; back off and retry.
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil && out.Error == "" {
		out.Error = err.Error()
	}

	return out
}

// SubmitMany delivers events in slices of batch_size, dispatching slices
// sequentially with batch_delay between them. Within a slice, requests run
// concurrently subject to the shared cap. One outcome is returned per input,
// in input order.
func (c *Client) SubmitMany(ctx context.Context, events []types.AttendanceEvent) []Outcome {
	outcomes := make([]Outcome, len(events))

	for start := 0; start < len(events); start += c.cfg.BatchSize {
		end := start + c.cfg.BatchSize
		if end > len(events) {
			end = len(events)
		}

		g, sliceCtx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			g.Go(func() error {
				outcomes[i] = c.SubmitOne(sliceCtx, events[i])
				return nil
			})
		}
		g.Wait()

		if end < len(events) && c.cfg.BatchDelay > 0 {
			select {
			case <-ctx.Done():
				for i := end; i < len(events); i++ {
					outcomes[i] = Outcome{Error: ctx.Err().Error()}
				}
				return outcomes
			case <-time.After(c.cfg.BatchDelay):
			}
		}
	}

	return outcomes
}

// attempt performs one HTTP round trip. A non-nil error means the failure is
// recoverable (network, 5xx, 417, open breaker); terminal rejections return a
// failed Outcome with a nil error so the retry loop stops.
func (c *Client) attempt(ctx context.Context, event types.AttendanceEvent) (Outcome, error) {
	do := func() (Outcome, error) { return c.doRequest(ctx, event) }

	if c.breaker != nil {
		res, err := c.breaker.Execute(func() (any, error) {
			out, err := do()
			return out, err
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return Outcome{Error: "upstream unavailable: circuit open"}, err
			}
			if out, ok := res.(Outcome); ok {
				return out, err
			}
			return Outcome{Error: err.Error()}, err
		}
		return res.(Outcome), nil
	}

	return do()
}

func (c *Client) doRequest(ctx context.Context, event types.AttendanceEvent) (Outcome, error) {
	body, err := json.Marshal(buildPayload(event))
	if err != nil {
		return Outcome{Error: fmt.Sprintf("encode payload: %v", err)}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Outcome{Error: fmt.Sprintf("build request: %v", err)}, nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "token "+c.cfg.APIKey+":"+c.cfg.APISecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Outcome{Error: fmt.Sprintf("upstream request: %v", err)}, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Outcome{Status: resp.StatusCode, Error: fmt.Sprintf("read response: %v", err)}, err
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		out := Outcome{Success: true, Status: resp.StatusCode}
		var envelope struct {
			Data json.RawMessage `json:"data"`
		}
		if json.Unmarshal(respBody, &envelope) == nil && len(envelope.Data) > 0 {
			out.Data = envelope.Data
		}
		return out, nil

	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusExpectationFailed:
		out := Outcome{Status: resp.StatusCode, Error: fmt.Sprintf("upstream status %d", resp.StatusCode)}
		return out, fmt.Errorf("upstream status %d", resp.StatusCode)

	default:
		// Remaining 4xx are terminal: the record was rejected, not lost.
		return Outcome{
			Status: resp.StatusCode,
			Error:  fmt.Sprintf("upstream rejected: status %d: %s", resp.StatusCode, truncate(respBody, 200)),
		}, nil
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
