// internal/adapters/rakuten/client.go
package rakuten

import (
	"context"
	crand "crypto/rand"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"hotelprice/internal/adapters/observability"
	"hotelprice/internal/domain"
)

const (
	KindHTML = "html"
	KindAPI  = "api"
)

const maxBody = 8 << 20

type Options struct {
	Kind        string // html|api
	BaseURL     string // empty = default for Kind
	AppID       string // only sent for Kind=api
	UserAgent   string
	MinDelay    time.Duration // hard floor between any two requests
	MaxAttempts int
	BackoffBase time.Duration
	MaxThrottle int // cap for the 429 multiplier
	Timeout     time.Duration
}

type Client struct {
	opts Options
	hc   *http.Client
	rl   *rate.Limiter

	mu       sync.Mutex
	throttle int
}

func New(opts Options) (*Client, error) {
	switch opts.Kind {
	case "":
		opts.Kind = KindHTML
	case KindHTML, KindAPI:
	default:
		return nil, fmt.Errorf("unknown source kind %q", opts.Kind)
	}
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBase(opts.Kind)
	}
	if opts.MinDelay <= 0 {
		opts.MinDelay = 2 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 4
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 500 * time.Millisecond
	}
	if opts.MaxThrottle <= 0 {
		opts.MaxThrottle = 32
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "hotelprice-collector/1.0"
	}
	c := &Client{
		opts:     opts,
		hc:       &http.Client{Timeout: opts.Timeout},
		rl:       rate.NewLimiter(rate.Every(opts.MinDelay), 1),
		throttle: 1,
	}
	observability.FetchDelay.Set(opts.MinDelay.Seconds())
	return c, nil
}

// EffectiveDelay is the spacing currently enforced between requests.
func (c *Client) EffectiveDelay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts.MinDelay * time.Duration(c.throttle)
}

// ResetThrottle drops any 429 escalation; call it at the start of a run.
func (c *Client) ResetThrottle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.throttle = 1
	c.rl.SetLimit(rate.Every(c.opts.MinDelay))
	observability.FetchDelay.Set(c.opts.MinDelay.Seconds())
}

// escalate doubles the spacing after a rate-limit response. It never goes
// back down within a run.
func (c *Client) escalate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.throttle < c.opts.MaxThrottle {
		c.throttle *= 2
		if c.throttle > c.opts.MaxThrottle {
			c.throttle = c.opts.MaxThrottle
		}
	}
	d := c.opts.MinDelay * time.Duration(c.throttle)
	c.rl.SetLimit(rate.Every(d))
	observability.FetchDelay.Set(d.Seconds())
	log.Warn().Dur("delay", d).Int("multiplier", c.throttle).Msg("upstream rate limited; slowing down")
}

// Fetch retrieves one search page for the area and stay.
func (c *Client) Fetch(ctx context.Context, area domain.Area, checkIn, checkOut time.Time) (domain.RawResponse, error) {
	u, err := buildURL(c.opts, area, checkIn, checkOut)
	if err != nil {
		return domain.RawResponse{}, &domain.FetchFailure{Kind: domain.Permanent, URL: u, Err: err}
	}

	var (
		lastErr    error
		lastStatus int
	)
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		// every attempt, retries included, goes through the limiter
		if err := c.rl.Wait(ctx); err != nil {
			return domain.RawResponse{}, &domain.FetchFailure{Kind: domain.Transient, URL: u, Attempts: attempt - 1, Err: err}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return domain.RawResponse{}, &domain.FetchFailure{Kind: domain.Permanent, URL: u, Attempts: attempt, Err: err}
		}
		req.Header.Set("User-Agent", c.opts.UserAgent)
		req.Header.Set("Accept", "text/html,application/xhtml+xml,application/json;q=0.9,*/*;q=0.8")
		req.Header.Set("Accept-Language", "ja,en-US;q=0.7,en;q=0.3")

		start := time.Now()
		resp, err := c.hc.Do(req)
		if err != nil {
			observability.ObserveExternal("rakuten", c.opts.Kind, 0, time.Since(start))
			if ctx.Err() != nil {
				return domain.RawResponse{}, &domain.FetchFailure{Kind: domain.Transient, URL: u, Attempts: attempt, Err: ctx.Err()}
			}
			lastErr, lastStatus = err, 0
			if attempt < c.opts.MaxAttempts && sleepCtx(ctx, c.backoff(attempt-1)) {
				continue
			}
			break
		}
		observability.ObserveExternal("rakuten", c.opts.Kind, resp.StatusCode, time.Since(start))

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			body, rerr := io.ReadAll(io.LimitReader(resp.Body, maxBody))
			resp.Body.Close()
			if rerr != nil {
				lastErr, lastStatus = rerr, resp.StatusCode
				if attempt < c.opts.MaxAttempts && sleepCtx(ctx, c.backoff(attempt-1)) {
					continue
				}
				break
			}
			return domain.RawResponse{
				URL:         u,
				Status:      resp.StatusCode,
				ContentType: resp.Header.Get("Content-Type"),
				Body:        body,
				Area:        area,
				CheckIn:     domain.Day(checkIn),
				CheckOut:    domain.Day(checkOut),
				FetchedAt:   time.Now().UTC(),
			}, nil

		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			// Prefer server-provided Retry-After; otherwise exponential backoff.
			wait := retryAfter(resp)
			io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			if resp.StatusCode == http.StatusTooManyRequests {
				c.escalate()
			}
			if wait == 0 {
				wait = c.backoff(attempt - 1)
			}
			lastErr, lastStatus = fmt.Errorf("remote %d", resp.StatusCode), resp.StatusCode
			if attempt < c.opts.MaxAttempts && sleepCtx(ctx, wait) {
				continue
			}

		default:
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return domain.RawResponse{}, &domain.FetchFailure{
				Kind:     domain.Permanent,
				Status:   resp.StatusCode,
				URL:      u,
				Attempts: attempt,
				Err:      fmt.Errorf("bad status %d: %s", resp.StatusCode, strings.ToValidUTF8(strings.TrimSpace(string(b)), "\uFFFD")),
			}
		}
		if ctx.Err() != nil {
			lastErr = errors.Join(lastErr, ctx.Err())
		}
		return domain.RawResponse{}, &domain.FetchFailure{Kind: domain.Transient, Status: lastStatus, URL: u, Attempts: attempt, Err: lastErr}
	}

	return domain.RawResponse{}, &domain.FetchFailure{Kind: domain.Transient, Status: lastStatus, URL: u, Attempts: c.opts.MaxAttempts, Err: lastErr}
}

// sleepCtx waits for d or returns early if ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// retryAfter parses Retry-After header (seconds or HTTP-date). Returns 0 if absent/invalid.
func retryAfter(resp *http.Response) time.Duration {
	h := resp.Header.Get("Retry-After")
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(h)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// backoff doubles BackoffBase per retry and adds up to +50% jitter.
func (c *Client) backoff(i int) time.Duration {
	base := time.Duration(1<<i) * c.opts.BackoffBase
	var b [1]byte
	if _, err := crand.Read(b[:]); err != nil {
		return base
	}
	f := float64(b[0]) / 255.0
	return base + time.Duration(0.5*f*float64(base))
}
