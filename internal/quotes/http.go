package quotes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/sawpanic/marketrank/internal/net/budget"
	"github.com/sawpanic/marketrank/internal/net/ratelimit"
)

// HTTPConfig configures the REST quote provider.
type HTTPConfig struct {
	BaseURL        string           `yaml:"base_url"`
	RequestTimeout time.Duration    `yaml:"request_timeout"`
	RateLimit      ratelimit.Config `yaml:"rate_limit"`
	BreakerTimeout time.Duration    `yaml:"breaker_timeout"`
	BreakerTrips   uint32           `yaml:"breaker_trips"`
	Budget         budget.Config    `yaml:"budget"`
}

// DefaultHTTPConfig returns conservative provider defaults.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		BaseURL:        "https://financialmodelingprep.com/api/v3",
		RequestTimeout: 10 * time.Second,
		RateLimit:      ratelimit.Config{RPS: 5, Burst: 5},
		BreakerTimeout: 60 * time.Second,
		BreakerTrips:   3,
	}
}

// HTTPProvider fetches batched quotes with GET {base}/quote/{SYM1,SYM2}?apikey=KEY.
type HTTPProvider struct {
	cfg     HTTPConfig
	base    *url.URL
	client  *http.Client
	limiter *ratelimit.Limiter
	budget  *budget.Tracker
	breaker *gobreaker.CircuitBreaker
}

// NewHTTPProvider builds a provider. A nil client uses a client with the
// configured request timeout.
func NewHTTPProvider(cfg HTTPConfig, client *http.Client) (*HTTPProvider, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid quotes base url %q", cfg.BaseURL)
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.RequestTimeout}
	}
	trips := cfg.BreakerTrips
	if trips == 0 {
		trips = 3
	}

	st := gobreaker.Settings{Name: "quotes-http"}
	st.Interval = 60 * time.Second
	st.Timeout = cfg.BreakerTimeout
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= trips
	}
	// Only transient failures say anything about upstream health.
	st.IsSuccessful = func(err error) bool {
		return err == nil || Classify(err) != KindTransient
	}
	st.OnStateChange = func(name string, from, to gobreaker.State) {
		log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state change")
	}

	return &HTTPProvider{
		cfg:     cfg,
		base:    base,
		client:  client,
		limiter: ratelimit.FromConfig(cfg.RateLimit),
		budget:  budget.NewTracker("quotes-http", cfg.Budget),
		breaker: gobreaker.NewCircuitBreaker(st),
	}, nil
}

// Name implements Provider.
func (p *HTTPProvider) Name() string { return "http" }

// Limiter exposes the per-host limiter for stats.
func (p *HTTPProvider) Limiter() *ratelimit.Limiter { return p.limiter }

// Budget exposes the daily request budget for stats.
func (p *HTTPProvider) Budget() *budget.Tracker { return p.budget }

type quoteDTO struct {
	Symbol            string  `json:"symbol"`
	Price             float64 `json:"price"`
	PreviousClose     float64 `json:"previousClose"`
	SharesOutstanding float64 `json:"sharesOutstanding"`
	Timestamp         int64   `json:"timestamp"`
}

// Fetch implements Provider.
func (p *HTTPProvider) Fetch(ctx context.Context, creds Credentials, symbols []string) (Batch, error) {
	if err := creds.Validate(); err != nil {
		return Batch{}, err
	}
	if len(symbols) == 0 {
		return newBatch(), nil
	}

	host := p.base.Host
	if err := p.limiter.Wait(ctx, host); err != nil {
		return Batch{}, &Error{Provider: p.Name(), Kind: KindTransient, Err: fmt.Errorf("rate limit wait: %w", err)}
	}

	// A spent daily budget looks like rate limiting so the batch ends up in
	// the dead letter queue instead of being dropped.
	if err := p.budget.Consume(); err != nil {
		return Batch{}, &Error{Provider: p.Name(), Kind: KindRateLimited, Err: err}
	}

	res, err := p.breaker.Execute(func() (interface{}, error) {
		return p.do(ctx, creds, symbols)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Batch{}, &Error{Provider: p.Name(), Kind: KindTransient, Err: err}
		}
		var qe *Error
		if errors.As(err, &qe) && qe.Kind == KindRateLimited {
			p.limiter.Penalize(host, qe.RetryAfter)
		}
		return Batch{}, err
	}
	dtos := res.([]quoteDTO)

	batch := newBatch()
	wanted := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		wanted[s] = struct{}{}
	}
	for _, d := range dtos {
		sym := strings.ToUpper(d.Symbol)
		if _, ok := wanted[sym]; !ok {
			continue
		}
		if d.Price <= 0 {
			batch.Errors[sym] = &Error{Provider: p.Name(), Kind: KindNotFound, Symbol: sym, Err: fmt.Errorf("no price")}
			continue
		}
		q := RawQuote{
			Symbol:            sym,
			Price:             d.Price,
			PreviousClose:     d.PreviousClose,
			SharesOutstanding: d.SharesOutstanding,
		}
		if d.Timestamp > 0 {
			q.Timestamp = time.Unix(d.Timestamp, 0).UTC()
		}
		batch.Quotes[sym] = q
	}
	return batch, nil
}

func (p *HTTPProvider) do(ctx context.Context, creds Credentials, symbols []string) ([]quoteDTO, error) {
	if p.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.RequestTimeout)
		defer cancel()
	}

	u := *p.base
	u.Path = u.Path + "/quote/" + strings.Join(symbols, ",")
	q := url.Values{}
	q.Set("apikey", creds.APIKey)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build quote request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		var ue *url.Error
		if errors.As(err, &ue) {
			ue.URL = redactURL(ue.URL)
		}
		return nil, &Error{Provider: p.Name(), Kind: KindTransient, Err: err}
	}
	defer resp.Body.Close()

	if kind, isErr := KindForStatus(resp.StatusCode); isErr {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		e := &Error{
			Provider:   p.Name(),
			Kind:       kind,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s", strings.TrimSpace(string(body))),
		}
		if kind == KindRateLimited {
			e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		}
		return nil, e
	}

	var dtos []quoteDTO
	if err := json.NewDecoder(resp.Body).Decode(&dtos); err != nil {
		return nil, &Error{Provider: p.Name(), Kind: KindTransient, Err: fmt.Errorf("decode quotes: %w", err)}
	}
	return dtos, nil
}

var secretParam = regexp.MustCompile(`(?i)\b(api[_-]?key|token|secret)=[^&\s"]*`)

// redactURL masks credential query parameters so request errors can be logged.
func redactURL(s string) string {
	return secretParam.ReplaceAllString(s, "${1}=REDACTED")
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}
