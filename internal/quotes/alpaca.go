package quotes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
)

// AlpacaConfig configures the Alpaca snapshot provider.
type AlpacaConfig struct {
	DataURL string `yaml:"data_url"`
	Feed    string `yaml:"feed"`
}

// AlpacaProvider resolves quotes from Alpaca market-data snapshots. The
// latest trade is the price and the previous daily bar's close is the
// previous close; shares outstanding come from the reference cache.
type AlpacaProvider struct {
	cfg     AlpacaConfig
	mu      sync.Mutex
	clients map[Credentials]*marketdata.Client
	newFn   func(marketdata.ClientOpts) *marketdata.Client
}

// NewAlpacaProvider creates the provider. Clients are built per credential pair.
func NewAlpacaProvider(cfg AlpacaConfig) *AlpacaProvider {
	if cfg.Feed == "" {
		cfg.Feed = "sip"
	}
	return &AlpacaProvider{
		cfg:     cfg,
		clients: make(map[Credentials]*marketdata.Client),
		newFn:   marketdata.NewClient,
	}
}

// Name implements Provider.
func (p *AlpacaProvider) Name() string { return "alpaca" }

// ValidateCredentials implements CredentialValidator. Alpaca signs every
// request with both the key and the secret.
func (p *AlpacaProvider) ValidateCredentials(creds Credentials) error {
	if err := creds.Validate(); err != nil {
		return err
	}
	if creds.APISecret == "" {
		return fmt.Errorf("%w: alpaca requires api_secret", ErrMissingCredentials)
	}
	return nil
}

func (p *AlpacaProvider) client(creds Credentials) *marketdata.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[creds]; ok {
		return c
	}
	opts := marketdata.ClientOpts{
		APIKey:    creds.APIKey,
		APISecret: creds.APISecret,
	}
	if p.cfg.DataURL != "" {
		opts.BaseURL = p.cfg.DataURL
	}
	c := p.newFn(opts)
	p.clients[creds] = c
	return c
}

// Fetch implements Provider. The Alpaca client is synchronous and does not
// take a context, so cancellation is only observed before the call.
func (p *AlpacaProvider) Fetch(ctx context.Context, creds Credentials, symbols []string) (Batch, error) {
	if err := p.ValidateCredentials(creds); err != nil {
		return Batch{}, err
	}
	if err := ctx.Err(); err != nil {
		return Batch{}, &Error{Provider: p.Name(), Kind: KindTransient, Err: err}
	}
	if len(symbols) == 0 {
		return newBatch(), nil
	}

	snapshots, err := p.client(creds).GetSnapshots(symbols, marketdata.GetSnapshotRequest{
		Feed: marketdata.Feed(p.cfg.Feed),
	})
	if err != nil {
		return Batch{}, p.wrap(err)
	}

	batch := newBatch()
	for sym, snap := range snapshots {
		sym = strings.ToUpper(sym)
		if snap == nil || snap.LatestTrade == nil || snap.LatestTrade.Price <= 0 {
			continue
		}
		q := RawQuote{
			Symbol:    sym,
			Price:     snap.LatestTrade.Price,
			Timestamp: snap.LatestTrade.Timestamp,
		}
		if snap.PrevDailyBar != nil {
			q.PreviousClose = snap.PrevDailyBar.Close
		}
		batch.Quotes[sym] = q
	}
	return batch, nil
}

func (p *AlpacaProvider) wrap(err error) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		kind, ok := KindForStatus(apiErr.StatusCode)
		if !ok {
			kind = KindTransient
		}
		return &Error{Provider: p.Name(), Kind: kind, StatusCode: apiErr.StatusCode, Err: err}
	}
	return &Error{Provider: p.Name(), Kind: KindTransient, Err: err}
}
