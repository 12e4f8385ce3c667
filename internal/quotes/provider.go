// Package quotes fetches raw quotes from upstream providers and classifies
// their failures.
package quotes

import (
	"context"
	"time"
)

// Credentials authenticate against the upstream provider.
type Credentials struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
}

// Validate rejects credentials without a key.
func (c Credentials) Validate() error {
	if c.APIKey == "" {
		return ErrMissingCredentials
	}
	return nil
}

// CredentialValidator is implemented by providers that need more than an
// API key.
type CredentialValidator interface {
	ValidateCredentials(Credentials) error
}

// ValidateFor checks creds against what p requires, falling back to
// Credentials.Validate.
func ValidateFor(p Provider, creds Credentials) error {
	if v, ok := p.(CredentialValidator); ok {
		return v.ValidateCredentials(creds)
	}
	return creds.Validate()
}

// RawQuote is an upstream quote before price resolution. Zero
// PreviousClose or SharesOutstanding means the provider did not supply it.
type RawQuote struct {
	Symbol            string    `json:"symbol"`
	Price             float64   `json:"price"`
	PreviousClose     float64   `json:"previousClose"`
	SharesOutstanding float64   `json:"sharesOutstanding"`
	Timestamp         time.Time `json:"-"`
}

// Batch is the outcome of one upstream call. A requested symbol in neither
// map was not returned by the provider and is treated as not found.
type Batch struct {
	Quotes map[string]RawQuote
	Errors map[string]error
}

func newBatch() Batch {
	return Batch{Quotes: map[string]RawQuote{}, Errors: map[string]error{}}
}

// Provider is an upstream quote source. A non-nil error applies to every
// requested symbol.
type Provider interface {
	Name() string
	Fetch(ctx context.Context, creds Credentials, symbols []string) (Batch, error)
}
