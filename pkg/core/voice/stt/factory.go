package stt

import (
	"fmt"
	"strings"

	"github.com/gorilla/websocket"
)

// Provider identifiers accepted by New.
const (
	ProviderAssemblyAI  = "assemblyai"
	ProviderGoogleCloud = "google-cloud"
	ProviderCartesia    = "cartesia"
)

// Names returns the identifiers of every supported provider.
func Names() []string {
	return []string{ProviderAssemblyAI, ProviderGoogleCloud, ProviderCartesia}
}

// Credentials holds the secrets for every supported backend. Only the fields
// of the selected provider need to be set.
type Credentials struct {
	AssemblyAIKey   string
	CartesiaKey     string
	GoogleProjectID string
	GoogleKeyFile   string
}

// Option customizes provider construction.
type Option func(*options)

type options struct {
	baseURL string
	dialer  *websocket.Dialer
}

// WithBaseURL overrides the backend endpoint (websocket URL, or gRPC endpoint
// for google-cloud).
func WithBaseURL(u string) Option {
	return func(o *options) { o.baseURL = u }
}

// WithDialer sets the websocket dialer used by websocket backends.
func WithDialer(d *websocket.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

func applyOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// ValidateCredentials checks that the credentials required by the named
// provider are present.
func ValidateCredentials(name string, creds Credentials) error {
	switch normalizeName(name) {
	case ProviderAssemblyAI:
		if strings.TrimSpace(creds.AssemblyAIKey) == "" {
			return fmt.Errorf("%w: %s requires an api key", ErrMissingCredentials, ProviderAssemblyAI)
		}
	case ProviderCartesia:
		if strings.TrimSpace(creds.CartesiaKey) == "" {
			return fmt.Errorf("%w: %s requires an api key", ErrMissingCredentials, ProviderCartesia)
		}
	case ProviderGoogleCloud:
		if strings.TrimSpace(creds.GoogleProjectID) == "" && strings.TrimSpace(creds.GoogleKeyFile) == "" {
			return fmt.Errorf("%w: %s requires a project id or key file", ErrMissingCredentials, ProviderGoogleCloud)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return nil
}

// New builds the named provider after validating its credentials.
func New(name string, creds Credentials, opts ...Option) (Provider, error) {
	if err := ValidateCredentials(name, creds); err != nil {
		return nil, err
	}
	switch normalizeName(name) {
	case ProviderAssemblyAI:
		return NewAssemblyAI(creds.AssemblyAIKey, opts...), nil
	case ProviderCartesia:
		return NewCartesia(creds.CartesiaKey, opts...), nil
	case ProviderGoogleCloud:
		return NewGoogleCloud(creds.GoogleProjectID, creds.GoogleKeyFile, opts...), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
