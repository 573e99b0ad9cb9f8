package ess

import (
	"fmt"
	"net/url"

	"github.com/levenlabs/go-lflag"

	"github.com/sunvault/sunvault/pkg/types"
)

// Configured registers the provider flags and returns a Factory that builds
// clients for the selected provider. The Factory must not be called before
// lflag.Configure.
func Configured() Factory {
	provider := lflag.String("ess-provider", "sunology", "Battery cloud provider to use (available: sunology, mock)")
	baseURL := lflag.String("sunology-url", sunologyBaseURL, "Base URL of the Sunology API")

	var factory Factory

	lflag.Do(func() {
		switch *provider {
		case "sunology":
			u, err := url.Parse(*baseURL)
			if err != nil || u.Scheme == "" || u.Host == "" {
				panic(fmt.Sprintf("invalid --sunology-url: %q", *baseURL))
			}
			factory = func(creds types.Credentials) Client {
				return NewSunology(*baseURL, creds)
			}
		case "mock":
			sim := NewSimulator(DemoStations()...)
			sim.Drift = true
			factory = sim.Client
		default:
			panic(fmt.Sprintf("unknown ess provider: %s", *provider))
		}
	})

	return func(creds types.Credentials) Client {
		return factory(creds)
	}
}
