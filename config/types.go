package config

// RateLimit bounds how many JSON-RPC requests a single client may issue.
// TrustProxyHeaders keys clients by X-Forwarded-For; enable it only behind a
// proxy that overwrites the header.
type RateLimit struct {
	RequestsPerMinute int  `toml:"RequestsPerMinute" yaml:"requests_per_minute"`
	Burst             int  `toml:"Burst" yaml:"burst"`
	TrustProxyHeaders bool `toml:"TrustProxyHeaders" yaml:"trust_proxy_headers"`
}

// Telemetry configures OTLP/HTTP trace export. An empty endpoint disables
// tracing.
type Telemetry struct {
	Endpoint string            `toml:"Endpoint" yaml:"endpoint"`
	Insecure bool              `toml:"Insecure" yaml:"insecure"`
	Headers  map[string]string `toml:"Headers,omitempty" yaml:"headers,omitempty"`
}

// GenesisAccount funds an account when the daemon boots.
type GenesisAccount struct {
	ID      string `toml:"ID" yaml:"id"`
	Balance string `toml:"Balance" yaml:"balance"`
}
