package tsc

// SearchSeasoning represents the configuration values.
type SearchSeasoning struct {
	CompressionConfig *CompressionConfig `json:"CompressionConfig" yaml:"CompressionConfig"`
	PoolConfig        *PoolConfig        `json:"PoolConfig" yaml:"PoolConfig"`
	TransportConfig   *TransportConfig   `json:"TransportConfig" yaml:"TransportConfig"`
	SnifferConfig     *SnifferConfig     `json:"SnifferConfig" yaml:"SnifferConfig"`
}

// PoolConfig represents settings for creating/configuring the ConnectionPool.
type PoolConfig struct {
	ApplicationName            string     `json:"ApplicationName" yaml:"ApplicationName"`
	URIs                       []string   `json:"URIs" yaml:"URIs"`
	PinnedURIs                 []string   `json:"PinnedURIs" yaml:"PinnedURIs"`                                 // never removed by sniff reconciliation
	SelectionStrategy          string     `json:"SelectionStrategy" yaml:"SelectionStrategy"`                   // "round-robin", "random" or "sticky"
	ResurrectBaseInterval      uint32     `json:"ResurrectBaseInterval" yaml:"ResurrectBaseInterval"`           // in milliseconds
	ResurrectCeilingMultiplier uint32     `json:"ResurrectCeilingMultiplier" yaml:"ResurrectCeilingMultiplier"` // ceiling = base * multiplier
	SleepOnErrorInterval       uint32     `json:"SleepOnErrorInterval" yaml:"SleepOnErrorInterval"`             // sleep length on errors, in milliseconds
	TLSConfig                  *TLSConfig `json:"TLSConfig" yaml:"TLSConfig"`                                   // TLS settings for connections with HTTPS uris.
}

// TransportConfig represents settings for configuring the Transport retry policy.
type TransportConfig struct {
	MaxRetryCount          uint32 `json:"MaxRetryCount" yaml:"MaxRetryCount"`
	RequestTimeoutInterval uint32 `json:"RequestTimeoutInterval" yaml:"RequestTimeoutInterval"` // per-attempt timeout, in milliseconds
	RetryableStatusCodes   []int  `json:"RetryableStatusCodes" yaml:"RetryableStatusCodes"`     // defaults to 502, 503, 504
	DisableStatusRetry     bool   `json:"DisableStatusRetry" yaml:"DisableStatusRetry"`         // never retry on HTTP status, only on transport faults
}

// SnifferConfig represents settings for configuring cluster topology discovery.
type SnifferConfig struct {
	Enabled                  bool   `json:"Enabled" yaml:"Enabled"`
	SniffOnStart             bool   `json:"SniffOnStart" yaml:"SniffOnStart"`
	SniffIntervalSeconds     uint32 `json:"SniffIntervalSeconds" yaml:"SniffIntervalSeconds"` // if zero ignored
	SniffEveryNRequests      uint64 `json:"SniffEveryNRequests" yaml:"SniffEveryNRequests"`   // if zero ignored
	SniffOnConnectionFailure bool   `json:"SniffOnConnectionFailure" yaml:"SniffOnConnectionFailure"`
	DiscoveryPath            string `json:"DiscoveryPath" yaml:"DiscoveryPath"` // defaults to /_nodes/http
	SniffTimeoutInterval     uint32 `json:"SniffTimeoutInterval" yaml:"SniffTimeoutInterval"` // in milliseconds
}

// TLSConfig represents settings for configuring TLS.
type TLSConfig struct {
	EnableTLS         bool   `json:"EnableTLS" yaml:"EnableTLS"` // Use TLSConfig to create connections with HTTPS uris.
	PEMCertLocation   string `json:"PEMCertLocation" yaml:"PEMCertLocation"`
	LocalCertLocation string `json:"LocalCertLocation" yaml:"LocalCertLocation"`
	CertServerName    string `json:"CertServerName" yaml:"CertServerName"`
}

// CompressionConfig allows you to configure request body compression based on options.
type CompressionConfig struct {
	Enabled bool   `json:"Enabled" yaml:"Enabled"`
	Type    string `json:"Type,omitempty" yaml:"Type,omitempty"` // "gzip" or "zstd"
}
