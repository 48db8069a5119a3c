// Package conduitcfg loads the flat environment-variable configuration
// consumed by cmd/conduitd, mirroring the teacher's "no config framework"
// approach: plain env vars, a handful of envOr-style helpers, and a single
// struct passed down into the wiring.
package conduitcfg

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/conduit-run/conduit/authbroker"
	"github.com/conduit-run/conduit/sandbox"
)

// Transport selects the agent-facing RPC framing.
type Transport string

const (
	// TransportStdio serves line-delimited JSON-RPC over stdin/stdout.
	// Spec treats stdio as implicitly trusted: authentication is only
	// enforced when IPCBearerToken is non-empty.
	TransportStdio Transport = "line-delimited-over-process-stdio"
	// TransportSocket serves the same framing over a TCP (or unix) socket
	// bound to Port.
	TransportSocket Transport = "local-socket"
)

// UpstreamVariant selects an Upstream's transport.
type UpstreamVariant string

const (
	VariantSubprocess    UpstreamVariant = "subprocess"
	VariantHTTPRPC       UpstreamVariant = "http-rpc"
	VariantHTTPStreaming UpstreamVariant = "http-streaming"
)

// CredentialKind selects an Upstream's credential projection.
type CredentialKind string

const (
	CredentialNone         CredentialKind = ""
	CredentialAPIKeyHeader CredentialKind = "api-key-header"
	CredentialStaticBearer CredentialKind = "static-bearer"
	CredentialOAuth2       CredentialKind = "oauth2-refresh-grant"
)

// Credential is the wire shape of an Upstream's optional credentials block.
type Credential struct {
	Kind CredentialKind `json:"kind"`

	HeaderName string `json:"headerName,omitempty"`
	Key        string `json:"key,omitempty"`

	Token string `json:"token,omitempty"`

	ClientID     string `json:"clientId,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
	TokenURL     string `json:"tokenUrl,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// ToAuthbroker converts c to the authbroker.Credential union, or the zero
// value and false if c carries no credential (CredentialNone).
func (c Credential) ToAuthbroker() (authbroker.Credential, bool) {
	switch c.Kind {
	case CredentialAPIKeyHeader:
		return authbroker.Credential{
			Kind:         authbroker.KindAPIKeyHeader,
			APIKeyHeader: &authbroker.APIKeyHeader{HeaderName: c.HeaderName, Key: c.Key},
		}, true
	case CredentialStaticBearer:
		return authbroker.Credential{
			Kind:         authbroker.KindStaticBearer,
			StaticBearer: &authbroker.StaticBearer{Token: c.Token},
		}, true
	case CredentialOAuth2:
		return authbroker.Credential{
			Kind: authbroker.KindOAuth2RefreshGrant,
			OAuth2: &authbroker.OAuth2RefreshGrant{
				ClientID:     c.ClientID,
				ClientSecret: c.ClientSecret,
				RefreshToken: c.RefreshToken,
				TokenURL:     c.TokenURL,
				Scope:        c.Scope,
			},
		}, true
	default:
		return authbroker.Credential{}, false
	}
}

// Upstream is one entry of the configured upstreams[] list, per spec §6.
type Upstream struct {
	ID          string          `json:"id"`
	Variant     UpstreamVariant `json:"transport"`
	URL         string          `json:"url,omitempty"`      // http-rpc, http-streaming
	Command     string          `json:"command,omitempty"`  // subprocess
	Args        []string        `json:"args,omitempty"`     // subprocess
	Credentials *Credential     `json:"credentials,omitempty"`
}

// ResourceLimits mirrors sandbox.ResourceLimits in the config's JSON shape.
type ResourceLimits struct {
	TimeoutMs      int `json:"timeoutMs"`
	MemoryLimitMb  int `json:"memoryLimitMb"`
	MaxOutputBytes int `json:"maxOutputBytes"`
	MaxLogEntries  int `json:"maxLogEntries"`
}

// ToSandbox converts r to sandbox.ResourceLimits.
func (r ResourceLimits) ToSandbox() sandbox.ResourceLimits {
	return sandbox.ResourceLimits{
		TimeoutMs:      r.TimeoutMs,
		MemoryMB:       r.MemoryLimitMb,
		MaxOutputBytes: r.MaxOutputBytes,
		MaxLogEntries:  r.MaxLogEntries,
	}
}

// Config is the full set of values cmd/conduitd needs to wire the server.
type Config struct {
	Transport      Transport
	Port           int
	OpsPort        int
	IPCBearerToken string // empty disables authentication on the stdio transport
	MaxConcurrent  int
	MaxQueue       int
	ResourceLimits ResourceLimits
	Upstreams      []Upstream

	ReverseIPCNetwork string
	ReverseIPCAddress string

	EmbeddedPoolSize int

	RateLimit       int
	RateLimitWindow time.Duration
}

// Load reads Config from the environment. Individual scalar fields use
// envOr/envIntOr; the Upstreams list is parsed from a single JSON-encoded
// CONDUIT_UPSTREAMS variable since spec's upstreams[] is inherently
// structured, not a flat scalar.
func Load() (Config, error) {
	cfg := Config{
		Transport:         Transport(envOr("CONDUIT_TRANSPORT", string(TransportSocket))),
		Port:              envIntOr("CONDUIT_PORT", 8787),
		OpsPort:           envIntOr("CONDUIT_OPS_PORT", 8788),
		IPCBearerToken:    os.Getenv("CONDUIT_IPC_BEARER_TOKEN"),
		MaxConcurrent:     envIntOr("CONDUIT_MAX_CONCURRENT", 16),
		MaxQueue:          envIntOr("CONDUIT_MAX_QUEUE", 64),
		ReverseIPCNetwork: envOr("CONDUIT_REVERSE_IPC_NETWORK", "tcp"),
		ReverseIPCAddress: envOr("CONDUIT_REVERSE_IPC_ADDRESS", "127.0.0.1:0"),
		EmbeddedPoolSize:  envIntOr("CONDUIT_EMBEDDED_POOL_SIZE", sandbox.DefaultEmbeddedPoolSize),
		RateLimit:         envIntOr("CONDUIT_RATE_LIMIT", 30),
		RateLimitWindow:   envDurationOr("CONDUIT_RATE_LIMIT_WINDOW", time.Minute),
		ResourceLimits: ResourceLimits{
			TimeoutMs:      envIntOr("CONDUIT_LIMIT_TIMEOUT_MS", 30_000),
			MemoryLimitMb:  envIntOr("CONDUIT_LIMIT_MEMORY_MB", 256),
			MaxOutputBytes: envIntOr("CONDUIT_LIMIT_MAX_OUTPUT_BYTES", 1<<20),
			MaxLogEntries:  envIntOr("CONDUIT_LIMIT_MAX_LOG_ENTRIES", 1000),
		},
	}

	if raw := os.Getenv("CONDUIT_UPSTREAMS"); raw != "" {
		var ups []Upstream
		if err := json.Unmarshal([]byte(raw), &ups); err != nil {
			return Config{}, fmt.Errorf("conduitcfg: parse CONDUIT_UPSTREAMS: %w", err)
		}
		cfg.Upstreams = ups
	}

	return cfg, nil
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
