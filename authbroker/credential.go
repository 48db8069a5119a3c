// Package authbroker projects upstream credentials into outbound HTTP
// headers, caching and single-flighting the OAuth2 refresh-token exchange
// so concurrent callers for the same credential share one network round
// trip.
package authbroker

import "strings"

// Credential is a tagged union over the three supported upstream credential
// kinds. Exactly one of the typed fields is populated, matching Kind.
type Credential struct {
	Kind Kind

	APIKeyHeader *APIKeyHeader
	StaticBearer *StaticBearer
	OAuth2       *OAuth2RefreshGrant
}

// Kind discriminates the Credential union.
type Kind int

const (
	KindAPIKeyHeader Kind = iota
	KindStaticBearer
	KindOAuth2RefreshGrant
)

// APIKeyHeader projects to a single named header carrying the key verbatim.
type APIKeyHeader struct {
	HeaderName string
	Key        string
}

// StaticBearer projects to a fixed "Authorization: Bearer <token>" header.
type StaticBearer struct {
	Token string
}

// BodyEncoding selects how the OAuth2 refresh request body is encoded.
// The zero value, BodyEncodingUnspecified, lets the broker apply the
// provider-specific default instead of a fixed encoding.
type BodyEncoding int

const (
	BodyEncodingUnspecified BodyEncoding = iota
	BodyFormEncoded
	BodyJSON
)

// OAuth2RefreshGrant describes an OAuth2 refresh-token credential. The
// broker never mutates this value; all mutable state (cached access token,
// rotated refresh token, in-flight refresh) lives in the Broker keyed by
// {ClientID, TokenURL}.
type OAuth2RefreshGrant struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	TokenURL     string
	Scope        string

	// Encoding is explicit in the credential; leave at
	// BodyEncodingUnspecified to get the default (form-encoded, except
	// auth.atlassian.com which defaults to JSON).
	Encoding BodyEncoding
}

// cacheKey is the per-credential identity the broker caches access tokens
// and refresh state under: {clientId, tokenUrl}.
type cacheKey struct {
	clientID string
	tokenURL string
}

// cacheKeyOf returns the broker's cache identity for g: {clientId, tokenUrl}.
func (g *OAuth2RefreshGrant) cacheKeyOf() cacheKey {
	return cacheKey{clientID: g.ClientID, tokenURL: g.TokenURL}
}

// resolveBodyEncoding returns g.Encoding if explicitly set, otherwise the
// provider-specific default: JSON for the documented auth.atlassian.com
// deviation, form-encoded everywhere else.
func (g *OAuth2RefreshGrant) resolveBodyEncoding() BodyEncoding {
	if g.Encoding != BodyEncodingUnspecified {
		return g.Encoding
	}
	if strings.Contains(g.TokenURL, atlassianTokenHost) {
		return BodyJSON
	}
	return BodyFormEncoded
}

const atlassianTokenHost = "auth.atlassian.com"
