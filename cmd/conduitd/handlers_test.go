package main

import (
	"testing"

	"github.com/conduit-run/conduit/authbroker"
	"github.com/conduit-run/conduit/conduitcfg"
	"github.com/conduit-run/conduit/policy"
)

func mustPattern(t *testing.T, raw string) policy.Pattern {
	t.Helper()
	p, err := policy.NewPattern(raw)
	if err != nil {
		t.Fatalf("NewPattern(%q): %v", raw, err)
	}
	return p
}

func TestNarrowPatternsUnrestrictedOnBothSidesStaysUnrestricted(t *testing.T) {
	if got := narrowPatterns(nil, nil); got != nil {
		t.Fatalf("narrowPatterns(nil, nil) = %v, want nil", got)
	}
}

func TestNarrowPatternsSessionOnlyRestrictionApplies(t *testing.T) {
	session := []policy.Pattern{mustPattern(t, "fs.read")}
	got := narrowPatterns(nil, session)
	if len(got) != 1 || got[0].String() != "fs.read" {
		t.Fatalf("narrowPatterns(nil, session) = %v, want session", got)
	}
}

func TestNarrowPatternsRequestCannotWidenBeyondSession(t *testing.T) {
	requested := []policy.Pattern{mustPattern(t, "fs.read"), mustPattern(t, "fs.write")}
	session := []policy.Pattern{mustPattern(t, "fs.read")}
	got := narrowPatterns(requested, session)
	if len(got) != 1 || got[0].String() != "fs.read" {
		t.Fatalf("narrowPatterns(requested, session) = %v, want [fs.read]", got)
	}
}

func TestNarrowPatternsRequestNarrowsUnrestrictedSession(t *testing.T) {
	requested := []policy.Pattern{mustPattern(t, "fs.read")}
	got := narrowPatterns(requested, nil)
	if len(got) != 1 || got[0].String() != "fs.read" {
		t.Fatalf("narrowPatterns(requested, nil) = %v, want requested", got)
	}
}

func TestNarrowPatternsDisjointSetsYieldNothingAllowed(t *testing.T) {
	requested := []policy.Pattern{mustPattern(t, "fs.write")}
	session := []policy.Pattern{mustPattern(t, "fs.read")}
	got := narrowPatterns(requested, session)
	if len(got) != 0 {
		t.Fatalf("narrowPatterns(disjoint) = %v, want empty", got)
	}
}

func TestCredentialClientNilWithoutCredentials(t *testing.T) {
	broker := authbroker.New()
	u := conduitcfg.Upstream{ID: "x", Variant: conduitcfg.VariantHTTPRPC}
	if c := credentialClient(broker, u); c != nil {
		t.Fatalf("credentialClient with no credentials = %v, want nil", c)
	}
}

func TestCredentialClientWrapsTransportWithCredentials(t *testing.T) {
	broker := authbroker.New()
	u := conduitcfg.Upstream{
		ID:      "x",
		Variant: conduitcfg.VariantHTTPRPC,
		Credentials: &conduitcfg.Credential{
			Kind:  conduitcfg.CredentialStaticBearer,
			Token: "tok",
		},
	}
	c := credentialClient(broker, u)
	if c == nil {
		t.Fatal("credentialClient with credentials = nil, want a configured client")
	}
	if _, ok := c.Transport.(*authbroker.Transport); !ok {
		t.Fatalf("credentialClient transport = %T, want *authbroker.Transport", c.Transport)
	}
}

func TestCredentialTransportWrapperNilWithoutCredentials(t *testing.T) {
	broker := authbroker.New()
	u := conduitcfg.Upstream{ID: "x", Variant: conduitcfg.VariantHTTPStreaming}
	if w := credentialTransportWrapper(broker, u); w != nil {
		t.Fatal("credentialTransportWrapper with no credentials = non-nil, want nil")
	}
}

func TestCredentialTransportWrapperWrapsNext(t *testing.T) {
	broker := authbroker.New()
	u := conduitcfg.Upstream{
		ID:      "x",
		Variant: conduitcfg.VariantHTTPStreaming,
		Credentials: &conduitcfg.Credential{
			Kind:  conduitcfg.CredentialStaticBearer,
			Token: "tok",
		},
	}
	w := credentialTransportWrapper(broker, u)
	if w == nil {
		t.Fatal("credentialTransportWrapper with credentials = nil, want a wrapper func")
	}
	wrapped := w(nil)
	transport, ok := wrapped.(*authbroker.Transport)
	if !ok {
		t.Fatalf("wrapped transport = %T, want *authbroker.Transport", wrapped)
	}
	if transport.Next != nil {
		t.Fatal("wrapper should pass through the supplied next transport, got non-nil for a nil next")
	}
}
