// Package storage issues time-limited download URLs for pipeline
// artifacts. Artifacts live in an external object store under opaque
// locators; this package only mints and verifies access tokens, it never
// touches the bytes.
package storage

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"minifab/pkg/hmacsig"
)

// URLSigner mints expiring download URLs for artifact locators.
type URLSigner interface {
	SignedURL(locator string, ttl time.Duration) (string, error)
}

// HMACSigner signs download URLs with an HMAC token over the locator and
// expiry, for deployments where the artifact gateway shares the secret.
type HMACSigner struct {
	baseURL string
	secret  string
	now     func() time.Time
}

// NewHMACSigner creates a signer. baseURL is the artifact gateway root,
// e.g. "https://files.example.com".
func NewHMACSigner(baseURL, secret string) (*HMACSigner, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("signer base URL is required")
	}
	if secret == "" {
		return nil, fmt.Errorf("signer secret is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid signer base URL: %w", err)
	}
	return &HMACSigner{baseURL: baseURL, secret: secret, now: time.Now}, nil
}

// SignedURL returns a URL granting access to locator until now+ttl.
func (s *HMACSigner) SignedURL(locator string, ttl time.Duration) (string, error) {
	if locator == "" {
		return "", fmt.Errorf("artifact locator is required")
	}
	if ttl <= 0 {
		return "", fmt.Errorf("ttl must be positive")
	}

	expires := s.now().Add(ttl).Unix()
	q := url.Values{}
	q.Set("exp", strconv.FormatInt(expires, 10))
	q.Set("sig", s.token(locator, expires))

	return fmt.Sprintf("%s/%s?%s", s.baseURL, url.PathEscape(locator), q.Encode()), nil
}

// Verify checks a token minted by SignedURL against the locator and
// expiry it claims, rejecting expired grants.
func (s *HMACSigner) Verify(locator string, expires int64, sig string) bool {
	if s.now().Unix() > expires {
		return false
	}
	return hmacsig.Verify(sig, s.secret, []byte(tokenPayload(locator, expires)))
}

func (s *HMACSigner) token(locator string, expires int64) string {
	return hmacsig.Sign([]byte(tokenPayload(locator, expires)), s.secret)
}

func tokenPayload(locator string, expires int64) string {
	return locator + "\n" + strconv.FormatInt(expires, 10)
}

var _ URLSigner = (*HMACSigner)(nil)
