// Package credential caches OAuth bearer tokens per credential set so that
// repeated loads do not re-run the client-credentials grant while a token is
// still valid.
package credential

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// expirySkew refreshes tokens slightly before their stated expiry so a token
// never goes stale mid-fetch.
const expirySkew = 30 * time.Second

// Credentials identifies one OAuth client against one issuer.
type Credentials struct {
	Issuer       string `json:"issuer"`
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	// Scopes requested on the grant, optional.
	Scopes []string `json:"scopes,omitempty"`
}

func (c Credentials) validate() error {
	if c.Issuer == "" {
		return errors.New("credentials missing issuer")
	}
	if c.ClientID == "" {
		return errors.New("credentials missing clientId")
	}
	if c.ClientSecret == "" {
		return errors.New("credentials missing clientSecret")
	}
	return nil
}

// cacheKey is a stable, order-independent digest of the credential fields.
func (c Credentials) cacheKey() string {
	// JSON marshalling of a struct emits fields in declaration order, which
	// is stable across calls regardless of how the struct was populated.
	raw, _ := json.Marshal(c)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

type entry struct {
	mu       sync.Mutex
	tokenURL string
	token    *oauth2.Token
}

// Cache caches issuer discovery and granted tokens per credential set.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*entry
	httpClient *http.Client
	now        func() time.Time
}

// NewCache creates an empty token cache. httpClient may be nil, in which case
// http.DefaultClient is used for discovery and grants.
func NewCache(httpClient *http.Client) *Cache {
	return &Cache{
		entries:    make(map[string]*entry),
		httpClient: httpClient,
		now:        time.Now,
	}
}

// Token returns a valid bearer token for the given credentials, granting a
// new one only when no unexpired token is cached. The call blocks on network
// I/O on miss or expiry.
func (c *Cache) Token(ctx context.Context, creds Credentials) (string, error) {
	if err := creds.validate(); err != nil {
		return "", err
	}

	e := c.entryFor(creds.cacheKey())
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.token != nil && e.token.AccessToken != "" &&
		e.token.Expiry.After(c.now().Add(expirySkew)) {
		return e.token.AccessToken, nil
	}

	if c.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	}

	// Issuer discovery, cached per credential set.
	if e.tokenURL == "" {
		provider, err := oidc.NewProvider(ctx, creds.Issuer)
		if err != nil {
			return "", fmt.Errorf("issuer discovery for %s: %w", creds.Issuer, err)
		}
		e.tokenURL = provider.Endpoint().TokenURL
	}

	grant := clientcredentials.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		TokenURL:     e.tokenURL,
		Scopes:       creds.Scopes,
	}
	token, err := grant.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("client credentials grant: %w", err)
	}
	if token.AccessToken == "" {
		return "", errors.New("grant response contained no access token")
	}

	e.token = token
	return token.AccessToken, nil
}

// Invalidate drops any cached token for the given credentials.
func (c *Cache) Invalidate(creds Credentials) {
	e := c.entryFor(creds.cacheKey())
	e.mu.Lock()
	defer e.mu.Unlock()
	e.token = nil
}

func (c *Cache) entryFor(key string) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		e = &entry{}
		c.entries[key] = e
	}
	return e
}
