package credentials

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// ScopeReadWrite is the OAuth2 scope requested for every storage call.
const ScopeReadWrite = "https://www.googleapis.com/auth/devstorage.read_write"

// Token is a bearer credential for a single request.
type Token struct {
	TokenType   string
	AccessToken string
}

// Header formats the token for the Authorization header.
func (t Token) Header() string {
	typ := t.TokenType
	if typ == "" {
		typ = "Bearer"
	}
	return typ + " " + t.AccessToken
}

// TokenProvider supplies a current token for the requested scopes.
// Implementations own caching and renewal.
type TokenProvider interface {
	Token(ctx context.Context, scopes ...string) (Token, error)
}

// Refresher is implemented by providers that can discard a cached token
// and mint a new one. Clients call it after the service rejects a token.
type Refresher interface {
	Refresh(ctx context.Context, scopes ...string) (Token, error)
}

// StaticProvider always returns the same token. Useful against emulators
// and for short-lived tokens handed in by the operator.
type StaticProvider struct {
	token Token
}

// NewStaticProvider creates a provider for a fixed access token
func NewStaticProvider(tokenType, accessToken string) *StaticProvider {
	return &StaticProvider{token: Token{TokenType: tokenType, AccessToken: accessToken}}
}

// Token returns the fixed token
func (p *StaticProvider) Token(ctx context.Context, scopes ...string) (Token, error) {
	if err := ctx.Err(); err != nil {
		return Token{}, err
	}
	if p.token.AccessToken == "" {
		return Token{}, errors.New("static token is empty")
	}
	return p.token, nil
}

// SourceFunc creates an oauth2 token source for a scope set.
type SourceFunc func(ctx context.Context, scopes []string) (oauth2.TokenSource, error)

// OAuth2Provider adapts oauth2 token sources to TokenProvider. One reusable
// source is kept per scope set.
type OAuth2Provider struct {
	newSource SourceFunc

	mu      sync.Mutex
	sources map[string]oauth2.TokenSource
}

// NewOAuth2Provider creates a provider around newSource
func NewOAuth2Provider(newSource SourceFunc) *OAuth2Provider {
	return &OAuth2Provider{
		newSource: newSource,
		sources:   make(map[string]oauth2.TokenSource),
	}
}

// NewServiceAccountProvider mints tokens from a service account key.
func NewServiceAccountProvider(keyJSON []byte) (*OAuth2Provider, error) {
	if _, err := google.JWTConfigFromJSON(keyJSON); err != nil {
		return nil, fmt.Errorf("invalid service account key: %w", err)
	}
	return NewOAuth2Provider(func(ctx context.Context, scopes []string) (oauth2.TokenSource, error) {
		cfg, err := google.JWTConfigFromJSON(keyJSON, scopes...)
		if err != nil {
			return nil, err
		}
		return cfg.TokenSource(ctx), nil
	}), nil
}

// NewDefaultProvider uses Application Default Credentials.
func NewDefaultProvider() *OAuth2Provider {
	return NewOAuth2Provider(func(ctx context.Context, scopes []string) (oauth2.TokenSource, error) {
		creds, err := google.FindDefaultCredentials(ctx, scopes...)
		if err != nil {
			return nil, err
		}
		return creds.TokenSource, nil
	})
}

// NewProvider picks the service account key when one was loaded and falls
// back to Application Default Credentials.
func NewProvider(creds *Credentials) (TokenProvider, error) {
	if creds != nil && creds.HasServiceAccount() {
		return NewServiceAccountProvider(creds.ServiceAccountJSON)
	}
	return NewDefaultProvider(), nil
}

// Token returns a cached or freshly minted token
func (p *OAuth2Provider) Token(ctx context.Context, scopes ...string) (Token, error) {
	src, err := p.source(scopes, false)
	if err != nil {
		return Token{}, err
	}
	return fetch(ctx, src)
}

// Refresh drops the cached source for scopes and mints a new token
func (p *OAuth2Provider) Refresh(ctx context.Context, scopes ...string) (Token, error) {
	src, err := p.source(scopes, true)
	if err != nil {
		return Token{}, err
	}
	return fetch(ctx, src)
}

func (p *OAuth2Provider) source(scopes []string, renew bool) (oauth2.TokenSource, error) {
	key := scopeKey(scopes)
	p.mu.Lock()
	defer p.mu.Unlock()
	if src, ok := p.sources[key]; ok && !renew {
		return src, nil
	}
	// The source outlives the call that created it, so it must not be
	// bound to a request context.
	base, err := p.newSource(context.Background(), scopes)
	if err != nil {
		return nil, fmt.Errorf("create token source: %w", err)
	}
	src := oauth2.ReuseTokenSource(nil, base)
	p.sources[key] = src
	return src, nil
}

func fetch(ctx context.Context, src oauth2.TokenSource) (Token, error) {
	type result struct {
		tok *oauth2.Token
		err error
	}
	done := make(chan result, 1)
	go func() {
		tok, err := src.Token()
		done <- result{tok: tok, err: err}
	}()
	select {
	case <-ctx.Done():
		return Token{}, ctx.Err()
	case res := <-done:
		if res.err != nil {
			return Token{}, fmt.Errorf("fetch token: %w", res.err)
		}
		return Token{TokenType: res.tok.Type(), AccessToken: res.tok.AccessToken}, nil
	}
}

func scopeKey(scopes []string) string {
	sorted := append([]string(nil), scopes...)
	sort.Strings(sorted)
	return strings.Join(sorted, " ")
}
