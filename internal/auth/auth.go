// Package auth turns request credentials into a tenancy.Context.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/iago/wa-tenancy/internal/tenancy"
)

// CredentialResolver validates a bearer credential. Any failure is reported
// as tenancy.ErrAuthenticationMissing.
type CredentialResolver interface {
	Resolve(ctx context.Context, token string) (tenancy.Context, error)
}

// StaticResolver maps fixed API tokens to tenants.
type StaticResolver struct {
	tokens map[string]tenancy.Context
}

// ParseStaticTokens reads "token=tenant:actor" pairs separated by commas. The
// actor part is optional and defaults to "api".
func ParseStaticTokens(list string) (*StaticResolver, error) {
	resolver := &StaticResolver{tokens: make(map[string]tenancy.Context)}
	for _, entry := range strings.Split(list, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		token, identity, ok := strings.Cut(entry, "=")
		token = strings.TrimSpace(token)
		if !ok || token == "" {
			return nil, fmt.Errorf("invalid auth token entry %q", entry)
		}
		tenantID, actorID, _ := strings.Cut(identity, ":")
		tenantID = strings.TrimSpace(tenantID)
		if tenantID == "" {
			return nil, fmt.Errorf("auth token entry %q has no tenant", entry)
		}
		actorID = strings.TrimSpace(actorID)
		if actorID == "" {
			actorID = "api"
		}
		resolver.tokens[token] = tenancy.Context{TenantID: tenantID, ActorID: actorID}
	}
	return resolver, nil
}

func (r *StaticResolver) Resolve(_ context.Context, token string) (tenancy.Context, error) {
	for known, identity := range r.tokens {
		if subtle.ConstantTimeCompare([]byte(known), []byte(token)) == 1 {
			return identity, nil
		}
	}
	return tenancy.Context{}, tenancy.ErrAuthenticationMissing
}

func (r *StaticResolver) Len() int {
	return len(r.tokens)
}

// Claims carried by tenant access tokens.
type Claims struct {
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

// JWTResolver accepts HS256 tokens whose subject is the actor.
type JWTResolver struct {
	secret []byte
	issuer string
}

func NewJWTResolver(secret, issuer string) *JWTResolver {
	return &JWTResolver{secret: []byte(secret), issuer: issuer}
}

func (r *JWTResolver) Resolve(_ context.Context, token string) (tenancy.Context, error) {
	options := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if r.issuer != "" {
		options = append(options, jwt.WithIssuer(r.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return r.secret, nil
	}, options...)
	if err != nil {
		return tenancy.Context{}, fmt.Errorf("%w: %v", tenancy.ErrAuthenticationMissing, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return tenancy.Context{}, tenancy.ErrAuthenticationMissing
	}
	if strings.TrimSpace(claims.TenantID) == "" || strings.TrimSpace(claims.Subject) == "" {
		return tenancy.Context{}, fmt.Errorf("%w: token lacks tenant or subject", tenancy.ErrAuthenticationMissing)
	}
	return tenancy.Context{TenantID: claims.TenantID, ActorID: claims.Subject}, nil
}

// Issue signs a token for tenantID/actorID. Used by tooling and tests.
func (r *JWTResolver) Issue(tenantID, actorID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actorID,
			Issuer:    r.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
}

// ChainResolver tries each resolver in order; the first success wins.
type ChainResolver []CredentialResolver

func (c ChainResolver) Resolve(ctx context.Context, token string) (tenancy.Context, error) {
	if strings.TrimSpace(token) == "" {
		return tenancy.Context{}, tenancy.ErrAuthenticationMissing
	}
	var lastErr error = tenancy.ErrAuthenticationMissing
	for _, resolver := range c {
		if resolver == nil {
			continue
		}
		identity, err := resolver.Resolve(ctx, token)
		if err == nil {
			return identity, nil
		}
		lastErr = err
	}
	if !errors.Is(lastErr, tenancy.ErrAuthenticationMissing) {
		lastErr = fmt.Errorf("%w: %v", tenancy.ErrAuthenticationMissing, lastErr)
	}
	return tenancy.Context{}, lastErr
}
