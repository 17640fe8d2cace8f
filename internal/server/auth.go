package server

import (
	"context"
	"fmt"
	"strings"

	"github.com/repograde/repograde/internal/quota"
)

// Principal is the authenticated caller of a request.
type Principal struct {
	UserID string
	Tier   quota.Tier
}

// TokenResolver authenticates a bearer token.
type TokenResolver interface {
	Resolve(token string) (Principal, bool)
}

// StaticTokens resolves bearer tokens from a fixed table.
type StaticTokens map[string]Principal

// ParseStaticTokens parses the AUTH_TOKENS format: comma-separated
// "token:userId:tier" entries. Empty entries are skipped.
func ParseStaticTokens(s string) (StaticTokens, error) {
	out := StaticTokens{}
	for i, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
			// Never echo the entry itself: it contains a credential.
			return nil, fmt.Errorf("auth token entry %d: want token:userId:tier", i+1)
		}
		tier, err := quota.ParseTier(parts[2])
		if err != nil {
			return nil, fmt.Errorf("auth token entry %d: %w", i+1, err)
		}
		out[parts[0]] = Principal{UserID: parts[1], Tier: tier}
	}
	return out, nil
}

// Resolve implements TokenResolver.
func (s StaticTokens) Resolve(token string) (Principal, bool) {
	p, ok := s[token]
	return p, ok
}

type principalKeyType struct{}

var principalKey principalKeyType

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

func principalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}
