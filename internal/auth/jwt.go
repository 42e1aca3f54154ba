// Package auth verifies the bearer JWTs issued by the identity service
// that fronts this module; token issuance, login, and session
// management live outside this repository.
package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/fechatter/realtime-core/internal/contract"
)

type ctxKey string

const (
	ctxUserID      ctxKey = "user_id"
	ctxWorkspaceID ctxKey = "workspace_id"
)

// JWTCfg holds JWT authentication configuration.
type JWTCfg struct {
	HS256Secret string // HMAC secret for HS256 tokens (dev/testing, backend-issued)
	DevMode     bool   // Allow X-Debug-Sub/X-Debug-Workspace headers (local dev only)
	Issuer      string // Upstream identity service issuer
	JWKSURL     string // JWKS endpoint for RS256 verification
	Audience    string // Expected audience claim, if any
}

// jwksCache caches the identity service's RSA public keys by kid.
type jwksCache struct {
	mu         sync.RWMutex
	keys       map[string]*rsa.PublicKey
	lastFetch  time.Time
	cacheTTL   time.Duration
	jwksURL    string
	httpClient *http.Client
}

var globalJWKSCache *jwksCache

type jwksResponse struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// fetchJWKS fetches and caches public keys from the identity service for
// RS256 validation. If forceRefresh is true, bypasses the TTL check to
// handle key rotations.
func (c *jwksCache) fetchJWKS(forceRefresh bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !forceRefresh && time.Since(c.lastFetch) < c.cacheTTL && len(c.keys) > 0 {
		return nil
	}

	resp, err := c.httpClient.Get(c.jwksURL)
	if err != nil {
		return fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read JWKS response: %w", err)
	}

	var jwks jwksResponse
	if err := json.Unmarshal(body, &jwks); err != nil {
		return fmt.Errorf("failed to parse JWKS: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey)
	for _, key := range jwks.Keys {
		if key.Kty != "RSA" || key.Use != "sig" {
			continue
		}

		nBytes, err := base64.RawURLEncoding.DecodeString(key.N)
		if err != nil {
			log.Warn().Err(err).Str("kid", key.Kid).Msg("failed to decode modulus")
			continue
		}
		eBytes, err := base64.RawURLEncoding.DecodeString(key.E)
		if err != nil {
			log.Warn().Err(err).Str("kid", key.Kid).Msg("failed to decode exponent")
			continue
		}

		var eInt int
		for _, b := range eBytes {
			eInt = eInt<<8 | int(b)
		}

		keys[key.Kid] = &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: eInt}
	}

	if len(keys) == 0 {
		return errors.New("no valid RSA signing keys found in JWKS")
	}

	c.keys = keys
	c.lastFetch = time.Now()
	log.Info().Int("key_count", len(keys)).Msg("refreshed JWKS cache")
	return nil
}

func (c *jwksCache) getPublicKey(kid string) (*rsa.PublicKey, error) {
	c.mu.RLock()
	cacheExpired := time.Since(c.lastFetch) >= c.cacheTTL
	c.mu.RUnlock()

	if cacheExpired {
		if err := c.fetchJWKS(false); err != nil {
			log.Warn().Err(err).Msg("failed to refresh expired JWKS cache, using stale keys")
		}
	}

	c.mu.RLock()
	key, ok := c.keys[kid]
	c.mu.RUnlock()
	if ok {
		return key, nil
	}

	if err := c.fetchJWKS(true); err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS for missing key %s: %w", kid, err)
	}

	c.mu.RLock()
	key, ok = c.keys[kid]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("key ID %s not found in JWKS even after refresh", kid)
	}
	return key, nil
}

// Identity is the authenticated principal extracted from a verified
// token: which workspace it belongs to and which user it is.
type Identity struct {
	UserID      contract.UserId
	WorkspaceID contract.WorkspaceId
}

// ValidateToken verifies tokenString and extracts the caller's identity.
// Supports RS256 tokens from the upstream identity service (verified via
// JWKS) and HS256 tokens signed with a shared secret (backend-to-backend
// and local dev).
func ValidateToken(tokenString string, cfg JWTCfg) (Identity, error) {
	if tokenString == "" {
		return Identity{}, errors.New("token is empty")
	}
	if cfg.JWKSURL != "" && globalJWKSCache == nil {
		return Identity{}, errors.New("JWKS cache not initialized")
	}

	claims := jwt.MapClaims{}
	t, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		switch t.Method.(type) {
		case *jwt.SigningMethodRSA:
			if globalJWKSCache == nil {
				return nil, errors.New("JWKS cache not initialized")
			}
			kid, ok := t.Header["kid"].(string)
			if !ok || kid == "" {
				return nil, errors.New("missing kid in token header")
			}
			return globalJWKSCache.getPublicKey(kid)

		case *jwt.SigningMethodHMAC:
			if cfg.HS256Secret == "" {
				return nil, errors.New("HS256 secret not configured")
			}
			return []byte(cfg.HS256Secret), nil

		default:
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
	})
	if err != nil || !t.Valid {
		return Identity{}, fmt.Errorf("jwt validation failed: %w", err)
	}

	if cfg.Issuer != "" {
		if iss, ok := claims["iss"].(string); !ok || iss != cfg.Issuer {
			return Identity{}, fmt.Errorf("invalid issuer: expected %s, got %v", cfg.Issuer, claims["iss"])
		}
	}
	if cfg.Audience != "" {
		if aud, ok := claims["aud"].(string); !ok || aud != cfg.Audience {
			return Identity{}, fmt.Errorf("invalid audience: expected %s, got %v", cfg.Audience, claims["aud"])
		}
	}

	userID, err := claimInt64(claims, "user_id")
	if err != nil {
		return Identity{}, err
	}
	workspaceID, err := claimInt64(claims, "workspace_id")
	if err != nil {
		return Identity{}, err
	}

	return Identity{UserID: contract.UserId(userID), WorkspaceID: contract.WorkspaceId(workspaceID)}, nil
}

// claimInt64 reads a numeric claim that may have round-tripped through
// JSON as either a float64 (the common case) or a string (some issuers
// encode large integers as strings to dodge float64 precision loss).
func claimInt64(claims jwt.MapClaims, name string) (int64, error) {
	switch v := claims[name].(type) {
	case float64:
		return int64(v), nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid %s claim: %w", name, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("missing or invalid %s claim", name)
	}
}

// InitJWKSCache initializes the global JWKS cache for upstream identity
// service RS256 validation. Called once at application startup if
// JWKSURL is configured.
func InitJWKSCache(cfg JWTCfg) error {
	if cfg.JWKSURL == "" {
		return nil
	}
	if globalJWKSCache != nil {
		return nil
	}

	globalJWKSCache = &jwksCache{
		keys:       make(map[string]*rsa.PublicKey),
		cacheTTL:   time.Hour,
		jwksURL:    cfg.JWKSURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}

	if err := globalJWKSCache.fetchJWKS(false); err != nil {
		log.Warn().Err(err).Msg("failed to pre-fetch JWKS (will retry on first request)")
		return err
	}

	log.Info().Str("jwks_url", cfg.JWKSURL).Msg("upstream identity service RS256 validation enabled")
	return nil
}

// Middleware verifies the Authorization bearer token (or, in DevMode, the
// X-Debug-Sub/X-Debug-Workspace headers) and stores the resulting
// Identity in the request context.
func Middleware(cfg JWTCfg) func(http.Handler) http.Handler {
	_ = InitJWKSCache(cfg)

	if cfg.DevMode {
		log.Warn().Msg("DevMode enabled: X-Debug-Sub/X-Debug-Workspace headers bypass JWT verification")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := ""
			if h := r.Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
				tok = h[7:]
			}

			var id Identity
			var haveIdentity bool

			if cfg.DevMode && tok == "" {
				sub := r.Header.Get("X-Debug-Sub")
				ws := r.Header.Get("X-Debug-Workspace")
				if sub != "" && ws != "" {
					uid, err1 := strconv.ParseInt(sub, 10, 64)
					wid, err2 := strconv.ParseInt(ws, 10, 64)
					if err1 == nil && err2 == nil {
						id = Identity{UserID: contract.UserId(uid), WorkspaceID: contract.WorkspaceId(wid)}
						haveIdentity = true
						log.Debug().Str("user_id", sub).Str("workspace_id", ws).Msg("using debug headers (dev mode)")
					}
				}
			}

			if tok != "" {
				var err error
				id, err = ValidateToken(tok, cfg)
				if err != nil {
					log.Warn().Err(err).Msg("jwt validation failed")
					http.Error(w, `{"success":false,"error":{"code":"Unauthenticated","message":"invalid or expired token"}}`, http.StatusUnauthorized)
					return
				}
				haveIdentity = true
			}

			if !haveIdentity {
				http.Error(w, `{"success":false,"error":{"code":"Unauthenticated","message":"missing credentials"}}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), ctxUserID, id.UserID)
			ctx = context.WithValue(ctx, ctxWorkspaceID, id.WorkspaceID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserID extracts the authenticated user id from request context.
func UserID(ctx context.Context) contract.UserId {
	if v, ok := ctx.Value(ctxUserID).(contract.UserId); ok {
		return v
	}
	return 0
}

// WorkspaceID extracts the authenticated workspace id from request context.
func WorkspaceID(ctx context.Context) contract.WorkspaceId {
	if v, ok := ctx.Value(ctxWorkspaceID).(contract.WorkspaceId); ok {
		return v
	}
	return 0
}
