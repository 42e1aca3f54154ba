package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fechatter/realtime-core/internal/contract"
)

type mockJWKSServer struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	kid        string
}

func newMockJWKSServer() (*mockJWKSServer, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	return &mockJWKSServer{privateKey: privateKey, publicKey: &privateKey.PublicKey, kid: "test-key-id"}, nil
}

func (m *mockJWKSServer) issueToken(claims jwt.MapClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = m.kid
	return token.SignedString(m.privateKey)
}

func withMockCache(t *testing.T, server *mockJWKSServer) {
	t.Helper()
	prev := globalJWKSCache
	globalJWKSCache = &jwksCache{
		keys:      map[string]*rsa.PublicKey{server.kid: server.publicKey},
		lastFetch: time.Now(),
		cacheTTL:  time.Hour,
	}
	t.Cleanup(func() { globalJWKSCache = prev })
}

func TestValidateToken_RS256_ExtractsIdentity(t *testing.T) {
	server, err := newMockJWKSServer()
	if err != nil {
		t.Fatalf("mock JWKS server: %v", err)
	}
	withMockCache(t, server)

	cfg := JWTCfg{Issuer: "https://id.fechatter.test"}

	claims := jwt.MapClaims{
		"user_id":      float64(42),
		"workspace_id": float64(7),
		"iss":          "https://id.fechatter.test",
		"exp":          time.Now().Add(time.Hour).Unix(),
		"iat":          time.Now().Unix(),
	}
	tokenString, err := server.issueToken(claims)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	id, err := ValidateToken(tokenString, cfg)
	if err != nil {
		t.Fatalf("expected valid token, got error: %v", err)
	}
	if id.UserID != contract.UserId(42) {
		t.Errorf("UserID = %v, want 42", id.UserID)
	}
	if id.WorkspaceID != contract.WorkspaceId(7) {
		t.Errorf("WorkspaceID = %v, want 7", id.WorkspaceID)
	}
}

func TestValidateToken_RS256_WrongIssuerRejected(t *testing.T) {
	server, err := newMockJWKSServer()
	if err != nil {
		t.Fatalf("mock JWKS server: %v", err)
	}
	withMockCache(t, server)

	cfg := JWTCfg{Issuer: "https://id.fechatter.test"}
	claims := jwt.MapClaims{
		"user_id":      float64(1),
		"workspace_id": float64(1),
		"iss":          "https://attacker.test",
		"exp":          time.Now().Add(time.Hour).Unix(),
	}
	tokenString, err := server.issueToken(claims)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	_, err = ValidateToken(tokenString, cfg)
	if err == nil || !strings.Contains(err.Error(), "invalid issuer") {
		t.Fatalf("expected invalid issuer error, got: %v", err)
	}
}

func TestValidateToken_RS256_ExpiredRejected(t *testing.T) {
	server, err := newMockJWKSServer()
	if err != nil {
		t.Fatalf("mock JWKS server: %v", err)
	}
	withMockCache(t, server)

	cfg := JWTCfg{}
	claims := jwt.MapClaims{
		"user_id":      float64(1),
		"workspace_id": float64(1),
		"exp":          time.Now().Add(-time.Hour).Unix(),
	}
	tokenString, err := server.issueToken(claims)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	if _, err := ValidateToken(tokenString, cfg); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}

func TestValidateToken_RS256_MissingClaimsRejected(t *testing.T) {
	server, err := newMockJWKSServer()
	if err != nil {
		t.Fatalf("mock JWKS server: %v", err)
	}
	withMockCache(t, server)

	cfg := JWTCfg{}
	claims := jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	tokenString, err := server.issueToken(claims)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	if _, err := ValidateToken(tokenString, cfg); err == nil {
		t.Fatal("expected token without user_id/workspace_id claims to be rejected")
	}
}

func TestValidateToken_HS256_BackendToken(t *testing.T) {
	secret := "test-hmac-secret"
	cfg := JWTCfg{HS256Secret: secret}

	claims := jwt.MapClaims{
		"user_id":      float64(99),
		"workspace_id": float64(3),
		"exp":          time.Now().Add(time.Hour).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	id, err := ValidateToken(tokenString, cfg)
	if err != nil {
		t.Fatalf("expected HS256 token to be accepted, got: %v", err)
	}
	if id.UserID != contract.UserId(99) || id.WorkspaceID != contract.WorkspaceId(3) {
		t.Errorf("unexpected identity: %+v", id)
	}
}

func TestValidateToken_HS256_WrongSecretRejected(t *testing.T) {
	cfg := JWTCfg{HS256Secret: "correct-secret"}

	claims := jwt.MapClaims{
		"user_id":      float64(1),
		"workspace_id": float64(1),
		"exp":          time.Now().Add(time.Hour).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte("wrong-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	if _, err := ValidateToken(tokenString, cfg); err == nil {
		t.Fatal("expected token signed with the wrong secret to be rejected")
	}
}

func TestValidateToken_StringEncodedIDs(t *testing.T) {
	secret := "test-hmac-secret"
	cfg := JWTCfg{HS256Secret: secret}

	claims := jwt.MapClaims{
		"user_id":      "123",
		"workspace_id": "456",
		"exp":          time.Now().Add(time.Hour).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	id, err := ValidateToken(tokenString, cfg)
	if err != nil {
		t.Fatalf("expected string-encoded ids to parse, got: %v", err)
	}
	if id.UserID != contract.UserId(123) || id.WorkspaceID != contract.WorkspaceId(456) {
		t.Errorf("unexpected identity: %+v", id)
	}
}
