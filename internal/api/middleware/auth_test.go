package middleware

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

const (
	testKeyID  = "test-key-dm"
	testIssuer = "https://keycloak.test/realms/artstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func generateTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	return key
}

// jwksJSON строит JWKS из публичного RSA-ключа.
func jwksJSON(pub *rsa.PublicKey, kid string) []byte {
	data, _ := json.Marshal(map[string]any{
		"keys": []map[string]any{{
			"kty": "RSA",
			"kid": kid,
			"use": "sig",
			"alg": "RS256",
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	})
	return data
}

func newTestJWTAuth(t *testing.T, key *rsa.PrivateKey) *JWTAuth {
	t.Helper()
	kf, err := keyfunc.NewJWKSetJSON(jwksJSON(&key.PublicKey, testKeyID))
	if err != nil {
		t.Fatalf("не удалось создать keyfunc: %v", err)
	}
	return NewJWTAuthWithKeyfunc(kf, JWTAuthConfig{
		Issuer:         testIssuer,
		AdminGroups:    []string{"artstore-admins"},
		UploaderGroups: []string{"mobile-release"},
	}, testLogger())
}

// signToken подписывает claims; exp/nbf/iss дополняются, если не заданы.
func signToken(t *testing.T, key *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = jwt.NewNumericDate(time.Now().Add(time.Hour))
	}
	if _, ok := claims["iss"]; !ok {
		claims["iss"] = testIssuer
	}
	claims["nbf"] = jwt.NewNumericDate(time.Now().Add(-time.Minute))

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKeyID
	s, err := token.SignedString(key)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func userClaims(sub string, groups ...string) jwt.MapClaims {
	return jwt.MapClaims{
		"sub":                sub,
		"preferred_username": "alice",
		"groups":             groups,
	}
}

func saClaims(sub, clientID, scope string) jwt.MapClaims {
	return jwt.MapClaims{
		"sub":       sub,
		"client_id": clientID,
		"scope":     scope,
	}
}

// serve пропускает запрос через middleware и возвращает код и claims.
func serve(t *testing.T, h func(http.Handler) http.Handler, authHeader string) (int, *AuthClaims) {
	t.Helper()
	var got *AuthClaims
	handler := h(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/artifacts/x", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec.Code, got
}

func TestJWTAuth_UserToken(t *testing.T) {
	key := generateTestKey(t)
	auth := newTestJWTAuth(t, key)

	code, claims := serve(t, auth.Middleware(),
		"Bearer "+signToken(t, key, userClaims("user-1", "mobile-release", "other")))
	if code != http.StatusOK {
		t.Fatalf("статус = %d, ожидался 200", code)
	}
	if claims.Subject != "user-1" || claims.SubjectType != SubjectTypeUser {
		t.Errorf("claims = %+v", claims)
	}
	if !claims.HasAnyRole(RoleUploader) || claims.HasAnyRole(RoleAdmin) {
		t.Errorf("Roles = %v, ожидалось [uploader]", claims.Roles)
	}
	if claims.PreferredUsername != "alice" {
		t.Errorf("PreferredUsername = %q, ожидался alice", claims.PreferredUsername)
	}
}

func TestJWTAuth_RealmRolesFallback(t *testing.T) {
	key := generateTestKey(t)
	auth := newTestJWTAuth(t, key)

	c := userClaims("user-2")
	c["realm_access"] = map[string]any{"roles": []string{"offline_access", "admin"}}

	code, claims := serve(t, auth.Middleware(), "Bearer "+signToken(t, key, c))
	if code != http.StatusOK {
		t.Fatalf("статус = %d, ожидался 200", code)
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != RoleAdmin {
		t.Errorf("Roles = %v, ожидалось [admin]", claims.Roles)
	}
}

func TestJWTAuth_ServiceAccountToken(t *testing.T) {
	key := generateTestKey(t)
	auth := newTestJWTAuth(t, key)

	code, claims := serve(t, auth.Middleware(),
		"Bearer "+signToken(t, key, saClaims("sa-1", "ci-pipeline", "openid artifacts:write")))
	if code != http.StatusOK {
		t.Fatalf("статус = %d, ожидался 200", code)
	}
	if claims.SubjectType != SubjectTypeSA || claims.ClientID != "ci-pipeline" {
		t.Errorf("claims = %+v", claims)
	}
	if !claims.HasAnyScope(ScopeArtifactsWrite) || claims.HasAnyScope(ScopeArtifactsRead) {
		t.Errorf("Scopes = %v", claims.Scopes)
	}
}

func TestJWTAuth_Rejected(t *testing.T) {
	key := generateTestKey(t)
	other := generateTestKey(t)
	auth := newTestJWTAuth(t, key)

	expired := userClaims("user-1")
	expired["exp"] = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	wrongIssuer := userClaims("user-1")
	wrongIssuer["iss"] = "https://evil.test"

	tests := []struct {
		name   string
		header string
	}{
		{"нет заголовка", ""},
		{"basic auth", "Basic dXNlcjpwYXNz"},
		{"без префикса Bearer", "token123"},
		{"пустой Bearer", "Bearer "},
		{"просроченный", "Bearer " + signToken(t, key, expired)},
		{"чужой issuer", "Bearer " + signToken(t, key, wrongIssuer)},
		{"чужой ключ", "Bearer " + signToken(t, other, userClaims("user-1"))},
		{"без sub", "Bearer " + signToken(t, key, jwt.MapClaims{"groups": []string{"artstore-admins"}})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _ := serve(t, auth.Middleware(), tt.header)
			if code != http.StatusUnauthorized {
				t.Errorf("статус = %d, ожидался 401", code)
			}
		})
	}
}

func TestRequireRoleOrScope(t *testing.T) {
	key := generateTestKey(t)
	auth := newTestJWTAuth(t, key)

	chain := func(next http.Handler) http.Handler {
		return auth.Middleware()(RequireRoleOrScope(
			[]string{RoleAdmin, RoleUploader},
			[]string{ScopeArtifactsWrite},
		)(next))
	}

	tests := []struct {
		name   string
		claims jwt.MapClaims
		want   int
	}{
		{"admin", userClaims("u1", "artstore-admins"), http.StatusOK},
		{"uploader", userClaims("u2", "mobile-release"), http.StatusOK},
		{"пользователь без роли", userClaims("u3", "marketing"), http.StatusForbidden},
		{"SA с artifacts:write", saClaims("sa1", "ci", "artifacts:write"), http.StatusOK},
		{"SA только с artifacts:read", saClaims("sa2", "ci", "artifacts:read"), http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _ := serve(t, chain, "Bearer "+signToken(t, key, tt.claims))
			if code != tt.want {
				t.Errorf("статус = %d, ожидался %d", code, tt.want)
			}
		})
	}
}

func TestRequireRoleOrScope_NoClaims(t *testing.T) {
	code, _ := serve(t, RequireRoleOrScope([]string{RoleAdmin}, nil), "")
	if code != http.StatusUnauthorized {
		t.Errorf("статус = %d, ожидался 401", code)
	}
}

func TestJWKSReadinessChecker(t *testing.T) {
	key := generateTestKey(t)

	tests := []struct {
		name       string
		status     int
		body       []byte
		wantStatus string
	}{
		{"ключи есть", http.StatusOK, jwksJSON(&key.PublicKey, testKeyID), "ok"},
		{"нет ключей", http.StatusOK, []byte(`{"keys":[]}`), "degraded"},
		{"невалидный JSON", http.StatusOK, []byte(`{`), "degraded"},
		{"ошибка сервера", http.StatusInternalServerError, nil, "fail"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write(tt.body)
			}))
			defer srv.Close()

			checker, err := NewJWKSReadinessChecker(srv.URL, "", time.Second)
			if err != nil {
				t.Fatalf("NewJWKSReadinessChecker: %v", err)
			}
			if status, msg := checker.CheckReady(); status != tt.wantStatus {
				t.Errorf("CheckReady = %s (%s), ожидался %s", status, msg, tt.wantStatus)
			}
		})
	}
}
