package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func signHS256(t *testing.T, claims map[string]interface{}, secret string) string {
	t.Helper()
	headerRaw, _ := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	payloadRaw, _ := json.Marshal(claims)
	h := base64.RawURLEncoding.EncodeToString(headerRaw)
	p := base64.RawURLEncoding.EncodeToString(payloadRaw)
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(h + "." + p))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return h + "." + p + "." + sig
}

func serve(t *testing.T, mw func(http.Handler) http.Handler, header string, check func(Principal)) int {
	t.Helper()
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFromContext(r.Context())
		if !ok {
			t.Fatalf("principal missing")
		}
		if check != nil {
			check(p)
		}
		w.WriteHeader(http.StatusOK)
	}))
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/pending", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	h.ServeHTTP(rr, req)
	return rr.Code
}

func TestVerifyHS256Token(t *testing.T) {
	secret := "test-secret"
	tok := signHS256(t, map[string]interface{}{
		"sub":   "ops-1",
		"roles": []string{"Admin", "operator"},
		"exp":   time.Now().UTC().Add(time.Minute).Unix(),
	}, secret)
	claims, err := VerifyHS256Token(tok, secret, time.Now().UTC())
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if claims.Sub != "ops-1" || len(claims.Roles) != 2 {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestVerifyHS256TokenRejects(t *testing.T) {
	now := time.Now().UTC()
	cases := map[string]string{
		"expired":    signHS256(t, map[string]interface{}{"sub": "a", "exp": now.Add(-time.Minute).Unix()}, "s"),
		"no subject": signHS256(t, map[string]interface{}{"exp": now.Add(time.Minute).Unix()}, "s"),
		"not active": signHS256(t, map[string]interface{}{"sub": "a", "exp": now.Add(time.Hour).Unix(), "nbf": now.Add(time.Minute).Unix()}, "s"),
		"wrong key":  signHS256(t, map[string]interface{}{"sub": "a", "exp": now.Add(time.Minute).Unix()}, "other"),
		"malformed":  "a.b",
	}
	for name, tok := range cases {
		if _, err := VerifyHS256Token(tok, "s", now); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	if _, err := VerifyHS256Token("a.b.c", "", now); err == nil {
		t.Fatal("expected error without secret")
	}
}

func TestMiddlewareModes(t *testing.T) {
	t.Run("off", func(t *testing.T) {
		code := serve(t, Middleware("off", ""), "", func(p Principal) {
			if !HasAnyRole(p, RoleAdmin) {
				t.Fatalf("expected admin role, got %+v", p)
			}
		})
		if code != http.StatusOK {
			t.Fatalf("expected 200, got %d", code)
		}
	})
	t.Run("token", func(t *testing.T) {
		mw := Middleware("token", "admin-token")
		if code := serve(t, mw, "", nil); code != http.StatusUnauthorized {
			t.Fatalf("expected 401 without token, got %d", code)
		}
		if code := serve(t, mw, "Bearer nope", nil); code != http.StatusUnauthorized {
			t.Fatalf("expected 401 for wrong token, got %d", code)
		}
		if code := serve(t, mw, "bearer admin-token", nil); code != http.StatusOK {
			t.Fatalf("expected 200, got %d", code)
		}
	})
	t.Run("hs256", func(t *testing.T) {
		tok := signHS256(t, map[string]interface{}{
			"sub":   "ops-2",
			"roles": "operator",
			"exp":   time.Now().UTC().Add(time.Minute).Unix(),
		}, "secret")
		code := serve(t, Middleware("hs256", "secret"), "Bearer "+tok, func(p Principal) {
			if p.Subject != "ops-2" || !HasAnyRole(p, "OPERATOR") || HasAnyRole(p, RoleAdmin) {
				t.Fatalf("unexpected principal %+v", p)
			}
		})
		if code != http.StatusOK {
			t.Fatalf("expected 200, got %d", code)
		}
	})
	t.Run("unsupported", func(t *testing.T) {
		if code := serve(t, Middleware("saml", ""), "Bearer x", nil); code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", code)
		}
	})
}

func TestTokenMatches(t *testing.T) {
	if !TokenMatches("abc", "abc") || TokenMatches("abc", "abd") || TokenMatches("", "") || TokenMatches("abc", "") {
		t.Fatal("unexpected token comparison")
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Basic abc")
	if BearerToken(req) != "" {
		t.Fatal("non-bearer schemes must be ignored")
	}
}
