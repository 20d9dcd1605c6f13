package authtoken

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type testIssuer struct {
	key    *rsa.PrivateKey
	kid    string
	server *httptest.Server
}

func newTestIssuer(t *testing.T) *testIssuer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	ti := &testIssuer{key: key, kid: "test-key-1"}
	ti.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pub := ti.key.Public().(*rsa.PublicKey)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]string{{
				"kid": ti.kid,
				"kty": "RSA",
				"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
			}},
		})
	}))
	t.Cleanup(ti.server.Close)
	return ti
}

func (ti *testIssuer) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = ti.kid
	s, err := tok.SignedString(ti.key)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func baseClaims(iss string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"sub": "auth0|user-1",
		"iss": iss,
		"aud": "https://sessions-backend",
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	}
}

func TestVerifyValidToken(t *testing.T) {
	ti := newTestIssuer(t)
	v := NewJWKSVerifier(Config{
		JWKSURL:  ti.server.URL,
		Issuer:   "https://issuer.test/",
		Audience: "https://sessions-backend",
	})
	token := ti.sign(t, baseClaims("https://issuer.test/"))
	sub, err := v.Verify(context.Background(), "Bearer "+token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if sub != "auth0|user-1" {
		t.Errorf("sub = %q", sub)
	}
}

func TestVerifyRejects(t *testing.T) {
	ti := newTestIssuer(t)
	v := NewJWKSVerifier(Config{
		JWKSURL:  ti.server.URL,
		Issuer:   "https://issuer.test/",
		Audience: "https://sessions-backend",
	})
	expired := baseClaims("https://issuer.test/")
	expired["exp"] = time.Now().Add(-time.Hour).Unix()
	wrongIss := baseClaims("https://evil.test/")
	wrongAud := baseClaims("https://issuer.test/")
	wrongAud["aud"] = "https://other-api"
	noSub := baseClaims("https://issuer.test/")
	delete(noSub, "sub")

	cases := map[string]string{
		"expired":        ti.sign(t, expired),
		"wrong issuer":   ti.sign(t, wrongIss),
		"wrong audience": ti.sign(t, wrongAud),
		"no subject":     ti.sign(t, noSub),
		"not a jwt":      "garbage",
	}
	for name, token := range cases {
		if _, err := v.Verify(context.Background(), token); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("%s: err = %v, want ErrUnauthorized", name, err)
		}
	}
}

// Ротация ключа: неизвестный kid приводит к повторной загрузке JWKS.
func TestVerifyKeyRotation(t *testing.T) {
	ti := newTestIssuer(t)
	v := NewJWKSVerifier(Config{JWKSURL: ti.server.URL, Issuer: "https://issuer.test/"})

	if _, err := v.Verify(context.Background(), ti.sign(t, baseClaims("https://issuer.test/"))); err != nil {
		t.Fatalf("первый токен: %v", err)
	}

	newKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	ti.key = newKey
	ti.kid = "test-key-2"

	sub, err := v.Verify(context.Background(), ti.sign(t, baseClaims("https://issuer.test/")))
	if err != nil {
		t.Fatalf("токен после ротации: %v", err)
	}
	if sub != "auth0|user-1" {
		t.Errorf("sub = %q", sub)
	}
}

func TestCanonicalizeToken(t *testing.T) {
	cases := map[string]string{
		"  tok  ":      "tok",
		`"tok"`:        "tok",
		"Bearer tok":   "tok",
		"bearer tok":   "tok",
		`"Bearer tok"`: "tok",
	}
	for in, want := range cases {
		if got := canonicalizeToken(in); got != want {
			t.Errorf("canonicalizeToken(%q) = %q, want %q", in, got, want)
		}
	}
}
