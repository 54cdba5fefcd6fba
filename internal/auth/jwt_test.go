package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type jwtTestEnv struct {
	verifier *JWTVerifier
	signKey  jwk.Key
}

func newJWTTestEnv(t *testing.T) *jwtTestEnv {
	t.Helper()

	raw, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	signKey, err := jwk.FromRaw(raw)
	require.NoError(t, err)
	require.NoError(t, signKey.Set(jwk.KeyIDKey, "test-key"))
	require.NoError(t, signKey.Set(jwk.AlgorithmKey, jwa.RS256))

	pubKey, err := signKey.PublicKey()
	require.NoError(t, err)
	keySet := jwk.NewSet()
	require.NoError(t, keySet.AddKey(pubKey))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(keySet)
	}))
	t.Cleanup(srv.Close)

	verifier, err := NewJWTVerifier(srv.URL)
	require.NoError(t, err)

	return &jwtTestEnv{verifier: verifier, signKey: signKey}
}

func (e *jwtTestEnv) sign(t *testing.T, builder *jwt.Builder) string {
	t.Helper()
	token, err := builder.Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256, e.signKey))
	require.NoError(t, err)
	return string(signed)
}

func bearerRequest(token string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	return r
}

func TestUserFromRequest(t *testing.T) {
	env := newJWTTestEnv(t)

	token := env.sign(t, jwt.NewBuilder().
		Subject("user-1").
		Claim("email", "agent@example.com").
		Claim("org_id", "org-1").
		Expiration(time.Now().Add(time.Hour)))

	user, err := env.verifier.UserFromRequest(bearerRequest(token))
	require.NoError(t, err)
	assert.Equal(t, "user-1", user.ID)
	assert.Equal(t, "agent@example.com", user.Email)
	assert.Equal(t, "org-1", user.OrgID)
}

func TestUserFromRequestOptionalClaims(t *testing.T) {
	env := newJWTTestEnv(t)

	token := env.sign(t, jwt.NewBuilder().
		Subject("user-1").
		Expiration(time.Now().Add(time.Hour)))

	user, err := env.verifier.UserFromRequest(bearerRequest(token))
	require.NoError(t, err)
	assert.Equal(t, "user-1", user.ID)
	assert.Empty(t, user.Email)
	assert.Empty(t, user.OrgID)
}

func TestUserFromRequestRejectsExpired(t *testing.T) {
	env := newJWTTestEnv(t)

	token := env.sign(t, jwt.NewBuilder().
		Subject("user-1").
		Expiration(time.Now().Add(-time.Hour)))

	_, err := env.verifier.UserFromRequest(bearerRequest(token))
	assert.Error(t, err)
}

func TestUserFromRequestRejectsMissingSubject(t *testing.T) {
	env := newJWTTestEnv(t)

	token := env.sign(t, jwt.NewBuilder().
		Expiration(time.Now().Add(time.Hour)))

	_, err := env.verifier.UserFromRequest(bearerRequest(token))
	assert.Error(t, err)
}

func TestUserFromRequestRejectsForeignKey(t *testing.T) {
	env := newJWTTestEnv(t)

	otherRaw, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	otherKey, err := jwk.FromRaw(otherRaw)
	require.NoError(t, err)
	require.NoError(t, otherKey.Set(jwk.KeyIDKey, "test-key"))
	require.NoError(t, otherKey.Set(jwk.AlgorithmKey, jwa.RS256))

	token, err := jwt.NewBuilder().
		Subject("user-1").
		Expiration(time.Now().Add(time.Hour)).
		Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256, otherKey))
	require.NoError(t, err)

	_, err = env.verifier.UserFromRequest(bearerRequest(string(signed)))
	assert.Error(t, err)
}

func TestUserFromRequestRejectsMissingHeader(t *testing.T) {
	env := newJWTTestEnv(t)
	_, err := env.verifier.UserFromRequest(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Error(t, err)
}
