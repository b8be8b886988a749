package httpserver

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Light parameters keep the KDF fast in tests; VerifyAPIKey reads the
// parameters back out of the encoded hash.
var testArgon2Params = Argon2Params{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLen: 16, KeyLen: 32}

func TestHashAndVerifyAPIKey(t *testing.T) {
	hash, err := HashAPIKey("s3cret", testArgon2Params)
	require.NoError(t, err)

	assert.True(t, VerifyAPIKey("s3cret", hash))
	assert.False(t, VerifyAPIKey("wrong", hash))
	assert.False(t, VerifyAPIKey("", hash))
}

func TestVerifyAPIKeyRejectsMalformedHashes(t *testing.T) {
	for _, bad := range []string{
		"",
		"plaintext",
		"bcrypt$1$2$3$c2FsdA$aGFzaA",
		"argon2id$x$65536$2$c2FsdA$aGFzaA",
		"argon2id$3$65536$2$!!!$aGFzaA",
		"argon2id$3$65536$2$c2FsdA",
	} {
		assert.False(t, VerifyAPIKey("anything", bad), "hash %q", bad)
	}
}

func TestRequireAPIKey(t *testing.T) {
	hash, err := HashAPIKey("s3cret", testArgon2Params)
	require.NoError(t, err)

	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })

	t.Run("valid key passes", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/jobs", nil)
		req.Header.Set("X-API-Key", "s3cret")
		RequireAPIKey(hash)(ok).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("missing key is unauthenticated", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/jobs", nil)
		RequireAPIKey(hash)(ok).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
	})

	t.Run("wrong key is unauthenticated", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/jobs", nil)
		req.Header.Set("X-API-Key", "guess")
		RequireAPIKey(hash)(ok).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("no configured hash disables the route", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/jobs", nil)
		req.Header.Set("X-API-Key", "s3cret")
		RequireAPIKey("")(ok).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}
