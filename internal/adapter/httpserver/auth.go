package httpserver

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2Params tunes the argon2id hash used for the ops API key.
type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLen     uint32
	KeyLen      uint32
}

var defaultArgon2Params = Argon2Params{
	Memory:      64 * 1024, // KiB
	Iterations:  3,
	Parallelism: 2,
	SaltLen:     16,
	KeyLen:      32,
}

// HashAPIKey produces the encoded argon2id hash operators put in
// ADMIN_API_KEY_HASH. Format:
// argon2id$iterations$memory$parallelism$salt$hash, salt and hash base64.
func HashAPIKey(key string, params Argon2Params) (string, error) {
	salt := make([]byte, params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	hash := argon2.IDKey([]byte(key), salt, params.Iterations, params.Memory, params.Parallelism, params.KeyLen)
	return fmt.Sprintf("argon2id$%d$%d$%d$%s$%s",
		params.Iterations,
		params.Memory,
		params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// VerifyAPIKey checks a presented key against an encoded argon2id hash in
// constant time. Malformed hashes verify as false, never as true.
func VerifyAPIKey(key, encodedHash string) bool {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[0] != "argon2id" {
		return false
	}
	iters, err1 := parseUint32(parts[1])
	mem, err2 := parseUint32(parts[2])
	par64, err3 := parseUint32(parts[3])
	if err1 != nil || err2 != nil || err3 != nil {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}
	var par uint8
	if par64 > math.MaxUint8 {
		par = math.MaxUint8
	} else {
		par = uint8(par64)
	}
	got := argon2.IDKey([]byte(key), salt, iters, mem, par, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1
}

// RequireAPIKey guards mutating routes with the X-API-Key header. An empty
// configured hash disables those routes entirely rather than leaving them
// open.
func RequireAPIKey(encodedHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if encodedHash == "" {
				writeAPIError(w, http.StatusForbidden, "FORBIDDEN", "mutating routes are disabled: no API key configured", nil)
				return
			}
			key := r.Header.Get("X-API-Key")
			if key == "" || !VerifyAPIKey(key, encodedHash) {
				w.Header().Set("WWW-Authenticate", `ApiKey realm="ops"`)
				writeAPIError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing or invalid API key", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func parseUint32(s string) (uint32, error) {
	x, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parse")
	}
	return uint32(x), nil
}
