package server

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	argonSaltLen = 16
)

// HashPassword returns a PHC-format Argon2id hash of password with a
// freshly generated salt, so the same password hashes differently on
// every server start.
func HashPassword(password string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	key := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key)), nil
}

// Gate guards one channel with a stored password hash. A nil Gate is an
// open channel. Hashes are read-only after server start.
type Gate struct {
	hash string
}

// NewGate hashes password into a fresh gate.
func NewGate(password string) (*Gate, error) {
	h, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	return &Gate{hash: h}, nil
}

// Verify reports whether password matches the stored hash.
func (g *Gate) Verify(password string) bool {
	if g == nil {
		return true
	}
	parts := strings.Split(g.hash, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false
	}
	var memory, time uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &threads); err != nil {
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
	got := argon2.IDKey([]byte(password), salt, time, memory, threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1
}

// gated rejects the request before any upgrade happens if the presented
// credential does not pass the gate.
func gated(g *Gate, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !g.Verify(r.Header.Get("Authorization")) {
			http.Error(w, "Invalid credentials", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}
