// Package identity implements the one-way hashing primitives used to
// authenticate repository secrets and user passwords.
package identity

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/sha3"
)

const (
	argon2Time    = 3
	argon2Memory  = 4096 // KiB
	argon2Lanes   = 1
	argon2KeyLen  = 32
	argon2Version = argon2.Version
)

// HashedValue is a SHA3-256 digest of a secret, stored as lower-hex. It is
// used for repository secrets: a fast, non-interactive comparison, not a
// password.
type HashedValue string

// NewHashedValue hashes s with SHA3-256.
func NewHashedValue(s string) HashedValue {
	sum := sha3.Sum256([]byte(s))
	return HashedValue(hex.EncodeToString(sum[:]))
}

// Equal reports whether candidate hashes to this value, compared in
// constant time.
func (h HashedValue) Equal(candidate string) bool {
	other := NewHashedValue(candidate)
	return subtle.ConstantTimeCompare([]byte(h), []byte(other)) == 1
}

// String returns the hex digest.
func (h HashedValue) String() string {
	return string(h)
}

// HashedPassword is the self-describing encoded form of an Argon2id hash:
// parameters, salt, and hash, so verification never needs out-of-band
// knowledge of how it was produced.
type HashedPassword string

// NewHashedPassword derives an Argon2id hash of password using salt and
// encodes the result self-describingly.
func NewHashedPassword(password, salt string) HashedPassword {
	sum := argon2.IDKey([]byte(password), []byte(salt), argon2Time, argon2Memory, argon2Lanes, argon2KeyLen)
	encoded := fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2Version, argon2Memory, argon2Time, argon2Lanes,
		base64.RawStdEncoding.EncodeToString([]byte(salt)),
		base64.RawStdEncoding.EncodeToString(sum))
	return HashedPassword(encoded)
}

// Verify reports whether password matches this stored hash.
func (h HashedPassword) Verify(password string) bool {
	parts := strings.Split(string(h), "$")
	// parts: ["", "argon2id", "v=..", "m=..,t=..,p=..", salt, hash]
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false
	}

	var memory, time, lanes uint32
	for _, field := range strings.Split(parts[3], ",") {
		kv := strings.SplitN(field, "=", 2)
		if len(kv) != 2 {
			return false
		}
		n, err := strconv.Atoi(kv[1])
		if err != nil {
			return false
		}
		switch kv[0] {
		case "m":
			memory = uint32(n)
		case "t":
			time = uint32(n)
		case "p":
			lanes = uint8NoOverflow(n)
		}
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}

	got := argon2.IDKey([]byte(password), salt, time, memory, uint8(lanes), uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1
}

func uint8NoOverflow(n int) uint32 {
	if n < 0 {
		return 0
	}
	return uint32(n)
}

const (
	alphaNumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	urlSafe      = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789_-"
)

// NewID returns a 24-character alphanumeric random identifier, used for
// job, repository, and user IDs.
func NewID() string {
	return randomString(24, alphaNumeric)
}

// NewSalt returns a 16-character URL-safe random string, used as a
// password salt or a short configuration secret.
func NewSalt() string {
	return randomString(16, urlSafe)
}

// NewSecretMaterial returns 32 cryptographically random bytes, the raw
// input fed into NewHashedValue to produce a repository secret.
func NewSecretMaterial() []byte {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("identity: reading random bytes: %v", err))
	}
	return b
}

func randomString(length int, alphabet string) string {
	out := make([]byte, length)
	max := byte(len(alphabet))
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("identity: reading random bytes: %v", err))
	}
	for i, b := range buf {
		// Reject-free modulo bias is not a concern at these alphabet sizes
		// for the purposes this package is used for (IDs, salts); the
		// alphabet lengths (64, 62) divide 256 closely enough.
		out[i] = alphabet[b%max]
	}
	return string(out)
}
