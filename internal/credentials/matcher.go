package credentials

import (
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"strings"

	"github.com/GehirnInc/crypt"
	_ "github.com/GehirnInc/crypt/apr1_crypt"
	_ "github.com/GehirnInc/crypt/md5_crypt"
	_ "github.com/GehirnInc/crypt/sha256_crypt"
	_ "github.com/GehirnInc/crypt/sha512_crypt"
	"golang.org/x/crypto/bcrypt"
)

const shaPrefix = "{SHA}"

var bcryptPrefixes = []string{"$2a$", "$2b$", "$2y$"}

// Matcher verifies a plaintext password against a stored hash.
// Implementations decide which hash schemes they understand.
type Matcher interface {
	Match(hash, password string) bool
}

// MatcherFunc adapts a plain function to the Matcher interface.
type MatcherFunc func(hash, password string) bool

// Match calls f(hash, password).
func (f MatcherFunc) Match(hash, password string) bool {
	return f(hash, password)
}

// HtpasswdMatcher understands the hash formats written by Apache's htpasswd:
// bcrypt, {SHA}, $apr1$, the glibc crypt family ($1$, $5$, $6$) and
// traditional DES crypt.
type HtpasswdMatcher struct{}

// Match reports whether password hashes to hash. Unknown schemes never match.
func (HtpasswdMatcher) Match(hash, password string) bool {
	switch {
	case isBcrypt(hash):
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
	case strings.HasPrefix(hash, shaPrefix):
		sum := sha1.Sum([]byte(password))
		expected := shaPrefix + base64.StdEncoding.EncodeToString(sum[:])
		return subtle.ConstantTimeCompare([]byte(expected), []byte(hash)) == 1
	case crypt.IsHashSupported(hash):
		return crypt.NewFromHash(hash).Verify(hash, []byte(password)) == nil
	case isDESCrypt(hash):
		return verifyDESCrypt(hash, password)
	default:
		return false
	}
}

// Supported reports whether hash is in a scheme Match can verify.
func (HtpasswdMatcher) Supported(hash string) bool {
	return isBcrypt(hash) || strings.HasPrefix(hash, shaPrefix) || crypt.IsHashSupported(hash) || isDESCrypt(hash)
}

func isBcrypt(hash string) bool {
	for _, prefix := range bcryptPrefixes {
		if strings.HasPrefix(hash, prefix) {
			return true
		}
	}
	return false
}
