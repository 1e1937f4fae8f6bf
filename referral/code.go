package referral

import (
	"math/rand/v2"
	"strings"
	"unicode"
)

// CodeGenerator produces a candidate referral code for a username. A code
// that is already taken is detected before the write and a new one is drawn.
type CodeGenerator func(username string) string

const (
	// Crockford base32: no I, L, O or U.
	codeAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"
	prefixLen    = 3
	suffixLen    = 6
)

// DefaultCode returns the first three letters or digits of the username,
// upper-cased, followed by six random base32 characters: "AHM4K8Q2Z".
// Letters of any script are kept ("محم..."); a short or symbol-only
// username is padded with random characters instead of a fixed filler.
func DefaultCode(username string) string {
	var b strings.Builder
	n := 0
	for _, r := range username {
		if n == prefixLen {
			break
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
			n++
		}
	}
	for ; n < prefixLen+suffixLen; n++ {
		b.WriteByte(codeAlphabet[rand.IntN(len(codeAlphabet))])
	}
	return b.String()
}

// NormalizeCode trims and upper-cases user input.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
