package internal

import (
	"crypto/rand"
	"math/big"
	"strconv"

	"github.com/theplant/luhn"
)

// Daraja caps AccountReference at 12 characters, so external references are
// 11 random digits plus a Luhn check digit rather than a uuid.
const (
	referenceDigits = 11
	luhnChunkDigits = 6
)

var (
	referenceFloor = new(big.Int).Exp(big.NewInt(10), big.NewInt(referenceDigits-1), nil)
	referenceSpan  = new(big.Int).Mul(big.NewInt(9), referenceFloor)
)

func NewExternalReference() (string, error) {
	n, err := rand.Int(rand.Reader, referenceSpan)
	if err != nil {
		return "", err
	}
	// leading digit must not be zero or the reference shrinks when parsed back
	base := n.Add(n, referenceFloor).String()
	return base + strconv.Itoa(luhnCheckDigit(base)), nil
}

// ValidExternalReference rejects tokens this service could not have issued.
func ValidExternalReference(ref string) bool {
	if len(ref) != referenceDigits+1 {
		return false
	}
	for _, r := range ref {
		if r < '0' || r > '9' {
			return false
		}
	}
	return luhnCheckDigit(ref[:referenceDigits]) == int(ref[referenceDigits]-'0')
}

// luhnCheckDigit computes the check digit of a digit string in chunks that
// fit a 32-bit int. Every chunk but the leftmost has an even length, so each
// digit keeps its doubling position and the chunk sums add up.
func luhnCheckDigit(digits string) int {
	sum := 0
	for len(digits) > 0 {
		n := luhnChunkDigits
		if len(digits) < n {
			n = len(digits)
		}
		chunk, _ := strconv.Atoi(digits[len(digits)-n:])
		digits = digits[:len(digits)-n]

		sum += (10 - luhn.CalculateLuhn(chunk)) % 10
	}
	return (10 - sum%10) % 10
}
