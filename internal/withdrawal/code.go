package withdrawal

import (
	"crypto/rand"
	"math/big"
)

const codeLength = 6

var codeMax = big.NewInt(1000000)

// GenerateCode returns a random six-digit numeric code, zero-padded.
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeMax)
	if err != nil {
		return "", err
	}
	digits := make([]byte, codeLength)
	value := n.Int64()
	for i := codeLength - 1; i >= 0; i-- {
		digits[i] = byte('0' + value%10)
		value /= 10
	}
	return string(digits), nil
}

// ValidCodeFormat reports whether code is exactly six ASCII digits.
func ValidCodeFormat(code string) bool {
	if len(code) != codeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}
