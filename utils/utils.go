package utils

import (
	"crypto/rand"
	"encoding/hex"

	jsoniter "github.com/json-iterator/go"
)

var JSON = jsoniter.Config{EscapeHTML: false, SortMapKeys: true, ValidateJsonRawMessage: true}.Froze()

// If returns t when b is true, otherwise f.
func If[T any](b bool, t, f T) T {
	if b {
		return t
	}
	return f
}

// GenRandByte returns n cryptographically random bytes.
func GenRandByte(n int) []byte {
	secBuffer := make([]byte, n)
	rand.Reader.Read(secBuffer)
	return secBuffer
}

// GetStrUUID returns a 128-bit random token as 32 hex characters.
func GetStrUUID() string {
	return hex.EncodeToString(GenRandByte(16))
}
