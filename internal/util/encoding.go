package util

import (
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Normalize returns the NFKC form of s with surrounding whitespace removed,
// so that visually identical strings compare equal across processes.
func Normalize(s string) string {
	return norm.NFKC.String(strings.TrimSpace(s))
}

func HexEncode(b []byte) string {
	return hex.EncodeToString(b)
}
