package deployment

import (
	"math/rand/v2"
	"strings"
	"time"
)

const idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewID generates a deployment id of the form d-YYYYMMDD-hhmmss-xxxx.
// The timestamp prefix makes ids sort by creation time.
func NewID() string {
	now := time.Now()

	var b strings.Builder
	b.WriteString("d-")
	b.WriteString(now.Format("20060102"))
	b.WriteString("-")
	b.WriteString(now.Format("150405"))
	b.WriteString("-")
	for i := 0; i < 4; i++ {
		b.WriteByte(idAlphabet[rand.IntN(len(idAlphabet))])
	}
	return b.String()
}

// ValidID reports whether s has the deployment id format. Ids are used as
// directory names, so anything else is rejected before touching the
// filesystem.
func ValidID(s string) bool {
	parts := strings.Split(s, "-")
	if len(parts) != 4 || parts[0] != "d" {
		return false
	}
	if len(parts[1]) != 8 || !allDigits(parts[1]) {
		return false
	}
	if len(parts[2]) != 6 || !allDigits(parts[2]) {
		return false
	}
	if len(parts[3]) != 4 {
		return false
	}
	for i := 0; i < len(parts[3]); i++ {
		if !strings.ContainsRune(idAlphabet, rune(parts[3][i])) {
			return false
		}
	}
	return true
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
