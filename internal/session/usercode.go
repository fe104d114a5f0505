// SPDX-License-Identifier: MIT

package session

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"strings"
)

// User codes are printed on receipts and typed on phone keyboards, so the
// alphabet drops the lookalikes I, O, 0 and 1.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const codePrefix = "CJ-"

var userCodeRe = regexp.MustCompile(`^CJ-[A-HJ-NP-Z2-9]{6}$`)

// GenerateUserCode returns a fresh printable user code, e.g. "CJ-K7PX2M".
func GenerateUserCode() (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("session: generate user code: %w", err)
	}
	var b strings.Builder
	b.WriteString(codePrefix)
	for _, c := range buf {
		b.WriteByte(codeAlphabet[int(c)%len(codeAlphabet)])
	}
	return b.String(), nil
}

// ValidUserCode reports whether code has the canonical shape.
func ValidUserCode(code string) bool {
	return userCodeRe.MatchString(code)
}

// NormalizeUserCode upper-cases a user-typed code and restores the prefix.
func NormalizeUserCode(raw string) string {
	code := strings.ToUpper(strings.TrimSpace(raw))
	if code == "" {
		return ""
	}
	if !strings.HasPrefix(code, codePrefix) {
		code = codePrefix + code
	}
	return code
}
