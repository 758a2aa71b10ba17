// Package remotekey issues and resolves the opaque keys that link a remote
// identity to an internal contact.
package remotekey

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// IdentifierType is the identity type under which remote keys are recorded.
const IdentifierType = "remote_contact"

const (
	keyLength       = 16
	maxPrefixLength = 8
)

var prefixFilter = regexp.MustCompile(`[^0-9A-Z_#-]`)

// SanitizePrefix uppercases the prefix, folds accented letters to their
// base form, drops everything outside [0-9A-Z_#-] and caps it at 8 characters.
func SanitizePrefix(prefix string) string {
	folded := strings.ToUpper(norm.NFKD.String(prefix))
	clean := prefixFilter.ReplaceAllString(folded, "")
	if len(clean) > maxPrefixLength {
		clean = clean[:maxPrefixLength]
	}
	return clean
}

// Generate returns a new random key: the sanitized prefix followed by
// 16 uppercase hex characters.
func Generate(prefix string) (string, error) {
	buf := make([]byte, keyLength/2)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("remotekey: read random: %w", err)
	}
	return SanitizePrefix(prefix) + strings.ToUpper(hex.EncodeToString(buf)), nil
}
