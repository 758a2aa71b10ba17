// Package securetoken implements self-contained, signed, expiring tokens
// bound to an entity.
//
// A token is base64(payload) + "-" + signature, where the payload is the JSON
// array [entity tag, entity id, expiry epoch or 0, usage, salt] and the
// signature is the truncated hex SHA-256 of the encoded payload concatenated
// with a secret. The standard base64 alphabet contains no '-', so splitting
// at the first '-' is unambiguous.
package securetoken

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultSignatureLength is the number of hex characters kept from the hash.
const DefaultSignatureLength = 16

const separator = "-"

var encoding = base64.RawStdEncoding.Strict()

// ErrInvalidPayload is returned by Encode for payloads that cannot be signed.
var ErrInvalidPayload = errors.New("securetoken: invalid payload")

// Payload is the signed content of a token.
type Payload struct {
	Entity  string
	ID      int64
	Expires int64
	Usage   string
	Salt    string
}

// Expired reports whether the payload carries a nonzero expiry that lies
// before now.
func (p Payload) Expired(now time.Time) bool {
	return p.Expires != 0 && now.Unix() > p.Expires
}

// MarshalJSON renders the payload as a fixed-arity array.
func (p Payload) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{p.Entity, p.ID, p.Expires, p.Usage, p.Salt})
}

// UnmarshalJSON accepts exactly the array written by MarshalJSON.
func (p *Payload) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	if len(parts) != 5 {
		return fmt.Errorf("%w: expected 5 elements, got %d", ErrInvalidPayload, len(parts))
	}
	targets := []any{&p.Entity, &p.ID, &p.Expires, &p.Usage, &p.Salt}
	for i, target := range targets {
		if err := json.Unmarshal(parts[i], target); err != nil {
			return fmt.Errorf("%w: element %d: %v", ErrInvalidPayload, i, err)
		}
	}
	return nil
}

// EntityTag is the two letter uppercase tag identifying an entity type.
func EntityTag(entity string) string {
	tag := strings.ToUpper(entity)
	if len(tag) > 2 {
		tag = tag[:2]
	}
	return tag
}

// Codec signs and parses tokens.
type Codec struct {
	signatureLength int
}

// NewCodec creates a codec keeping signatureLength hex characters of the
// hash. Values outside 1..64 fall back to DefaultSignatureLength.
func NewCodec(signatureLength int) *Codec {
	if signatureLength < 1 || signatureLength > sha256.Size*2 {
		signatureLength = DefaultSignatureLength
	}
	return &Codec{signatureLength: signatureLength}
}

// Encode serializes and signs p with secret.
func (c *Codec) Encode(p Payload, secret string) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	encoded := encoding.EncodeToString(raw)
	return encoded + separator + c.Sign(encoded, secret), nil
}

// Sign returns the truncated signature of an encoded payload.
func (c *Codec) Sign(encoded, secret string) string {
	sum := sha256.Sum256([]byte(encoded + secret))
	return hex.EncodeToString(sum[:])[:c.signatureLength]
}

// Parse splits a token and decodes its payload without checking the
// signature.
func (c *Codec) Parse(token string) (p Payload, encoded, signature string, ok bool) {
	encoded, signature, found := strings.Cut(token, separator)
	if !found || encoded == "" || signature == "" {
		return Payload{}, "", "", false
	}
	raw, err := encoding.DecodeString(encoded)
	if err != nil {
		return Payload{}, "", "", false
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, "", "", false
	}
	return p, encoded, signature, true
}

// Verify checks a signature against an encoded payload in constant time.
func (c *Codec) Verify(encoded, signature, secret string) bool {
	expected := c.Sign(encoded, secret)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// SecretResolver returns the current signing secret for an entity id.
type SecretResolver func(ctx context.Context, id int64) (string, error)

// DecodeAndVerify checks token against the expected entity type and usage,
// its expiry at now and the signature under the secret resolved for the
// embedded id. Every failure yields ok == false without detail; all checks
// are evaluated before the outcome is decided.
func (c *Codec) DecodeAndVerify(ctx context.Context, entity, token, usage string, resolve SecretResolver, now time.Time) (id int64, ok bool) {
	p, encoded, signature, parsed := c.Parse(token)
	if !parsed {
		return 0, false
	}

	tagOK := p.Entity == EntityTag(entity)
	usageOK := p.Usage == usage
	fresh := !p.Expired(now)

	secret, err := resolve(ctx, p.ID)
	secretOK := err == nil
	signed := c.Verify(encoded, signature, secret)

	if tagOK && usageOK && fresh && secretOK && signed {
		return p.ID, true
	}
	return 0, false
}
