package securetoken

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticSecret(secret string) SecretResolver {
	return func(context.Context, int64) (string, error) { return secret, nil }
}

func TestCodec_EncodeParse(t *testing.T) {
	codec := NewCodec(DefaultSignatureLength)
	p := Payload{Entity: "CO", ID: 12, Expires: 0, Usage: "login", Salt: "ab12"}

	token, err := codec.Encode(p, "secret-hash")
	require.NoError(t, err)
	assert.NotContains(t, token[:strings.Index(token, "-")], "=")

	got, encoded, sig, ok := codec.Parse(token)
	require.True(t, ok)
	assert.Equal(t, p, got)
	assert.Len(t, sig, DefaultSignatureLength)
	assert.True(t, codec.Verify(encoded, sig, "secret-hash"))
	assert.False(t, codec.Verify(encoded, sig, "other-hash"))
}

func TestCodec_SignatureLength(t *testing.T) {
	assert.Len(t, NewCodec(40).Sign("x", "y"), 40)
	assert.Len(t, NewCodec(0).Sign("x", "y"), DefaultSignatureLength)
	assert.Len(t, NewCodec(500).Sign("x", "y"), DefaultSignatureLength)
}

func TestCodec_ParseMalformed(t *testing.T) {
	codec := NewCodec(DefaultSignatureLength)
	for _, token := range []string{
		"",
		"nosignature",
		"-abc",
		"abc-",
		"!!!-abc",
		encoding.EncodeToString([]byte(`["CO",1,0]`)) + "-abc",
		encoding.EncodeToString([]byte(`{"id":1}`)) + "-abc",
		encoding.EncodeToString([]byte(`["CO","x",0,"",""]`)) + "-abc",
	} {
		_, _, _, ok := codec.Parse(token)
		assert.False(t, ok, token)
	}
}

func TestCodec_DecodeAndVerify(t *testing.T) {
	ctx := context.Background()
	codec := NewCodec(DefaultSignatureLength)
	now := time.Unix(1_700_000_000, 0)

	token, err := codec.Encode(Payload{Entity: "CO", ID: 5, Expires: now.Unix() + 60, Usage: "u"}, "s3cr3t-hash")
	require.NoError(t, err)

	id, ok := codec.DecodeAndVerify(ctx, "Contact", token, "u", staticSecret("s3cr3t-hash"), now)
	assert.True(t, ok)
	assert.Equal(t, int64(5), id)

	_, ok = codec.DecodeAndVerify(ctx, "Participant", token, "u", staticSecret("s3cr3t-hash"), now)
	assert.False(t, ok, "entity tag mismatch")

	_, ok = codec.DecodeAndVerify(ctx, "Contact", token, "", staticSecret("s3cr3t-hash"), now)
	assert.False(t, ok, "usage mismatch")

	_, ok = codec.DecodeAndVerify(ctx, "Contact", token, "u", staticSecret("s3cr3t-hash"), now.Add(2*time.Minute))
	assert.False(t, ok, "expired")

	failing := func(context.Context, int64) (string, error) { return "", errors.New("gone") }
	_, ok = codec.DecodeAndVerify(ctx, "Contact", token, "u", failing, now)
	assert.False(t, ok, "secret not resolvable")
}

func TestCodec_NegativeExpiryIsExpired(t *testing.T) {
	ctx := context.Background()
	codec := NewCodec(DefaultSignatureLength)

	token, err := codec.Encode(Payload{Entity: "CO", ID: 7, Expires: -100}, "s3cr3t-hash")
	require.NoError(t, err)

	_, ok := codec.DecodeAndVerify(ctx, "Contact", token, "", staticSecret("s3cr3t-hash"), time.Unix(1_700_000_000, 0))
	assert.False(t, ok)
	assert.True(t, Payload{Expires: -100}.Expired(time.Unix(0, 0)))
	assert.False(t, Payload{}.Expired(time.Unix(1_700_000_000, 0)))
}

func TestCodec_Properties(t *testing.T) {
	ctx := context.Background()
	codec := NewCodec(DefaultSignatureLength)
	now := time.Unix(1_700_000_000, 0)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("round trip recovers the id while unexpired", prop.ForAll(
		func(id int64, ttl int64, usage, secret string) bool {
			p := Payload{Entity: "CO", ID: id, Usage: usage, Salt: "00"}
			if ttl > 0 {
				p.Expires = now.Unix() + ttl
			}
			token, err := codec.Encode(p, secret)
			if err != nil {
				return false
			}
			got, ok := codec.DecodeAndVerify(ctx, "contact", token, usage, staticSecret(secret), now)
			return ok && got == id
		},
		gen.Int64Range(1, 1<<40),
		gen.Int64Range(0, 86400),
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.Property("expired tokens are invalid", prop.ForAll(
		func(id int64, age int64) bool {
			p := Payload{Entity: "CO", ID: id, Expires: now.Unix() - age}
			token, err := codec.Encode(p, "secret")
			if err != nil {
				return false
			}
			_, ok := codec.DecodeAndVerify(ctx, "contact", token, "", staticSecret("secret"), now)
			return !ok
		},
		gen.Int64Range(1, 1<<40),
		gen.Int64Range(1, 86400),
	))

	const alphabet = "ABCxyz019+/-="
	properties.Property("any flipped character invalidates the token", prop.ForAll(
		func(id int64, pos int, pick int) bool {
			token, err := codec.Encode(Payload{Entity: "CO", ID: id, Salt: "ff"}, "secret")
			if err != nil {
				return false
			}
			i := pos % len(token)
			repl := alphabet[pick%len(alphabet)]
			if repl == token[i] {
				repl = alphabet[(pick+1)%len(alphabet)]
			}
			tampered := token[:i] + string(repl) + token[i+1:]
			_, ok := codec.DecodeAndVerify(ctx, "contact", tampered, "", staticSecret("secret"), now)
			return !ok
		},
		gen.Int64Range(1, 1<<40),
		gen.IntRange(0, 1000),
		gen.IntRange(0, 100),
	))

	properties.TestingRun(t)
}
