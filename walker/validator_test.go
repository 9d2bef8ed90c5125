// This file is Free Software under the Apache-2.0 License
// without warranty, see README.md and LICENSES/Apache-2.0.txt for details.
//
// SPDX-License-Identifier: Apache-2.0

package walker

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"testing"

	"github.com/ProtonMail/gopenpgp/v2/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func retrieved(body []byte) *RetrievedDocument {
	return &RetrievedDocument{
		Ref:  DocumentReference{URL: "https://example.com/doc.json"},
		Body: body,
	}
}

func TestValidateDigests(t *testing.T) {
	body := []byte("hello")
	s256 := sha256.Sum256(body)
	s512 := sha512.Sum512(body)

	v := &Validator{Trust: &TrustRoot{}}

	t.Run("matching digests without signature", func(t *testing.T) {
		doc := retrieved(body)
		doc.SHA256 = s256[:]
		doc.SHA512 = s512[:]
		outcome := v.validate(doc)
		// A missing signature dominates matching digests.
		assert.Equal(t, OutcomeNoSignature, outcome.Kind)
		assert.True(t, outcome.Valid(false))
		assert.False(t, outcome.Valid(true))
	})

	t.Run("all sidecars absent is never valid", func(t *testing.T) {
		outcome := v.validate(retrieved(body))
		assert.Equal(t, OutcomeNoSignature, outcome.Kind)
	})

	t.Run("any flipped body byte is a mismatch", func(t *testing.T) {
		for i := range body {
			mutated := append([]byte(nil), body...)
			mutated[i] ^= 0x01
			doc := retrieved(mutated)
			doc.SHA256 = s256[:]
			outcome := v.validate(doc)
			assert.Equal(t, OutcomeDigestMismatch, outcome.Kind)
			assert.Equal(t, "sha256", outcome.HashKind)
			assert.NotEqual(t, outcome.Expected, outcome.Actual)
		}
	})

	t.Run("mismatching sha512 wins over matching sha256", func(t *testing.T) {
		doc := retrieved(body)
		doc.SHA256 = s256[:]
		wrong := sha512.Sum512([]byte("other"))
		doc.SHA512 = wrong[:]
		outcome := v.validate(doc)
		assert.Equal(t, OutcomeDigestMismatch, outcome.Kind)
		assert.Equal(t, "sha512", outcome.HashKind)
	})
}

func signingSetup(t *testing.T) (*TrustRoot, func([]byte) []byte) {
	t.Helper()
	key, err := crypto.GenerateKey("test", "test@example.com", "x25519", 0)
	require.NoError(t, err)
	ring, err := crypto.NewKeyRing(key)
	require.NoError(t, err)

	trust := &TrustRoot{ring: ring}
	sign := func(data []byte) []byte {
		sig, err := ring.SignDetached(crypto.NewPlainMessage(data))
		require.NoError(t, err)
		armored, err := sig.GetArmored()
		require.NoError(t, err)
		return []byte(armored)
	}
	return trust, sign
}

func TestValidateSignature(t *testing.T) {
	body := []byte(`{"document":{}}`)
	trust, sign := signingSetup(t)

	t.Run("good signature", func(t *testing.T) {
		v := &Validator{Trust: trust}
		doc := retrieved(body)
		doc.Signature = sign(body)
		outcome := v.validate(doc)
		assert.Equal(t, OutcomeValid, outcome.Kind)
		assert.True(t, outcome.Valid(true))
	})

	t.Run("tampered body", func(t *testing.T) {
		v := &Validator{Trust: trust}
		doc := retrieved(append([]byte(nil), body...))
		doc.Signature = sign(body)
		doc.Body[0] ^= 0x01
		outcome := v.validate(doc)
		assert.Equal(t, OutcomeSignatureInvalid, outcome.Kind)
		assert.NotEmpty(t, outcome.Reason)
	})

	t.Run("empty trust root", func(t *testing.T) {
		v := &Validator{Trust: &TrustRoot{}}
		doc := retrieved(body)
		doc.Signature = sign(body)
		outcome := v.validate(doc)
		assert.Equal(t, OutcomeNoKey, outcome.Kind)
	})

	t.Run("unparsable signature", func(t *testing.T) {
		v := &Validator{Trust: trust}
		doc := retrieved(body)
		doc.Signature = []byte("not a signature")
		outcome := v.validate(doc)
		assert.Equal(t, OutcomeSignatureInvalid, outcome.Kind)
	})

	t.Run("signature wins only with matching digests", func(t *testing.T) {
		v := &Validator{Trust: trust}
		doc := retrieved(body)
		doc.Signature = sign(body)
		wrong := sha256.Sum256([]byte("other"))
		doc.SHA256 = wrong[:]
		outcome := v.validate(doc)
		assert.Equal(t, OutcomeDigestMismatch, outcome.Kind)
	})
}

func TestValidatorForwarding(t *testing.T) {
	body := []byte(`{"document":{}}`)
	trust, sign := signingSetup(t)

	var forwarded []*ValidatedDocument
	next := ValidatedVisitorFunc(
		func(_ context.Context, doc *ValidatedDocument) error {
			forwarded = append(forwarded, doc)
			return nil
		})

	t.Run("valid documents are forwarded", func(t *testing.T) {
		forwarded = nil
		v := &Validator{Trust: trust, RequireSignature: true, Next: next}
		doc := retrieved(body)
		doc.Signature = sign(body)
		require.NoError(t, v.VisitRetrieved(context.Background(), doc))
		assert.Len(t, forwarded, 1)
	})

	t.Run("missing required signature fails", func(t *testing.T) {
		forwarded = nil
		v := &Validator{Trust: trust, RequireSignature: true, Next: next}
		err := v.VisitRetrieved(context.Background(), retrieved(body))
		assert.Error(t, err)
		assert.Empty(t, forwarded)
	})

	t.Run("missing optional signature is forwarded", func(t *testing.T) {
		forwarded = nil
		v := &Validator{Trust: trust, RequireSignature: false, Next: next}
		require.NoError(t, v.VisitRetrieved(context.Background(), retrieved(body)))
		assert.Len(t, forwarded, 1)
		assert.Equal(t, OutcomeNoSignature, forwarded[0].Outcome.Kind)
	})

	t.Run("no key is reported but not fatal", func(t *testing.T) {
		forwarded = nil
		v := &Validator{Trust: &TrustRoot{}, RequireSignature: true, Next: next}
		doc := retrieved(body)
		doc.Signature = sign(body)
		require.NoError(t, v.VisitRetrieved(context.Background(), doc))
		assert.Empty(t, forwarded)
	})
}

func TestSignaturePolicyAcceptV3(t *testing.T) {
	// With -3 the policy lets everything through to the verifier.
	sp := &SignaturePolicy{AcceptV3: true}
	assert.Nil(t, sp.check([]byte("garbage")))
}
