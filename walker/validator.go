// This file is Free Software under the Apache-2.0 License
// without warranty, see README.md and LICENSES/Apache-2.0.txt for details.
//
// SPDX-License-Identifier: Apache-2.0

package walker

import (
	"bytes"
	"context"
	stdcrypto "crypto"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"github.com/ProtonMail/gopenpgp/v2/crypto"

	"github.com/advmirror/advmirror/csaf"
	"github.com/advmirror/advmirror/pkg/errs"
	"github.com/advmirror/advmirror/util"
)

// sha1Sunset is the date before which SHA-1 based signatures are
// accepted by the default policy.
var sha1Sunset = time.Date(2014, 1, 1, 0, 0, 0, 0, time.UTC)

// SignaturePolicy is the dated algorithm policy applied to
// detached signatures before primitive verification.
type SignaturePolicy struct {
	// Date is the policy date; zero means the signature's own
	// creation time is used.
	Date time.Time
	// AcceptV3 admits v3 signature packets and SHA-1 digests
	// regardless of the policy date.
	AcceptV3 bool
}

// check inspects the parsed signature packet. A non-nil error
// describes why the policy rejects it.
func (sp *SignaturePolicy) check(sigData []byte) error {
	block, err := armor.Decode(bytes.NewReader(sigData))
	if err != nil {
		return nil // Leave undecodable input to the verifier.
	}
	pkt, err := packet.Read(block.Body)
	if err != nil {
		if sp.AcceptV3 {
			return nil
		}
		// Old v3 material surfaces as unsupported packets.
		return fmt.Errorf("unsupported signature packet: %v", err)
	}
	sig, ok := pkt.(*packet.Signature)
	if !ok {
		return nil
	}
	if sp.AcceptV3 {
		return nil
	}
	switch sig.Hash {
	case stdcrypto.MD5:
		return fmt.Errorf("MD5")
	case stdcrypto.SHA1, stdcrypto.RIPEMD160:
		date := sp.Date
		if date.IsZero() {
			date = sig.CreationTime
		}
		if date.Before(sha1Sunset) {
			return nil
		}
		return fmt.Errorf("SHA-1")
	default:
		return nil
	}
}

// verifyTime is the reference time handed to the primitive
// verification: the policy date, or now.
func (sp *SignaturePolicy) verifyTime() int64 {
	if sp.Date.IsZero() {
		return crypto.GetUnixTime()
	}
	return sp.Date.Unix()
}

// TrustRoot is the set of public keys advertised by a provider.
type TrustRoot struct {
	ring         *crypto.KeyRing
	fingerprints []string
	armored      map[string][]byte
}

// Empty reports whether no keys are loaded.
func (tr *TrustRoot) Empty() bool {
	return tr == nil || tr.ring == nil || tr.ring.CountEntities() == 0
}

// Fingerprints lists the fingerprints of the loaded keys.
func (tr *TrustRoot) Fingerprints() []string {
	if tr == nil {
		return nil
	}
	return tr.fingerprints
}

// ArmoredKey returns the armored key of a fingerprint, if loaded.
func (tr *TrustRoot) ArmoredKey(fingerprint string) []byte {
	if tr == nil {
		return nil
	}
	return tr.armored[strings.ToLower(fingerprint)]
}

// LoadTrustRoot fetches the public keys advertised in the
// provider metadata. Fingerprint mismatches and fetch failures
// abort the run: without the full trust root, signature checks
// would report misleading outcomes.
func LoadTrustRoot(
	client util.Client,
	metadata *csaf.LoadedProviderMetadata,
) (*TrustRoot, error) {
	tr := &TrustRoot{armored: map[string][]byte{}}
	if !metadata.Valid() {
		return tr, nil
	}
	base, err := url.Parse(metadata.URL)
	if err != nil {
		return nil, errs.ErrTrustRootUnavailable{Message: fmt.Sprintf(
			"invalid provider metadata URL %q: %v", metadata.URL, err)}
	}

	for i := range metadata.Document.PGPKeys {
		key := &metadata.Document.PGPKeys[i]
		if key.URL == nil {
			continue
		}
		up, err := url.Parse(*key.URL)
		if err != nil {
			return nil, errs.ErrTrustRootUnavailable{Message: fmt.Sprintf(
				"invalid public key URL %q: %v", *key.URL, err)}
		}
		u := base.ResolveReference(up).String()

		res, err := client.Get(u)
		if err != nil {
			return nil, errs.ErrTrustRootUnavailable{Message: fmt.Sprintf(
				"fetching public OpenPGP key %s failed: %v", u, err)}
		}
		if res.StatusCode != http.StatusOK {
			res.Body.Close()
			return nil, errs.ErrTrustRootUnavailable{Message: fmt.Sprintf(
				"fetching public OpenPGP key %s failed: %s", u, res.Status)}
		}
		var raw bytes.Buffer
		ckey, err := func() (*crypto.Key, error) {
			defer res.Body.Close()
			return crypto.NewKeyFromArmoredReader(io.TeeReader(res.Body, &raw))
		}()
		if err != nil {
			return nil, errs.ErrTrustRootUnavailable{Message: fmt.Sprintf(
				"reading public OpenPGP key %s failed: %v", u, err)}
		}
		if key.Fingerprint != "" &&
			!strings.EqualFold(ckey.GetFingerprint(), string(key.Fingerprint)) {
			return nil, errs.ErrTrustRootUnavailable{Message: fmt.Sprintf(
				"fingerprint of key %s does not match advertised %s",
				u, key.Fingerprint)}
		}
		if tr.ring == nil {
			if tr.ring, err = crypto.NewKeyRing(ckey); err != nil {
				return nil, errs.ErrTrustRootUnavailable{Message: fmt.Sprintf(
					"creating key ring failed: %v", err)}
			}
		} else if err := tr.ring.AddKey(ckey); err != nil {
			return nil, errs.ErrTrustRootUnavailable{Message: fmt.Sprintf(
				"adding key %s to key ring failed: %v", u, err)}
		}
		fp := strings.ToLower(ckey.GetFingerprint())
		tr.fingerprints = append(tr.fingerprints, fp)
		tr.armored[fp] = raw.Bytes()
	}
	return tr, nil
}

// Validator checks the integrity artifacts of retrieved documents
// against the trust root under the dated policy and forwards the
// forwardable ones.
type Validator struct {
	// Trust is the loaded trust root; may be empty.
	Trust *TrustRoot
	// Policy is the dated algorithm policy.
	Policy SignaturePolicy
	// RequireSignature upgrades a missing signature to a
	// per-document failure.
	RequireSignature bool
	// Next receives documents whose outcome permits forwarding.
	Next ValidatedVisitor
	// Invalid, if set, receives the documents failing validation
	// instead of failing them (quarantine in unsafe mode).
	Invalid ValidatedVisitor
	// Report observes the outcomes; may be nil.
	Report *Report
}

// VisitRetrieved implements [RetrievedVisitor].
func (v *Validator) VisitRetrieved(
	ctx context.Context,
	doc *RetrievedDocument,
) error {
	outcome := v.validate(doc)
	validated := &ValidatedDocument{
		RetrievedDocument: *doc,
		Outcome:           outcome,
	}
	if v.Report != nil {
		v.Report.Validated(validated)
	}

	quarantined := func(err error) error {
		if v.Invalid == nil {
			return err
		}
		slog.Warn("Quarantining invalid document",
			"url", doc.Ref.URL,
			"outcome", outcome.Kind.String())
		return v.Invalid.VisitValidated(ctx, validated)
	}

	switch outcome.Kind {
	case OutcomeValid:
	case OutcomeNoSignature:
		if v.RequireSignature {
			return quarantined(errs.ErrInvalidDocument{Message: fmt.Sprintf(
				"document %s has no signature", doc.Ref.URL)})
		}
	case OutcomeNoKey:
		// Reported, not fatal; the document is not forwarded.
		slog.Warn("No key in trust root for document",
			"url", doc.Ref.URL)
		return nil
	case OutcomeDigestMismatch:
		return quarantined(errs.ErrProviderIssue{Message: fmt.Sprintf(
			"%s checksum of document %s does not match: expected %s, got %s",
			outcome.HashKind, doc.Ref.URL, outcome.Expected, outcome.Actual)})
	case OutcomePolicyRejected:
		return quarantined(errs.ErrInvalidDocument{Message: fmt.Sprintf(
			"signature of document %s rejected by policy: %s",
			doc.Ref.URL, outcome.Reason)})
	default:
		return quarantined(errs.ErrProviderIssue{Message: fmt.Sprintf(
			"cannot verify signature of document %s: %s",
			doc.Ref.URL, outcome.Reason)})
	}

	if v.Next != nil {
		return v.Next.VisitValidated(ctx, validated)
	}
	return nil
}

// validate derives the validation outcome of one document.
func (v *Validator) validate(doc *RetrievedDocument) ValidationOutcome {
	// 1. Digests. A mismatch on any present digest loses.
	for _, digest := range []struct {
		kind     string
		expected []byte
		compute  func([]byte) []byte
	}{
		{"sha512", doc.SHA512, func(b []byte) []byte {
			s := sha512.Sum512(b)
			return s[:]
		}},
		{"sha256", doc.SHA256, func(b []byte) []byte {
			s := sha256.Sum256(b)
			return s[:]
		}},
	} {
		if digest.expected == nil {
			continue
		}
		actual := digest.compute(doc.Body)
		if !bytes.Equal(actual, digest.expected) {
			return ValidationOutcome{
				Kind:     OutcomeDigestMismatch,
				HashKind: digest.kind,
				Expected: hex.EncodeToString(digest.expected),
				Actual:   hex.EncodeToString(actual),
			}
		}
	}

	// 2. Signature.
	if doc.Signature == nil {
		return ValidationOutcome{Kind: OutcomeNoSignature}
	}
	if v.Trust.Empty() {
		return ValidationOutcome{
			Kind:   OutcomeNoKey,
			Reason: "trust root is empty",
		}
	}
	if reason := v.Policy.check(doc.Signature); reason != nil {
		return ValidationOutcome{
			Kind:   OutcomePolicyRejected,
			Reason: reason.Error(),
		}
	}
	sig, err := crypto.NewPGPSignatureFromArmored(string(doc.Signature))
	if err != nil {
		return ValidationOutcome{
			Kind:   OutcomeSignatureInvalid,
			Reason: fmt.Sprintf("unparsable signature: %v", err),
		}
	}
	pm := crypto.NewPlainMessage(doc.Body)
	if err := v.Trust.ring.VerifyDetached(pm, sig, v.Policy.verifyTime()); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "no matching") ||
			strings.Contains(strings.ToLower(err.Error()), "not found") {
			return ValidationOutcome{
				Kind: OutcomeNoKey,
				Reason: fmt.Sprintf("signing key not in trust root (%s)",
					strings.Join(v.Trust.Fingerprints(), ", ")),
			}
		}
		return ValidationOutcome{
			Kind:   OutcomeSignatureInvalid,
			Reason: err.Error(),
		}
	}
	return ValidationOutcome{Kind: OutcomeValid}
}
