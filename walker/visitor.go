// This file is Free Software under the Apache-2.0 License
// without warranty, see README.md and LICENSES/Apache-2.0.txt for details.
//
// SPDX-License-Identifier: Apache-2.0

// Package walker implements the retrieval and validation pipeline:
// sources enumerate document references, the walker drives them
// with bounded concurrency through a chain of visitors which
// retrieve, validate, verify and finally sink the documents.
package walker

import (
	"context"
	"log/slog"
	"time"

	"github.com/advmirror/advmirror/csaf"
	"github.com/advmirror/advmirror/sbom"
)

// DocumentKind selects the document domain of a pipeline run.
type DocumentKind string

const (
	// KindCSAF processes CSAF advisories.
	KindCSAF DocumentKind = "csaf"
	// KindSBOM processes CycloneDX/SPDX documents.
	KindSBOM DocumentKind = "sbom"
)

// ContentType returns the media type used when sending documents
// of this kind. For SBOM the detected format refines it.
func (k DocumentKind) ContentType(format sbom.Format) string {
	if k == KindSBOM {
		return format.ContentType()
	}
	return "application/json"
}

// DocumentReference is a pending item to retrieve: the document
// URL, the derived or advertised sidecar URLs and the logical
// path the document has within its distribution.
type DocumentReference struct {
	// URL is the absolute location of the document.
	URL string
	// SHA256URL, SHA512URL and SignURL locate the integrity
	// sidecars. Empty strings mean the sidecar is not advertised.
	SHA256URL string
	SHA512URL string
	SignURL   string
	// RelPath is the provider assigned logical path.
	RelPath string
	// Label is the TLP label of the feed the reference came from.
	Label csaf.TLPLabel
	// Changed is the change log timestamp; zero means epoch.
	Changed time.Time
	// FromDirectory is set for references enumerated from a
	// directory distribution whose sidecars are derived, not
	// advertised. Missing sidecars are expected there.
	FromDirectory bool
}

// LogValue implements [slog.LogValuer].
func (ref *DocumentReference) LogValue() slog.Value {
	return slog.GroupValue(slog.String("url", ref.URL))
}

// RetrievedDocument is the body of a reference plus its sidecars.
// Missing digests and signatures are nil, never empty.
type RetrievedDocument struct {
	Ref DocumentReference
	// Body is the raw document.
	Body []byte
	// SHA256 and SHA512 are the decoded expected digests.
	SHA256 []byte
	SHA512 []byte
	// SHA256Data and SHA512Data keep the raw sidecar bytes
	// for storing and forwarding.
	SHA256Data []byte
	SHA512Data []byte
	// Signature is the armored detached OpenPGP signature.
	Signature []byte
	// LastModified and ETag are taken from the transport.
	LastModified time.Time
	ETag         string
}

// OutcomeKind enumerates the validation outcomes.
type OutcomeKind int

const (
	// OutcomeNotValidated means validation was skipped entirely.
	OutcomeNotValidated OutcomeKind = iota
	// OutcomeValid means every present artifact checked out and
	// at least one was present.
	OutcomeValid
	// OutcomeDigestMismatch means a present digest did not match.
	OutcomeDigestMismatch
	// OutcomeSignatureInvalid means the signature did not verify.
	OutcomeSignatureInvalid
	// OutcomeNoSignature means no signature sidecar was present.
	OutcomeNoSignature
	// OutcomeNoKey means the signing key is not in the trust root.
	OutcomeNoKey
	// OutcomePolicyRejected means the signature uses primitives
	// rejected by the dated algorithm policy.
	OutcomePolicyRejected
)

// String implements [fmt.Stringer].
func (ok OutcomeKind) String() string {
	switch ok {
	case OutcomeValid:
		return "valid"
	case OutcomeDigestMismatch:
		return "digest mismatch"
	case OutcomeSignatureInvalid:
		return "signature invalid"
	case OutcomeNoSignature:
		return "no signature"
	case OutcomeNoKey:
		return "no key"
	case OutcomePolicyRejected:
		return "policy rejected"
	default:
		return "not validated"
	}
}

// ValidationOutcome is the result of checking the integrity
// artifacts of a retrieved document.
type ValidationOutcome struct {
	Kind OutcomeKind
	// HashKind is "sha256" or "sha512" for digest mismatches.
	HashKind string
	// Expected and Actual are hex digests for mismatches.
	Expected string
	Actual   string
	// Reason carries details for signature and policy failures.
	Reason string
}

// Valid reports whether the document may be forwarded to sinks.
// requireSignature upgrades a missing signature to a failure.
func (vo *ValidationOutcome) Valid(requireSignature bool) bool {
	switch vo.Kind {
	case OutcomeValid:
		return true
	case OutcomeNoSignature:
		return !requireSignature
	default:
		return false
	}
}

// ValidatedDocument is a retrieved document whose digests and
// signatures have been checked.
type ValidatedDocument struct {
	RetrievedDocument
	Outcome ValidationOutcome
}

// VerifiedDocument is a validated document augmented with the
// content findings of the verifier.
type VerifiedDocument struct {
	ValidatedDocument
	// Doc is the parsed JSON body.
	Doc any
	// Format is the detected SBOM flavor; empty for CSAF.
	Format sbom.Format
	// Findings are the results of the content checks.
	Findings []csaf.Finding
}

// ReferenceVisitor consumes document references. Each reference
// is dispatched exactly once.
type ReferenceVisitor interface {
	VisitReference(ctx context.Context, ref *DocumentReference) error
}

// RetrievedVisitor consumes retrieved documents.
type RetrievedVisitor interface {
	VisitRetrieved(ctx context.Context, doc *RetrievedDocument) error
}

// ValidatedVisitor consumes validated documents.
type ValidatedVisitor interface {
	VisitValidated(ctx context.Context, doc *ValidatedDocument) error
}

// VerifiedVisitor consumes verified documents. Sinks implement this.
type VerifiedVisitor interface {
	VisitVerified(ctx context.Context, doc *VerifiedDocument) error
}

// ReferenceVisitorFunc adapts a function to a [ReferenceVisitor].
type ReferenceVisitorFunc func(context.Context, *DocumentReference) error

// VisitReference implements [ReferenceVisitor].
func (f ReferenceVisitorFunc) VisitReference(
	ctx context.Context,
	ref *DocumentReference,
) error {
	return f(ctx, ref)
}

// RetrievedVisitorFunc adapts a function to a [RetrievedVisitor].
type RetrievedVisitorFunc func(context.Context, *RetrievedDocument) error

// VisitRetrieved implements [RetrievedVisitor].
func (f RetrievedVisitorFunc) VisitRetrieved(
	ctx context.Context,
	doc *RetrievedDocument,
) error {
	return f(ctx, doc)
}

// ValidatedVisitorFunc adapts a function to a [ValidatedVisitor].
type ValidatedVisitorFunc func(context.Context, *ValidatedDocument) error

// VisitValidated implements [ValidatedVisitor].
func (f ValidatedVisitorFunc) VisitValidated(
	ctx context.Context,
	doc *ValidatedDocument,
) error {
	return f(ctx, doc)
}

// VerifiedVisitorFunc adapts a function to a [VerifiedVisitor].
type VerifiedVisitorFunc func(context.Context, *VerifiedDocument) error

// VisitVerified implements [VerifiedVisitor].
func (f VerifiedVisitorFunc) VisitVerified(
	ctx context.Context,
	doc *VerifiedDocument,
) error {
	return f(ctx, doc)
}

// AsVerified lifts a validated document into a verified one
// without findings. Used when the verifier stage is not part
// of the chain.
func AsVerified(doc *ValidatedDocument) *VerifiedDocument {
	return &VerifiedDocument{ValidatedDocument: *doc}
}
