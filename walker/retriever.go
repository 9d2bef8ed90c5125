// This file is Free Software under the Apache-2.0 License
// without warranty, see README.md and LICENSES/Apache-2.0.txt for details.
//
// SPDX-License-Identifier: Apache-2.0

package walker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/advmirror/advmirror/pkg/errs"
	"github.com/advmirror/advmirror/util"
)

// HashAlgorithm names a digest sidecar kind.
type HashAlgorithm string

const (
	// HashSHA256 selects the .sha256 sidecar.
	HashSHA256 HashAlgorithm = "sha256"
	// HashSHA512 selects the .sha512 sidecar.
	HashSHA512 HashAlgorithm = "sha512"
)

// Retriever downloads the body and the integrity sidecars of each
// reference. Absence of a sidecar is not an error here; it is
// recorded as an absent optional.
type Retriever struct {
	// Fetcher performs the transfers.
	Fetcher *Fetcher
	// PreferredHash, if set, is fetched first; the other digest
	// sidecar is only fetched when the preferred one is missing.
	PreferredHash HashAlgorithm
	// Next receives the retrieved documents.
	Next RetrievedVisitor
	// Report observes the state transitions; may be nil.
	Report *Report
}

// VisitReference implements [ReferenceVisitor]. The body and the
// sidecars are fetched concurrently within the reference's budget.
func (r *Retriever) VisitReference(
	ctx context.Context,
	ref *DocumentReference,
) error {
	var (
		wg         sync.WaitGroup
		body       *FetchResult
		bodyErr    error
		s256, s512 *FetchResult
		sign       *FetchResult
	)

	fetchSidecar := func(loc string, dst **FetchResult) {
		result, err := r.Fetcher.Fetch(ctx, loc, nil)
		if err != nil {
			// A failed sidecar fetch degrades to absence.
			slog.Warn("Fetching sidecar failed",
				"url", loc,
				"error", err)
			return
		}
		if !result.NotFound && !result.NotModified {
			*dst = result
		} else if !ref.FromDirectory {
			slog.Warn("Advertised sidecar is missing", "url", loc)
		}
	}
	async := func(loc string, dst **FetchResult) {
		if loc == "" {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			fetchSidecar(loc, dst)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		body, bodyErr = r.Fetcher.Fetch(ctx, ref.URL, nil)
	}()
	async(ref.SignURL, &sign)

	// A preferred digest short-circuits fetching the other one.
	switch r.PreferredHash {
	case HashSHA256:
		async(ref.SHA256URL, &s256)
	case HashSHA512:
		async(ref.SHA512URL, &s512)
	default:
		async(ref.SHA256URL, &s256)
		async(ref.SHA512URL, &s512)
	}
	wg.Wait()

	// Fall back to the other digest if the preferred one is missing.
	switch {
	case r.PreferredHash == HashSHA256 && s256 == nil && ref.SHA512URL != "":
		fetchSidecar(ref.SHA512URL, &s512)
	case r.PreferredHash == HashSHA512 && s512 == nil && ref.SHA256URL != "":
		fetchSidecar(ref.SHA256URL, &s256)
	}

	if bodyErr != nil {
		if errors.Is(bodyErr, ErrBodyTooLarge) {
			return errs.ErrInvalidDocument{Message: fmt.Sprintf(
				"document %s exceeds the body limit", ref.URL)}
		}
		return bodyErr
	}
	switch {
	case body.NotFound:
		return errs.ErrProviderIssue{Message: fmt.Sprintf(
			"could not find document listed in table of contents at %s", ref.URL)}
	case body.NotModified:
		if r.Report != nil {
			r.Report.Skipped(ref, "not modified")
		}
		return SkipDocument()
	}

	doc := &RetrievedDocument{
		Ref:          *ref,
		Body:         body.Data,
		LastModified: body.LastModified,
		ETag:         body.ETag,
	}
	if doc.LastModified.IsZero() {
		doc.LastModified = ref.Changed
	}

	if s256 != nil {
		doc.SHA256Data = s256.Data
		if hash, err := util.HashFromData(s256.Data); err == nil {
			doc.SHA256 = hash
		} else {
			slog.Warn("Unparsable SHA256 sidecar",
				"url", ref.SHA256URL,
				"error", err)
		}
	}
	if s512 != nil {
		doc.SHA512Data = s512.Data
		if hash, err := util.HashFromData(s512.Data); err == nil {
			doc.SHA512 = hash
		} else {
			slog.Warn("Unparsable SHA512 sidecar",
				"url", ref.SHA512URL,
				"error", err)
		}
	}
	if sign != nil {
		doc.Signature = sign.Data
	}

	if r.Report != nil {
		r.Report.Retrieved(ref)
	}
	return r.Next.VisitRetrieved(ctx, doc)
}
