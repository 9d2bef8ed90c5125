// This file is Free Software under the MIT License
// without warranty, see README.md and LICENSES/MIT.txt for details.
//
// SPDX-License-Identifier: MIT

// Package errs collects the error kinds shared by the mirror
// pipeline and maps them to the process exit codes of the
// command line tools.
package errs

import (
	"errors"
	"strings"
)

// ErrNetwork indicates a network level error.
type ErrNetwork struct {
	Message string
}

func (e ErrNetwork) Error() string {
	return e.Message
}

// ErrInvalidDocument notifies about an invalid advisory or SBOM
// document (can only be fixed upstream).
type ErrInvalidDocument struct {
	Message string
}

func (e ErrInvalidDocument) Error() string {
	return e.Message
}

// ErrProviderIssue is an error not related directly to the contents
// of a document which can only be fixed by the provider, e.g. a
// broken feed or a missing integrity sidecar listed in the feed.
type ErrProviderIssue struct {
	Message string
}

func (e ErrProviderIssue) Error() string {
	return e.Message
}

// ErrInvalidCredentials indicates rejected credentials on an
// upstream or downstream endpoint.
type ErrInvalidCredentials struct {
	Message string
}

func (e ErrInvalidCredentials) Error() string {
	return e.Message
}

// ErrNoProviderFound indicates that the discovery chain exhausted
// all candidates without finding a provider-metadata document.
type ErrNoProviderFound struct {
	Domain string
}

func (e ErrNoProviderFound) Error() string {
	return "no provider-metadata.json found for " + e.Domain
}

// ErrTrustRootUnavailable indicates that one of the advertised
// public keys could not be loaded, so signatures cannot be checked.
type ErrTrustRootUnavailable struct {
	Message string
}

func (e ErrTrustRootUnavailable) Error() string {
	return e.Message
}

// ErrDestination indicates an unusable destination directory.
type ErrDestination struct {
	Message string
}

func (e ErrDestination) Error() string {
	return e.Message
}

// ErrUsage indicates a command line usage error.
type ErrUsage struct {
	Message string
}

func (e ErrUsage) Error() string {
	return e.Message
}

// ErrRetryable marks errors which are worth a retry, e.g. HTTP
// server errors. Wrap it with %w alongside the concrete error.
var ErrRetryable = errors.New("(retryable error)")

// CompositeErrFeed holds the errors encountered while processing
// the feeds of one provider.
type CompositeErrFeed struct {
	Errs []error
}

func (e *CompositeErrFeed) Error() string {
	return joinMessages(e.Errs, "empty CompositeErrFeed")
}

// Unwrap supports errors.Is/As over the contained errors.
func (e *CompositeErrFeed) Unwrap() []error {
	return e.Errs
}

// CompositeErrDownload holds the errors encountered during the
// actual document downloads of one traversal.
type CompositeErrDownload struct {
	Errs []error
}

func (e *CompositeErrDownload) Error() string {
	return joinMessages(e.Errs, "empty CompositeErrDownload")
}

// Unwrap supports errors.Is/As over the contained errors.
func (e *CompositeErrDownload) Unwrap() []error {
	return e.Errs
}

func joinMessages(errs []error, empty string) string {
	if len(errs) == 0 {
		return empty
	}
	messages := make([]string, 0, len(errs))
	for _, e := range errs {
		messages = append(messages, e.Error())
	}
	return strings.Join(messages, "\n")
}

// Flatten flattens out all composite errors. The assumed structure is
// CompositeErrFeed{Errs: []error{..., CompositeErrDownload, ...}}.
// Note: errors wrapped around the composites are discarded.
func Flatten(err error) (flattened []error) {
	var feedErrs *CompositeErrFeed
	if !errors.As(err, &feedErrs) {
		return []error{err}
	}
	for _, feedErr := range feedErrs.Unwrap() {
		var dlErrs *CompositeErrDownload
		if errors.As(feedErr, &dlErrs) {
			flattened = append(flattened, dlErrs.Unwrap()...)
		} else {
			flattened = append(flattened, feedErr)
		}
	}
	return flattened
}

// Exit codes of the command line tools.
const (
	ExitOK             = 0
	ExitPartialFailure = 1
	ExitUsage          = 2
	ExitTrustRoot      = 3
	ExitNetwork        = 4
)

// ExitCode maps an error to the exit code of the process.
// nil maps to ExitOK, per-document failures to ExitPartialFailure.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var (
		usage     ErrUsage
		trustRoot ErrTrustRootUnavailable
		network   ErrNetwork
		feed      *CompositeErrFeed
		download  *CompositeErrDownload
	)
	switch {
	case errors.As(err, &usage):
		return ExitUsage
	case errors.As(err, &trustRoot):
		return ExitTrustRoot
	// Composites are per-document failures, even if they hold
	// network errors: the run as a whole went through.
	case errors.As(err, &feed), errors.As(err, &download):
		return ExitPartialFailure
	case errors.As(err, &network):
		return ExitNetwork
	default:
		return ExitPartialFailure
	}
}
