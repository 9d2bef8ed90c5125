// This file is Free Software under the Apache-2.0 License
// without warranty, see README.md and LICENSES/Apache-2.0.txt for details.
//
// SPDX-License-Identifier: Apache-2.0

package walker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/advmirror/advmirror/pkg/errs"
	"github.com/advmirror/advmirror/util"
)

// AuthEnvVar is the environment variable holding the value of
// the Authorization header presented to the ingestion endpoint.
const AuthEnvVar = "ADVMIRROR_AUTH"

// SendSink POSTs validated documents to a remote ingestion
// endpoint. The body goes over verbatim; the content type is
// derived from the document kind.
type SendSink struct {
	// Endpoint is the target URL.
	Endpoint string
	// Client performs the requests.
	Client util.Client
	// Auth is the Authorization header value; empty sends none.
	Auth string
	// Kind determines the content type.
	Kind DocumentKind
	// Retries bounds the retry attempts on transient failures.
	Retries uint64
	// InitialBackoff and MaxBackoff parameterize the retry waits.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Failed, if set, receives documents whose send failed
	// permanently or exhausted the retry budget, so they can be
	// kept for a later re-send.
	Failed VerifiedVisitor
	// Report observes the sends; may be nil.
	Report *Report
}

// permanentStatus reports whether an HTTP status is not worth
// a retry.
func permanentStatus(code int) bool {
	return code >= 400 && code < 500
}

// VisitVerified implements [VerifiedVisitor].
func (ss *SendSink) VisitVerified(
	ctx context.Context,
	doc *VerifiedDocument,
) error {
	contentType := ss.Kind.ContentType(doc.Format)

	operation := func() error {
		req, err := http.NewRequestWithContext(
			ctx, http.MethodPost, ss.Endpoint, bytes.NewReader(doc.Body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", contentType)
		if ss.Auth != "" {
			req.Header.Set("Authorization", ss.Auth)
		}
		res, err := ss.Client.Do(req)
		if err != nil {
			return errs.ErrNetwork{Message: fmt.Sprintf(
				"sending %s failed: %v", doc.Ref.URL, err)}
		}
		defer res.Body.Close()
		switch {
		case res.StatusCode >= 200 && res.StatusCode < 300:
			return nil
		case res.StatusCode == http.StatusUnauthorized,
			res.StatusCode == http.StatusForbidden:
			return backoff.Permanent(errs.ErrInvalidCredentials{
				Message: fmt.Sprintf(
					"endpoint rejected credentials for %s: %s",
					doc.Ref.URL, res.Status)})
		case permanentStatus(res.StatusCode):
			msg, _ := limitedString(res.Body, 512)
			return backoff.Permanent(fmt.Errorf(
				"endpoint rejected %s: %s: %s", doc.Ref.URL, res.Status, msg))
		default:
			return fmt.Errorf("sending %s failed: %s %w",
				doc.Ref.URL, res.Status, errs.ErrRetryable)
		}
	}

	policy := ss.policy(ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		if ss.Failed != nil {
			if qerr := ss.Failed.VisitVerified(ctx, doc); qerr != nil {
				slog.Error("Keeping document which failed sending failed",
					"url", doc.Ref.URL,
					"error", qerr)
			}
		}
		return err
	}

	if ss.Report != nil {
		ss.Report.Sunk(&doc.Ref)
	}
	slog.Debug("Document sent", "url", doc.Ref.URL, "endpoint", ss.Endpoint)
	return nil
}

func (ss *SendSink) policy(ctx context.Context) backoff.BackOffContext {
	eb := backoff.NewExponentialBackOff()
	if ss.InitialBackoff > 0 {
		eb.InitialInterval = ss.InitialBackoff
	} else {
		eb.InitialInterval = time.Second
	}
	if ss.MaxBackoff > 0 {
		eb.MaxInterval = ss.MaxBackoff
	} else {
		eb.MaxInterval = 60 * time.Second
	}
	retries := ss.Retries
	if retries == 0 {
		retries = 5
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, retries), ctx)
}

// limitedString reads at most maxLength bytes from r. Input that
// fills maxLength is marked with a "..." suffix.
func limitedString(r io.Reader, maxLength int) (string, error) {
	var msg strings.Builder
	if _, err := io.Copy(&msg, io.LimitReader(r, int64(maxLength))); err != nil {
		return "", err
	}
	if msg.Len() >= maxLength {
		msg.WriteString("...")
	}
	return msg.String(), nil
}
