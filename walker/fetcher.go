// This file is Free Software under the Apache-2.0 License
// without warranty, see README.md and LICENSES/Apache-2.0.txt for details.
//
// SPDX-License-Identifier: Apache-2.0

package walker

import (
	"compress/bzip2"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/ulikunitz/xz"

	"github.com/advmirror/advmirror/pkg/errs"
	"github.com/advmirror/advmirror/util"
)

// DefaultBodyLimit bounds the memory one document may take.
const DefaultBodyLimit = 256 * 1024 * 1024

// ErrBodyTooLarge is returned when a document exceeds the body limit.
var ErrBodyTooLarge = errors.New("body too large")

// RetryConfig parameterizes the transport level retries.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryConfig is the retry policy used when nothing
// else is configured: five attempts (the first plus four
// retries), 1s initial backoff, doubling, capped at 60s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     4,
		InitialBackoff: time.Second,
		MaxBackoff:     60 * time.Second,
	}
}

// NewRetryClient builds an HTTP client which retries transport
// errors and server errors with exponential backoff. 404s are
// not retried.
func NewRetryClient(transport http.RoundTripper, cfg RetryConfig) *http.Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.MaxRetries
	rc.RetryWaitMin = cfg.InitialBackoff
	rc.RetryWaitMax = cfg.MaxBackoff
	rc.Logger = nil
	if transport != nil {
		rc.HTTPClient.Transport = transport
	}
	rc.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 {
			slog.Debug("Retrying request",
				"url", req.URL.String(),
				"attempt", attempt)
		}
	}
	return rc.StandardClient()
}

// FetchOptions modify a single fetch.
type FetchOptions struct {
	// IfModifiedSince issues a conditional request.
	IfModifiedSince *time.Time
	// Accept lists the acceptable media types.
	Accept []string
}

// FetchResult is the outcome of a fetch. Exactly one of the
// Data/NotFound/NotModified alternatives is meaningful.
type FetchResult struct {
	Data         []byte
	NotFound     bool
	NotModified  bool
	LastModified time.Time
	ETag         string
}

// Fetcher retrieves documents and sidecars. It is stateless
// between calls apart from the shared client.
type Fetcher struct {
	Client    util.Client
	BodyLimit int64
}

// NewFetcher creates a fetcher with the default body limit.
func NewFetcher(client util.Client) *Fetcher {
	return &Fetcher{
		Client:    client,
		BodyLimit: DefaultBodyLimit,
	}
}

// Fetch retrieves the given location. http(s) URLs go through
// the client, everything else is treated as a filesystem path
// so that file based sources reuse the same code path.
func (f *Fetcher) Fetch(
	ctx context.Context,
	location string,
	opts *FetchOptions,
) (*FetchResult, error) {
	u, err := url.Parse(location)
	if err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		return f.fetchHTTP(ctx, location, opts)
	}
	if err == nil && u.Scheme == "file" {
		return f.fetchFile(u.Path)
	}
	return f.fetchFile(location)
}

func (f *Fetcher) fetchHTTP(
	ctx context.Context,
	location string,
	opts *FetchOptions,
) (*FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, errs.ErrNetwork{Message: fmt.Sprintf("invalid URL %q: %v", location, err)}
	}
	if opts != nil {
		if opts.IfModifiedSince != nil {
			req.Header.Set("If-Modified-Since",
				opts.IfModifiedSince.UTC().Format(http.TimeFormat))
		}
		if len(opts.Accept) > 0 {
			req.Header.Set("Accept", strings.Join(opts.Accept, ", "))
		}
	}

	res, err := f.Client.Do(req)
	if err != nil {
		return nil, errs.ErrNetwork{Message: fmt.Sprintf("fetching %q failed: %v", location, err)}
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusNotFound:
		return &FetchResult{NotFound: true}, nil
	case res.StatusCode == http.StatusNotModified:
		return &FetchResult{NotModified: true}, nil
	case res.StatusCode == http.StatusUnauthorized,
		res.StatusCode == http.StatusForbidden:
		return nil, errs.ErrInvalidCredentials{Message: fmt.Sprintf(
			"invalid credentials for %q: %s", location, res.Status)}
	case res.StatusCode >= 500:
		// The retry transport already exhausted its budget.
		return nil, fmt.Errorf("fetching %q failed: %s %w",
			location, res.Status, errs.ErrRetryable)
	case res.StatusCode != http.StatusOK:
		return nil, errs.ErrNetwork{Message: fmt.Sprintf(
			"fetching %q failed: %s", location, res.Status)}
	}

	data, err := f.readAll(decompress(location, res.Body))
	if err != nil {
		return nil, err
	}

	result := &FetchResult{
		Data: data,
		ETag: res.Header.Get("Etag"),
	}
	if lm := res.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			result.LastModified = t
		}
	}
	return result, nil
}

func (f *Fetcher) fetchFile(path string) (*FetchResult, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &FetchResult{NotFound: true}, nil
		}
		return nil, err
	}
	defer file.Close()

	data, err := f.readAll(decompress(path, file))
	if err != nil {
		return nil, err
	}
	result := &FetchResult{Data: data}
	if st, err := file.Stat(); err == nil {
		result.LastModified = st.ModTime()
	}
	return result, nil
}

// readAll reads r respecting the body limit.
func (f *Fetcher) readAll(r io.Reader) ([]byte, error) {
	limit := f.BodyLimit
	if limit <= 0 {
		limit = DefaultBodyLimit
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, ErrBodyTooLarge
	}
	return data, nil
}

// decompress transparently unpacks payloads whose location ends
// in a compression suffix.
func decompress(location string, r io.Reader) io.Reader {
	switch {
	case strings.HasSuffix(location, ".bz2"):
		return bzip2.NewReader(r)
	case strings.HasSuffix(location, ".xz"):
		xr, err := xz.NewReader(r)
		if err != nil {
			// Let the consumer fail on the undecodable stream.
			return &failingReader{err: err}
		}
		return xr
	default:
		return r
	}
}

type failingReader struct{ err error }

func (fr *failingReader) Read([]byte) (int, error) { return 0, fr.err }
