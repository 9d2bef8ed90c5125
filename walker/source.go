// This file is Free Software under the Apache-2.0 License
// without warranty, see README.md and LICENSES/Apache-2.0.txt for details.
//
// SPDX-License-Identifier: Apache-2.0

package walker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/advmirror/advmirror/csaf"
	"github.com/advmirror/advmirror/pkg/errs"
	"github.com/advmirror/advmirror/util"
)

// Source enumerates the document references of a provider. It is
// a tagged variant: exactly one of HTTP and File is set.
type Source struct {
	HTTP *HTTPSource
	File *FileSource

	// testEnumerate overrides the traversal for testing.
	testEnumerate func(context.Context, func(*DocumentReference) error) error
}

// Enumerate produces the reference stream of the active variant.
// References are emitted in provider order and free of duplicates
// within one traversal.
func (s *Source) Enumerate(
	ctx context.Context,
	fn func(*DocumentReference) error,
) error {
	switch {
	case s.testEnumerate != nil:
		return s.testEnumerate(ctx, fn)
	case s.HTTP != nil:
		return s.HTTP.enumerate(ctx, fn)
	case s.File != nil:
		return s.File.enumerate(ctx, fn)
	default:
		return fmt.Errorf("source has no variant")
	}
}

// HTTPSource traverses the distributions of a provider metadata
// document: ROLIE feeds first, directory distributions otherwise.
type HTTPSource struct {
	// Client is used for all feed and listing fetches.
	Client util.Client
	// Metadata is the loaded provider metadata.
	Metadata *csaf.LoadedProviderMetadata
	// AgeAccept filters references by change time during
	// enumeration; nil accepts everything.
	AgeAccept func(time.Time) bool
	// IgnoreURL skips matching document URLs; nil skips nothing.
	IgnoreURL func(string) bool

	base *url.URL
	seen map[string]bool
}

// NewHTTPSource creates a source over a loaded provider metadata.
func NewHTTPSource(
	client util.Client,
	metadata *csaf.LoadedProviderMetadata,
) (*Source, error) {
	if !metadata.Valid() {
		return nil, errs.ErrProviderIssue{
			Message: "cannot enumerate invalid provider metadata"}
	}
	base, err := url.Parse(metadata.URL)
	if err != nil {
		return nil, errs.ErrProviderIssue{
			Message: fmt.Sprintf("invalid provider metadata URL %q: %v", metadata.URL, err)}
	}
	return &Source{HTTP: &HTTPSource{
		Client:   client,
		Metadata: metadata,
		base:     base,
	}}, nil
}

func (hs *HTTPSource) enumerate(
	ctx context.Context,
	fn func(*DocumentReference) error,
) error {
	hs.seen = map[string]bool{}

	emit := func(ref *DocumentReference) error {
		if hs.seen[ref.URL] {
			return nil
		}
		hs.seen[ref.URL] = true
		if hs.IgnoreURL != nil && hs.IgnoreURL(ref.URL) {
			slog.Debug("Ignoring URL", "url", ref.URL)
			return nil
		}
		return fn(ref)
	}

	var (
		feedErrs  []error
		hasRolie  bool
		doc       = hs.Metadata.Document
	)

	for i := range doc.Distributions {
		dist := &doc.Distributions[i]
		if dist.Rolie != nil && len(dist.Rolie.Feeds) > 0 {
			hasRolie = true
			if err := hs.processROLIE(ctx, dist.Rolie.Feeds, emit); err != nil {
				feedErrs = append(feedErrs, err)
			}
		}
	}

	if !hasRolie {
		dirURLs := hs.directoryURLs(doc)
		for _, base := range dirURLs {
			if base == "" {
				continue
			}
			if err := hs.processDirectory(ctx, base, emit); err != nil {
				feedErrs = append(feedErrs, err)
			}
		}
	}

	if len(feedErrs) > 0 {
		return &errs.CompositeErrFeed{Errs: feedErrs}
	}
	return nil
}

// directoryURLs collects the directory distributions, falling
// back to the metadata base URL if none are advertised.
func (hs *HTTPSource) directoryURLs(doc *csaf.ProviderMetadata) []string {
	var dirURLs []string
	for i := range doc.Distributions {
		if du := doc.Distributions[i].DirectoryURL; du != "" {
			dirURLs = append(dirURLs, du)
		}
	}
	if len(dirURLs) == 0 {
		if baseURL, err := util.BaseURL(hs.base); err == nil {
			dirURLs = []string{baseURL}
		}
	}
	return dirURLs
}

// relPath derives the logical path of a document URL below a base.
func relPath(base *url.URL, docURL string, label csaf.TLPLabel, changed time.Time) string {
	if u, err := url.Parse(docURL); err == nil && base != nil {
		prefix := path.Dir(base.Path)
		if !strings.HasSuffix(prefix, "/") {
			prefix += "/"
		}
		if rel := strings.TrimPrefix(u.Path, prefix); rel != u.Path && rel != "" {
			return rel
		}
	}
	// Fall back to the label/year layout.
	year := changed.Year()
	if year == 1 {
		year = time.Now().UTC().Year()
	}
	lower := strings.ToLower(string(label))
	if lower == "" {
		lower = strings.ToLower(string(csaf.TLPLabelWhite))
	}
	return path.Join(lower, strconv.Itoa(year), path.Base(docURL))
}

func (hs *HTTPSource) processROLIE(
	ctx context.Context,
	feeds []csaf.Feed,
	emit func(*DocumentReference) error,
) error {
	var feedErrs []error
	for i := range feeds {
		feed := &feeds[i]
		if feed.URL == nil {
			continue
		}
		label := csaf.TLPLabelUnlabeled
		if feed.TLPLabel != nil {
			label = *feed.TLPLabel
		}
		if err := hs.processFeed(ctx, *feed.URL, label, emit); err != nil {
			feedErrs = append(feedErrs, err)
		}
	}
	if len(feedErrs) > 0 {
		return &errs.CompositeErrFeed{Errs: feedErrs}
	}
	return nil
}

func (hs *HTTPSource) processFeed(
	ctx context.Context,
	feedLocation string,
	label csaf.TLPLabel,
	emit func(*DocumentReference) error,
) error {
	up, err := url.Parse(feedLocation)
	if err != nil {
		return errs.ErrProviderIssue{Message: fmt.Sprintf(
			"invalid TLP:%s feed URL %q: %v", label, feedLocation, err)}
	}
	feedURL := hs.base.ResolveReference(up)
	slog.Debug("Processing ROLIE feed", "feed", feedURL)

	fb, err := util.BaseURL(feedURL)
	if err != nil {
		return errs.ErrProviderIssue{Message: fmt.Sprintf(
			"invalid TLP:%s feed base URL: %v", label, err)}
	}
	feedBase, err := url.Parse(fb)
	if err != nil {
		return errs.ErrProviderIssue{Message: fmt.Sprintf(
			"cannot parse TLP:%s feed base URL %q: %v", label, fb, err)}
	}

	res, err := hs.Client.Get(feedURL.String())
	if err != nil {
		return errs.ErrNetwork{Message: fmt.Sprintf(
			"failed get for TLP:%s feed URL %s: %v", label, feedURL, err)}
	}
	if res.StatusCode != http.StatusOK {
		res.Body.Close()
		return feedStatusError(label, feedURL.String(), res)
	}
	rfeed, err := func() (*csaf.ROLIEFeed, error) {
		defer res.Body.Close()
		return csaf.LoadROLIEFeed(res.Body)
	}()
	if err != nil {
		return errs.ErrProviderIssue{Message: fmt.Sprintf(
			"TLP:%s ROLIE feed at %s is not valid JSON: %v", label, feedURL, err)}
	}

	resolve := func(href string) (string, error) {
		if href == "" {
			return "", nil
		}
		p, err := url.Parse(href)
		if err != nil {
			return "", errs.ErrProviderIssue{Message: fmt.Sprintf(
				"invalid URL %q in TLP:%s feed %s: %v", href, label, feedURL, err)}
		}
		return feedBase.ResolveReference(p).String(), nil
	}

	var entryErrs []error
	rfeed.Entries(func(entry *csaf.Entry) {
		updated := time.Time(entry.Updated)
		if hs.AgeAccept != nil && !updated.IsZero() && !hs.AgeAccept(updated) {
			return
		}

		var self, sha256, sha512, sign string
		var resolveErr error
		for i := range entry.Link {
			link := &entry.Link[i]
			lower := strings.ToLower(link.HRef)
			var target *string
			switch link.Rel {
			case "self":
				target = &self
			case "signature":
				target = &sign
			case "hash":
				switch {
				case strings.HasSuffix(lower, ".sha256"):
					target = &sha256
				case strings.HasSuffix(lower, ".sha512"):
					target = &sha512
				}
			}
			if target == nil {
				continue
			}
			if *target, resolveErr = resolve(link.HRef); resolveErr != nil {
				entryErrs = append(entryErrs, resolveErr)
				return
			}
		}

		if self == "" {
			entryErrs = append(entryErrs, errs.ErrProviderIssue{Message: fmt.Sprintf(
				"TLP:%s feed %s entry %q has no link to its document",
				label, feedURL, entry.ID)})
			return
		}

		ref := &DocumentReference{
			URL:       self,
			SHA256URL: sha256,
			SHA512URL: sha512,
			SignURL:   sign,
			Label:     label,
			Changed:   updated,
			RelPath:   relPath(feedBase, self, label, updated),
		}
		if err := emit(ref); err != nil {
			entryErrs = append(entryErrs, err)
		}
	})

	if len(entryErrs) > 0 {
		return &errs.CompositeErrDownload{Errs: entryErrs}
	}
	return nil
}

// processDirectory enumerates a directory distribution: the
// changes.csv is authoritative; if it is absent the index.txt and
// finally the HTML listing of the year directories are used.
func (hs *HTTPSource) processDirectory(
	ctx context.Context,
	baseURL string,
	emit func(*DocumentReference) error,
) error {
	base, err := url.Parse(baseURL)
	if err != nil {
		return errs.ErrProviderIssue{Message: fmt.Sprintf(
			"invalid directory URL %q: %v", baseURL, err)}
	}

	emitPath := func(rel string, changed time.Time) error {
		if hs.AgeAccept != nil && !changed.IsZero() && !hs.AgeAccept(changed) {
			return nil
		}
		docURL := base.JoinPath(rel).String()
		return emit(&DocumentReference{
			URL:           docURL,
			SHA256URL:     docURL + ".sha256",
			SHA512URL:     docURL + ".sha512",
			SignURL:       docURL + ".asc",
			Label:         csaf.TLPLabelWhite,
			Changed:       changed,
			RelPath:       rel,
			FromDirectory: true,
		})
	}

	// 1. changes.csv
	changesURL := base.JoinPath(ChangesCSV).String()
	res, err := hs.Client.Get(changesURL)
	if err != nil {
		return errs.ErrNetwork{Message: fmt.Sprintf(
			"failed get request for URL %s: %v", changesURL, err)}
	}
	switch {
	case res.StatusCode == http.StatusOK:
		changes, err := func() (Changes, error) {
			defer res.Body.Close()
			return LoadChanges(res.Body)
		}()
		if err != nil {
			return errs.ErrProviderIssue{Message: fmt.Sprintf(
				"could not read %s: %v", changesURL, err)}
		}
		var dlErrs []error
		for _, entry := range changes {
			if err := emitPath(entry.Path, entry.Time); err != nil {
				dlErrs = append(dlErrs, err)
			}
		}
		if len(dlErrs) > 0 {
			return &errs.CompositeErrDownload{Errs: dlErrs}
		}
		return nil
	case res.StatusCode == http.StatusNotFound:
		res.Body.Close()
		// Fall through to index.txt / listing.
	case res.StatusCode == http.StatusUnauthorized:
		res.Body.Close()
		return errs.ErrInvalidCredentials{Message: fmt.Sprintf(
			"invalid credentials for accessing %s: %s", changesURL, res.Status)}
	case res.StatusCode >= 500:
		res.Body.Close()
		providerErr := errs.ErrProviderIssue{Message: fmt.Sprintf(
			"could not retrieve %s: %s", changesURL, res.Status)}
		return fmt.Errorf("%w %w", providerErr, errs.ErrRetryable)
	default:
		res.Body.Close()
		return errs.ErrProviderIssue{Message: fmt.Sprintf(
			"could not retrieve %s: %s", changesURL, res.Status)}
	}

	// 2. index.txt
	indexURL := base.JoinPath("index.txt").String()
	if res, err := hs.Client.Get(indexURL); err == nil {
		if res.StatusCode == http.StatusOK {
			defer res.Body.Close()
			return hs.processIndex(res.Body, emitPath)
		}
		res.Body.Close()
	}

	// 3. HTML listing of the year directories.
	return hs.processListing(ctx, base, emitPath)
}

// processIndex reads an index.txt: one relative document path per
// line. The index carries no timestamps, so entries are treated
// as changed at the epoch.
func (hs *HTTPSource) processIndex(
	r io.Reader,
	emitPath func(string, time.Time) error,
) error {
	var dlErrs []error
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if err := emitPath(line, time.Time{}); err != nil {
			dlErrs = append(dlErrs, err)
		}
	}
	if err := sc.Err(); err != nil {
		dlErrs = append(dlErrs, err)
	}
	if len(dlErrs) > 0 {
		return &errs.CompositeErrDownload{Errs: dlErrs}
	}
	return nil
}

var yearDirPattern = regexp.MustCompile(`^(\d{4})/?$`)

// processListing walks the HTML directory listing: year
// directories one level deep, documents by their .json suffix.
func (hs *HTTPSource) processListing(
	ctx context.Context,
	base *url.URL,
	emitPath func(string, time.Time) error,
) error {
	years, docs, err := hs.linksOnPage(base.String())
	if err != nil {
		return err
	}
	var dlErrs []error
	for _, doc := range docs {
		if err := emitPath(doc, time.Time{}); err != nil {
			dlErrs = append(dlErrs, err)
		}
	}
	for _, year := range years {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		_, yearDocs, err := hs.linksOnPage(base.JoinPath(year).String())
		if err != nil {
			dlErrs = append(dlErrs, err)
			continue
		}
		for _, doc := range yearDocs {
			if err := emitPath(path.Join(year, doc), time.Time{}); err != nil {
				dlErrs = append(dlErrs, err)
			}
		}
	}
	if len(dlErrs) > 0 {
		return &errs.CompositeErrDownload{Errs: dlErrs}
	}
	return nil
}

// linksOnPage extracts the year directory and document links of
// an HTML directory listing.
func (hs *HTTPSource) linksOnPage(pageURL string) (years, docs []string, err error) {
	res, err := hs.Client.Get(pageURL)
	if err != nil {
		return nil, nil, errs.ErrNetwork{Message: fmt.Sprintf(
			"fetching listing %s failed: %v", pageURL, err)}
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, nil, errs.ErrProviderIssue{Message: fmt.Sprintf(
			"fetching listing %s failed: %s", pageURL, res.Status)}
	}
	page, err := goquery.NewDocumentFromReader(res.Body)
	if err != nil {
		return nil, nil, err
	}
	page.Find("a").Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok {
			return
		}
		if m := yearDirPattern.FindStringSubmatch(href); m != nil {
			years = append(years, m[1])
			return
		}
		if strings.HasSuffix(href, ".json") && !strings.Contains(href, "://") {
			docs = append(docs, strings.TrimPrefix(href, "./"))
		}
	})
	return years, docs, nil
}

func feedStatusError(label csaf.TLPLabel, u string, res *http.Response) error {
	switch {
	case res.StatusCode == http.StatusUnauthorized:
		return errs.ErrInvalidCredentials{Message: fmt.Sprintf(
			"invalid credentials for TLP:%s feed at %s: %s", label, u, res.Status)}
	case res.StatusCode == http.StatusForbidden:
		// Insufficient permissions are not an error for shared feeds.
		return nil
	case res.StatusCode == http.StatusNotFound:
		return errs.ErrProviderIssue{Message: fmt.Sprintf(
			"could not find TLP:%s feed at %s: %s", label, u, res.Status)}
	case res.StatusCode >= 500:
		providerErr := errs.ErrProviderIssue{Message: fmt.Sprintf(
			"could not retrieve TLP:%s feed at %s: %s", label, u, res.Status)}
		return fmt.Errorf("%w %w", providerErr, errs.ErrRetryable)
	default:
		return errs.ErrProviderIssue{Message: fmt.Sprintf(
			"could not retrieve TLP:%s feed at %s: %s", label, u, res.Status)}
	}
}

// FileSource re-reads a content tree previously written by the
// storage sink. The changes.csv at the root is the authoritative
// document list; sidecars are sourced from neighboring files.
type FileSource struct {
	// Root is the content tree root.
	Root string
	// AgeAccept filters references by change time; nil accepts all.
	AgeAccept func(time.Time) bool
}

// NewFileSource creates a source over a stored content tree.
func NewFileSource(root string) (*Source, error) {
	ok, err := util.PathExists(filepath.Join(root, ChangesCSV))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.ErrDestination{Message: fmt.Sprintf(
			"%q contains no %s", root, ChangesCSV)}
	}
	return &Source{File: &FileSource{Root: root}}, nil
}

func (fs *FileSource) enumerate(
	ctx context.Context,
	fn func(*DocumentReference) error,
) error {
	changes, err := LoadChangesFile(fs.Root)
	if err != nil {
		return err
	}
	seen := map[string]bool{}
	for _, entry := range changes {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if fs.AgeAccept != nil && !entry.Time.IsZero() && !fs.AgeAccept(entry.Time) {
			continue
		}
		if !util.InsideRoot(fs.Root, entry.Path) {
			slog.Warn("Change log entry escapes the content tree",
				"path", entry.Path)
			continue
		}
		full := filepath.Join(fs.Root, filepath.FromSlash(entry.Path))
		if seen[full] {
			continue
		}
		seen[full] = true

		ref := &DocumentReference{
			URL:           full,
			Label:         csaf.TLPLabelWhite,
			Changed:       entry.Time,
			RelPath:       entry.Path,
			FromDirectory: true,
		}
		for _, sidecar := range []struct {
			target *string
			suffix string
		}{
			{&ref.SHA256URL, ".sha256"},
			{&ref.SHA512URL, ".sha512"},
			{&ref.SignURL, ".asc"},
		} {
			if ok, _ := util.PathExists(full + sidecar.suffix); ok {
				*sidecar.target = full + sidecar.suffix
			}
		}
		if err := fn(ref); err != nil {
			return err
		}
	}
	return nil
}
