// This file is Free Software under the Apache-2.0 License
// without warranty, see README.md and LICENSES/Apache-2.0.txt for details.
//
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"
	"golang.org/x/time/rate"

	"github.com/advmirror/advmirror/csaf"
	"github.com/advmirror/advmirror/pkg/errs"
	"github.com/advmirror/advmirror/sbom"
	"github.com/advmirror/advmirror/util"
	"github.com/advmirror/advmirror/walker"
)

// Processor executes one subcommand of a tool.
type Processor struct {
	cfg  *Config
	kind walker.DocumentKind

	client *util.Client // used for testing
}

// NewProcessor creates a processor for the given document kind.
func NewProcessor(kind walker.DocumentKind, cfg *Config) *Processor {
	return &Processor{cfg: cfg, kind: kind}
}

// Run dispatches to the subcommand named by the first argument.
func (p *Processor) Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errs.ErrUsage{Message: "no command given"}
	}
	cmd, rest := args[0], args[1:]

	needSource := func() (string, error) {
		if len(rest) == 0 {
			return "", errs.ErrUsage{Message: fmt.Sprintf(
				"command %q needs a source", cmd)}
		}
		return rest[0], nil
	}

	switch cmd {
	case "discover":
		source, err := needSource()
		if err != nil {
			return err
		}
		return p.discover(ctx, source)
	case "download":
		source, err := needSource()
		if err != nil {
			return err
		}
		return p.download(ctx, source)
	case "sync":
		source, err := needSource()
		if err != nil {
			return err
		}
		return p.sync(ctx, source)
	case "scan":
		source, err := needSource()
		if err != nil {
			return err
		}
		return p.scan(ctx, source, os.Stdout, false)
	case "report":
		source, err := needSource()
		if err != nil {
			return err
		}
		return p.report(ctx, source)
	case "send":
		source, err := needSource()
		if err != nil {
			return err
		}
		if len(rest) < 2 {
			return errs.ErrUsage{Message: "send needs a source and an endpoint"}
		}
		return p.send(ctx, source, rest[1])
	case "parse":
		path, err := needSource()
		if err != nil {
			return err
		}
		return p.parse(path)
	case "metadata":
		source, err := needSource()
		if err != nil {
			return err
		}
		return p.metadata(source)
	default:
		return errs.ErrUsage{Message: fmt.Sprintf("unknown command %q", cmd)}
	}
}

// httpClient builds the client stack: retrying transport at the
// bottom, then extra headers, optional URL logging and optional
// rate limiting.
func (p *Processor) httpClient() util.Client {
	var tlsConfig tls.Config
	if p.cfg.Insecure {
		tlsConfig.InsecureSkipVerify = true
	}
	if len(p.cfg.clientCerts) != 0 {
		tlsConfig.Certificates = p.cfg.clientCerts
	}
	transport := &http.Transport{
		TLSClientConfig: &tlsConfig,
		Proxy:           http.ProxyFromEnvironment,
	}

	client := util.Client(walker.NewRetryClient(
		transport, walker.DefaultRetryConfig()))

	// Overwrite for testing purposes.
	if p.client != nil {
		client = *p.client
	}

	if len(p.cfg.ExtraHeader) > 0 {
		client = &util.HeaderClient{
			Client: client,
			Header: p.cfg.ExtraHeader,
		}
	}
	if p.cfg.verbose() {
		client = &util.LoggingClient{
			Client: client,
			Log: func(method, url string) {
				slog.Debug("http", "method", method, "url", url)
			},
		}
	}
	if p.cfg.Rate != nil {
		client = &util.LimitingClient{
			Client:  client,
			Limiter: rate.NewLimiter(rate.Limit(*p.cfg.Rate), 1),
		}
	}
	return client
}

// loadSource resolves the source argument: an existing directory
// becomes a file source, everything else goes through discovery.
func (p *Processor) loadSource(
	client util.Client,
	source string,
) (*walker.Source, *csaf.LoadedProviderMetadata, error) {
	if st, err := os.Stat(source); err == nil && st.IsDir() {
		src, err := walker.NewFileSource(source)
		return src, nil, err
	}

	loader := csaf.NewProviderMetadataLoader(client)
	lpmd := loader.Load(source)
	if !lpmd.Valid() {
		for i := range lpmd.Messages {
			slog.Error("Loading provider metadata failed",
				"source", source,
				"message", lpmd.Messages[i].Message)
		}
		return nil, nil, csaf.NoProviderError(source)
	}
	if p.cfg.verbose() {
		for i := range lpmd.Messages {
			slog.Debug("Loading provider metadata",
				"source", source,
				"message", lpmd.Messages[i].Message)
		}
	}

	src, err := walker.NewHTTPSource(client, lpmd)
	if err != nil {
		return nil, nil, err
	}
	if lower, upper := p.bounds(); lower != nil || upper != nil {
		src.HTTP.AgeAccept = func(t time.Time) bool {
			if lower != nil && t.Before(*lower) {
				return false
			}
			if upper != nil && t.After(*upper) {
				return false
			}
			return true
		}
	}
	src.HTTP.IgnoreURL = p.cfg.ignoreURL
	return src, lpmd, nil
}

// bounds derives the change time window: --since (or the range
// start) below, the range end above.
func (p *Processor) bounds() (lower, upper *time.Time) {
	lower = p.cfg.since
	if lower == nil {
		lower = p.cfg.rangeStart
	}
	return lower, p.cfg.rangeEnd
}

// effectiveSince resolves --since against --since_file.
func (p *Processor) effectiveSince() (*time.Time, error) {
	if p.cfg.SinceFile == "" {
		return p.cfg.since, nil
	}
	return walker.ReadSinceFile(p.cfg.SinceFile, p.cfg.since)
}

// finishSince records the start time of a successful run.
func (p *Processor) finishSince(start time.Time) {
	if p.cfg.SinceFile == "" {
		return
	}
	if err := walker.WriteSinceFile(p.cfg.SinceFile, start); err != nil {
		slog.Error("Updating since file failed",
			"file", p.cfg.SinceFile,
			"error", err)
	}
}

func (p *Processor) newFetcher(client util.Client) *walker.Fetcher {
	f := walker.NewFetcher(client)
	if p.cfg.BodyLimit > 0 {
		f.BodyLimit = p.cfg.BodyLimit
	}
	return f
}

func (p *Processor) filter(since *time.Time, localRoot string) *walker.ChangeFilter {
	lower := since
	if lower == nil {
		lower = p.cfg.rangeStart
	}
	return &walker.ChangeFilter{
		Since:     lower,
		Until:     p.cfg.rangeEnd,
		LocalRoot: localRoot,
		Force:     since != nil,
	}
}

func (p *Processor) policy() walker.SignaturePolicy {
	return walker.SignaturePolicy{
		Date:     p.cfg.policyDate,
		AcceptV3: p.cfg.AcceptV3,
	}
}

// trustRoot loads the provider keys for a validating command.
// File sources carry no metadata: their documents were validated
// when they were mirrored.
func (p *Processor) trustRoot(
	client util.Client,
	lpmd *csaf.LoadedProviderMetadata,
) (*walker.TrustRoot, error) {
	if lpmd == nil {
		return &walker.TrustRoot{}, nil
	}
	return walker.LoadTrustRoot(client, lpmd)
}

// remoteValidator opens the optional external validator.
func (p *Processor) remoteValidator() (csaf.RemoteValidator, error) {
	if p.cfg.RemoteValidator == "" || p.kind != walker.KindCSAF {
		return nil, nil
	}
	opts := csaf.RemoteValidatorOptions{
		URL:     p.cfg.RemoteValidator,
		Presets: p.cfg.RemoteValidatorPresets,
		Cache:   p.cfg.RemoteValidatorCache,
	}
	validator, err := opts.Open()
	if err != nil {
		return nil, fmt.Errorf("preparing remote validator failed: %w", err)
	}
	return csaf.SynchronizedRemoteValidator(validator), nil
}

func (p *Processor) runWalker(
	ctx context.Context,
	src *walker.Source,
	filter *walker.ChangeFilter,
	visitor walker.ReferenceVisitor,
	report *walker.Report,
) error {
	w := &walker.Walker{
		Source:  src,
		Filter:  filter,
		Visitor: visitor,
		Workers: p.cfg.Worker,
		Report:  report,
	}
	stats, err := w.Run(ctx)
	stats.Log()
	return err
}

// discover prints one line per discovered document.
func (p *Processor) discover(ctx context.Context, source string) error {
	client := p.httpClient()
	src, _, err := p.loadSource(client, source)
	if err != nil {
		return err
	}
	since, err := p.effectiveSince()
	if err != nil {
		return err
	}
	start := time.Now().UTC()
	visitor := walker.ReferenceVisitorFunc(
		func(_ context.Context, ref *walker.DocumentReference) error {
			fmt.Println(ref.URL)
			return nil
		})
	w := &walker.Walker{
		Source:  src,
		Filter:  p.filter(since, ""),
		Visitor: visitor,
		// Sequential so the output keeps the provider order.
		Workers: 1,
	}
	stats, err := w.Run(ctx)
	stats.Log()
	if err == nil {
		p.finishSince(start)
	}
	return err
}

// download mirrors bodies and sidecars without validation.
func (p *Processor) download(ctx context.Context, source string) error {
	if p.cfg.Directory == "" {
		return errs.ErrUsage{Message: "download needs a directory (-d)"}
	}
	client := p.httpClient()
	src, _, err := p.loadSource(client, source)
	if err != nil {
		return err
	}
	since, err := p.effectiveSince()
	if err != nil {
		return err
	}
	store, err := walker.NewStore(p.cfg.Directory)
	if err != nil {
		return err
	}

	start := time.Now().UTC()
	retriever := &walker.Retriever{
		Fetcher:       p.newFetcher(client),
		PreferredHash: p.cfg.preferredHash,
		Next: walker.RetrievedVisitorFunc(
			func(ctx context.Context, doc *walker.RetrievedDocument) error {
				return store.VisitValidated(ctx, &walker.ValidatedDocument{
					RetrievedDocument: *doc,
				})
			}),
	}

	runErr := p.runWalker(ctx, src, p.filter(since, p.cfg.Directory), retriever, nil)
	if err := store.Close(); err != nil && runErr == nil {
		runErr = err
	}
	if runErr == nil {
		p.finishSince(start)
	}
	return runErr
}

// sync downloads and validates; invalid documents are skipped or,
// in unsafe mode, quarantined below the destination.
func (p *Processor) sync(ctx context.Context, source string) error {
	if p.cfg.Directory == "" {
		return errs.ErrUsage{Message: "sync needs a directory (-d)"}
	}
	client := p.httpClient()
	src, lpmd, err := p.loadSource(client, source)
	if err != nil {
		return err
	}
	trust, err := p.trustRoot(client, lpmd)
	if err != nil {
		return err
	}
	since, err := p.effectiveSince()
	if err != nil {
		return err
	}
	store, err := walker.NewStore(p.cfg.Directory)
	if err != nil {
		return err
	}

	var quarantine *walker.Store
	if p.cfg.ValidationMode == "unsafe" {
		if quarantine, err = walker.NewStore(
			filepath.Join(p.cfg.Directory, "failed_validation")); err != nil {
			store.Close()
			return err
		}
	}

	start := time.Now().UTC()
	validator := &walker.Validator{
		Trust:            trust,
		Policy:           p.policy(),
		RequireSignature: p.cfg.requireSignature(p.kind),
		Next:             store,
	}
	if quarantine != nil {
		validator.Invalid = quarantine
	}
	retriever := &walker.Retriever{
		Fetcher:       p.newFetcher(client),
		PreferredHash: p.cfg.preferredHash,
		Next:          validator,
	}

	runErr := p.runWalker(ctx, src, p.filter(since, p.cfg.Directory), retriever, nil)

	if err := store.StoreKeys(trust); err != nil {
		slog.Error("Storing public keys failed", "error", err)
	}
	if err := store.Close(); err != nil && runErr == nil {
		runErr = err
	}
	if quarantine != nil {
		if err := quarantine.Close(); err != nil && runErr == nil {
			runErr = err
		}
	}
	if runErr == nil {
		p.finishSince(start)
	}
	return runErr
}

// scan validates and verifies in memory and emits the findings.
func (p *Processor) scan(
	ctx context.Context,
	source string,
	out *os.File,
	html bool,
) error {
	client := p.httpClient()
	src, lpmd, err := p.loadSource(client, source)
	if err != nil {
		return err
	}
	trust, err := p.trustRoot(client, lpmd)
	if err != nil {
		return err
	}
	remote, err := p.remoteValidator()
	if err != nil {
		return err
	}
	if remote != nil {
		defer remote.Close()
	}

	report := walker.NewReport()
	verifier := &walker.Verifier{
		Kind:     p.kind,
		RuleSets: p.cfg.ruleSets,
		Ignore:   p.cfg.IgnoreChecks,
		Remote:   remote,
		Report:   report,
	}
	validator := &walker.Validator{
		Trust:            trust,
		Policy:           p.policy(),
		RequireSignature: p.cfg.requireSignature(p.kind),
		Next:             verifier,
		Report:           report,
	}
	retriever := &walker.Retriever{
		Fetcher:       p.newFetcher(client),
		PreferredHash: p.cfg.preferredHash,
		Next:          validator,
		Report:        report,
	}

	runErr := p.runWalker(ctx, src, p.filter(p.cfg.since, ""), retriever, report)

	var writeErr error
	if html {
		writeErr = report.WriteHTML(out, p.cfg.Full)
	} else {
		writeErr = report.WriteText(out, p.cfg.Full)
	}
	if writeErr != nil && runErr == nil {
		runErr = writeErr
	}
	return runErr
}

// report produces an HTML or text report.
func (p *Processor) report(ctx context.Context, source string) error {
	out := os.Stdout
	html := false
	if p.cfg.Output != "" {
		f, err := os.Create(p.cfg.Output)
		if err != nil {
			return errs.ErrDestination{Message: err.Error()}
		}
		defer f.Close()
		out = f
		html = strings.HasSuffix(p.cfg.Output, ".html") ||
			strings.HasSuffix(p.cfg.Output, ".htm")
	}
	return p.scan(ctx, source, out, html)
}

// send validates and POSTs documents to an ingestion endpoint.
func (p *Processor) send(ctx context.Context, source, endpoint string) error {
	client := p.httpClient()
	src, lpmd, err := p.loadSource(client, source)
	if err != nil {
		return err
	}
	trust, err := p.trustRoot(client, lpmd)
	if err != nil {
		return err
	}
	auth, err := p.resolveAuth()
	if err != nil {
		return err
	}

	// Keep documents which fail sending below the destination
	// for a later re-send.
	var failed *walker.Store
	if p.cfg.Directory != "" {
		if failed, err = walker.NewStore(
			filepath.Join(p.cfg.Directory, "failed_send")); err != nil {
			return err
		}
	}

	sink := &walker.SendSink{
		Endpoint: endpoint,
		Client:   client,
		Auth:     auth,
		Kind:     p.kind,
		Retries:  p.cfg.Retries,
	}
	if failed != nil {
		sink.Failed = failed
	}
	verifier := &walker.Verifier{
		Kind:     p.kind,
		RuleSets: p.cfg.ruleSets,
		Ignore:   p.cfg.IgnoreChecks,
		Next:     sink,
	}
	validator := &walker.Validator{
		Trust:            trust,
		Policy:           p.policy(),
		RequireSignature: p.cfg.requireSignature(p.kind),
		Next:             verifier,
	}
	retriever := &walker.Retriever{
		Fetcher:       p.newFetcher(client),
		PreferredHash: p.cfg.preferredHash,
		Next:          validator,
	}

	runErr := p.runWalker(ctx, src, p.filter(p.cfg.since, ""), retriever, nil)
	if failed != nil {
		if err := failed.Close(); err != nil && runErr == nil {
			runErr = err
		}
	}
	return runErr
}

// resolveAuth determines the Authorization header value: the
// --auth flag, "interactive" for a terminal prompt, or the
// environment.
func (p *Processor) resolveAuth() (string, error) {
	switch p.cfg.Auth {
	case "":
		return os.Getenv(walker.AuthEnvVar), nil
	case "interactive":
		fmt.Fprint(os.Stderr, "Authorization: ")
		value, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return string(value), nil
	default:
		return p.cfg.Auth, nil
	}
}

// parse structurally parses one local document and prints the
// findings of the content checks.
func (p *Processor) parse(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return errs.ErrInvalidDocument{Message: fmt.Sprintf(
			"%q is not valid JSON: %v", path, err)}
	}

	expr := util.NewPathEval()
	var findings []csaf.Finding
	switch p.kind {
	case walker.KindSBOM:
		var format sbom.Format
		format, findings = sbom.CheckDocument(expr, doc, nil)
		fmt.Printf("format: %s\n", format)
	default:
		findings = csaf.CheckDocument(
			expr, doc, filepath.Base(path), p.cfg.ruleSets, nil)
	}
	if len(findings) == 0 {
		fmt.Println("no findings")
		return nil
	}
	for _, f := range findings {
		fmt.Printf("%s/%s: %s\n", f.Severity, f.Check, f.Message)
	}
	return nil
}

// metadata emits the discovered provider metadata as JSON.
func (p *Processor) metadata(source string) error {
	client := p.httpClient()
	loader := csaf.NewProviderMetadataLoader(client)

	if p.cfg.Enumerate {
		lpmds := loader.Enumerate(source)
		docs := make([]any, 0, len(lpmds))
		for _, lpmd := range lpmds {
			for i := range lpmd.Messages {
				slog.Debug("Enumerating provider metadata",
					"source", source,
					"message", lpmd.Messages[i].Message)
			}
			docs = append(docs, json.RawMessage(lpmd.Raw))
		}
		out, err := json.MarshalIndent(docs, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	lpmd := loader.Load(source)
	if !lpmd.Valid() {
		for i := range lpmd.Messages {
			slog.Error("Loading provider metadata failed",
				"source", source,
				"message", lpmd.Messages[i].Message)
		}
		return csaf.NoProviderError(source)
	}
	var buf json.RawMessage = lpmd.Raw
	out, err := json.MarshalIndent(buf, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
