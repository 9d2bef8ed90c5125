// This file is Free Software under the Apache-2.0 License
// without warranty, see README.md and LICENSES/Apache-2.0.txt for details.
//
// SPDX-License-Identifier: Apache-2.0

package csaf

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/advmirror/advmirror/pkg/errs"
	"github.com/advmirror/advmirror/util"
)

// wellKnownPath is the path of the well-known discovery location.
const wellKnownPath = "/.well-known/csaf/provider-metadata.json"

// securityTxtPaths are probed for CSAF entries, in order.
var securityTxtPaths = []string{
	"/.well-known/security.txt",
	"/security.txt",
}

// MessageType categorizes the discovery messages.
type MessageType int

const (
	// HTTPError signals a failed fetch of a candidate.
	HTTPError MessageType = iota
	// InvalidJSON signals a candidate which is not valid JSON.
	InvalidJSON
	// SchemaError signals a candidate violating the metadata invariants.
	SchemaError
	// IgnoredCandidate signals a skipped lower-priority candidate.
	IgnoredCandidate
)

// Message is a diagnostic emitted while walking the discovery chain.
type Message struct {
	Type    MessageType
	Message string
}

// LoadedProviderMetadata is the result of one discovery candidate.
type LoadedProviderMetadata struct {
	// URL is the URL the document was fetched from.
	URL string
	// Document is the metadata document itself.
	Document *ProviderMetadata
	// Raw is the undecoded document, kept for re-emission.
	Raw []byte
	// Messages are the diagnostics collected on the way.
	Messages []Message
}

// Valid reports whether a provider metadata was actually found.
func (lpmd *LoadedProviderMetadata) Valid() bool {
	return lpmd != nil && lpmd.Document != nil && lpmd.URL != ""
}

func (lpmd *LoadedProviderMetadata) message(typ MessageType, msg string) {
	lpmd.Messages = append(lpmd.Messages, Message{Type: typ, Message: msg})
}

// ProviderMetadataLoader discovers and loads provider metadata
// from a bare domain or a fully qualified URL.
type ProviderMetadataLoader struct {
	client   util.Client
	already  map[string]*LoadedProviderMetadata
	messages []Message
}

// NewProviderMetadataLoader creates a loader on top of the given client.
func NewProviderMetadataLoader(client util.Client) *ProviderMetadataLoader {
	return &ProviderMetadataLoader{
		client:  client,
		already: map[string]*LoadedProviderMetadata{},
	}
}

// Load resolves the given source to a provider metadata document.
// The source may be a https URL to a provider-metadata.json, a
// file URL (or plain filesystem path) to a stored metadata, or a
// bare domain for which the discovery chain is walked: well-known
// location first, then security.txt, then the DNS convention.
// The first hit wins.
func (pmdl *ProviderMetadataLoader) Load(source string) *LoadedProviderMetadata {
	// A concrete URL to the metadata itself?
	if strings.HasPrefix(source, "https://") || strings.HasPrefix(source, "http://") {
		return pmdl.loadFromURL(source)
	}
	if strings.HasPrefix(source, "file://") {
		return pmdl.loadFromFile(strings.TrimPrefix(source, "file://"))
	}
	if _, err := os.Stat(source); err == nil {
		return pmdl.loadFromFile(source)
	}

	domain := strings.TrimSuffix(source, "/")

	// 1. well-known location.
	wellKnown := "https://" + domain + wellKnownPath
	result := pmdl.loadFromURL(wellKnown)
	if result.Valid() {
		return result
	}

	// 2. security.txt entries.
	for _, stp := range securityTxtPaths {
		for _, candidate := range pmdl.loadSecurityTxt("https://" + domain + stp) {
			secResult := pmdl.loadFromURL(candidate)
			result.Messages = append(result.Messages, secResult.Messages...)
			if secResult.Valid() {
				secResult.Messages = result.Messages
				return secResult
			}
		}
	}

	// 3. DNS convention.
	dns := "https://csaf.data.security." + domain + "/provider-metadata.json"
	dnsResult := pmdl.loadFromURL(dns)
	dnsResult.Messages = append(result.Messages, dnsResult.Messages...)
	return dnsResult
}

// Enumerate walks the whole discovery chain of a domain and
// returns every candidate that loads, not only the first hit.
func (pmdl *ProviderMetadataLoader) Enumerate(domain string) []*LoadedProviderMetadata {
	var found []*LoadedProviderMetadata

	add := func(lpmd *LoadedProviderMetadata) {
		if !lpmd.Valid() {
			return
		}
		for _, f := range found {
			if f.URL == lpmd.URL {
				return
			}
		}
		found = append(found, lpmd)
	}

	add(pmdl.loadFromURL("https://" + domain + wellKnownPath))
	for _, stp := range securityTxtPaths {
		for _, candidate := range pmdl.loadSecurityTxt("https://" + domain + stp) {
			add(pmdl.loadFromURL(candidate))
		}
	}
	add(pmdl.loadFromURL(
		"https://csaf.data.security." + domain + "/provider-metadata.json"))
	return found
}

// loadFromURL fetches and decodes one candidate URL.
func (pmdl *ProviderMetadataLoader) loadFromURL(u string) *LoadedProviderMetadata {
	if cached := pmdl.already[u]; cached != nil {
		return cached
	}
	result := &LoadedProviderMetadata{}
	pmdl.already[u] = result

	res, err := pmdl.client.Get(u)
	if err != nil {
		result.message(HTTPError, fmt.Sprintf("fetching %q failed: %v", u, err))
		return result
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		result.message(HTTPError, fmt.Sprintf(
			"fetching %q failed: %s (%d)", u, res.Status, res.StatusCode))
		return result
	}

	var raw json.RawMessage
	if err := json.NewDecoder(res.Body).Decode(&raw); err != nil {
		result.message(InvalidJSON, fmt.Sprintf("%q is not valid JSON: %v", u, err))
		return result
	}

	pmd, err := LoadProviderMetadata(raw)
	if err != nil {
		result.message(SchemaError, fmt.Sprintf("%q: %v", u, err))
		return result
	}

	result.URL = u
	result.Raw = raw
	result.Document = pmd
	return result
}

// loadFromFile reads a previously stored metadata document.
func (pmdl *ProviderMetadataLoader) loadFromFile(path string) *LoadedProviderMetadata {
	result := &LoadedProviderMetadata{}
	data, err := os.ReadFile(path)
	if err != nil {
		result.message(HTTPError, fmt.Sprintf("reading %q failed: %v", path, err))
		return result
	}
	pmd, err := LoadProviderMetadata(data)
	if err != nil {
		result.message(SchemaError, fmt.Sprintf("%q: %v", path, err))
		return result
	}
	u := url.URL{Scheme: "file", Path: path}
	result.URL = u.String()
	result.Raw = data
	result.Document = pmd
	return result
}

// loadSecurityTxt extracts the CSAF entries of a security.txt.
func (pmdl *ProviderMetadataLoader) loadSecurityTxt(u string) []string {
	res, err := pmdl.client.Get(u)
	if err != nil {
		return nil
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil
	}
	var urls []string
	sc := bufio.NewScanner(res.Body)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "#") {
			continue
		}
		field, value, found := strings.Cut(line, ":")
		if !found || !strings.EqualFold(strings.TrimSpace(field), "CSAF") {
			continue
		}
		if cu := strings.TrimSpace(value); cu != "" {
			urls = append(urls, cu)
		}
	}
	return urls
}

// NoProviderError builds the terminal discovery error for a domain.
func NoProviderError(domain string) error {
	return errs.ErrNoProviderFound{Domain: domain}
}
