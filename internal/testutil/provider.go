// This file is Free Software under the Apache-2.0 License
// without warranty, see README.md and LICENSES/Apache-2.0.txt for details.
//
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides a fake advisory provider for tests.
package testutil

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/ProtonMail/gopenpgp/v2/crypto"
)

// Document is one advisory served by the fake provider.
type Document struct {
	// Path is the relative path below the provider root,
	// e.g. "white/2020/avendor-advisory-0004.json".
	Path string
	// Body is the raw document.
	Body []byte
	// Changed is the change log timestamp.
	Changed time.Time
	// BreakSHA256 serves a wrong SHA256 sidecar.
	BreakSHA256 bool
}

// ProviderParams parameterize the fake provider.
type ProviderParams struct {
	// URL is the base URL of the test server. Must be set
	// before the first request is served.
	URL string
	// Documents are the served advisories.
	Documents []Document
	// EnableSha256 and EnableSha512 control which digest
	// sidecars exist.
	EnableSha256 bool
	EnableSha512 bool
	// Key signs the documents when set.
	Key *crypto.Key
}

// GenerateKey creates a throwaway signing key.
func GenerateKey() (*crypto.Key, error) {
	return crypto.GenerateKey("test", "test@example.com", "x25519", 0)
}

// Keyring builds a signing keyring of the provider key.
func (p *ProviderParams) Keyring() (*crypto.KeyRing, error) {
	if p.Key == nil {
		return nil, fmt.Errorf("no key configured")
	}
	return crypto.NewKeyRing(p.Key)
}

func (p *ProviderParams) sign(data []byte) ([]byte, error) {
	ring, err := p.Keyring()
	if err != nil {
		return nil, err
	}
	sig, err := ring.SignDetached(crypto.NewPlainMessage(data))
	if err != nil {
		return nil, err
	}
	armored, err := sig.GetArmored()
	if err != nil {
		return nil, err
	}
	return []byte(armored), nil
}

func (p *ProviderParams) document(rel string) *Document {
	for i := range p.Documents {
		if p.Documents[i].Path == rel {
			return &p.Documents[i]
		}
	}
	return nil
}

// metadata renders the provider-metadata.json.
func (p *ProviderParams) metadata(directoryProvider bool) string {
	var distribution string
	if directoryProvider {
		distribution = fmt.Sprintf(`{"directory_url": %q}`, p.URL)
	} else {
		distribution = fmt.Sprintf(
			`{"rolie": {"feeds": [{"tlp_label": "WHITE", "url": %q}]}}`,
			p.URL+"/feed.json")
	}
	keys := "[]"
	if p.Key != nil {
		fingerprint := p.Key.GetFingerprint()
		keys = fmt.Sprintf(`[{"fingerprint": %q, "url": %q}]`,
			fingerprint, p.URL+"/key.asc")
	}
	return fmt.Sprintf(`{
  "canonical_url": %q,
  "last_updated": "2020-01-01T00:00:00Z",
  "metadata_version": "2.0",
  "publisher": {
    "category": "vendor",
    "name": "A Vendor",
    "namespace": "https://vendor.example"
  },
  "public_openpgp_keys": %s,
  "distributions": [%s]
}`, p.URL+"/provider-metadata.json", keys, distribution)
}

// feed renders the ROLIE feed of all documents.
func (p *ProviderParams) feed() string {
	var entries []string
	for i := range p.Documents {
		doc := &p.Documents[i]
		docURL := p.URL + "/" + doc.Path
		links := []string{
			fmt.Sprintf(`{"rel": "self", "href": %q}`, docURL),
		}
		if p.EnableSha256 {
			links = append(links,
				fmt.Sprintf(`{"rel": "hash", "href": %q}`, docURL+".sha256"))
		}
		if p.EnableSha512 {
			links = append(links,
				fmt.Sprintf(`{"rel": "hash", "href": %q}`, docURL+".sha512"))
		}
		links = append(links,
			fmt.Sprintf(`{"rel": "signature", "href": %q}`, docURL+".asc"))
		entries = append(entries, fmt.Sprintf(`{
  "id": %q,
  "title": %q,
  "link": [%s],
  "published": %q,
  "updated": %q,
  "format": {"mime": "application/json"}
}`,
			strings.TrimSuffix(path.Base(doc.Path), ".json"),
			path.Base(doc.Path),
			strings.Join(links, ", "),
			doc.Changed.UTC().Format(time.RFC3339),
			doc.Changed.UTC().Format(time.RFC3339)))
	}
	return fmt.Sprintf(`{
  "feed": {
    "id": "advisories",
    "title": "Advisories",
    "updated": "2020-01-01T00:00:00Z",
    "entry": [%s]
  }
}`, strings.Join(entries, ", "))
}

// changes renders the changes.csv of all documents.
func (p *ProviderParams) changes() string {
	var sb strings.Builder
	for i := range p.Documents {
		doc := &p.Documents[i]
		fmt.Fprintf(&sb, "%s,%s\n",
			doc.Path, doc.Changed.UTC().Format(time.RFC3339))
	}
	return sb.String()
}

// ProviderHandler serves a fake provider: metadata, feed or
// directory listing, documents and sidecars.
func ProviderHandler(params *ProviderParams, directoryProvider bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rel := strings.TrimPrefix(r.URL.Path, "/")

		serve := func(contentType, body string) {
			w.Header().Set("Content-Type", contentType)
			fmt.Fprint(w, body)
		}

		switch rel {
		case "provider-metadata.json",
			".well-known/csaf/provider-metadata.json":
			serve("application/json", params.metadata(directoryProvider))
			return
		case "feed.json":
			if directoryProvider {
				break
			}
			serve("application/json", params.feed())
			return
		case "changes.csv":
			if !directoryProvider {
				break
			}
			serve("text/csv", params.changes())
			return
		case "key.asc":
			if params.Key == nil {
				break
			}
			armored, err := params.Key.GetArmoredPublicKey()
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			serve("application/pgp-keys", armored)
			return
		}

		switch {
		case strings.HasSuffix(rel, ".sha256"):
			doc := params.document(strings.TrimSuffix(rel, ".sha256"))
			if doc == nil || !params.EnableSha256 {
				break
			}
			sum := sha256.Sum256(doc.Body)
			hexSum := hex.EncodeToString(sum[:])
			if doc.BreakSHA256 {
				hexSum = strings.Repeat("deadbeef", 8)
			}
			serve("text/plain", fmt.Sprintf("%s  %s\n", hexSum, path.Base(doc.Path)))
			return
		case strings.HasSuffix(rel, ".sha512"):
			doc := params.document(strings.TrimSuffix(rel, ".sha512"))
			if doc == nil || !params.EnableSha512 {
				break
			}
			sum := sha512.Sum512(doc.Body)
			serve("text/plain", fmt.Sprintf("%s  %s\n",
				hex.EncodeToString(sum[:]), path.Base(doc.Path)))
			return
		case strings.HasSuffix(rel, ".asc"):
			doc := params.document(strings.TrimSuffix(rel, ".asc"))
			if doc == nil || params.Key == nil {
				break
			}
			signature, err := params.sign(doc.Body)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/pgp-signature")
			w.Write(signature)
			return
		default:
			if doc := params.document(rel); doc != nil {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Last-Modified",
					doc.Changed.UTC().Format(http.TimeFormat))
				w.Write(doc.Body)
				return
			}
		}
		http.NotFound(w, r)
	})
}

// Advisory builds a minimal valid advisory body for an id.
func Advisory(id string) []byte {
	return []byte(fmt.Sprintf(`{
  "document": {
    "category": "csaf_security_advisory",
    "csaf_version": "2.0",
    "publisher": {
      "category": "vendor",
      "name": "A Vendor",
      "namespace": "https://vendor.example"
    },
    "title": "Test advisory %s",
    "tracking": {
      "current_release_date": "2020-06-01T00:00:00Z",
      "id": %q,
      "initial_release_date": "2020-01-01T00:00:00Z",
      "revision_history": [
        {
          "date": "2020-01-01T00:00:00Z",
          "number": "1",
          "summary": "initial"
        }
      ],
      "status": "final",
      "version": "1"
    }
  },
  "vulnerabilities": [
    {"cve": "CVE-2020-0001", "title": "Something"}
  ]
}`, id, id))
}
