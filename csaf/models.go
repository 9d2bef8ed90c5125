// This file is Free Software under the Apache-2.0 License
// without warranty, see README.md and LICENSES/Apache-2.0.txt for details.
//
// SPDX-License-Identifier: Apache-2.0

// Package csaf implements the CSAF specific parts of the mirror:
// the provider-metadata model, the discovery chain, ROLIE feeds,
// schema validation and the content level rule sets.
package csaf

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// TLPLabel is the traffic light protocol label of an advisory feed.
type TLPLabel string

const (
	// TLPLabelUnlabeled is the 'UNLABELED' policy.
	TLPLabelUnlabeled TLPLabel = "UNLABELED"
	// TLPLabelWhite is the 'WHITE' policy.
	TLPLabelWhite TLPLabel = "WHITE"
	// TLPLabelGreen is the 'GREEN' policy.
	TLPLabelGreen TLPLabel = "GREEN"
	// TLPLabelAmber is the 'AMBER' policy.
	TLPLabelAmber TLPLabel = "AMBER"
	// TLPLabelRed is the 'RED' policy.
	TLPLabelRed TLPLabel = "RED"
)

// Fingerprint is the hex encoded fingerprint of an OpenPGP key
// used to sign the advisories.
type Fingerprint string

var fingerprintPattern = regexp.MustCompile(`^[0-9a-fA-F]{40,}$`)

// Valid reports whether the fingerprint has the expected shape.
func (f Fingerprint) Valid() bool {
	return fingerprintPattern.MatchString(string(f))
}

// PGPKey is the location and the fingerprint of a key
// used to sign the advisories.
type PGPKey struct {
	Fingerprint Fingerprint `json:"fingerprint,omitempty"`
	URL         *string     `json:"url"` // required
}

// Publisher is the publishing party of a provider.
type Publisher struct {
	Category         *string `json:"category"`  // required
	Name             *string `json:"name"`      // required
	Namespace        *string `json:"namespace"` // required
	ContactDetails   string  `json:"contact_details,omitempty"`
	IssuingAuthority string  `json:"issuing_authority,omitempty"`
}

// Feed is one ROLIE feed of a distribution.
type Feed struct {
	Summary  string    `json:"summary,omitempty"`
	TLPLabel *TLPLabel `json:"tlp_label"` // required
	URL      *string   `json:"url"`       // required
}

// ROLIE is the ROLIE extension of a distribution.
type ROLIE struct {
	Categories []string `json:"categories,omitempty"`
	Feeds      []Feed   `json:"feeds"` // required
	Services   []string `json:"services,omitempty"`
}

// Distribution is one logical feed of a provider: either a ROLIE
// feed set or a directory listing.
type Distribution struct {
	DirectoryURL string `json:"directory_url,omitempty"`
	Rolie        *ROLIE `json:"rolie,omitempty"`
}

// ProviderMetadata is the root index of a provider.
type ProviderMetadata struct {
	CanonicalURL          *string        `json:"canonical_url"` // required
	Distributions         []Distribution `json:"distributions,omitempty"`
	LastUpdated           *string        `json:"last_updated"`     // required
	ListOnCSAFAggregators *bool          `json:"list_on_CSAF_aggregators,omitempty"`
	MetadataVersion       *string        `json:"metadata_version"` // required
	MirrorOnCSAFAggregators *bool        `json:"mirror_on_CSAF_aggregators,omitempty"`
	PGPKeys               []PGPKey       `json:"public_openpgp_keys,omitempty"`
	Publisher             *Publisher     `json:"publisher"` // required
	Role                  *string        `json:"role,omitempty"`
}

// LoadProviderMetadata decodes a provider metadata document from
// raw JSON and checks its basic invariants.
func LoadProviderMetadata(data []byte) (*ProviderMetadata, error) {
	var pmd ProviderMetadata
	if err := json.Unmarshal(data, &pmd); err != nil {
		return nil, err
	}
	if err := pmd.Validate(); err != nil {
		return nil, err
	}
	return &pmd, nil
}

// Validate checks the invariants of a provider metadata document:
// there is at least one distribution and every public key
// fingerprint is well-formed.
func (pmd *ProviderMetadata) Validate() error {
	if pmd.CanonicalURL == nil || *pmd.CanonicalURL == "" {
		return fmt.Errorf("provider metadata has no canonical_url")
	}
	if len(pmd.Distributions) == 0 {
		return fmt.Errorf("provider metadata has no distributions")
	}
	for i := range pmd.PGPKeys {
		if fp := pmd.PGPKeys[i].Fingerprint; fp != "" && !fp.Valid() {
			return fmt.Errorf("invalid OpenPGP fingerprint %q", fp)
		}
	}
	return nil
}

// NewProviderMetadataDomain creates a minimal provider metadata
// for a given domain with the given feeds.
func NewProviderMetadataDomain(domain string, feeds []Feed) *ProviderMetadata {
	canonical := domain + "/.well-known/csaf/provider-metadata.json"
	version := "2.0"
	now := time.Now().UTC().Format(time.RFC3339)
	return &ProviderMetadata{
		CanonicalURL:    &canonical,
		MetadataVersion: &version,
		LastUpdated:     &now,
		Distributions: []Distribution{{
			Rolie: &ROLIE{Feeds: feeds},
		}},
	}
}
