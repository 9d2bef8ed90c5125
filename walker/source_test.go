// This file is Free Software under the Apache-2.0 License
// without warranty, see README.md and LICENSES/Apache-2.0.txt for details.
//
// SPDX-License-Identifier: Apache-2.0

package walker

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/advmirror/advmirror/csaf"
	"github.com/advmirror/advmirror/internal/testutil"
)

func testProvider(t *testing.T, directory bool) (*testutil.ProviderParams, *httptest.Server) {
	t.Helper()
	params := &testutil.ProviderParams{
		Documents: []testutil.Document{
			{
				Path:    "white/2020/avendor-advisory-0004.json",
				Body:    testutil.Advisory("avendor-advisory-0004"),
				Changed: time.Date(2020, 6, 1, 0, 0, 0, 0, time.UTC),
			},
			{
				Path:    "white/2021/avendor-advisory-0005.json",
				Body:    testutil.Advisory("avendor-advisory-0005"),
				Changed: time.Date(2021, 3, 1, 0, 0, 0, 0, time.UTC),
			},
		},
		EnableSha256: true,
		EnableSha512: true,
	}
	server := httptest.NewServer(testutil.ProviderHandler(params, directory))
	t.Cleanup(server.Close)
	params.URL = server.URL
	return params, server
}

func loadMetadata(t *testing.T, server *httptest.Server) *csaf.LoadedProviderMetadata {
	t.Helper()
	loader := csaf.NewProviderMetadataLoader(server.Client())
	lpmd := loader.Load(server.URL + "/provider-metadata.json")
	require.True(t, lpmd.Valid(), "provider metadata did not load")
	return lpmd
}

func enumerateAll(t *testing.T, src *Source) []*DocumentReference {
	t.Helper()
	var refs []*DocumentReference
	require.NoError(t, src.Enumerate(context.Background(),
		func(ref *DocumentReference) error {
			refs = append(refs, ref)
			return nil
		}))
	return refs
}

func TestHTTPSourceROLIE(t *testing.T) {
	params, server := testProvider(t, false)
	lpmd := loadMetadata(t, server)

	src, err := NewHTTPSource(server.Client(), lpmd)
	require.NoError(t, err)

	refs := enumerateAll(t, src)
	require.Len(t, refs, 2)

	byPath := map[string]*DocumentReference{}
	for _, ref := range refs {
		byPath[ref.RelPath] = ref
	}
	ref := byPath["white/2020/avendor-advisory-0004.json"]
	require.NotNil(t, ref)
	assert.Equal(t, params.URL+"/white/2020/avendor-advisory-0004.json", ref.URL)
	assert.Equal(t, ref.URL+".sha256", ref.SHA256URL)
	assert.Equal(t, ref.URL+".sha512", ref.SHA512URL)
	assert.Equal(t, ref.URL+".asc", ref.SignURL)
	assert.Equal(t, csaf.TLPLabelWhite, ref.Label)
	assert.Equal(t,
		time.Date(2020, 6, 1, 0, 0, 0, 0, time.UTC), ref.Changed.UTC())
}

func TestHTTPSourceDirectory(t *testing.T) {
	_, server := testProvider(t, true)
	lpmd := loadMetadata(t, server)

	src, err := NewHTTPSource(server.Client(), lpmd)
	require.NoError(t, err)

	refs := enumerateAll(t, src)
	require.Len(t, refs, 2)
	for _, ref := range refs {
		assert.True(t, ref.FromDirectory)
		assert.Equal(t, ref.URL+".sha256", ref.SHA256URL)
		assert.False(t, ref.Changed.IsZero())
	}
}

func TestHTTPSourceNoDuplicates(t *testing.T) {
	_, server := testProvider(t, false)
	lpmd := loadMetadata(t, server)

	src, err := NewHTTPSource(server.Client(), lpmd)
	require.NoError(t, err)

	refs := enumerateAll(t, src)
	seen := map[string]bool{}
	for _, ref := range refs {
		assert.False(t, seen[ref.URL], "duplicate reference %s", ref.URL)
		seen[ref.URL] = true
	}
}

func TestHTTPSourceAgeAccept(t *testing.T) {
	_, server := testProvider(t, false)
	lpmd := loadMetadata(t, server)

	src, err := NewHTTPSource(server.Client(), lpmd)
	require.NoError(t, err)
	cut := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	src.HTTP.AgeAccept = func(t time.Time) bool { return !t.Before(cut) }

	refs := enumerateAll(t, src)
	require.Len(t, refs, 1)
	assert.Equal(t, "white/2021/avendor-advisory-0005.json", refs[0].RelPath)
}

func TestHTTPSourceIgnoreURL(t *testing.T) {
	_, server := testProvider(t, false)
	lpmd := loadMetadata(t, server)

	src, err := NewHTTPSource(server.Client(), lpmd)
	require.NoError(t, err)
	src.HTTP.IgnoreURL = func(u string) bool {
		return u == server.URL+"/white/2020/avendor-advisory-0004.json"
	}

	refs := enumerateAll(t, src)
	require.Len(t, refs, 1)
	assert.Equal(t, "white/2021/avendor-advisory-0005.json", refs[0].RelPath)
}

func TestRetrieverAgainstProvider(t *testing.T) {
	params, server := testProvider(t, false)
	key, err := testutil.GenerateKey()
	require.NoError(t, err)
	params.Key = key

	lpmd := loadMetadata(t, server)
	src, err := NewHTTPSource(server.Client(), lpmd)
	require.NoError(t, err)

	trust, err := LoadTrustRoot(server.Client(), lpmd)
	require.NoError(t, err)
	require.False(t, trust.Empty())

	var retrievedDocs []*ValidatedDocument
	validator := &Validator{
		Trust:            trust,
		RequireSignature: true,
		Next: ValidatedVisitorFunc(
			func(_ context.Context, doc *ValidatedDocument) error {
				retrievedDocs = append(retrievedDocs, doc)
				return nil
			}),
	}
	retriever := &Retriever{
		Fetcher: NewFetcher(server.Client()),
		Next:    validator,
	}

	w := &Walker{Source: src, Visitor: retriever, Workers: 2}
	stats, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Succeeded)
	require.Len(t, retrievedDocs, 2)
	for _, doc := range retrievedDocs {
		assert.Equal(t, OutcomeValid, doc.Outcome.Kind)
		assert.NotNil(t, doc.SHA256)
		assert.NotNil(t, doc.SHA512)
		assert.NotNil(t, doc.Signature)
	}
}

func TestRetrieverDigestMismatch(t *testing.T) {
	params, server := testProvider(t, false)
	params.Documents[0].BreakSHA256 = true

	lpmd := loadMetadata(t, server)
	src, err := NewHTTPSource(server.Client(), lpmd)
	require.NoError(t, err)

	var sunk []*ValidatedDocument
	validator := &Validator{
		Trust: &TrustRoot{},
		Next: ValidatedVisitorFunc(
			func(_ context.Context, doc *ValidatedDocument) error {
				sunk = append(sunk, doc)
				return nil
			}),
	}
	retriever := &Retriever{
		Fetcher: NewFetcher(server.Client()),
		Next:    validator,
	}

	w := &Walker{Source: src, Visitor: retriever, Workers: 1}
	stats, err := w.Run(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Succeeded)
	// The broken document never reaches the sink.
	for _, doc := range sunk {
		assert.NotEqual(t,
			"white/2020/avendor-advisory-0004.json", doc.Ref.RelPath)
	}
}
