// This file is Free Software under the Apache-2.0 License
// without warranty, see README.md and LICENSES/Apache-2.0.txt for details.
//
// SPDX-License-Identifier: Apache-2.0

package util

import (
	"encoding/hex"
	"encoding/json"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashFromData(t *testing.T) {
	digest := "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	want, err := hex.DecodeString(digest)
	require.NoError(t, err)

	for _, test := range []struct {
		name  string
		input string
	}{
		{"binary marker", digest + " *hello.json\n"},
		{"text marker", digest + "  hello.json\n"},
		{"bare hex", digest + "\n"},
		{"no newline", digest},
		{"leading blank line", "\n" + digest + "  hello.json\n"},
	} {
		t.Run(test.name, func(t *testing.T) {
			got, err := HashFromData([]byte(test.input))
			assert.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}

	t.Run("empty input", func(t *testing.T) {
		_, err := HashFromData(nil)
		assert.Error(t, err)
	})

	t.Run("invalid hex", func(t *testing.T) {
		_, err := HashFromData([]byte("nothex  hello.json\n"))
		assert.Error(t, err)
	})
}

func TestConformingFileName(t *testing.T) {
	assert.True(t, ConformingFileName("rhsa-2024_0239.json"))
	assert.False(t, ConformingFileName("RHSA-2024_0239.json"))
	assert.False(t, ConformingFileName("advisory.txt"))
	assert.False(t, ConformingFileName("a/b.json"))
}

func TestInsideRoot(t *testing.T) {
	assert.True(t, InsideRoot("/data", "2024/adv.json"))
	assert.False(t, InsideRoot("/data", "../adv.json"))
	assert.False(t, InsideRoot("/data", "2024/../../etc/passwd"))
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "doc.json")

	require.NoError(t, WriteFileAtomic(target, []byte(`{"a":1}`), 0644))
	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))

	// Overwrite keeps the new content only.
	require.NoError(t, WriteFileAtomic(target, []byte(`{"a":2}`), 0644))
	data, err = os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, `{"a":2}`, string(data))

	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestPathEval(t *testing.T) {
	var doc any
	require.NoError(t, json.Unmarshal([]byte(`{
		"document": {
			"tracking": {
				"id": "RHSA-2024_0239",
				"initial_release_date": "2024-01-17T15:31:28Z"
			}
		}
	}`), &doc))

	pe := NewPathEval()

	var id string
	require.NoError(t, pe.Extract(
		`$.document.tracking.id`, StringMatcher(&id), false, doc))
	assert.Equal(t, "RHSA-2024_0239", id)

	var released time.Time
	require.NoError(t, pe.Extract(
		`$.document.tracking.initial_release_date`,
		TimeMatcher(&released, time.RFC3339), false, doc))
	assert.Equal(t,
		time.Date(2024, 1, 17, 15, 31, 28, 0, time.UTC),
		released.UTC())

	// Missing optional expressions do not error.
	var missing string
	assert.NoError(t, pe.Extract(
		`$.document.missing`, StringMatcher(&missing), true, doc))

	// Missing mandatory expressions do.
	assert.Error(t, pe.Extract(
		`$.document.missing`, StringMatcher(&missing), false, doc))
}

func TestIDMatchesFilename(t *testing.T) {
	var doc any
	require.NoError(t, json.Unmarshal(
		[]byte(`{"document":{"tracking":{"id":"RHSA-2024_0239"}}}`), &doc))
	pe := NewPathEval()

	assert.NoError(t, IDMatchesFilename(pe, doc, "rhsa-2024_0239.json"))
	assert.Error(t, IDMatchesFilename(pe, doc, "other.json"))
}

func TestBaseURL(t *testing.T) {
	u, err := url.Parse("https://example.com/.well-known/csaf/provider-metadata.json?x=1#frag")
	if err != nil {
		t.Fatal(err)
	}
	base, err := BaseURL(u)
	assert.NoError(t, err)
	assert.Equal(t, "https://example.com/.well-known/csaf/", base)
}
