// This file is Free Software under the Apache-2.0 License
// without warranty, see README.md and LICENSES/Apache-2.0.txt for details.
//
// SPDX-License-Identifier: Apache-2.0

package walker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validatedDoc(rel string, changed time.Time, body []byte) *ValidatedDocument {
	return &ValidatedDocument{
		RetrievedDocument: RetrievedDocument{
			Ref: DocumentReference{
				URL:     "https://example.com/" + rel,
				RelPath: rel,
				Changed: changed,
			},
			Body:         body,
			SHA256Data:   []byte("0000  " + filepath.Base(rel) + "\n"),
			LastModified: changed,
		},
		Outcome: ValidationOutcome{Kind: OutcomeValid},
	}
}

func TestStoreWriteAndChangeLog(t *testing.T) {
	root := t.TempDir()
	store, err := NewStore(root)
	require.NoError(t, err)

	changed := time.Date(2024, 1, 17, 15, 31, 28, 0, time.UTC)
	ctx := context.Background()

	require.NoError(t, store.VisitValidated(ctx,
		validatedDoc("2024/rhsa-2024_0239.json", changed, []byte(`{"a":1}`))))
	require.NoError(t, store.VisitValidated(ctx,
		validatedDoc("2024/rhsa-2024_0240.json", changed.Add(time.Hour), []byte(`{"b":2}`))))
	require.NoError(t, store.Close())

	// Document and sidecar are in place.
	body, err := os.ReadFile(filepath.Join(root, "2024", "rhsa-2024_0239.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(body))
	_, err = os.Stat(filepath.Join(root, "2024", "rhsa-2024_0239.json.sha256"))
	assert.NoError(t, err)

	// The mtime mirrors the upstream Last-Modified.
	st, err := os.Stat(filepath.Join(root, "2024", "rhsa-2024_0239.json"))
	require.NoError(t, err)
	assert.True(t, st.ModTime().Equal(changed))

	// The change log is sorted newest first.
	changes, err := LoadChangesFile(root)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, "2024/rhsa-2024_0240.json", changes[0].Path)
	assert.Equal(t, "2024/rhsa-2024_0239.json", changes[1].Path)
}

func TestStoreRejectsEscapingPaths(t *testing.T) {
	root := t.TempDir()
	store, err := NewStore(root)
	require.NoError(t, err)
	defer store.Close()

	doc := validatedDoc("../evil.json", time.Now(), []byte("{}"))
	assert.Error(t, store.VisitValidated(context.Background(), doc))
}

func TestStoreLocksDirectory(t *testing.T) {
	root := t.TempDir()
	store, err := NewStore(root)
	require.NoError(t, err)
	defer store.Close()

	_, err = NewStore(root)
	assert.Error(t, err)
}

func TestStoreKeepsExistingChanges(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()
	changed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	store, err := NewStore(root)
	require.NoError(t, err)
	require.NoError(t, store.VisitValidated(ctx,
		validatedDoc("2024/a.json", changed, []byte(`{"a":1}`))))
	require.NoError(t, store.Close())

	// A second run only adds; existing entries survive.
	store, err = NewStore(root)
	require.NoError(t, err)
	require.NoError(t, store.VisitValidated(ctx,
		validatedDoc("2024/b.json", changed.Add(time.Hour), []byte(`{"b":2}`))))
	require.NoError(t, store.Close())

	changes, err := LoadChangesFile(root)
	require.NoError(t, err)
	assert.Len(t, changes, 2)
}

func TestStoreIdempotentRun(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()
	changed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	writeAll := func() {
		store, err := NewStore(root)
		require.NoError(t, err)
		require.NoError(t, store.VisitValidated(ctx,
			validatedDoc("2024/a.json", changed, []byte(`{"a":1}`))))
		require.NoError(t, store.Close())
	}
	writeAll()
	first, err := os.ReadFile(filepath.Join(root, ChangesCSV))
	require.NoError(t, err)

	writeAll()
	second, err := os.ReadFile(filepath.Join(root, ChangesCSV))
	require.NoError(t, err)

	// Re-running against unchanged content leaves the change
	// log identical.
	assert.Equal(t, string(first), string(second))
}

func TestStoreRoundTripWithFileSource(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()
	changed := time.Date(2024, 1, 17, 15, 31, 28, 0, time.UTC)

	store, err := NewStore(root)
	require.NoError(t, err)
	want := map[string]string{
		"2024/rhsa-2024_0239.json": `{"a":1}`,
		"2024/rhsa-2024_0240.json": `{"b":2}`,
	}
	for rel, body := range want {
		require.NoError(t, store.VisitValidated(ctx,
			validatedDoc(rel, changed, []byte(body))))
	}
	require.NoError(t, store.Close())

	src, err := NewFileSource(root)
	require.NoError(t, err)

	fetcher := NewFetcher(nil)
	got := map[string]string{}
	err = src.Enumerate(ctx, func(ref *DocumentReference) error {
		res, err := fetcher.Fetch(ctx, ref.URL, nil)
		require.NoError(t, err)
		got[ref.RelPath] = string(res.Data)
		// The stored digest sidecar is advertised again.
		assert.NotEmpty(t, ref.SHA256URL)
		assert.True(t, changed.Equal(ref.Changed))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
