// This file is Free Software under the Apache-2.0 License
// without warranty, see README.md and LICENSES/Apache-2.0.txt for details.
//
// SPDX-License-Identifier: Apache-2.0

package walker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sliceSource is a test source emitting a fixed reference list.
type sliceSource struct {
	refs []*DocumentReference
}

func (ss *sliceSource) enumerate(
	_ context.Context,
	fn func(*DocumentReference) error,
) error {
	for _, ref := range ss.refs {
		if err := fn(ref); err != nil {
			return err
		}
	}
	return nil
}

func testSource(refs ...*DocumentReference) *Source {
	return &Source{testEnumerate: (&sliceSource{refs: refs}).enumerate}
}

func makeRefs(n int, changed time.Time) []*DocumentReference {
	refs := make([]*DocumentReference, 0, n)
	for i := 0; i < n; i++ {
		refs = append(refs, &DocumentReference{
			URL:     fmt.Sprintf("https://example.com/%d.json", i),
			RelPath: fmt.Sprintf("%d.json", i),
			Changed: changed,
		})
	}
	return refs
}

func TestWalkerVisitsEverythingOnce(t *testing.T) {
	changed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	refs := makeRefs(20, changed)

	var mu sync.Mutex
	visited := map[string]int{}
	visitor := ReferenceVisitorFunc(
		func(_ context.Context, ref *DocumentReference) error {
			mu.Lock()
			visited[ref.URL]++
			mu.Unlock()
			return nil
		})

	w := &Walker{
		Source:  testSource(refs...),
		Visitor: visitor,
		Workers: 4,
	}
	stats, err := w.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 20, stats.Seen)
	assert.Equal(t, 20, stats.Succeeded)
	assert.Len(t, visited, 20)
	for url, count := range visited {
		assert.Equal(t, 1, count, "reference %s visited more than once", url)
	}
}

func TestWalkerAppliesFilter(t *testing.T) {
	old := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	current := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	refs := append(makeRefs(5, old), &DocumentReference{
		URL:     "https://example.com/new.json",
		RelPath: "new.json",
		Changed: current,
	})

	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	var mu sync.Mutex
	var visited []string
	visitor := ReferenceVisitorFunc(
		func(_ context.Context, ref *DocumentReference) error {
			mu.Lock()
			visited = append(visited, ref.URL)
			mu.Unlock()
			return nil
		})

	w := &Walker{
		Source:  testSource(refs...),
		Filter:  &ChangeFilter{Since: &since},
		Visitor: visitor,
		Workers: 2,
	}
	stats, err := w.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 6, stats.Seen)
	assert.Equal(t, 5, stats.Skipped)
	assert.Equal(t, []string{"https://example.com/new.json"}, visited)
}

func TestWalkerCollectsErrors(t *testing.T) {
	refs := makeRefs(4, time.Time{})

	visitor := ReferenceVisitorFunc(
		func(_ context.Context, ref *DocumentReference) error {
			if ref.RelPath == "2.json" {
				return errors.New("broken document")
			}
			return nil
		})

	w := &Walker{
		Source:  testSource(refs...),
		Visitor: visitor,
		Workers: 2,
	}
	stats, err := w.Run(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 3, stats.Succeeded)
	assert.Equal(t, 1, stats.Failed)
}

func TestWalkerSkipSentinel(t *testing.T) {
	refs := makeRefs(3, time.Time{})

	visitor := ReferenceVisitorFunc(
		func(_ context.Context, ref *DocumentReference) error {
			if ref.RelPath == "1.json" {
				return SkipDocument()
			}
			return nil
		})

	w := &Walker{
		Source:  testSource(refs...),
		Visitor: visitor,
		Workers: 1,
	}
	stats, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Succeeded)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 0, stats.Failed)
}

func TestWalkerFatalStopsDispatch(t *testing.T) {
	refs := makeRefs(50, time.Time{})

	var mu sync.Mutex
	var visited int
	visitor := ReferenceVisitorFunc(
		func(_ context.Context, _ *DocumentReference) error {
			mu.Lock()
			visited++
			n := visited
			mu.Unlock()
			if n == 1 {
				return FatalError{Err: errors.New("destination broke")}
			}
			return nil
		})

	w := &Walker{
		Source:  testSource(refs...),
		Visitor: visitor,
		Workers: 1,
	}
	stats, err := w.Run(context.Background())
	assert.Error(t, err)
	// Dispatch stops shortly after the fatal error.
	assert.Less(t, stats.Succeeded, 50)
}

func TestWalkerCancellation(t *testing.T) {
	refs := makeRefs(100, time.Time{})

	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	var visited int
	visitor := ReferenceVisitorFunc(
		func(_ context.Context, _ *DocumentReference) error {
			mu.Lock()
			visited++
			n := visited
			mu.Unlock()
			if n == 3 {
				cancel()
			}
			return nil
		})

	w := &Walker{
		Source:  testSource(refs...),
		Visitor: visitor,
		Workers: 1,
		Grace:   time.Second,
	}
	stats, _ := w.Run(ctx)
	assert.Less(t, stats.Seen, 100)
}
