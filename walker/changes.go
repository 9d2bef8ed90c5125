// This file is Free Software under the Apache-2.0 License
// without warranty, see README.md and LICENSES/Apache-2.0.txt for details.
//
// SPDX-License-Identifier: Apache-2.0

package walker

import (
	"bytes"
	"encoding/csv"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/advmirror/advmirror/util"
)

// ChangesCSV is the name of the change log inside a content tree.
const ChangesCSV = "changes.csv"

// ChangeEntry is one row of the persisted change log: the
// relative path of a document and its last change time.
type ChangeEntry struct {
	Path string
	Time time.Time
}

// Changes is an in-memory change log.
type Changes []ChangeEntry

// LoadChanges reads a changes.csv. Rows are two columns: relative
// path and RFC 3339 timestamp. A missing or unparsable timestamp
// is left as the zero time (the epoch); the local-copy skip of
// [ChangeFilter] never applies to such an entry, so it is always
// fetched. Duplicate paths keep the last occurrence.
func LoadChanges(r io.Reader) (Changes, error) {
	c := csv.NewReader(r)
	c.FieldsPerRecord = -1
	const (
		pathColumn = 0
		timeColumn = 1
	)
	index := map[string]int{}
	var changes Changes
	for line := 1; ; line++ {
		record, err := c.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(record) == 0 || record[pathColumn] == "" {
			continue
		}
		entry := ChangeEntry{Path: record[pathColumn]}
		if len(record) > timeColumn {
			if t, err := time.Parse(time.RFC3339, record[timeColumn]); err == nil {
				entry.Time = t.UTC()
			} else {
				slog.Warn("Invalid timestamp in change log",
					"line", line,
					"value", record[timeColumn])
			}
		}
		// Last occurrence wins.
		if at, ok := index[entry.Path]; ok {
			changes[at] = entry
			continue
		}
		index[entry.Path] = len(changes)
		changes = append(changes, entry)
	}
	return changes, nil
}

// LoadChangesFile reads the change log of a content tree.
func LoadChangesFile(root string) (Changes, error) {
	f, err := os.Open(filepath.Join(root, ChangesCSV))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadChanges(f)
}

// Write serializes the change log, deduplicated by path (latest
// timestamp wins) and sorted by timestamp descending.
func (cs Changes) Write(w io.Writer) error {
	out := cs.Normalize()
	cw := csv.NewWriter(w)
	for _, entry := range out {
		if err := cw.Write([]string{
			entry.Path,
			entry.Time.UTC().Format(time.RFC3339),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Normalize deduplicates by path keeping the latest timestamp
// and sorts by timestamp descending.
func (cs Changes) Normalize() Changes {
	latest := map[string]time.Time{}
	for _, entry := range cs {
		if t, ok := latest[entry.Path]; !ok || entry.Time.After(t) {
			latest[entry.Path] = entry.Time
		}
	}
	out := make(Changes, 0, len(latest))
	for path, t := range latest {
		out = append(out, ChangeEntry{Path: path, Time: t})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Time.Equal(out[j].Time) {
			return out[i].Time.After(out[j].Time)
		}
		return out[i].Path < out[j].Path
	})
	return out
}

// ChangeFilter implements the differential sync semantics over
// an enumerated reference stream.
type ChangeFilter struct {
	// Since drops references changed strictly before it.
	Since *time.Time
	// Until drops references changed after it.
	Until *time.Time
	// LocalRoot enables the local mtime skip when set: a local
	// copy at least as new as the change entry is not fetched.
	LocalRoot string
	// Force disables the local mtime skip.
	Force bool
}

// Accept decides whether a reference needs to be visited.
// The second return value tells if the reference was skipped
// because the local copy is current (as opposed to being
// outside the requested time range).
func (cf *ChangeFilter) Accept(ref *DocumentReference) (bool, bool) {
	if cf == nil {
		return true, false
	}
	if cf.Since != nil && ref.Changed.Before(*cf.Since) {
		return false, false
	}
	if cf.Until != nil && ref.Changed.After(*cf.Until) {
		return false, false
	}
	if cf.LocalRoot != "" && !cf.Force && ref.RelPath != "" {
		local := filepath.Join(cf.LocalRoot, filepath.FromSlash(ref.RelPath))
		if !util.InsideRoot(cf.LocalRoot, ref.RelPath) {
			return true, false
		}
		if st, err := os.Stat(local); err == nil {
			if !ref.Changed.IsZero() && !st.ModTime().Before(ref.Changed) {
				return false, true
			}
		}
	}
	return true, false
}

// ReadSinceFile reads the timestamp stored in a since file.
// A missing file yields the fallback.
func ReadSinceFile(path string, fallback *time.Time) (*time.Time, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fallback, nil
		}
		return nil, err
	}
	t, err := time.Parse(time.RFC3339, string(bytes.TrimSpace(data)))
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// WriteSinceFile overwrites the since file with the given time.
func WriteSinceFile(path string, t time.Time) error {
	return util.WriteFileAtomic(
		path, []byte(t.UTC().Format(time.RFC3339)+"\n"), 0644)
}
