// This file is Free Software under the Apache-2.0 License
// without warranty, see README.md and LICENSES/Apache-2.0.txt for details.
//
// SPDX-License-Identifier: Apache-2.0

package walker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/xattr"

	"github.com/advmirror/advmirror/pkg/errs"
	"github.com/advmirror/advmirror/util"
)

// Extended attributes exported on stored documents. They enable a
// lossless re-upload of a mirrored tree.
const (
	xattrOriginURL = "user.advmirror.origin-url"
	xattrETag      = "user.advmirror.etag"
)

// lockFile guards a destination directory against concurrent runs.
const lockFile = ".lock"

// keysDir is where extracted public keys are placed below the root.
const keysDir = "keys"

// Store writes validated documents and their sidecars atomically
// into a content tree and maintains its change log.
type Store struct {
	// Root is the destination directory.
	Root string
	// Report observes the writes; may be nil.
	Report *Report

	lock *flock.Flock

	mu      sync.Mutex
	changes Changes
	dirs    map[string]bool
}

// NewStore opens a destination directory. The directory is
// created if missing, locked against concurrent runs, and an
// existing change log is carried over.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, errs.ErrDestination{Message: fmt.Sprintf(
			"cannot create %q: %v", root, err)}
	}
	lock := flock.New(filepath.Join(root, lockFile))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, errs.ErrDestination{Message: fmt.Sprintf(
			"cannot lock %q: %v", root, err)}
	}
	if !locked {
		return nil, errs.ErrDestination{Message: fmt.Sprintf(
			"%q is locked by another run", root)}
	}

	st := &Store{
		Root: root,
		lock: lock,
		dirs: map[string]bool{},
	}
	if changes, err := LoadChangesFile(root); err == nil {
		st.changes = changes
	} else if !os.IsNotExist(err) {
		lock.Unlock()
		return nil, errs.ErrDestination{Message: fmt.Sprintf(
			"cannot read change log of %q: %v", root, err)}
	}
	return st, nil
}

// VisitVerified implements [VerifiedVisitor]: the document and
// its present sidecars are flushed to disk before the change log
// entry is recorded.
func (st *Store) VisitVerified(
	_ context.Context,
	doc *VerifiedDocument,
) error {
	return st.write(&doc.ValidatedDocument)
}

// VisitValidated implements [ValidatedVisitor] for chains which
// skip the verifier, e.g. plain downloads.
func (st *Store) VisitValidated(
	_ context.Context,
	doc *ValidatedDocument,
) error {
	return st.write(doc)
}

func (st *Store) write(doc *ValidatedDocument) error {
	rel := doc.Ref.RelPath
	if rel == "" || !util.InsideRoot(st.Root, rel) {
		return errs.ErrInvalidDocument{Message: fmt.Sprintf(
			"document %s has an unusable path %q", doc.Ref.URL, rel)}
	}
	target := filepath.Join(st.Root, filepath.FromSlash(rel))

	if err := st.mkdirAll(filepath.Dir(target)); err != nil {
		return errs.ErrDestination{Message: err.Error()}
	}

	for _, part := range []struct {
		path string
		data []byte
	}{
		{target, doc.Body},
		{target + ".sha256", doc.SHA256Data},
		{target + ".sha512", doc.SHA512Data},
		{target + ".asc", doc.Signature},
	} {
		if part.data == nil {
			continue
		}
		if err := util.WriteFileAtomic(part.path, part.data, 0644); err != nil {
			// The document is dropped from the change log; a
			// retry next run is safe.
			return errs.ErrDestination{Message: fmt.Sprintf(
				"writing %q failed: %v", part.path, err)}
		}
	}

	modTime := doc.LastModified
	if modTime.IsZero() {
		modTime = time.Now().UTC()
	}
	if err := os.Chtimes(target, modTime, modTime); err != nil {
		slog.Warn("Cannot set file times", "path", target, "error", err)
	}
	st.writeAttrs(target, doc)

	entryTime := doc.Ref.Changed
	if entryTime.IsZero() {
		entryTime = modTime
	}
	st.mu.Lock()
	st.changes = append(st.changes, ChangeEntry{Path: rel, Time: entryTime})
	st.mu.Unlock()

	if st.Report != nil {
		st.Report.Sunk(&doc.Ref)
	}
	slog.Info("Written document", "path", target)
	return nil
}

// writeAttrs exports the origin URL and the upstream ETag as
// extended attributes. Filesystems without xattr support only
// get a debug line.
func (st *Store) writeAttrs(target string, doc *ValidatedDocument) {
	for _, attr := range []struct {
		name  string
		value string
	}{
		{xattrOriginURL, doc.Ref.URL},
		{xattrETag, doc.ETag},
	} {
		if attr.value == "" {
			continue
		}
		if err := xattr.Set(target, attr.name, []byte(attr.value)); err != nil {
			slog.Debug("Cannot set extended attribute",
				"path", target,
				"attribute", attr.name,
				"error", err)
			return
		}
	}
}

func (st *Store) mkdirAll(dir string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.dirs[dir] {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	st.dirs[dir] = true
	return nil
}

// StoreKeys extracts the trust root into keys/<fingerprint>.asc
// below the destination root.
func (st *Store) StoreKeys(trust *TrustRoot) error {
	if trust.Empty() {
		return nil
	}
	dir := filepath.Join(st.Root, keysDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errs.ErrDestination{Message: err.Error()}
	}
	for _, fp := range trust.Fingerprints() {
		armored := trust.ArmoredKey(fp)
		if armored == nil {
			continue
		}
		path := filepath.Join(dir, util.CleanFileName(fp)+".asc")
		if err := util.WriteFileAtomic(path, armored, 0644); err != nil {
			return errs.ErrDestination{Message: err.Error()}
		}
	}
	return nil
}

// Close rewrites the change log and releases the directory lock.
// Entries are deduplicated by path and sorted newest first.
func (st *Store) Close() error {
	defer st.lock.Unlock()

	st.mu.Lock()
	changes := st.changes.Normalize()
	st.mu.Unlock()

	tmp := filepath.Join(st.Root, ChangesCSV+".tmp")
	f, err := os.Create(tmp)
	if err != nil {
		return errs.ErrDestination{Message: err.Error()}
	}
	if err := changes.Write(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return errs.ErrDestination{Message: err.Error()}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errs.ErrDestination{Message: err.Error()}
	}
	if err := os.Rename(tmp, filepath.Join(st.Root, ChangesCSV)); err != nil {
		os.Remove(tmp)
		return errs.ErrDestination{Message: err.Error()}
	}
	return nil
}
